package errkind

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, Poison, Classify(fmt.Errorf("wrap: %w", ErrCorruptedArchive)))
	assert.Equal(t, Transient, Classify(fmt.Errorf("wrap: %w", ErrStoreUnavailable)))
	assert.Equal(t, SizeLimit, Classify(fmt.Errorf("wrap: %w", ErrSourceTooLarge)))
	assert.Equal(t, Unknown, Classify(fmt.Errorf("some other failure")))
	assert.Equal(t, Unknown, Classify(nil))
}

func TestKindPredicates(t *testing.T) {
	assert.True(t, Poison.IsPoison())
	assert.True(t, SizeLimit.IsPoison())
	assert.False(t, Transient.IsPoison())
	assert.True(t, Transient.IsTransient())
}
