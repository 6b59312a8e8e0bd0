package cachefolder

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letuhao/media-management-sub010/internal/domain/collection"
)

func folders() []collection.Folder {
	return []collection.Folder{
		{ID: "c", Name: "Gamma", Path: "/mnt/c", Active: true},
		{ID: "a", Name: "Alpha", Path: "/mnt/a", Active: true},
		{ID: "b", Name: "Beta", Path: "/mnt/b", Active: false},
	}
}

func TestSelectIsDeterministic(t *testing.T) {
	id := uuid.New()
	first, err := Select(folders(), id)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		again, err := Select(folders(), id)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSelectSkipsInactiveFolders(t *testing.T) {
	id := uuid.New()
	for i := 0; i < 50; i++ {
		f, err := Select(folders(), uuid.New())
		require.NoError(t, err)
		assert.NotEqual(t, "b", f.ID)
	}
	_ = id
}

func TestSelectReturnsErrorWithNoActiveFolders(t *testing.T) {
	_, err := Select([]collection.Folder{{ID: "x", Active: false}}, uuid.New())
	assert.ErrorIs(t, err, ErrNoActiveFolders)
}
