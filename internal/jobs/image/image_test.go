package image

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letuhao/media-management-sub010/internal/archive"
	"github.com/letuhao/media-management-sub010/internal/jobs/jobstate"
	"github.com/letuhao/media-management-sub010/internal/mediadecoder"
	"github.com/letuhao/media-management-sub010/internal/testutil/memstore"
)

type fakeFanout struct {
	calls []uuid.UUID
}

func (f *fakeFanout) Enqueue(_ context.Context, _, imageID uuid.UUID, _ archive.Entry, _ bool, _, _ int, _ int64) error {
	f.calls = append(f.calls, imageID)
	return nil
}

func TestProcessDirectPersistsImageAndFansOut(t *testing.T) {
	store := memstore.New()
	col := writeTestCollectionFolder(t, store)

	thumbs := &fakeFanout{}
	cache := &fakeFanout{}
	decoder := mediadecoder.New(mediadecoder.DefaultConfig())
	p := NewProcessor(store, decoder, thumbs, cache, nil, publishOptsUnused(), jobstate.New(store), 0, 0)

	entry := writeJPEGFixture(t, col.SourcePath)

	err := p.ProcessDirect(context.Background(), col.ID, entry)
	require.NoError(t, err)

	assert.Len(t, store.Images, 1)
	assert.Len(t, thumbs.calls, 1)
	assert.Len(t, cache.calls, 1)
}

func TestProcessDirectMissingFileRecordsFailureAndAcks(t *testing.T) {
	store := memstore.New()
	col := writeTestCollectionFolder(t, store)
	decoder := mediadecoder.New(mediadecoder.DefaultConfig())
	p := NewProcessor(store, decoder, &fakeFanout{}, &fakeFanout{}, nil, publishOptsUnused(), jobstate.New(store), 0, 0)

	entry := archive.Entry{ArchivePath: col.SourcePath + "/does-not-exist.jpg"}
	err := p.ProcessDirect(context.Background(), col.ID, entry)
	assert.NoError(t, err) // poison: acked, not retried
	assert.Len(t, store.FileStates, 1)
}
