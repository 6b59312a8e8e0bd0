package scan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letuhao/media-management-sub010/internal/archive"
	"github.com/letuhao/media-management-sub010/internal/domain/collection"
	"github.com/letuhao/media-management-sub010/internal/jobs/jobstate"
	"github.com/letuhao/media-management-sub010/internal/mediadecoder"
	"github.com/letuhao/media-management-sub010/internal/testutil/memstore"
)

type fakeEnqueuer struct {
	direct  []archive.Entry
	queued  []archive.Entry
	failNext bool
}

func (f *fakeEnqueuer) ProcessDirect(_ context.Context, _ uuid.UUID, entry archive.Entry) error {
	if f.failNext {
		f.failNext = false
		return assert.AnError
	}
	f.direct = append(f.direct, entry)
	return nil
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, _ uuid.UUID, entry archive.Entry) error {
	f.queued = append(f.queued, entry)
	return nil
}

func TestProcessTaskEnumeratesTopLevelFolderOnly(t *testing.T) {
	store := memstore.New()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.jpg"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "c.jpg"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "archive.zip"), []byte("x"), 0o644))

	col := collection.Collection{ID: uuid.New(), Type: collection.TypeFolder, SourcePath: dir}
	store.Collections[col.ID] = col

	enq := &fakeEnqueuer{}
	decoder := mediadecoder.New(mediadecoder.DefaultConfig())
	p := NewProcessor(store, enq, decoder, jobstate.New(store), 0)

	task, err := NewScanTask(col.ID, false)
	require.NoError(t, err)

	require.NoError(t, p.ProcessTask(context.Background(), task))
	assert.Len(t, enq.queued, 2) // a.jpg, b.jpg only — nested dir and nested archive skipped
}

func TestProcessTaskRejectsFolderWithIncludeSubfolders(t *testing.T) {
	store := memstore.New()
	dir := t.TempDir()
	col := collection.Collection{ID: uuid.New(), Type: collection.TypeFolder, SourcePath: dir}
	store.Collections[col.ID] = col

	enq := &fakeEnqueuer{}
	decoder := mediadecoder.New(mediadecoder.DefaultConfig())
	p := NewProcessor(store, enq, decoder, jobstate.New(store), 0)

	task, err := NewScanTask(col.ID, true)
	require.NoError(t, err)

	require.NoError(t, p.ProcessTask(context.Background(), task)) // acked, not retried
	assert.Empty(t, enq.queued)
	assert.Empty(t, enq.direct)
}

func TestProcessTaskForcesDirectAccessForVideoEntries(t *testing.T) {
	store := memstore.New()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mp4"), []byte("x"), 0o644))

	col := collection.Collection{ID: uuid.New(), Type: collection.TypeFolder, SourcePath: dir}
	store.Collections[col.ID] = col

	enq := &fakeEnqueuer{}
	decoder := mediadecoder.New(mediadecoder.DefaultConfig())
	p := NewProcessor(store, enq, decoder, jobstate.New(store), 0)

	task, err := NewScanTask(col.ID, false)
	require.NoError(t, err)

	require.NoError(t, p.ProcessTask(context.Background(), task))
	assert.Len(t, enq.direct, 1)
	assert.Empty(t, enq.queued)
}
