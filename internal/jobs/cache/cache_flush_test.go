package cache

import (
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letuhao/media-management-sub010/internal/archive"
	"github.com/letuhao/media-management-sub010/internal/domain/collection"
	djob "github.com/letuhao/media-management-sub010/internal/domain/job"
	"github.com/letuhao/media-management-sub010/internal/jobs/jobstate"
	"github.com/letuhao/media-management-sub010/internal/mediadecoder"
	"github.com/letuhao/media-management-sub010/internal/testutil/memstore"
)

func writeJPEGAt(t *testing.T, path string, size int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	require.NoError(t, jpeg.Encode(f, img, nil))
}

func newTestProcessor(t *testing.T, store *memstore.Store, tracker *jobstate.Tracker, cfg Config) *Processor {
	folders := []collection.Folder{{ID: "f1", Path: t.TempDir(), Active: true}}
	require.NoError(t, store.RegisterCacheFolder(context.Background(), folders[0]))
	return NewProcessor(store, mediadecoder.New(mediadecoder.DefaultConfig()), cfg, folders, tracker)
}

func TestFlushPreserveOriginalBypassesReencodeForSmallSource(t *testing.T) {
	store := memstore.New()
	tracker := jobstate.New(store)
	collectionID := uuid.New()
	bgJob := djob.NewBackgroundJob(collectionID)
	require.NoError(t, store.CreateJob(context.Background(), bgJob))
	tracker.RegisterJob(collectionID, bgJob.ID)

	dir := t.TempDir()
	path := filepath.Join(dir, "small.jpg")
	writeJPEGAt(t, path, 32)

	cfg := Config{MaxBatchSize: 10, Width: 256, Height: 256, Format: mediadecoder.FormatJPEG, RequestedQuality: 90, PreserveOriginal: true}
	p := newTestProcessor(t, store, tracker, cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)

	item := Item{ImageID: uuid.New(), CollectionID: collectionID, Entry: archive.Entry{ArchivePath: path}, SourceWidth: 32, SourceHeight: 32, SourceBytes: info.Size()}
	require.NoError(t, p.flush(context.Background(), collectionID.String(), []Item{item}))

	require.Len(t, store.CacheImages, 1)
	assert.False(t, store.CacheImages[0].IsDummy)
}

func TestFlushSmallSourceReencodesAtQuality100WhenNotPreservingOriginal(t *testing.T) {
	store := memstore.New()
	tracker := jobstate.New(store)
	collectionID := uuid.New()
	bgJob := djob.NewBackgroundJob(collectionID)
	require.NoError(t, store.CreateJob(context.Background(), bgJob))
	tracker.RegisterJob(collectionID, bgJob.ID)

	dir := t.TempDir()
	path := filepath.Join(dir, "small.jpg")
	writeJPEGAt(t, path, 32)
	original, err := os.ReadFile(path)
	require.NoError(t, err)

	cfg := Config{MaxBatchSize: 10, Width: 256, Height: 256, Format: mediadecoder.FormatJPEG, RequestedQuality: 90, PreserveOriginal: false}
	p := newTestProcessor(t, store, tracker, cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)

	item := Item{ImageID: uuid.New(), CollectionID: collectionID, Entry: archive.Entry{ArchivePath: path}, SourceWidth: 32, SourceHeight: 32, SourceBytes: info.Size()}
	require.NoError(t, p.flush(context.Background(), collectionID.String(), []Item{item}))

	require.Len(t, store.CacheImages, 1)
	assert.False(t, store.CacheImages[0].IsDummy)

	written, err := os.ReadFile(store.CacheImages[0].Path)
	require.NoError(t, err)
	// re-encoded, not byte-for-byte copied through
	assert.NotEqual(t, original, written)
}

func TestFlushSkipsAlreadyCommittedArtifact(t *testing.T) {
	store := memstore.New()
	tracker := jobstate.New(store)
	collectionID := uuid.New()
	bgJob := djob.NewBackgroundJob(collectionID)
	require.NoError(t, store.CreateJob(context.Background(), bgJob))
	tracker.RegisterJob(collectionID, bgJob.ID)

	dir := t.TempDir()
	path := filepath.Join(dir, "small.jpg")
	writeJPEGAt(t, path, 32)

	cfg := Config{MaxBatchSize: 10, Width: 256, Height: 256, Format: mediadecoder.FormatJPEG, RequestedQuality: 90, PreserveOriginal: true}
	p := newTestProcessor(t, store, tracker, cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	imageID := uuid.New()
	item := Item{ImageID: imageID, CollectionID: collectionID, Entry: archive.Entry{ArchivePath: path}, SourceWidth: 32, SourceHeight: 32, SourceBytes: info.Size()}

	require.NoError(t, p.flush(context.Background(), collectionID.String(), []Item{item}))
	require.Len(t, store.CacheImages, 1)
	folder := store.CacheFolders["f1"]
	filesAfterFirst := folder.TotalFiles

	// redeliver the same item: already in the store and on disk, must be a
	// true no-op (no duplicate row, no repeated accounting increment).
	require.NoError(t, p.flush(context.Background(), collectionID.String(), []Item{item}))
	assert.Len(t, store.CacheImages, 1)
	assert.Equal(t, filesAfterFirst, folder.TotalFiles)
}

func TestFlushReusesResumeIncompleteArtifact(t *testing.T) {
	store := memstore.New()
	tracker := jobstate.New(store)
	collectionID := uuid.New()
	bgJob := djob.NewBackgroundJob(collectionID)
	require.NoError(t, store.CreateJob(context.Background(), bgJob))
	tracker.RegisterJob(collectionID, bgJob.ID)

	dir := t.TempDir()
	path := filepath.Join(dir, "small.jpg")
	writeJPEGAt(t, path, 32)

	cfg := Config{MaxBatchSize: 10, Width: 256, Height: 256, Format: mediadecoder.FormatJPEG, RequestedQuality: 90, PreserveOriginal: true}
	p := newTestProcessor(t, store, tracker, cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	imageID := uuid.New()
	item := Item{ImageID: imageID, CollectionID: collectionID, Entry: archive.Entry{ArchivePath: path}, SourceWidth: 32, SourceHeight: 32, SourceBytes: info.Size()}

	// simulate a crash between disk write and store commit: the destination
	// file exists, but no CacheImage row was ever appended.
	destDir := filepath.Join(p.folders[0].Path, collectionID.String())
	require.NoError(t, os.MkdirAll(destDir, 0o755))
	destPath := filepath.Join(destDir, imageID.String()+".jpg")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(destPath, data, 0o644))

	require.NoError(t, p.flush(context.Background(), collectionID.String(), []Item{item}))

	require.Len(t, store.CacheImages, 1)
	assert.Equal(t, destPath, store.CacheImages[0].Path)
	assert.Equal(t, int64(1), store.CacheFolders["f1"].TotalFiles)
}

func TestReadEntryRejectsOversizedRegularFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.jpg")
	writeJPEGAt(t, path, 64)
	info, err := os.Stat(path)
	require.NoError(t, err)

	_, err = readEntry(archive.Entry{ArchivePath: path}, info.Size()-1)
	require.Error(t, err)
}

func TestFlushRecordsDummyCacheOnMissingSource(t *testing.T) {
	store := memstore.New()
	tracker := jobstate.New(store)
	collectionID := uuid.New()
	bgJob := djob.NewBackgroundJob(collectionID)
	require.NoError(t, store.CreateJob(context.Background(), bgJob))
	tracker.RegisterJob(collectionID, bgJob.ID)

	cfg := Config{MaxBatchSize: 10, Width: 256, Height: 256, Format: mediadecoder.FormatJPEG, RequestedQuality: 90}
	p := newTestProcessor(t, store, tracker, cfg)

	missing := archive.Entry{ArchivePath: filepath.Join(t.TempDir(), "gone.jpg")}
	item := Item{ImageID: uuid.New(), CollectionID: collectionID, Entry: missing}
	require.NoError(t, p.flush(context.Background(), collectionID.String(), []Item{item}))

	require.Len(t, store.CacheImages, 1)
	assert.True(t, store.CacheImages[0].IsDummy)
}
