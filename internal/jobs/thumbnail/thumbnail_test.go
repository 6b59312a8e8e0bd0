package thumbnail

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
	djob "github.com/letuhao/media-management-sub010/internal/domain/job"
	"github.com/letuhao/media-management-sub010/internal/jobs/jobstate"
	"github.com/letuhao/media-management-sub010/internal/mediadecoder"
	"github.com/letuhao/media-management-sub010/internal/testutil/memstore"
)

func writeJPEG(t *testing.T, dir, name string) archive.Entry {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 200, A: 255})
		}
	}
	require.NoError(t, jpeg.Encode(f, img, nil))
	return archive.Entry{ArchivePath: path}
}

func TestFlushRendersAndAppendsThumbnail(t *testing.T) {
	store := memstore.New()
	tracker := jobstate.New(store)
	collectionID := uuid.New()
	bgJob := djob.NewBackgroundJob(collectionID)
	require.NoError(t, store.CreateJob(context.Background(), bgJob))
	require.NoError(t, store.SetStageTotal(context.Background(), bgJob.ID, djob.StageThumbnail, 1))
	tracker.RegisterJob(collectionID, bgJob.ID)

	dir := t.TempDir()
	entry := writeJPEG(t, dir, "source.jpg")

	cfg := Config{MaxBatchSize: 10, OutputDir: t.TempDir(), Width: 16, Height: 16, Format: mediadecoder.FormatJPEG, Quality: 80, MaxEntrySize: 0}
	p := NewProcessor(store, mediadecoder.New(mediadecoder.DefaultConfig()), cfg, tracker)

	imageID := uuid.New()
	require.NoError(t, p.flush(context.Background(), collectionID.String(), []Item{{ImageID: imageID, Entry: entry}}))

	require.Len(t, store.Thumbnails, 1)
	assert.False(t, store.Thumbnails[0].IsDummy)

	counts, err := store.GetStageCounts(context.Background(), bgJob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[djob.StageThumbnail].Completed)
}

func TestFlushSkipsAlreadyCommittedArtifact(t *testing.T) {
	store := memstore.New()
	tracker := jobstate.New(store)
	collectionID := uuid.New()
	bgJob := djob.NewBackgroundJob(collectionID)
	require.NoError(t, store.CreateJob(context.Background(), bgJob))
	tracker.RegisterJob(collectionID, bgJob.ID)

	dir := t.TempDir()
	entry := writeJPEG(t, dir, "source.jpg")

	cfg := Config{MaxBatchSize: 10, OutputDir: t.TempDir(), Width: 16, Height: 16, Format: mediadecoder.FormatJPEG, Quality: 80}
	p := NewProcessor(store, mediadecoder.New(mediadecoder.DefaultConfig()), cfg, tracker)

	imageID := uuid.New()
	item := Item{ImageID: imageID, Entry: entry}

	require.NoError(t, p.flush(context.Background(), collectionID.String(), []Item{item}))
	require.Len(t, store.Thumbnails, 1)

	require.NoError(t, p.flush(context.Background(), collectionID.String(), []Item{item}))
	assert.Len(t, store.Thumbnails, 1)
}

func TestFlushReusesResumeIncompleteArtifact(t *testing.T) {
	store := memstore.New()
	tracker := jobstate.New(store)
	collectionID := uuid.New()
	bgJob := djob.NewBackgroundJob(collectionID)
	require.NoError(t, store.CreateJob(context.Background(), bgJob))
	tracker.RegisterJob(collectionID, bgJob.ID)

	dir := t.TempDir()
	entry := writeJPEG(t, dir, "source.jpg")

	outDir := t.TempDir()
	cfg := Config{MaxBatchSize: 10, OutputDir: outDir, Width: 16, Height: 16, Format: mediadecoder.FormatJPEG, Quality: 80}
	p := NewProcessor(store, mediadecoder.New(mediadecoder.DefaultConfig()), cfg, tracker)

	imageID := uuid.New()

	// simulate a crash between disk write and store commit.
	destDir := filepath.Join(outDir, collectionID.String())
	require.NoError(t, os.MkdirAll(destDir, 0o755))
	destPath := filepath.Join(destDir, imageID.String()+".jpg")
	data, err := os.ReadFile(filepath.Join(dir, "source.jpg"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(destPath, data, 0o644))

	require.NoError(t, p.flush(context.Background(), collectionID.String(), []Item{{ImageID: imageID, Entry: entry}}))

	require.Len(t, store.Thumbnails, 1)
	assert.Equal(t, destPath, store.Thumbnails[0].Path)
}

func TestReadEntryRejectsOversizedRegularFile(t *testing.T) {
	dir := t.TempDir()
	entry := writeJPEG(t, dir, "source.jpg")
	info, err := os.Stat(entry.ArchivePath)
	require.NoError(t, err)

	_, err = readEntry(entry, info.Size()-1)
	require.Error(t, err)
}

func TestFlushRecordsDummyOnMissingSource(t *testing.T) {
	store := memstore.New()
	tracker := jobstate.New(store)
	collectionID := uuid.New()
	bgJob := djob.NewBackgroundJob(collectionID)
	require.NoError(t, store.CreateJob(context.Background(), bgJob))
	tracker.RegisterJob(collectionID, bgJob.ID)

	cfg := Config{MaxBatchSize: 10, OutputDir: t.TempDir(), Width: 16, Height: 16, Format: mediadecoder.FormatJPEG, Quality: 80}
	p := NewProcessor(store, mediadecoder.New(mediadecoder.DefaultConfig()), cfg, tracker)

	imageID := uuid.New()
	missing := archive.Entry{ArchivePath: filepath.Join(t.TempDir(), "does-not-exist.jpg")}
	require.NoError(t, p.flush(context.Background(), collectionID.String(), []Item{{ImageID: imageID, Entry: missing}}))

	require.Len(t, store.Thumbnails, 1)
	assert.True(t, store.Thumbnails[0].IsDummy)
}
