package image

import (
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/letuhao/media-management-sub010/internal/archive"
	"github.com/letuhao/media-management-sub010/internal/broker"
	"github.com/letuhao/media-management-sub010/internal/domain/collection"
	"github.com/letuhao/media-management-sub010/internal/testutil/memstore"
)

func writeTestCollectionFolder(t *testing.T, store *memstore.Store) collection.Collection {
	t.Helper()
	dir := t.TempDir()
	col := collection.Collection{
		ID:         uuid.New(),
		Type:       collection.TypeFolder,
		SourcePath: dir,
	}
	store.Collections[col.ID] = col
	return col
}

func writeJPEGFixture(t *testing.T, dir string) archive.Entry {
	t.Helper()
	path := filepath.Join(dir, "fixture.jpg")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 8), B: 128, A: 255})
		}
	}
	require.NoError(t, jpeg.Encode(f, img, nil))

	return archive.Entry{ArchivePath: path}
}

func publishOptsUnused() broker.PublishOptions {
	return broker.PublishOptions{Queue: broker.QueueImage}
}
