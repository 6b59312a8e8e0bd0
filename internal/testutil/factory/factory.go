// Package factory builds realistic fixtures for tests using gofakeit, with
// functional-options constructors for collections and images.
package factory

import (
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/letuhao/media-management-sub010/internal/domain/collection"
	"github.com/letuhao/media-management-sub010/internal/domain/job"
)

type CollectionOption func(*collection.Collection)

func WithCollectionType(t collection.Type) CollectionOption {
	return func(c *collection.Collection) { c.Type = t }
}

func WithSourcePath(path string) CollectionOption {
	return func(c *collection.Collection) { c.SourcePath = path }
}

func NewCollection(opts ...CollectionOption) collection.Collection {
	c := collection.Collection{
		ID:          uuid.New(),
		LibraryID:   uuid.New(),
		Name:        gofakeit.Word(),
		Type:        collection.TypeFolder,
		SourcePath:  "/libraries/" + gofakeit.Word(),
		CacheFolder: "default",
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

type ImageOption func(*collection.Image)

func WithDisplayPath(path string) ImageOption {
	return func(i *collection.Image) { i.DisplayPath = path }
}

func WithDimensions(w, h int) ImageOption {
	return func(i *collection.Image) { i.Width, i.Height = w, h }
}

func WithAnimated(animated bool) ImageOption {
	return func(i *collection.Image) { i.IsAnimated = animated }
}

func NewImage(collectionID uuid.UUID, opts ...ImageOption) collection.Image {
	img := collection.Image{
		ID:           uuid.New(),
		CollectionID: collectionID,
		DisplayPath:  "/libraries/" + gofakeit.Word() + "/" + gofakeit.Word() + ".jpg",
		Width:        gofakeit.Number(400, 4000),
		Height:       gofakeit.Number(400, 4000),
		SizeBytes:    int64(gofakeit.Number(1024, 20*1024*1024)),
		Format:       "jpeg",
		CreatedAt:    time.Now(),
	}
	for _, opt := range opts {
		opt(&img)
	}
	return img
}

func NewBackgroundJob(collectionID uuid.UUID) *job.BackgroundJob {
	return job.NewBackgroundJob(collectionID)
}

func NewFolder(id string, active bool) collection.Folder {
	return collection.Folder{
		ID:     id,
		Name:   gofakeit.Word(),
		Path:   "/mnt/" + id,
		Active: active,
	}
}
