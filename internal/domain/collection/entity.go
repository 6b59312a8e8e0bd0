// Package collection holds the plain entity types the pipeline scans,
// decodes, and caches images for.
package collection

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type distinguishes a plain folder collection from an archive-backed one;
// the scan worker enumerates each differently (top-level-only folder walk vs
// archive-member listing).
type Type string

const (
	TypeFolder  Type = "folder"
	TypeArchive Type = "archive"
)

type Collection struct {
	ID          uuid.UUID
	LibraryID   uuid.UUID
	Name        string
	Type        Type
	SourcePath  string
	CacheFolder string // cache folder id assigned by internal/cachefolder
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (c Collection) Validate() error {
	if c.ID == uuid.Nil {
		return fmt.Errorf("collection: id is required")
	}
	if c.SourcePath == "" {
		return fmt.Errorf("collection: source path is required")
	}
	if c.Type != TypeFolder && c.Type != TypeArchive {
		return fmt.Errorf("collection: invalid type %q", c.Type)
	}
	return nil
}

// Image is one decoded source image belonging to a Collection, addressed by
// its archive.Entry display path.
type Image struct {
	ID           uuid.UUID
	CollectionID uuid.UUID
	DisplayPath  string
	Width        int
	Height       int
	SizeBytes    int64
	Format       string
	IsAnimated   bool
	CreatedAt    time.Time
}

// Thumbnail is one rendered (or, if IsDummy, terminally-failed) thumbnail
// artifact for an Image. ErrorMessage is only set when IsDummy is true.
type Thumbnail struct {
	ID           uuid.UUID
	ImageID      uuid.UUID
	Width        int
	Height       int
	Path         string
	Format       string
	IsDummy      bool
	ErrorMessage string
	CreatedAt    time.Time
}

// CacheImage is one rendered (or, if IsDummy, terminally-failed) cache
// artifact for an Image. ErrorMessage is only set when IsDummy is true.
type CacheImage struct {
	ID           uuid.UUID
	ImageID      uuid.UUID
	CacheFolder  string
	Width        int
	Height       int
	Path         string
	Format       string
	IsDummy      bool
	ErrorMessage string
	CreatedAt    time.Time
}

// Folder is one configured cache root (internal/cachefolder selects among
// these for a given collection). CurrentSizeBytes, TotalFiles, and
// CachedCollections are its accounting fields; they are updated only
// through the datastore's atomic increment/set-add primitives, never by
// read-modify-write.
type Folder struct {
	ID     string
	Name   string
	Path   string
	Active bool

	CurrentSizeBytes  int64
	TotalFiles        int64
	CachedCollections []uuid.UUID
}
