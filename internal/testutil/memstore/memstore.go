// Package memstore is an in-memory datastore.Store used by the job-package
// tests in place of a real (but ephemeral) Postgres instance, so package
// tests don't require a database.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/letuhao/media-management-sub010/internal/datastore"
	"github.com/letuhao/media-management-sub010/internal/domain/collection"
	"github.com/letuhao/media-management-sub010/internal/domain/job"
)

type Store struct {
	mu sync.Mutex

	Collections  map[uuid.UUID]collection.Collection
	Images       map[uuid.UUID]collection.Image
	Thumbnails   []collection.Thumbnail
	CacheImages  []collection.CacheImage
	Jobs         map[uuid.UUID]*job.BackgroundJob
	FileStates   map[uuid.UUID]job.FileProcessingJobState
	CacheFolders map[string]*collection.Folder

	// imagesByKey dedups AppendImage the same way the real schema's unique
	// index does. thumbByKey/cacheByKey are keyed on (imageID, width,
	// height), matching the real schema's UNIQUE (image_id, width, height).
	imagesByKey map[string]bool
	thumbByKey  map[string]bool
	cacheByKey  map[string]bool
}

func New() *Store {
	return &Store{
		Collections:  make(map[uuid.UUID]collection.Collection),
		Images:       make(map[uuid.UUID]collection.Image),
		Jobs:         make(map[uuid.UUID]*job.BackgroundJob),
		FileStates:   make(map[uuid.UUID]job.FileProcessingJobState),
		CacheFolders: make(map[string]*collection.Folder),
		imagesByKey:  make(map[string]bool),
		thumbByKey:   make(map[string]bool),
		cacheByKey:   make(map[string]bool),
	}
}

func thumbKey(imageID uuid.UUID, width, height int) string {
	return fmt.Sprintf("%s|%d|%d", imageID, width, height)
}

func (s *Store) GetCollection(_ context.Context, id uuid.UUID) (collection.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Collections[id]
	if !ok {
		return collection.Collection{}, datastore.ErrNotFound
	}
	return c, nil
}

func (s *Store) AppendImage(_ context.Context, img collection.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := img.CollectionID.String() + "|" + img.DisplayPath
	if s.imagesByKey[key] {
		return nil
	}
	s.imagesByKey[key] = true
	s.Images[img.ID] = img
	return nil
}

func (s *Store) AppendThumbnail(_ context.Context, thumb collection.Thumbnail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := thumbKey(thumb.ImageID, thumb.Width, thumb.Height)
	if s.thumbByKey[key] {
		return nil
	}
	s.thumbByKey[key] = true
	s.Thumbnails = append(s.Thumbnails, thumb)
	return nil
}

func (s *Store) AppendCacheImage(_ context.Context, ci collection.CacheImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := thumbKey(ci.ImageID, ci.Width, ci.Height)
	if s.cacheByKey[key] {
		return nil
	}
	s.cacheByKey[key] = true
	s.CacheImages = append(s.CacheImages, ci)
	return nil
}

// AppendThumbnails commits a whole batch under a single lock acquisition,
// mirroring the single-statement atomicity PostgresStore gives via one
// multi-row INSERT.
func (s *Store) AppendThumbnails(_ context.Context, list []collection.Thumbnail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range list {
		key := thumbKey(t.ImageID, t.Width, t.Height)
		if s.thumbByKey[key] {
			continue
		}
		s.thumbByKey[key] = true
		s.Thumbnails = append(s.Thumbnails, t)
	}
	return nil
}

func (s *Store) AppendCacheImages(_ context.Context, list []collection.CacheImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range list {
		key := thumbKey(c.ImageID, c.Width, c.Height)
		if s.cacheByKey[key] {
			continue
		}
		s.cacheByKey[key] = true
		s.CacheImages = append(s.CacheImages, c)
	}
	return nil
}

func (s *Store) GetThumbnail(_ context.Context, imageID uuid.UUID, width, height int) (collection.Thumbnail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.Thumbnails {
		if t.ImageID == imageID && t.Width == width && t.Height == height {
			return t, nil
		}
	}
	return collection.Thumbnail{}, datastore.ErrNotFound
}

func (s *Store) GetCacheImage(_ context.Context, imageID uuid.UUID, width, height int) (collection.CacheImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.CacheImages {
		if c.ImageID == imageID && c.Width == width && c.Height == height {
			return c, nil
		}
	}
	return collection.CacheImage{}, datastore.ErrNotFound
}

func (s *Store) RegisterCacheFolder(_ context.Context, f collection.Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.CacheFolders[f.ID]
	if !ok {
		cp := f
		s.CacheFolders[f.ID] = &cp
		return nil
	}
	existing.Name = f.Name
	existing.Path = f.Path
	existing.Active = f.Active
	return nil
}

func (s *Store) IncrementCacheFolder(_ context.Context, folderID string, bytesDelta, filesDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.CacheFolders[folderID]
	if !ok {
		return datastore.ErrNotFound
	}
	f.CurrentSizeBytes += bytesDelta
	f.TotalFiles += filesDelta
	return nil
}

func (s *Store) AddCachedCollection(_ context.Context, folderID string, collectionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.CacheFolders[folderID]
	if !ok {
		return datastore.ErrNotFound
	}
	for _, id := range f.CachedCollections {
		if id == collectionID {
			return nil
		}
	}
	f.CachedCollections = append(f.CachedCollections, collectionID)
	return nil
}

func (s *Store) CreateJob(_ context.Context, j *job.BackgroundJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Jobs[j.ID]; ok {
		return nil
	}
	s.Jobs[j.ID] = j
	return nil
}

func (s *Store) SetStageTotal(_ context.Context, jobID uuid.UUID, stage job.Stage, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.Jobs[jobID]
	if !ok {
		return datastore.ErrNotFound
	}
	j.StageCounts[stage].Total += total
	return nil
}

func (s *Store) IncrementStage(_ context.Context, jobID uuid.UUID, stage job.Stage, completedDelta, failedDelta int64) (job.StageCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.Jobs[jobID]
	if !ok {
		return job.StageCount{}, datastore.ErrNotFound
	}
	sc := j.StageCounts[stage]
	sc.Completed += completedDelta
	sc.Failed += failedDelta
	return *sc, nil
}

func (s *Store) GetStageCounts(_ context.Context, jobID uuid.UUID) (map[job.Stage]job.StageCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.Jobs[jobID]
	if !ok {
		return nil, datastore.ErrNotFound
	}
	result := make(map[job.Stage]job.StageCount, len(j.StageCounts))
	for st, sc := range j.StageCounts {
		result[st] = *sc
	}
	return result, nil
}

func (s *Store) CountActualStage(_ context.Context, jobID uuid.UUID, stage job.Stage) (job.StageCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sc job.StageCount
	for _, st := range s.FileStates {
		if st.JobID != jobID || st.Stage != stage {
			continue
		}
		switch st.Status {
		case job.StatusCompleted:
			sc.Total++
			sc.Completed++
		case job.StatusFailed:
			sc.Total++
			sc.Failed++
		}
	}
	return sc, nil
}

func (s *Store) UpsertFileProcessingState(_ context.Context, st job.FileProcessingJobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FileStates[st.ID] = st
	return nil
}

var _ datastore.Store = (*Store)(nil)
