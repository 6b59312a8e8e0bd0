// Package jobstate is the C10 job state / stage tracker. It owns the
// mapping from a collection to the BackgroundJob its active scan created
// (so the downstream image/thumbnail/cache workers can attribute their
// progress increments to the right job without the caller threading a job
// id through every queue message), and it owns the dummy-entry bookkeeping
// a terminal per-image failure requires: a poison failure during image
// processing never reaches the thumbnail/cache fan-out, so a dummy
// thumbnail and dummy cache row are recorded in its place; a size-limit
// failure records only a dummy cache row, per the thumbnail/cache asymmetry
// the pipeline's failure policy spells out.
package jobstate

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/letuhao/media-management-sub010/internal/datastore"
	"github.com/letuhao/media-management-sub010/internal/domain/collection"
	"github.com/letuhao/media-management-sub010/internal/domain/job"
	"github.com/letuhao/media-management-sub010/internal/jobs/errkind"
)

// Tracker is shared by the scan, image, thumbnail, and cache workers within
// one worker process.
type Tracker struct {
	store datastore.Store

	mu        sync.RWMutex
	jobByColl map[uuid.UUID]uuid.UUID
}

func New(store datastore.Store) *Tracker {
	return &Tracker{store: store, jobByColl: make(map[uuid.UUID]uuid.UUID)}
}

// RegisterJob records which BackgroundJob is currently active for a
// collection. The scan worker calls this right after CreateJob.
func (t *Tracker) RegisterJob(collectionID, jobID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobByColl[collectionID] = jobID
}

// TrackedJobs lists every job currently registered, for the reconciler
// (C12) to sweep. It satisfies reconciler.JobLister.
func (t *Tracker) TrackedJobs() []uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	jobs := make([]uuid.UUID, 0, len(t.jobByColl))
	for _, id := range t.jobByColl {
		jobs = append(jobs, id)
	}
	return jobs
}

// JobIDFor resolves the active job for a collection, or uuid.Nil if none is
// registered (e.g. in tests that drive a worker directly without a scan).
// This is handed to the thumbnail/cache processors as their jobID resolver.
func (t *Tracker) JobIDFor(collectionID uuid.UUID) uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.jobByColl[collectionID]
}

// RecordImageFailure handles a terminal failure discovered before an image
// could be probed and fanned out: it persists a placeholder Image row (so
// the thumbnail/cache foreign keys have something to point at), a dummy
// thumbnail and dummy cache entry (unless sizeLimit, which per policy skips
// the thumbnail dummy), a failed FileProcessingJobState for the image
// stage, and increments the thumbnail/cache stage counters since those
// stages will never see this image directly.
func (t *Tracker) RecordImageFailure(ctx context.Context, jobID, collectionID uuid.UUID, displayPath string, cause error) error {
	kind := errkind.Classify(cause)
	imageID := uuid.New()

	img := collection.Image{ID: imageID, CollectionID: collectionID, DisplayPath: displayPath, Format: "unknown"}
	if err := t.store.AppendImage(ctx, img); err != nil {
		return err
	}

	if err := t.store.UpsertFileProcessingState(ctx, job.FileProcessingJobState{
		ID: uuid.New(), JobID: jobID, ImageID: imageID, Stage: job.StageImage,
		Status: job.StatusFailed, LastError: cause.Error(),
	}); err != nil {
		return err
	}

	if kind != errkind.SizeLimit {
		if err := t.store.AppendThumbnail(ctx, collection.Thumbnail{
			ID: uuid.New(), ImageID: imageID, IsDummy: true, ErrorMessage: cause.Error(),
		}); err != nil {
			return err
		}
	}
	if err := t.store.AppendCacheImage(ctx, collection.CacheImage{
		ID: uuid.New(), ImageID: imageID, IsDummy: true, ErrorMessage: cause.Error(),
	}); err != nil {
		return err
	}

	if jobID == uuid.Nil {
		return nil
	}
	if _, err := t.store.IncrementStage(ctx, jobID, job.StageThumbnail, 0, 1); err != nil {
		return err
	}
	if _, err := t.store.IncrementStage(ctx, jobID, job.StageCache, 0, 1); err != nil {
		return err
	}
	return nil
}

// RecordThumbnailFailure handles a per-item failure discovered while
// rendering a batch within the thumbnail worker: a dummy thumbnail entry
// always records the terminal state (the thumbnail/cache asymmetry only
// applies to size-limit failures originating upstream at image processing).
func (t *Tracker) RecordThumbnailFailure(ctx context.Context, jobID, imageID uuid.UUID, cause error) error {
	if err := t.store.AppendThumbnail(ctx, collection.Thumbnail{
		ID: uuid.New(), ImageID: imageID, IsDummy: true, ErrorMessage: cause.Error(),
	}); err != nil {
		return err
	}
	return t.store.UpsertFileProcessingState(ctx, job.FileProcessingJobState{
		ID: uuid.New(), JobID: jobID, ImageID: imageID, Stage: job.StageThumbnail,
		Status: job.StatusFailed, LastError: cause.Error(),
	})
}

// RecordCacheFailure is RecordThumbnailFailure's cache-stage counterpart.
func (t *Tracker) RecordCacheFailure(ctx context.Context, jobID, imageID uuid.UUID, cause error) error {
	if err := t.store.AppendCacheImage(ctx, collection.CacheImage{
		ID: uuid.New(), ImageID: imageID, IsDummy: true, ErrorMessage: cause.Error(),
	}); err != nil {
		return err
	}
	return t.store.UpsertFileProcessingState(ctx, job.FileProcessingJobState{
		ID: uuid.New(), JobID: jobID, ImageID: imageID, Stage: job.StageCache,
		Status: job.StatusFailed, LastError: cause.Error(),
	})
}
