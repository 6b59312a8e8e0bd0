// Package datastore is the C4 data store adapter: atomic array-append and
// atomic increment operations against Postgres, following the same pgx
// repository pattern used elsewhere in this codebase (see DESIGN.md's C4
// entry).
package datastore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/letuhao/media-management-sub010/internal/domain/collection"
	"github.com/letuhao/media-management-sub010/internal/domain/job"
)

var ErrNotFound = errors.New("datastore: not found")

// Store is the port the worker packages (C6-C12) depend on.
type Store interface {
	GetCollection(ctx context.Context, id uuid.UUID) (collection.Collection, error)

	// AppendImage inserts an image row if one doesn't already exist for
	// (collectionID, displayPath); a second call with the same key is a
	// no-op, giving the append operation its idempotent, at-least-once-safe
	// semantics.
	AppendImage(ctx context.Context, img collection.Image) error
	AppendThumbnail(ctx context.Context, thumb collection.Thumbnail) error
	AppendCacheImage(ctx context.Context, ci collection.CacheImage) error

	// AppendThumbnails and AppendCacheImages commit a whole batch in a single
	// atomic call: the batch flush appends every rendered artifact at once,
	// and this write is the serialization point. Unlike the single-row
	// Append* methods above (used for one-off dummy entries), these must
	// never be implemented as a loop of per-row writes.
	AppendThumbnails(ctx context.Context, list []collection.Thumbnail) error
	AppendCacheImages(ctx context.Context, list []collection.CacheImage) error

	GetThumbnail(ctx context.Context, imageID uuid.UUID, width, height int) (collection.Thumbnail, error)
	GetCacheImage(ctx context.Context, imageID uuid.UUID, width, height int) (collection.CacheImage, error)

	// RegisterCacheFolder upserts a configured cache root's identity (not its
	// counters, which only IncrementCacheFolder/AddCachedCollection touch).
	RegisterCacheFolder(ctx context.Context, f collection.Folder) error
	// IncrementCacheFolder atomically adds bytesDelta/filesDelta to a cache
	// folder's counters in a single UPDATE; read-modify-write is forbidden
	// here since concurrent flushes target the same folder.
	IncrementCacheFolder(ctx context.Context, folderID string, bytesDelta, filesDelta int64) error
	// AddCachedCollection adds collectionID to the folder's cachedCollections
	// set; a second call with the same id is a no-op.
	AddCachedCollection(ctx context.Context, folderID string, collectionID uuid.UUID) error

	CreateJob(ctx context.Context, j *job.BackgroundJob) error
	SetStageTotal(ctx context.Context, jobID uuid.UUID, stage job.Stage, total int64) error
	// IncrementStage atomically adds completedDelta/failedDelta to the
	// stage's counters and returns the post-increment counts.
	IncrementStage(ctx context.Context, jobID uuid.UUID, stage job.Stage, completedDelta, failedDelta int64) (job.StageCount, error)
	GetStageCounts(ctx context.Context, jobID uuid.UUID) (map[job.Stage]job.StageCount, error)
	CountActualStage(ctx context.Context, jobID uuid.UUID, stage job.Stage) (job.StageCount, error)

	UpsertFileProcessingState(ctx context.Context, s job.FileProcessingJobState) error
}

// PostgresStore implements Store over a pgxpool.Pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetCollection(ctx context.Context, id uuid.UUID) (collection.Collection, error) {
	const q = `
		SELECT id, library_id, name, type, source_path, cache_folder, created_at, updated_at
		FROM collections WHERE id = $1`

	var c collection.Collection
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&c.ID, &c.LibraryID, &c.Name, &c.Type, &c.SourcePath, &c.CacheFolder, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return collection.Collection{}, ErrNotFound
	}
	if err != nil {
		return collection.Collection{}, fmt.Errorf("datastore: get collection %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) AppendImage(ctx context.Context, img collection.Image) error {
	const q = `
		INSERT INTO images (id, collection_id, display_path, width, height, size_bytes, format, is_animated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (collection_id, display_path) DO NOTHING`

	_, err := s.pool.Exec(ctx, q, img.ID, img.CollectionID, img.DisplayPath, img.Width, img.Height, img.SizeBytes, img.Format, img.IsAnimated)
	if err != nil {
		return fmt.Errorf("datastore: append image %s: %w", img.DisplayPath, err)
	}
	return nil
}

func (s *PostgresStore) AppendThumbnail(ctx context.Context, thumb collection.Thumbnail) error {
	const q = `
		INSERT INTO thumbnails (id, image_id, width, height, path, format, is_dummy, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (image_id, width, height) DO NOTHING`

	_, err := s.pool.Exec(ctx, q, thumb.ID, thumb.ImageID, thumb.Width, thumb.Height, thumb.Path, thumb.Format, thumb.IsDummy, thumb.ErrorMessage)
	if err != nil {
		return fmt.Errorf("datastore: append thumbnail for image %s: %w", thumb.ImageID, err)
	}
	return nil
}

func (s *PostgresStore) AppendCacheImage(ctx context.Context, ci collection.CacheImage) error {
	const q = `
		INSERT INTO cache_images (id, image_id, cache_folder, width, height, path, format, is_dummy, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (image_id, width, height) DO NOTHING`

	_, err := s.pool.Exec(ctx, q, ci.ID, ci.ImageID, ci.CacheFolder, ci.Width, ci.Height, ci.Path, ci.Format, ci.IsDummy, ci.ErrorMessage)
	if err != nil {
		return fmt.Errorf("datastore: append cache image for image %s: %w", ci.ImageID, err)
	}
	return nil
}

// AppendThumbnails inserts an entire batch with one multi-row INSERT, giving
// the flush a single atomic commit point instead of N round trips.
func (s *PostgresStore) AppendThumbnails(ctx context.Context, list []collection.Thumbnail) error {
	if len(list) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO thumbnails (id, image_id, width, height, path, format, is_dummy, error_message) VALUES `)
	args := make([]any, 0, len(list)*8)
	for i, t := range list {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 8
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		args = append(args, t.ID, t.ImageID, t.Width, t.Height, t.Path, t.Format, t.IsDummy, t.ErrorMessage)
	}
	sb.WriteString(` ON CONFLICT (image_id, width, height) DO NOTHING`)

	if _, err := s.pool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("datastore: append %d thumbnails: %w", len(list), err)
	}
	return nil
}

// AppendCacheImages inserts an entire batch with one multi-row INSERT; see
// AppendThumbnails.
func (s *PostgresStore) AppendCacheImages(ctx context.Context, list []collection.CacheImage) error {
	if len(list) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO cache_images (id, image_id, cache_folder, width, height, path, format, is_dummy, error_message) VALUES `)
	args := make([]any, 0, len(list)*9)
	for i, c := range list {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 9
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)
		args = append(args, c.ID, c.ImageID, c.CacheFolder, c.Width, c.Height, c.Path, c.Format, c.IsDummy, c.ErrorMessage)
	}
	sb.WriteString(` ON CONFLICT (image_id, width, height) DO NOTHING`)

	if _, err := s.pool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("datastore: append %d cache images: %w", len(list), err)
	}
	return nil
}

func (s *PostgresStore) GetThumbnail(ctx context.Context, imageID uuid.UUID, width, height int) (collection.Thumbnail, error) {
	const q = `
		SELECT id, image_id, width, height, path, format, is_dummy, error_message, created_at
		FROM thumbnails WHERE image_id = $1 AND width = $2 AND height = $3`

	var t collection.Thumbnail
	err := s.pool.QueryRow(ctx, q, imageID, width, height).Scan(
		&t.ID, &t.ImageID, &t.Width, &t.Height, &t.Path, &t.Format, &t.IsDummy, &t.ErrorMessage, &t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return collection.Thumbnail{}, ErrNotFound
	}
	if err != nil {
		return collection.Thumbnail{}, fmt.Errorf("datastore: get thumbnail for image %s: %w", imageID, err)
	}
	return t, nil
}

func (s *PostgresStore) GetCacheImage(ctx context.Context, imageID uuid.UUID, width, height int) (collection.CacheImage, error) {
	const q = `
		SELECT id, image_id, cache_folder, width, height, path, format, is_dummy, error_message, created_at
		FROM cache_images WHERE image_id = $1 AND width = $2 AND height = $3`

	var c collection.CacheImage
	err := s.pool.QueryRow(ctx, q, imageID, width, height).Scan(
		&c.ID, &c.ImageID, &c.CacheFolder, &c.Width, &c.Height, &c.Path, &c.Format, &c.IsDummy, &c.ErrorMessage, &c.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return collection.CacheImage{}, ErrNotFound
	}
	if err != nil {
		return collection.CacheImage{}, fmt.Errorf("datastore: get cache image for image %s: %w", imageID, err)
	}
	return c, nil
}

func (s *PostgresStore) RegisterCacheFolder(ctx context.Context, f collection.Folder) error {
	const q = `
		INSERT INTO cache_folders (id, name, path, active) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, path = EXCLUDED.path, active = EXCLUDED.active`

	_, err := s.pool.Exec(ctx, q, f.ID, f.Name, f.Path, f.Active)
	if err != nil {
		return fmt.Errorf("datastore: register cache folder %s: %w", f.ID, err)
	}
	return nil
}

func (s *PostgresStore) IncrementCacheFolder(ctx context.Context, folderID string, bytesDelta, filesDelta int64) error {
	const q = `
		UPDATE cache_folders
		SET current_size_bytes = current_size_bytes + $1, total_files = total_files + $2
		WHERE id = $3`

	tag, err := s.pool.Exec(ctx, q, bytesDelta, filesDelta, folderID)
	if err != nil {
		return fmt.Errorf("datastore: increment cache folder %s: %w", folderID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AddCachedCollection(ctx context.Context, folderID string, collectionID uuid.UUID) error {
	const q = `
		UPDATE cache_folders
		SET cached_collections = CASE
			WHEN $2 = ANY(cached_collections) THEN cached_collections
			ELSE array_append(cached_collections, $2)
		END
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, folderID, collectionID)
	if err != nil {
		return fmt.Errorf("datastore: add cached collection %s to folder %s: %w", collectionID, folderID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, j *job.BackgroundJob) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("datastore: begin create job: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertJob = `
		INSERT INTO background_jobs (id, collection_id, status) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`
	if _, err := tx.Exec(ctx, insertJob, j.ID, j.CollectionID, j.Status); err != nil {
		return fmt.Errorf("datastore: insert job %s: %w", j.ID, err)
	}

	const insertStage = `
		INSERT INTO job_stage_counts (job_id, stage, total, completed, failed) VALUES ($1, $2, 0, 0, 0)
		ON CONFLICT (job_id, stage) DO NOTHING`
	for _, st := range job.AllStages {
		if _, err := tx.Exec(ctx, insertStage, j.ID, st); err != nil {
			return fmt.Errorf("datastore: init stage %s for job %s: %w", st, j.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) SetStageTotal(ctx context.Context, jobID uuid.UUID, stage job.Stage, total int64) error {
	const q = `UPDATE job_stage_counts SET total = total + $1 WHERE job_id = $2 AND stage = $3`
	_, err := s.pool.Exec(ctx, q, total, jobID, stage)
	if err != nil {
		return fmt.Errorf("datastore: set stage total for job %s/%s: %w", jobID, stage, err)
	}
	return nil
}

// IncrementStage is the atomic increment primitive progress tracking needs: a
// single UPDATE...RETURNING statement, so concurrent workers incrementing
// the same job's counters never race.
func (s *PostgresStore) IncrementStage(ctx context.Context, jobID uuid.UUID, stage job.Stage, completedDelta, failedDelta int64) (job.StageCount, error) {
	const q = `
		UPDATE job_stage_counts
		SET completed = completed + $1, failed = failed + $2
		WHERE job_id = $3 AND stage = $4
		RETURNING total, completed, failed`

	var sc job.StageCount
	err := s.pool.QueryRow(ctx, q, completedDelta, failedDelta, jobID, stage).Scan(&sc.Total, &sc.Completed, &sc.Failed)
	if errors.Is(err, pgx.ErrNoRows) {
		return job.StageCount{}, ErrNotFound
	}
	if err != nil {
		return job.StageCount{}, fmt.Errorf("datastore: increment stage %s/%s: %w", jobID, stage, err)
	}
	return sc, nil
}

func (s *PostgresStore) GetStageCounts(ctx context.Context, jobID uuid.UUID) (map[job.Stage]job.StageCount, error) {
	const q = `SELECT stage, total, completed, failed FROM job_stage_counts WHERE job_id = $1`
	rows, err := s.pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("datastore: get stage counts for job %s: %w", jobID, err)
	}
	defer rows.Close()

	result := make(map[job.Stage]job.StageCount)
	for rows.Next() {
		var stage job.Stage
		var sc job.StageCount
		if err := rows.Scan(&stage, &sc.Total, &sc.Completed, &sc.Failed); err != nil {
			return nil, fmt.Errorf("datastore: scan stage count: %w", err)
		}
		result[stage] = sc
	}
	return result, rows.Err()
}

// CountActualStage recomputes a stage's completed/failed counts directly
// from file_processing_job_states, the ground truth the reconciler (C12)
// compares job_stage_counts against.
func (s *PostgresStore) CountActualStage(ctx context.Context, jobID uuid.UUID, stage job.Stage) (job.StageCount, error) {
	const q = `
		SELECT
			count(*) FILTER (WHERE status IN ('completed', 'failed')) AS total,
			count(*) FILTER (WHERE status = 'completed') AS completed,
			count(*) FILTER (WHERE status = 'failed') AS failed
		FROM file_processing_job_states
		WHERE job_id = $1 AND stage = $2`

	var sc job.StageCount
	err := s.pool.QueryRow(ctx, q, jobID, stage).Scan(&sc.Total, &sc.Completed, &sc.Failed)
	if err != nil {
		return job.StageCount{}, fmt.Errorf("datastore: count actual stage %s/%s: %w", jobID, stage, err)
	}
	return sc, nil
}

func (s *PostgresStore) UpsertFileProcessingState(ctx context.Context, st job.FileProcessingJobState) error {
	const q = `
		INSERT INTO file_processing_job_states (id, job_id, image_id, stage, status, last_error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error,
			updated_at = now()`

	_, err := s.pool.Exec(ctx, q, st.ID, st.JobID, st.ImageID, st.Stage, st.Status, st.LastError)
	if err != nil {
		return fmt.Errorf("datastore: upsert file processing state %s: %w", st.ID, err)
	}
	return nil
}
