// Package scan implements the C6 scan worker: it enumerates a collection's
// members (top-level folder entries, or every member of an archive) and
// either hands each one straight to the image worker (direct-access mode)
// or publishes it onto the image queue (queued mode).
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/letuhao/media-management-sub010/internal/archive"
	"github.com/letuhao/media-management-sub010/internal/broker"
	"github.com/letuhao/media-management-sub010/internal/datastore"
	"github.com/letuhao/media-management-sub010/internal/domain/collection"
	"github.com/letuhao/media-management-sub010/internal/domain/job"
	"github.com/letuhao/media-management-sub010/internal/jobs/jobstate"
	"github.com/letuhao/media-management-sub010/internal/mediadecoder"
)

// ErrConfigConflict describes a caller requesting a top-level-only Folder
// scan while also asking for subfolder inclusion: the two requests are
// mutually exclusive, so ProcessTask logs the conflict and acks the task
// without scanning rather than silently resolving it in either direction.
var ErrConfigConflict = errors.New("scan: folder collections are scanned top-level-only; IncludeSubfolders cannot be set")

var archiveExtensions = map[string]bool{
	".zip": true, ".cbz": true, ".7z": true, ".rar": true, ".cbr": true, ".tar": true,
}

// ScanMessage is the envelope payload C6 consumes. IncludeSubfolders only
// ever appears here as the source of a configuration conflict: a real
// recursive-library scan is modeled by a separate, out-of-scope
// LibraryScanMessage that walks a whole library and issues one ScanMessage
// per discovered collection.
type ScanMessage struct {
	CollectionID      uuid.UUID `json:"collection_id"`
	IncludeSubfolders bool      `json:"include_subfolders,omitempty"`
}

func NewScanTask(collectionID uuid.UUID, includeSubfolders bool) (*asynq.Task, error) {
	body, err := json.Marshal(broker.Envelope[ScanMessage]{
		Payload: ScanMessage{CollectionID: collectionID, IncludeSubfolders: includeSubfolders},
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(broker.TypeScan, body, asynq.Queue(broker.QueueScan)), nil
}

// ImageEnqueuer is the seam between scan and image workers: ProcessDirect
// runs the image worker's logic inline (direct-access mode); Enqueue
// publishes onto the image queue (queued mode) instead.
type ImageEnqueuer interface {
	ProcessDirect(ctx context.Context, collectionID uuid.UUID, entry archive.Entry) error
	Enqueue(ctx context.Context, collectionID uuid.UUID, entry archive.Entry) error
}

type Processor struct {
	store        datastore.Store
	images       ImageEnqueuer
	decoder      mediadecoder.Decoder
	jobs         *jobstate.Tracker
	maxEntrySize int64
}

func NewProcessor(store datastore.Store, images ImageEnqueuer, decoder mediadecoder.Decoder, jobs *jobstate.Tracker, maxEntrySize int64) *Processor {
	return &Processor{store: store, images: images, decoder: decoder, jobs: jobs, maxEntrySize: maxEntrySize}
}

func (p *Processor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	env, err := broker.DecodeEnvelope[ScanMessage](t)
	if err != nil {
		return broker.Ack() // poison: malformed payload is never retryable
	}
	msg := env.Payload

	col, err := p.store.GetCollection(ctx, msg.CollectionID)
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return broker.Ack()
		}
		return broker.Nack(err)
	}

	if col.Type == collection.TypeFolder && msg.IncludeSubfolders {
		log.Printf("scan: %v", fmt.Errorf("%w: collection %s", ErrConfigConflict, col.ID))
		return broker.Ack()
	}

	entries, err := p.enumerate(col)
	if err != nil {
		return broker.Nack(err)
	}

	bgJob := job.NewBackgroundJob(col.ID)
	if err := p.store.CreateJob(ctx, bgJob); err != nil {
		return broker.Nack(err)
	}
	p.jobs.RegisterJob(col.ID, bgJob.ID)

	// Every discovered entry eventually produces exactly one terminal row
	// (real or dummy) in each downstream stage, so all three stages start
	// from the same total.
	for _, stage := range []job.Stage{job.StageImage, job.StageThumbnail, job.StageCache} {
		if err := p.store.SetStageTotal(ctx, bgJob.ID, stage, int64(len(entries))); err != nil {
			return broker.Nack(err)
		}
	}

	for _, entry := range entries {
		direct := p.forcesDirectAccess(col, entry)
		var procErr error
		if direct {
			procErr = p.images.ProcessDirect(ctx, col.ID, entry)
		} else {
			procErr = p.images.Enqueue(ctx, col.ID, entry)
		}
		if procErr != nil {
			// A single bad entry doesn't fail the whole scan; it's recorded
			// against the job's image stage and the scan continues.
			_, _ = p.store.IncrementStage(ctx, bgJob.ID, job.StageImage, 0, 1)
			continue
		}
	}

	return broker.Ack()
}

// enumerate lists a Folder collection's top-level files (never recursing
// into subdirectories, and never expanding a nested archive inline — a
// nested archive is its own collection) or an Archive collection's members.
func (p *Processor) enumerate(col collection.Collection) ([]archive.Entry, error) {
	switch col.Type {
	case collection.TypeFolder:
		return p.enumerateFolder(col.SourcePath)
	case collection.TypeArchive:
		return p.enumerateArchive(col.SourcePath)
	default:
		return nil, fmt.Errorf("scan: unknown collection type %q", col.Type)
	}
}

func (p *Processor) enumerateFolder(root string) ([]archive.Entry, error) {
	dirEntries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scan: read folder %s: %w", root, err)
	}

	var entries []archive.Entry
	for _, de := range dirEntries {
		if de.IsDir() {
			continue // top-level only; nested directories are not walked
		}
		name := de.Name()
		if archiveExtensions[strings.ToLower(filepath.Ext(name))] {
			continue // nested archives are discovered as separate collections
		}
		entries = append(entries, archive.Entry{ArchivePath: filepath.Join(root, name)})
	}
	return entries, nil
}

func (p *Processor) enumerateArchive(archivePath string) ([]archive.Entry, error) {
	r, err := archive.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	members, err := r.List()
	if err != nil {
		return nil, err
	}

	var entries []archive.Entry
	for _, m := range members {
		if m.IsDir {
			continue
		}
		if p.maxEntrySize > 0 && m.UncompressedSize > p.maxEntrySize {
			continue // oversized members are skipped, not fatal to the scan
		}
		entries = append(entries, archive.Entry{ArchivePath: archivePath, EntryName: m.Name})
	}
	return entries, nil
}

// forcesDirectAccess reports whether entry must bypass the queue: any
// video or GIF source is always processed directly, since queueing it for
// thumbnail/cache batching makes no sense (these sources are never
// re-encoded). Only the file name is checked (no header bytes are read), so
// animated WebP/PNG sources are not detected here and go through the queue.
func (p *Processor) forcesDirectAccess(_ collection.Collection, entry archive.Entry) bool {
	name := entry.EntryName
	if name == "" {
		name = entry.ArchivePath
	}
	return p.decoder.IsAnimated(name, nil)
}
