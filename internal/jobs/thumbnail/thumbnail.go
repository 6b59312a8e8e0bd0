// Package thumbnail implements the C8 batched thumbnail worker: images
// fanned out by the image worker (C7) accumulate into per-collection
// batches and are processed together — decode/resize pass, disk-write pass,
// store-append pass, progress pass — once a batch fills or its timeout
// fires.
//
// Enqueue is called directly by the image worker's in-process Fanout seam
// rather than round-tripping through the broker: the batch itself is a
// purely in-memory accumulator, so adding one more network hop to populate
// it would add latency without adding durability (a crash loses the same
// unflushed batch either way, and the image worker's own AppendImage call
// has already durably recorded the image).
package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/letuhao/media-management-sub010/internal/archive"
	"github.com/letuhao/media-management-sub010/internal/datastore"
	"github.com/letuhao/media-management-sub010/internal/domain/collection"
	"github.com/letuhao/media-management-sub010/internal/domain/job"
	"github.com/letuhao/media-management-sub010/internal/jobs/batch"
	"github.com/letuhao/media-management-sub010/internal/jobs/errkind"
	"github.com/letuhao/media-management-sub010/internal/jobs/jobstate"
	"github.com/letuhao/media-management-sub010/internal/mediadecoder"
)

// Item is one image queued for thumbnail generation within a collection's
// batch.
type Item struct {
	ImageID    uuid.UUID
	Entry      archive.Entry
	IsAnimated bool
}

// Config tunes batch size/timeout and the output thumbnail shape.
type Config struct {
	MaxBatchSize int
	OutputDir    string
	Width        int
	Height       int
	Format       mediadecoder.Format
	Quality      int
	MaxEntrySize int64
}

type Processor struct {
	store   datastore.Store
	decoder mediadecoder.Decoder
	cfg     Config
	batcher *batch.Batcher[Item]
	jobs    *jobstate.Tracker
}

// NewProcessor wires the batcher's flush function to this worker's
// processing pipeline. jobs resolves which BackgroundJob a collection's
// progress increments belong to (the job registered by the scan worker for
// that collection) and records dummy entries for per-item failures.
func NewProcessor(store datastore.Store, decoder mediadecoder.Decoder, cfg Config, jobs *jobstate.Tracker) *Processor {
	p := &Processor{store: store, decoder: decoder, cfg: cfg, jobs: jobs}
	p.batcher = batch.New(cfg.MaxBatchSize, p.flush)
	return p
}

// Enqueue implements image.Fanout. Source width/height/size aren't used by
// the thumbnail path (it always targets a single fixed size), but the
// parameters are accepted so one Fanout interface covers both C8 and C9.
func (p *Processor) Enqueue(ctx context.Context, collectionID, imageID uuid.UUID, entry archive.Entry, isAnimated bool, _, _ int, _ int64) error {
	return p.batcher.Add(ctx, collectionID.String(), Item{ImageID: imageID, Entry: entry, IsAnimated: isAnimated})
}

// Run starts the periodic flush loop (graceful-drain-on-shutdown included).
func (p *Processor) Run(ctx context.Context, flushInterval time.Duration) {
	p.batcher.Run(ctx, flushInterval)
}

// planKind is the outcome of the pre-render idempotence check for one item.
type planKind int

const (
	planRender planKind = iota // no existing artifact; render and write normally
	planSkip                   // already committed to the store and on disk; true no-op
	planReuse                  // on disk but missing from the store (resume-incomplete); re-add without re-rendering
)

type planned struct {
	item     Item
	kind     planKind
	destPath string
}

func (p *Processor) plan(ctx context.Context, collectionID uuid.UUID, items []Item) []planned {
	out := make([]planned, len(items))
	for i, item := range items {
		ext := thumbnailExt(p.cfg.Format)
		if item.IsAnimated {
			// animated sources are copied through, so keep their own extension
			name := item.Entry.EntryName
			if name == "" {
				name = item.Entry.ArchivePath
			}
			ext = filepath.Ext(name)
		}
		destPath := filepath.Join(p.cfg.OutputDir, collectionID.String(), item.ImageID.String()+ext)
		out[i] = planned{item: item, kind: planRender, destPath: destPath}

		_, err := p.store.GetThumbnail(ctx, item.ImageID, p.cfg.Width, p.cfg.Height)
		onDisk := fileExists(destPath)
		switch {
		case err == nil && onDisk:
			out[i].kind = planSkip
		case errors.Is(err, datastore.ErrNotFound) && onDisk:
			out[i].kind = planReuse
		}
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (p *Processor) flush(ctx context.Context, key string, items []Item) error {
	collectionID, err := uuid.Parse(key)
	if err != nil {
		return fmt.Errorf("thumbnail: invalid batch key %q: %w", key, err)
	}

	plans := p.plan(ctx, collectionID, items)

	type result struct {
		plan planned
		data []byte
		err  error
	}

	results := make([]result, len(plans))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, pl := range plans {
		i, pl := i, pl
		if pl.kind != planRender {
			results[i] = result{plan: pl}
			continue
		}
		g.Go(func() error {
			data, err := p.render(gctx, pl.item)
			results[i] = result{plan: pl, data: data, err: err}
			return nil // per-item failures don't abort the batch
		})
	}
	_ = g.Wait()

	jobID := p.jobs.JobIDFor(collectionID)

	var completed, failed int64
	var toAppend []collection.Thumbnail
	for _, r := range results {
		item := r.plan.item

		if r.plan.kind == planSkip {
			continue
		}

		if r.plan.kind == planReuse {
			toAppend = append(toAppend, collection.Thumbnail{
				ID: uuid.New(), ImageID: item.ImageID, Width: p.cfg.Width, Height: p.cfg.Height,
				Path: r.plan.destPath, Format: string(p.cfg.Format),
			})
			completed++
			continue
		}

		if r.err != nil {
			failed++
			if err := p.jobs.RecordThumbnailFailure(ctx, jobID, item.ImageID, r.err); err != nil {
				return err
			}
			continue
		}

		if err := writeFile(r.plan.destPath, r.data); err != nil {
			failed++
			if err := p.jobs.RecordThumbnailFailure(ctx, jobID, item.ImageID, err); err != nil {
				return err
			}
			continue
		}

		toAppend = append(toAppend, collection.Thumbnail{
			ID: uuid.New(), ImageID: item.ImageID, Width: p.cfg.Width, Height: p.cfg.Height,
			Path: r.plan.destPath, Format: string(p.cfg.Format),
		})
		completed++
	}

	// A single atomic batch append is the serialization point for this
	// flush; per-row writes here would let a crash mid-loop leave a
	// partially-committed batch externally observable.
	if err := p.store.AppendThumbnails(ctx, toAppend); err != nil {
		return err
	}

	if jobID != uuid.Nil {
		if _, err := p.store.IncrementStage(ctx, jobID, job.StageThumbnail, completed, failed); err != nil {
			return err
		}
	}
	return nil
}

// render decodes+resizes one item, or copies it through unchanged when it
// is animated (gif/apng/animated webp/video never get re-encoded).
func (p *Processor) render(ctx context.Context, item Item) ([]byte, error) {
	data, err := readEntry(item.Entry, p.cfg.MaxEntrySize)
	if err != nil {
		return nil, err
	}

	if item.IsAnimated {
		return data, nil
	}

	var out bytes.Buffer
	opts := mediadecoder.ResizeOptions{Width: p.cfg.Width, Height: p.cfg.Height, Format: p.cfg.Format, Quality: p.cfg.Quality}
	if err := p.decoder.Resize(ctx, bytes.NewReader(data), opts, &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func readEntry(entry archive.Entry, maxEntrySize int64) ([]byte, error) {
	if !entry.IsArchiveMember() {
		if maxEntrySize > 0 {
			info, err := os.Stat(entry.ArchivePath)
			if err != nil {
				return nil, err
			}
			if info.Size() > maxEntrySize {
				return nil, fmt.Errorf("%w: %s is %d bytes, limit is %d", errkind.ErrSourceTooLarge, entry.ArchivePath, info.Size(), maxEntrySize)
			}
		}
		return os.ReadFile(entry.ArchivePath)
	}
	return archive.ExtractBytes(entry.ArchivePath, entry.EntryName, maxEntrySize)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("thumbnail: mkdir %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, data, 0o644)
}

func thumbnailExt(f mediadecoder.Format) string {
	switch f {
	case mediadecoder.FormatPNG:
		return ".png"
	case mediadecoder.FormatWebP:
		return ".webp"
	default:
		return ".jpg"
	}
}
