// Package cache implements the C9 batched cache worker. It follows the same
// batch-accumulate-and-flush shape as C8's thumbnail worker, but additionally
// applies the smart-quality heuristic and the small-source bypass rule
// before re-encoding.
package cache

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
	"github.com/letuhao/media-management-sub010/internal/cachefolder"
	"github.com/letuhao/media-management-sub010/internal/datastore"
	"github.com/letuhao/media-management-sub010/internal/domain/collection"
	"github.com/letuhao/media-management-sub010/internal/domain/job"
	"github.com/letuhao/media-management-sub010/internal/jobs/batch"
	"github.com/letuhao/media-management-sub010/internal/jobs/errkind"
	"github.com/letuhao/media-management-sub010/internal/jobs/jobstate"
	"github.com/letuhao/media-management-sub010/internal/mediadecoder"
)

type Item struct {
	ImageID      uuid.UUID
	CollectionID uuid.UUID
	Entry        archive.Entry
	IsAnimated   bool
	SourceWidth  int
	SourceHeight int
	SourceBytes  int64
}

type Config struct {
	MaxBatchSize     int
	Width            int
	Height           int
	Format           mediadecoder.Format
	RequestedQuality int
	PreserveOriginal bool
	MaxEntrySize     int64
}

type Processor struct {
	store   datastore.Store
	decoder mediadecoder.Decoder
	cfg     Config
	folders []collection.Folder
	batcher *batch.Batcher[Item]
	jobs    *jobstate.Tracker
}

func NewProcessor(store datastore.Store, decoder mediadecoder.Decoder, cfg Config, folders []collection.Folder, jobs *jobstate.Tracker) *Processor {
	p := &Processor{store: store, decoder: decoder, cfg: cfg, folders: folders, jobs: jobs}
	p.batcher = batch.New(cfg.MaxBatchSize, p.flush)
	return p
}

// Enqueue implements image.Fanout. The image worker's already-probed source
// dimensions/size travel with the Item so the smart-quality heuristic never
// has to re-read and re-probe the source during flush.
func (p *Processor) Enqueue(ctx context.Context, collectionID, imageID uuid.UUID, entry archive.Entry, isAnimated bool, sourceWidth, sourceHeight int, sourceBytes int64) error {
	return p.batcher.Add(ctx, collectionID.String(), Item{
		ImageID: imageID, CollectionID: collectionID, Entry: entry, IsAnimated: isAnimated,
		SourceWidth: sourceWidth, SourceHeight: sourceHeight, SourceBytes: sourceBytes,
	})
}

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
	ext      string
}

// plan checks, for each item, whether its cache artifact already exists in
// the store and on disk (skip), exists on disk but is absent from the store
// (reuse, i.e. re-add the entry without re-rendering), or needs to be
// rendered from scratch.
func (p *Processor) plan(ctx context.Context, folder collection.Folder, items []Item) []planned {
	out := make([]planned, len(items))
	for i, item := range items {
		ext := targetExt(p.cfg, item)
		destPath := filepath.Join(folder.Path, item.CollectionID.String(), item.ImageID.String()+ext)
		out[i] = planned{item: item, kind: planRender, destPath: destPath, ext: ext}

		_, err := p.store.GetCacheImage(ctx, item.ImageID, p.cfg.Width, p.cfg.Height)
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

func (p *Processor) flush(ctx context.Context, key string, items []Item) error {
	collectionID, err := uuid.Parse(key)
	if err != nil {
		return fmt.Errorf("cache: invalid batch key %q: %w", key, err)
	}

	folder, err := cachefolder.Select(p.folders, collectionID)
	if err != nil {
		return err
	}

	plans := p.plan(ctx, folder, items)

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
			return nil
		})
	}
	_ = g.Wait()

	jobID := p.jobs.JobIDFor(collectionID)

	var completed, failed int64
	var toAppend []collection.CacheImage
	for _, r := range results {
		item := r.plan.item

		if r.plan.kind == planSkip {
			continue
		}

		if r.plan.kind == planReuse {
			info, statErr := os.Stat(r.plan.destPath)
			if statErr != nil {
				failed++
				if err := p.jobs.RecordCacheFailure(ctx, jobID, item.ImageID, statErr); err != nil {
					return err
				}
				continue
			}
			toAppend = append(toAppend, collection.CacheImage{
				ID: uuid.New(), ImageID: item.ImageID, CacheFolder: folder.ID,
				Width: p.cfg.Width, Height: p.cfg.Height, Path: r.plan.destPath, Format: string(p.cfg.Format),
			})
			if err := p.store.IncrementCacheFolder(ctx, folder.ID, info.Size(), 1); err != nil {
				return err
			}
			if err := p.store.AddCachedCollection(ctx, folder.ID, item.CollectionID); err != nil {
				return err
			}
			completed++
			continue
		}

		if r.err != nil {
			failed++
			if err := p.jobs.RecordCacheFailure(ctx, jobID, item.ImageID, r.err); err != nil {
				return err
			}
			continue
		}

		if err := writeFile(r.plan.destPath, r.data); err != nil {
			failed++
			if err := p.jobs.RecordCacheFailure(ctx, jobID, item.ImageID, err); err != nil {
				return err
			}
			continue
		}

		toAppend = append(toAppend, collection.CacheImage{
			ID: uuid.New(), ImageID: item.ImageID, CacheFolder: folder.ID,
			Width: p.cfg.Width, Height: p.cfg.Height, Path: r.plan.destPath, Format: string(p.cfg.Format),
		})
		if err := p.store.IncrementCacheFolder(ctx, folder.ID, int64(len(r.data)), 1); err != nil {
			return err
		}
		if err := p.store.AddCachedCollection(ctx, folder.ID, item.CollectionID); err != nil {
			return err
		}
		completed++
	}

	// A single atomic batch append is the serialization point for this
	// flush; per-row writes here would let a crash mid-loop leave a
	// partially-committed batch externally observable.
	if err := p.store.AppendCacheImages(ctx, toAppend); err != nil {
		return err
	}

	if jobID != uuid.Nil {
		if _, err := p.store.IncrementStage(ctx, jobID, job.StageCache, completed, failed); err != nil {
			return err
		}
	}
	return nil
}

// targetExt returns the destination file extension render(cfg, item) will
// produce, without doing any decoding. Kept in lockstep with render so the
// pre-render idempotence check and the post-render write always agree on
// destPath.
func targetExt(cfg Config, item Item) string {
	if item.IsAnimated {
		return sourceExt(item.Entry)
	}
	fitsInTarget := item.SourceWidth <= cfg.Width && item.SourceHeight <= cfg.Height
	if fitsInTarget && cfg.PreserveOriginal {
		return sourceExt(item.Entry)
	}
	return cacheExt(cfg.Format)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (p *Processor) render(ctx context.Context, item Item) ([]byte, error) {
	if item.IsAnimated {
		return readEntry(item.Entry, p.cfg.MaxEntrySize)
	}

	data, err := readEntry(item.Entry, p.cfg.MaxEntrySize)
	if err != nil {
		return nil, err
	}

	// Source fits within the cache target in both dimensions: bypass resize
	// unconditionally and encode at quality 100 (never upscale).
	// PreserveOriginal additionally skips re-encoding entirely and passes
	// the source bytes through as-is.
	if item.SourceWidth <= p.cfg.Width && item.SourceHeight <= p.cfg.Height {
		if p.cfg.PreserveOriginal {
			return data, nil
		}
		var out bytes.Buffer
		opts := mediadecoder.ResizeOptions{Width: item.SourceWidth, Height: item.SourceHeight, Format: p.cfg.Format, Quality: 100}
		if err := p.decoder.Resize(ctx, bytes.NewReader(data), opts, &out); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	}

	quality := smartQuality(item.SourceWidth, item.SourceHeight, item.SourceBytes, p.cfg.RequestedQuality)

	var out bytes.Buffer
	opts := mediadecoder.ResizeOptions{Width: p.cfg.Width, Height: p.cfg.Height, Format: p.cfg.Format, Quality: quality}
	if err := p.decoder.Resize(ctx, bytes.NewReader(data), opts, &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// smartQuality estimates an upper bound on useful encode quality from the
// source's bytes-per-pixel density, then clamps the requested quality to
// that estimate: re-encoding a already-heavily-compressed source at a
// higher quality than its own density supports just inflates file size
// without adding information.
//
//	bytesPerPixel >= 2.0        -> up to 95
//	1.0 <= bytesPerPixel < 2.0  -> up to 85
//	0.5 <= bytesPerPixel < 1.0  -> up to 75
//	bytesPerPixel < 0.5         -> up to 60
func smartQuality(width, height int, sourceBytes int64, requested int) int {
	pixels := width * height
	if pixels <= 0 {
		return requested
	}
	bytesPerPixel := float64(sourceBytes) / float64(pixels)

	var estimate int
	switch {
	case bytesPerPixel >= 2.0:
		estimate = 95
	case bytesPerPixel >= 1.0:
		estimate = 85
	case bytesPerPixel >= 0.5:
		estimate = 75
	default:
		estimate = 60
	}

	if requested <= 0 || requested > estimate {
		return estimate
	}
	return requested
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
		return fmt.Errorf("cache: mkdir %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, data, 0o644)
}

func sourceExt(entry archive.Entry) string {
	name := entry.EntryName
	if name == "" {
		name = entry.ArchivePath
	}
	return filepath.Ext(name)
}

func cacheExt(f mediadecoder.Format) string {
	switch f {
	case mediadecoder.FormatPNG:
		return ".png"
	case mediadecoder.FormatWebP:
		return ".webp"
	default:
		return ".jpg"
	}
}
