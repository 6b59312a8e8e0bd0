// Package image implements the C7 image processing worker: for one
// archive.Entry, probe its dimensions/format, persist its image metadata,
// and fan it out to the thumbnail and cache queues.
package image

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/letuhao/media-management-sub010/internal/archive"
	"github.com/letuhao/media-management-sub010/internal/broker"
	"github.com/letuhao/media-management-sub010/internal/datastore"
	"github.com/letuhao/media-management-sub010/internal/domain/collection"
	"github.com/letuhao/media-management-sub010/internal/domain/job"
	"github.com/letuhao/media-management-sub010/internal/jobs/errkind"
	"github.com/letuhao/media-management-sub010/internal/jobs/jobstate"
	"github.com/letuhao/media-management-sub010/internal/mediadecoder"
)

// Message is the envelope payload C7 consumes, or Processor.ProcessDirect's
// in-process equivalent when the scan worker chose direct-access mode.
type Message struct {
	CollectionID uuid.UUID `json:"collection_id"`
	DisplayPath  string    `json:"display_path"`
}

func NewImageTask(collectionID uuid.UUID, entry archive.Entry) (*asynq.Task, error) {
	body, err := json.Marshal(broker.Envelope[Message]{
		Payload: Message{CollectionID: collectionID, DisplayPath: entry.DisplayPath()},
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(broker.TypeImage, body, asynq.Queue(broker.QueueImage)), nil
}

// Fanout is the seam between the image worker and the batched
// thumbnail/cache workers (C8/C9). width/height/sizeBytes are the already-
// probed source dimensions/size, passed through so C9's smart-quality
// heuristic never has to re-read and re-probe the source.
type Fanout interface {
	Enqueue(ctx context.Context, collectionID, imageID uuid.UUID, entry archive.Entry, isAnimated bool, width, height int, sizeBytes int64) error
}

type Processor struct {
	store            datastore.Store
	decoder          mediadecoder.Decoder
	thumbnails       Fanout
	cache            Fanout
	broker           *broker.Client
	publishOpts      broker.PublishOptions
	jobs             *jobstate.Tracker
	maxEntrySize     int64
	maxImageSizeByte int64
}

func NewProcessor(store datastore.Store, decoder mediadecoder.Decoder, thumbnails, cache Fanout, brokerClient *broker.Client, publishOpts broker.PublishOptions, jobs *jobstate.Tracker, maxEntrySize, maxImageSizeBytes int64) *Processor {
	return &Processor{
		store: store, decoder: decoder, thumbnails: thumbnails, cache: cache,
		broker: brokerClient, publishOpts: publishOpts, jobs: jobs,
		maxEntrySize: maxEntrySize, maxImageSizeByte: maxImageSizeBytes,
	}
}

func (p *Processor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	env, err := broker.DecodeEnvelope[Message](t)
	if err != nil {
		return broker.Ack()
	}
	entry, ok := archive.ParseDisplayPath(env.Payload.DisplayPath)
	if !ok {
		return broker.Ack()
	}
	return p.process(ctx, env.Payload.CollectionID, entry)
}

// ProcessDirect is called in-process by the scan worker for direct-access
// entries (videos, animated sources) instead of round-tripping through the
// broker.
func (p *Processor) ProcessDirect(ctx context.Context, collectionID uuid.UUID, entry archive.Entry) error {
	return p.process(ctx, collectionID, entry)
}

// Enqueue is the scan worker's queued-mode path: it implements
// scan.ImageEnqueuer by publishing onto the image queue instead of running
// inline.
func (p *Processor) Enqueue(ctx context.Context, collectionID uuid.UUID, entry archive.Entry) error {
	return broker.Publish(ctx, p.broker, broker.TypeImage, Message{CollectionID: collectionID, DisplayPath: entry.DisplayPath()}, p.publishOpts)
}

func (p *Processor) process(ctx context.Context, collectionID uuid.UUID, entry archive.Entry) error {
	data, err := p.readEntry(entry)
	if err != nil {
		kind := errkind.Classify(err)
		if kind.IsPoison() {
			return p.recordFailure(ctx, collectionID, entry, err)
		}
		return broker.Nack(err)
	}

	if p.maxImageSizeByte > 0 && int64(len(data)) > p.maxImageSizeByte {
		return p.recordFailure(ctx, collectionID, entry, fmt.Errorf("%w: %s", errkind.ErrSourceTooLarge, entry.DisplayPath()))
	}

	dims, format, err := p.decoder.Probe(ctx, bytes.NewReader(data))
	if err != nil {
		return p.recordFailure(ctx, collectionID, entry, fmt.Errorf("%w: %v", errkind.ErrBadImageFormat, err))
	}

	name := entry.EntryName
	if name == "" {
		name = entry.ArchivePath
	}
	headerLen := len(data)
	if headerLen > 4096 {
		headerLen = 4096
	}
	isAnimated := p.decoder.IsAnimated(name, data[:headerLen])

	img := collection.Image{
		ID:           uuid.New(),
		CollectionID: collectionID,
		DisplayPath:  entry.DisplayPath(),
		Width:        dims.Width,
		Height:       dims.Height,
		SizeBytes:    int64(len(data)),
		Format:       string(format),
		IsAnimated:   isAnimated,
	}

	if err := p.store.AppendImage(ctx, img); err != nil {
		return broker.Nack(err)
	}

	if err := p.thumbnails.Enqueue(ctx, collectionID, img.ID, entry, isAnimated, dims.Width, dims.Height, img.SizeBytes); err != nil {
		return broker.Nack(err)
	}
	if err := p.cache.Enqueue(ctx, collectionID, img.ID, entry, isAnimated, dims.Width, dims.Height, img.SizeBytes); err != nil {
		return broker.Nack(err)
	}

	if jobID := p.jobs.JobIDFor(collectionID); jobID != uuid.Nil {
		if _, err := p.store.IncrementStage(ctx, jobID, job.StageImage, 1, 0); err != nil {
			return broker.Nack(err)
		}
	}

	return broker.Ack()
}

func (p *Processor) readEntry(entry archive.Entry) ([]byte, error) {
	if !entry.IsArchiveMember() {
		data, err := os.ReadFile(entry.ArchivePath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", errkind.ErrFileNotFound, entry.ArchivePath)
			}
			return nil, fmt.Errorf("%w: %v", errkind.ErrFileNotFound, err)
		}
		return data, nil
	}

	data, err := archive.ExtractBytes(entry.ArchivePath, entry.EntryName, p.maxEntrySize)
	if err != nil {
		if errors.Is(err, archive.ErrEntryTooLarge) {
			return nil, fmt.Errorf("%w: %v", errkind.ErrSourceTooLarge, err)
		}
		return nil, fmt.Errorf("%w: %v", errkind.ErrCorruptedArchive, err)
	}
	return data, nil
}

// recordFailure persists a failed-image marker plus its dummy thumbnail/
// cache entries (the size-limit kind skips the thumbnail dummy) and acks the
// message so it is never retried, per the pipeline's poison/size-limit
// failure policy.
func (p *Processor) recordFailure(ctx context.Context, collectionID uuid.UUID, entry archive.Entry, cause error) error {
	jobID := p.jobs.JobIDFor(collectionID)
	if err := p.jobs.RecordImageFailure(ctx, jobID, collectionID, entry.DisplayPath(), cause); err != nil {
		return broker.Nack(err)
	}
	return broker.Ack()
}
