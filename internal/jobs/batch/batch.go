// Package batch is the shared batching/draining primitive C8 (thumbnail)
// and C9 (cache) build on: per-collection batch accumulation behind a
// concurrent map with a per-batch mutex, size- or timeout-triggered flush,
// and graceful drain-on-shutdown.
package batch

import (
	"context"
	"log"
	"sync"
	"time"
)

// FlushFunc processes one collection's accumulated batch. Implementations
// run the in-memory pass, the disk-write pass, the atomic store-append
// pass, and the progress-increment pass.
type FlushFunc[T any] func(ctx context.Context, key string, items []T) error

type entry[T any] struct {
	mu            sync.Mutex
	items         []T
	lastAddedTime time.Time
}

// Batcher accumulates items of type T keyed by collection id (or any string
// key) and flushes them via FlushFunc once a batch reaches maxSize or the
// periodic scan finds a batch older than its age threshold.
type Batcher[T any] struct {
	maxSize int
	batches sync.Map // string -> *entry[T]
	flush   FlushFunc[T]
}

// scanInterval is the periodic flusher's fixed cadence; it is distinct from
// maxAge (the per-batch lastAddedTime threshold passed to Run), which is
// configurable.
const scanInterval = 5 * time.Second

func New[T any](maxSize int, flush FlushFunc[T]) *Batcher[T] {
	return &Batcher[T]{maxSize: maxSize, flush: flush}
}

func (b *Batcher[T]) entryFor(key string) *entry[T] {
	v, _ := b.batches.LoadOrStore(key, &entry[T]{})
	return v.(*entry[T])
}

// Add appends item to key's batch, flushing immediately (synchronously) if
// the batch has reached maxSize.
func (b *Batcher[T]) Add(ctx context.Context, key string, item T) error {
	e := b.entryFor(key)

	e.mu.Lock()
	e.items = append(e.items, item)
	e.lastAddedTime = time.Now()
	var toFlush []T
	if b.maxSize > 0 && len(e.items) >= b.maxSize {
		toFlush = e.items
		e.items = nil
	}
	e.mu.Unlock()

	if toFlush != nil {
		return b.flush(ctx, key, toFlush)
	}
	return nil
}

// FlushAll atomically extracts and clears every key's pending items and
// flushes each batch. A flush error is logged, not returned, so one
// collection's failure never blocks another's periodic flush.
func (b *Batcher[T]) FlushAll(ctx context.Context) {
	b.batches.Range(func(k, v any) bool {
		e := v.(*entry[T])

		e.mu.Lock()
		toFlush := e.items
		e.items = nil
		e.mu.Unlock()

		if len(toFlush) == 0 {
			return true
		}
		if err := b.flush(ctx, k.(string), toFlush); err != nil {
			log.Printf("batch: flush %s failed: %v", k, err)
		}
		return true
	})
}

// flushAged scans every batch and flushes only those whose lastAddedTime is
// older than maxAge, leaving freshly-added batches to accumulate further.
func (b *Batcher[T]) flushAged(ctx context.Context, maxAge time.Duration) {
	now := time.Now()
	b.batches.Range(func(k, v any) bool {
		e := v.(*entry[T])

		e.mu.Lock()
		if len(e.items) == 0 || now.Sub(e.lastAddedTime) < maxAge {
			e.mu.Unlock()
			return true
		}
		toFlush := e.items
		e.items = nil
		e.mu.Unlock()

		if err := b.flush(ctx, k.(string), toFlush); err != nil {
			log.Printf("batch: flush %s failed: %v", k, err)
		}
		return true
	})
}

// Run drives the periodic flush loop until ctx is cancelled, then performs
// one final, unconditional drain with a background context so in-flight
// batches are not lost on shutdown. maxAge is the per-batch age threshold
// (batchTimeoutSeconds); the scan itself always runs on the fixed
// scanInterval cadence.
func (b *Batcher[T]) Run(ctx context.Context, maxAge time.Duration) {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.FlushAll(context.Background())
			return
		case <-ticker.C:
			b.flushAged(ctx, maxAge)
		}
	}
}
