// Package reconciler implements the C12 stuck-job reconciler: a periodic
// sweep that recomputes each tracked job's stage counts from
// file_processing_job_states and raises job_stage_counts wherever they fall
// short of those counts, which can happen when a worker crashes between
// its store-append and its progress-increment step. Counters are never
// lowered. The workers write file_processing_job_states rows only for
// terminal failures, so in practice the sweep restores failed counts.
package reconciler

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/letuhao/media-management-sub010/internal/datastore"
	"github.com/letuhao/media-management-sub010/internal/domain/job"
)

// JobLister supplies the set of jobs currently worth reconciling; the
// worker process's jobstate.Tracker satisfies this by exposing whatever
// jobs it has registered since startup.
type JobLister interface {
	TrackedJobs() []uuid.UUID
}

// Reconciler owns two in-memory counters for the health endpoint:
// reconciled (a stage whose counters were corrected) and stuckSkipped (a
// stage whose recorded counters already cover the actual counts, i.e. one
// that genuinely isn't stuck rather than one the reconciler failed to
// examine).
type Reconciler struct {
	store datastore.Store
	jobs  JobLister

	reconciled   int64
	stuckSkipped int64
}

func New(store datastore.Store, jobs JobLister) *Reconciler {
	return &Reconciler{store: store, jobs: jobs}
}

func (r *Reconciler) Reconciled() int64   { return atomic.LoadInt64(&r.reconciled) }
func (r *Reconciler) StuckSkipped() int64 { return atomic.LoadInt64(&r.stuckSkipped) }

// Run ticks every interval until ctx is cancelled, reconciling every
// tracked job on each tick.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcileOnce(ctx)
		}
	}
}

func (r *Reconciler) reconcileOnce(ctx context.Context) {
	for _, jobID := range r.jobs.TrackedJobs() {
		recorded, err := r.store.GetStageCounts(ctx, jobID)
		if err != nil {
			log.Printf("reconciler: get stage counts for job %s: %v", jobID, err)
			continue
		}

		for _, stage := range job.AllStages {
			actual, err := r.store.CountActualStage(ctx, jobID, stage)
			if err != nil {
				log.Printf("reconciler: count actual stage %s/%s: %v", jobID, stage, err)
				continue
			}

			have := recorded[stage]
			completedDelta := max(actual.Completed-have.Completed, 0)
			failedDelta := max(actual.Failed-have.Failed, 0)
			if completedDelta == 0 && failedDelta == 0 {
				atomic.AddInt64(&r.stuckSkipped, 1)
				continue
			}

			if _, err := r.store.IncrementStage(ctx, jobID, stage, completedDelta, failedDelta); err != nil {
				log.Printf("reconciler: correct stage %s/%s: %v", jobID, stage, err)
				continue
			}
			atomic.AddInt64(&r.reconciled, 1)
			log.Printf("reconciler: corrected job %s stage %s: completed %d->%d, failed %d->%d",
				jobID, stage, have.Completed, have.Completed+completedDelta, have.Failed, have.Failed+failedDelta)
		}
	}
}
