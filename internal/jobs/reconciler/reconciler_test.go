package reconciler

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letuhao/media-management-sub010/internal/domain/job"
	"github.com/letuhao/media-management-sub010/internal/testutil/memstore"
)

type staticLister struct{ jobs []uuid.UUID }

func (l staticLister) TrackedJobs() []uuid.UUID { return l.jobs }

func TestReconcileOnceCorrectsDrift(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	collectionID := uuid.New()
	bgJob := job.NewBackgroundJob(collectionID)
	require.NoError(t, store.CreateJob(ctx, bgJob))

	// Ground truth: two completed image states recorded, but the stage
	// counter was never incremented (e.g. a crash between append and
	// increment).
	for i := 0; i < 2; i++ {
		require.NoError(t, store.UpsertFileProcessingState(ctx, job.FileProcessingJobState{
			ID: uuid.New(), JobID: bgJob.ID, ImageID: uuid.New(),
			Stage: job.StageImage, Status: job.StatusCompleted,
		}))
	}

	r := New(store, staticLister{jobs: []uuid.UUID{bgJob.ID}})
	r.reconcileOnce(ctx)

	counts, err := store.GetStageCounts(ctx, bgJob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[job.StageImage].Completed)
	assert.Equal(t, int64(1), r.Reconciled())
}

func TestReconcileOnceSkipsJobsWithNoDrift(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	collectionID := uuid.New()
	bgJob := job.NewBackgroundJob(collectionID)
	require.NoError(t, store.CreateJob(ctx, bgJob))

	r := New(store, staticLister{jobs: []uuid.UUID{bgJob.ID}})
	r.reconcileOnce(ctx)

	assert.Equal(t, int64(0), r.Reconciled())
	assert.Equal(t, int64(len(job.AllStages)), r.StuckSkipped())
}
