package jobstate

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letuhao/media-management-sub010/internal/domain/job"
	"github.com/letuhao/media-management-sub010/internal/jobs/errkind"
	"github.com/letuhao/media-management-sub010/internal/testutil/memstore"
)

func TestRegisterAndResolveJobID(t *testing.T) {
	tr := New(memstore.New())
	collectionID := uuid.New()

	assert.Equal(t, uuid.Nil, tr.JobIDFor(collectionID))

	jobID := uuid.New()
	tr.RegisterJob(collectionID, jobID)
	assert.Equal(t, jobID, tr.JobIDFor(collectionID))
	assert.Contains(t, tr.TrackedJobs(), jobID)
}

func TestRecordImageFailurePoisonAppendsBothDummies(t *testing.T) {
	store := memstore.New()
	tr := New(store)
	collectionID := uuid.New()
	bgJob := job.NewBackgroundJob(collectionID)
	require.NoError(t, store.CreateJob(context.Background(), bgJob))
	tr.RegisterJob(collectionID, bgJob.ID)

	err := tr.RecordImageFailure(context.Background(), bgJob.ID, collectionID, "archive.zip::broken.jpg", errkind.ErrFileNotFound)
	require.NoError(t, err)

	assert.Len(t, store.Images, 1)
	assert.Len(t, store.Thumbnails, 1)
	assert.True(t, store.Thumbnails[0].IsDummy)
	assert.Len(t, store.CacheImages, 1)
	assert.True(t, store.CacheImages[0].IsDummy)
}

func TestRecordImageFailureSizeLimitSkipsThumbnailDummy(t *testing.T) {
	store := memstore.New()
	tr := New(store)
	collectionID := uuid.New()
	bgJob := job.NewBackgroundJob(collectionID)
	require.NoError(t, store.CreateJob(context.Background(), bgJob))
	tr.RegisterJob(collectionID, bgJob.ID)

	err := tr.RecordImageFailure(context.Background(), bgJob.ID, collectionID, "huge.jpg", errkind.ErrSourceTooLarge)
	require.NoError(t, err)

	assert.Empty(t, store.Thumbnails)
	assert.Len(t, store.CacheImages, 1)
}
