// Package job holds the background-job/stage-tracking entities C10 and C12
// operate on.
package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage is one pipeline phase a BackgroundJob tracks progress for.
type Stage string

const (
	StageScan      Stage = "scan"
	StageImage     Stage = "image"
	StageThumbnail Stage = "thumbnail"
	StageCache     Stage = "cache"
)

var AllStages = []Stage{StageScan, StageImage, StageThumbnail, StageCache}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// BackgroundJob is the top-level unit of work a scan enqueues; its StageCounts
// are reconciled against actual datastore counts by the stuck-job reconciler
// (C12).
type BackgroundJob struct {
	ID           uuid.UUID
	CollectionID uuid.UUID
	Status       Status
	StageCounts  map[Stage]*StageCount
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type StageCount struct {
	Total     int64
	Completed int64
	Failed    int64
}

func (s StageCount) Done() bool {
	return s.Completed+s.Failed >= s.Total
}

func NewBackgroundJob(collectionID uuid.UUID) *BackgroundJob {
	counts := make(map[Stage]*StageCount, len(AllStages))
	for _, st := range AllStages {
		counts[st] = &StageCount{}
	}
	return &BackgroundJob{
		ID:           uuid.New(),
		CollectionID: collectionID,
		Status:       StatusPending,
		StageCounts:  counts,
	}
}

func (j *BackgroundJob) Validate() error {
	if j.ID == uuid.Nil {
		return fmt.Errorf("job: id is required")
	}
	if j.CollectionID == uuid.Nil {
		return fmt.Errorf("job: collection id is required")
	}
	return nil
}

// FileProcessingJobState tracks one image's progress through the
// scan→image→thumbnail→cache stage pipeline so the reconciler can tell
// which stage a recorded outcome belongs to.
type FileProcessingJobState struct {
	ID          uuid.UUID
	JobID       uuid.UUID
	ImageID     uuid.UUID
	Stage       Stage
	Status      Status
	LastError   string
	UpdatedAt   time.Time
}
