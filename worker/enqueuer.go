package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mailpilot/models"
	"mailpilot/queue"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Enqueuer records a job and pushes it onto the queue
type Enqueuer struct {
	queue  queue.Queue
	jobs   JobStore
	logger *logrus.Entry
}

func NewEnqueuer(q queue.Queue, jobs JobStore, logger *logrus.Entry) *Enqueuer {
	return &Enqueuer{queue: q, jobs: jobs, logger: logger}
}

// Submit stores a queued BackgroundJob for payload and enqueues it
func (e *Enqueuer) Submit(ctx context.Context, userID uint, jobType string, payload interface{}) (*models.BackgroundJob, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", jobType, err)
	}

	record := &models.BackgroundJob{
		ID:      uuid.NewString(),
		UserID:  userID,
		Type:    jobType,
		Payload: string(raw),
		Status:  models.JobQueued,
	}
	if err := e.jobs.CreateJob(ctx, record); err != nil {
		return nil, fmt.Errorf("recording job: %w", err)
	}

	err = e.queue.Enqueue(ctx, queue.Job{
		ID:         record.ID,
		Type:       jobType,
		Payload:    raw,
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		if uerr := e.jobs.UpdateJob(context.WithoutCancel(ctx), record.ID, models.JobFailed, 0, err.Error()); uerr != nil {
			e.logger.WithError(uerr).WithField("job_id", record.ID).Warn("failed to mark job failed")
		}
		return nil, fmt.Errorf("enqueueing %s: %w", jobType, err)
	}

	e.logger.WithFields(logrus.Fields{
		"job_id":   record.ID,
		"job_type": jobType,
		"user_id":  userID,
	}).Debug("job enqueued")
	return record, nil
}
