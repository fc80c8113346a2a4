// Package campaign guards the campaign lifecycle draft -> sending -> sent|failed.
//
// Every transition is a compare-and-swap on the stored status, so two callers
// racing on the same campaign cannot both win.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailpilot/models"
	"mailpilot/queue"

	"github.com/sirupsen/logrus"
)

var (
	// ErrAlreadyStarted is returned when a campaign is no longer a draft
	ErrAlreadyStarted = errors.New("campaign already started")
	// ErrNotSending is returned when a completion targets a campaign that is not sending
	ErrNotSending = errors.New("campaign is not sending")
)

// SendJob is the payload of a send_campaign job
type SendJob struct {
	CampaignID uint `json:"campaign_id"`
}

// Store performs the conditional status update. It reports false when the
// campaign was not in status from.
type Store interface {
	CompareAndSwapStatus(ctx context.Context, id uint, from, to models.CampaignStatus, fields map[string]interface{}) (bool, error)
}

// Submitter hands work to the background queue
type Submitter interface {
	Submit(ctx context.Context, userID uint, jobType string, payload interface{}) (*models.BackgroundJob, error)
}

var transitions = map[models.CampaignStatus][]models.CampaignStatus{
	models.CampaignDraft:   {models.CampaignSending},
	models.CampaignSending: {models.CampaignSent, models.CampaignFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle move
func CanTransition(from, to models.CampaignStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type StateMachine struct {
	store  Store
	jobs   Submitter
	logger *logrus.Entry
	now    func() time.Time
}

func NewStateMachine(store Store, jobs Submitter, logger *logrus.Entry) *StateMachine {
	return &StateMachine{
		store:  store,
		jobs:   jobs,
		logger: logger,
		now:    time.Now,
	}
}

// StartSending moves c from draft to sending and enqueues its dispatch.
// If the job cannot be enqueued the campaign is put back to draft.
func (m *StateMachine) StartSending(ctx context.Context, c *models.EmailCampaign) (*models.BackgroundJob, error) {
	if c.Status != models.CampaignDraft {
		return nil, ErrAlreadyStarted
	}

	startedAt := m.now()
	ok, err := m.store.CompareAndSwapStatus(ctx, c.ID, models.CampaignDraft, models.CampaignSending, map[string]interface{}{
		"started_at":   startedAt,
		"last_error":   "",
		"sent_count":   0,
		"failed_count": 0,
	})
	if err != nil {
		return nil, fmt.Errorf("starting campaign %d: %w", c.ID, err)
	}
	if !ok {
		return nil, ErrAlreadyStarted
	}

	job, err := m.jobs.Submit(ctx, c.UserID, queue.TypeSendCampaign, SendJob{CampaignID: c.ID})
	if err != nil {
		// compensate so the user can retry
		reverted, rerr := m.store.CompareAndSwapStatus(context.WithoutCancel(ctx), c.ID, models.CampaignSending, models.CampaignDraft, map[string]interface{}{
			"started_at": nil,
		})
		if rerr != nil || !reverted {
			m.logger.WithFields(logrus.Fields{
				"campaign_id": c.ID,
				"reverted":    reverted,
			}).WithError(rerr).Error("campaign stuck in sending after failed enqueue")
		}
		return nil, fmt.Errorf("enqueueing campaign %d: %w", c.ID, err)
	}

	c.Status = models.CampaignSending
	c.StartedAt = &startedAt
	c.SentCount, c.FailedCount, c.LastError = 0, 0, ""

	m.logger.WithFields(logrus.Fields{
		"campaign_id": c.ID,
		"user_id":     c.UserID,
		"job_id":      job.ID,
	}).Info("campaign sending started")
	return job, nil
}

// Complete records the final counts. Any failure makes the campaign failed.
func (m *StateMachine) Complete(ctx context.Context, id uint, sent, failed int) (models.CampaignStatus, error) {
	status := models.CampaignSent
	if failed > 0 {
		status = models.CampaignFailed
	}

	ok, err := m.store.CompareAndSwapStatus(ctx, id, models.CampaignSending, status, map[string]interface{}{
		"sent_count":   sent,
		"failed_count": failed,
		"sent_at":      m.now(),
	})
	if err != nil {
		return "", fmt.Errorf("completing campaign %d: %w", id, err)
	}
	if !ok {
		return "", ErrNotSending
	}
	return status, nil
}

// Abort fails a campaign that could not be dispatched at all, counting every
// recipient as failed.
func (m *StateMachine) Abort(ctx context.Context, id uint, total int, reason string) error {
	ok, err := m.store.CompareAndSwapStatus(ctx, id, models.CampaignSending, models.CampaignFailed, map[string]interface{}{
		"total_recipients": total,
		"sent_count":       0,
		"failed_count":     total,
		"last_error":       reason,
		"sent_at":          m.now(),
	})
	if err != nil {
		return fmt.Errorf("aborting campaign %d: %w", id, err)
	}
	if !ok {
		return ErrNotSending
	}

	m.logger.WithFields(logrus.Fields{
		"campaign_id": id,
		"reason":      reason,
	}).Warn("campaign aborted")
	return nil
}
