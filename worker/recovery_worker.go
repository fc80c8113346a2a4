package worker

import (
	"context"
	"time"

	"mailpilot/campaign"
	"mailpilot/models"
	"mailpilot/queue"

	"github.com/sirupsen/logrus"
)

// StuckCampaigns finds campaigns left in sending by a worker that went away
type StuckCampaigns interface {
	// StaleSending returns campaigns in sending not updated since before
	StaleSending(ctx context.Context, before time.Time) ([]models.EmailCampaign, error)
	// Touch bumps updated_at so a re-submitted campaign is not picked up again right away
	Touch(ctx context.Context, campaignID uint) error
}

// Submitter is implemented by Enqueuer
type Submitter interface {
	Submit(ctx context.Context, userID uint, jobType string, payload interface{}) (*models.BackgroundJob, error)
}

// RecoveryWorker periodically re-queues dispatches whose job was lost.
// Resuming from email logs makes a duplicate submission harmless.
type RecoveryWorker struct {
	campaigns  StuckCampaigns
	jobs       Submitter
	every      time.Duration
	staleAfter time.Duration
	logger     *logrus.Entry
	now        func() time.Time
}

func NewRecoveryWorker(campaigns StuckCampaigns, jobs Submitter, every, staleAfter time.Duration, logger *logrus.Entry) *RecoveryWorker {
	return &RecoveryWorker{
		campaigns:  campaigns,
		jobs:       jobs,
		every:      every,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

func (w *RecoveryWorker) Start(ctx context.Context) {
	w.logger.WithField("every", w.every.String()).Info("recovery worker started")

	ticker := time.NewTicker(w.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("recovery worker shutting down")
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.WithError(err).Error("recovery sweep failed")
			}
		}
	}
}

// Sweep re-submits every stale sending campaign and returns how many it queued
func (w *RecoveryWorker) Sweep(ctx context.Context) (int, error) {
	stale, err := w.campaigns.StaleSending(ctx, w.now().Add(-w.staleAfter))
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, c := range stale {
		log := w.logger.WithField("campaign_id", c.ID)
		if _, err := w.jobs.Submit(ctx, c.UserID, queue.TypeSendCampaign, campaign.SendJob{CampaignID: c.ID}); err != nil {
			log.WithError(err).Error("failed to re-submit stuck campaign")
			continue
		}
		if err := w.campaigns.Touch(ctx, c.ID); err != nil {
			log.WithError(err).Warn("failed to touch re-submitted campaign")
		}
		queued++
		log.Info("re-submitted stuck campaign")
	}
	return queued, nil
}
