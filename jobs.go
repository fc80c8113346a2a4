package main

import (
	"context"
	"encoding/json"
	"fmt"

	"mailpilot/campaign"
	"mailpilot/dispatcher"
	"mailpilot/importer"
	"mailpilot/queue"
	"mailpilot/worker"

	"github.com/sirupsen/logrus"
)

type contactImporter interface {
	Import(ctx context.Context, job importer.Job) (*importer.Summary, error)
	Fail(ctx context.Context, job importer.Job, cause error) error
}

type campaignRunner interface {
	Run(ctx context.Context, campaignID uint) (*dispatcher.Result, error)
}

func importHandler(imp contactImporter) worker.Handler {
	return func(ctx context.Context, job queue.Job) error {
		var payload importer.Job
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return worker.Fatal(fmt.Errorf("decoding import job: %w", err))
		}
		_, err := imp.Import(ctx, payload)
		return err
	}
}

// importFailed closes out the template of an import the queue gave up on
func importFailed(imp contactImporter, logger *logrus.Entry) worker.DeadLetterFunc {
	return func(ctx context.Context, job queue.Job, cause error) {
		var payload importer.Job
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return
		}
		if err := imp.Fail(ctx, payload, cause); err != nil {
			logger.WithError(err).WithField("job_id", job.ID).Error("failed to mark import failed")
		}
	}
}

func sendHandler(disp campaignRunner, logger *logrus.Entry) worker.Handler {
	return func(ctx context.Context, job queue.Job) error {
		var payload campaign.SendJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return worker.Fatal(fmt.Errorf("decoding send job: %w", err))
		}
		if payload.CampaignID == 0 {
			return worker.Fatal(fmt.Errorf("send job %s has no campaign", job.ID))
		}

		res, err := disp.Run(ctx, payload.CampaignID)
		if err == nil && res != nil && !res.Skipped {
			logger.WithFields(logrus.Fields{
				"job_id":      job.ID,
				"campaign_id": res.CampaignID,
				"status":      res.Status,
				"total":       res.Total,
				"sent":        res.Sent,
				"failed":      res.Failed,
			}).Info("campaign dispatch finished")
		}
		return err
	}
}
