// Package queue moves background jobs from request handlers to workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Job types
const (
	TypeImportContacts = "import_contacts"
	TypeSendCampaign   = "send_campaign"
)

// ErrClosed is returned by Dequeue after Close
var ErrClosed = errors.New("queue: closed")

// Job is the envelope stored on the queue
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Queue is an at-least-once job queue. A dequeued job stays owned by the
// consumer until it is acked or nacked; unacked jobs are redelivered.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available or ctx is done
	Dequeue(ctx context.Context) (*Delivery, error)
	Close() error
}

// Delivery is a dequeued job awaiting acknowledgement
type Delivery struct {
	Job  Job
	ack  func(ctx context.Context) error
	nack func(ctx context.Context, requeue bool) error
}

// Ack removes the job permanently
func (d *Delivery) Ack(ctx context.Context) error {
	return d.ack(ctx)
}

// Nack gives the job back. With requeue it is retried with Attempts+1,
// otherwise it is dead-lettered.
func (d *Delivery) Nack(ctx context.Context, requeue bool) error {
	return d.nack(ctx, requeue)
}

// NewDelivery assembles a Delivery; used by backends and test doubles
func NewDelivery(job Job, ack func(ctx context.Context) error, nack func(ctx context.Context, requeue bool) error) *Delivery {
	return &Delivery{Job: job, ack: ack, nack: nack}
}
