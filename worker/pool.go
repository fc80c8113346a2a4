// Package worker runs queued background jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mailpilot/models"
	"mailpilot/queue"
	"mailpilot/utils"

	"github.com/sirupsen/logrus"
)

// Handler executes one job. Return Fatal(err) for failures that must not be retried.
type Handler func(ctx context.Context, job queue.Job) error

// DeadLetterFunc runs once a job has failed for good, with the last error
type DeadLetterFunc func(ctx context.Context, job queue.Job, err error)

// JobStore records job status for polling clients
type JobStore interface {
	CreateJob(ctx context.Context, job *models.BackgroundJob) error
	UpdateJob(ctx context.Context, id, status string, attempts int, lastError string) error
}

// Pool pulls jobs off a queue with a fixed number of workers
type Pool struct {
	queue       queue.Queue
	jobs        JobStore
	handlers    map[string]Handler
	onDead      map[string]DeadLetterFunc
	workers     int
	maxAttempts int
	logger      *logrus.Entry

	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// Stats
	completed int64
	failed    int64
	retried   int64
}

func NewPool(q queue.Queue, jobs JobStore, workers, maxAttempts int, logger *logrus.Entry) *Pool {
	if workers < 1 {
		workers = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Pool{
		queue:       q,
		jobs:        jobs,
		handlers:    make(map[string]Handler),
		onDead:      make(map[string]DeadLetterFunc),
		workers:     workers,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Handle registers h for jobType. Must be called before Start.
func (p *Pool) Handle(jobType string, h Handler) {
	p.handlers[jobType] = h
}

// OnDeadLetter registers fn for permanently failed jobs of jobType. Must be
// called before Start.
func (p *Pool) OnDeadLetter(jobType string, fn DeadLetterFunc) {
	p.onDead[jobType] = fn
}

// Start launches the workers. They stop when ctx is done; Wait blocks until they have.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	p.logger.WithField("workers", p.workers).Info("worker pool starting")
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
}

// Wait blocks until every worker has returned
func (p *Pool) Wait() {
	p.wg.Wait()
	p.logger.WithFields(logrus.Fields(p.Stats())).Info("worker pool stopped")
}

// Stats returns job counters since start
func (p *Pool) Stats() map[string]interface{} {
	return map[string]interface{}{
		"completed": atomic.LoadInt64(&p.completed),
		"failed":    atomic.LoadInt64(&p.failed),
		"retried":   atomic.LoadInt64(&p.retried),
	}
}

func (p *Pool) work(ctx context.Context, n int) {
	defer p.wg.Done()
	log := p.logger.WithField("worker", n)

	for {
		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.WithError(err).Error("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.process(ctx, d, log)
	}
}

func (p *Pool) process(ctx context.Context, d *queue.Delivery, log *logrus.Entry) {
	job := d.Job
	attempt := job.Attempts + 1
	log = log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_type": job.Type,
		"attempt":  attempt,
	})
	// bookkeeping must land even during shutdown
	bg := context.WithoutCancel(ctx)

	h, ok := p.handlers[job.Type]
	if !ok {
		p.deadLetter(bg, d, attempt, fmt.Errorf("no handler for job type %q", job.Type), log)
		return
	}

	p.update(bg, job.ID, models.JobRunning, attempt, "", log)
	err := p.run(ctx, h, job)

	switch {
	case err == nil:
		if aerr := d.Ack(bg); aerr != nil {
			log.WithError(aerr).Error("ack failed")
		}
		p.update(bg, job.ID, models.JobCompleted, attempt, "", log)
		atomic.AddInt64(&p.completed, 1)
		log.Info("job completed")

	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// left unacknowledged so the broker redelivers it
		p.update(bg, job.ID, models.JobQueued, attempt, "interrupted by shutdown", log)
		log.Warn("job interrupted by shutdown")

	case IsFatal(err) || attempt >= p.maxAttempts:
		p.deadLetter(bg, d, attempt, err, log)

	default:
		if nerr := d.Nack(bg, true); nerr != nil {
			log.WithError(nerr).Error("requeue failed")
		}
		p.update(bg, job.ID, models.JobQueued, attempt, err.Error(), log)
		atomic.AddInt64(&p.retried, 1)
		log.WithError(err).Warn("job failed, requeued")
	}
}

// run calls h and turns a panic into a fatal error
func (p *Pool) run(ctx context.Context, h Handler, job queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Fatal(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, job)
}

func (p *Pool) deadLetter(ctx context.Context, d *queue.Delivery, attempt int, err error, log *logrus.Entry) {
	if nerr := d.Nack(ctx, false); nerr != nil {
		log.WithError(nerr).Error("dead-letter failed")
	}
	if fn, ok := p.onDead[d.Job.Type]; ok {
		fn(ctx, d.Job, err)
	}
	p.update(ctx, d.Job.ID, models.JobFailed, attempt, err.Error(), log)
	atomic.AddInt64(&p.failed, 1)
	utils.LogError("job_dead_lettered", err, map[string]interface{}{
		"job_id":   d.Job.ID,
		"job_type": d.Job.Type,
		"attempt":  attempt,
	})
}

func (p *Pool) update(ctx context.Context, id, status string, attempts int, lastError string, log *logrus.Entry) {
	if p.jobs == nil {
		return
	}
	if err := p.jobs.UpdateJob(ctx, id, status, attempts, lastError); err != nil {
		log.WithError(err).Warn("failed to update job status")
	}
}
