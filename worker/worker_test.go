package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mailpilot/campaign"
	"mailpilot/models"
	"mailpilot/queue"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*models.BackgroundJob
	err  error
}

func newMemJobs() *memJobs { return &memJobs{jobs: map[string]*models.BackgroundJob{}} }

func (m *memJobs) CreateJob(_ context.Context, j *models.BackgroundJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memJobs) UpdateJob(_ context.Context, id, status string, attempts int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		j = &models.BackgroundJob{ID: id}
		m.jobs[id] = j
	}
	j.Status, j.Attempts, j.LastError = status, attempts, lastError
	return nil
}

func (m *memJobs) get(id string) models.BackgroundJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		return *j
	}
	return models.BackgroundJob{}
}

func nullEntry() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

// runUntil starts the pool and stops it once cond holds
func runUntil(t *testing.T, p *Pool, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
	cancel()
	p.Wait()
}

func TestSubmitThenProcess(t *testing.T) {
	q := queue.NewMemoryQueue(10)
	jobs := newMemJobs()
	enq := NewEnqueuer(q, jobs, nullEntry())

	record, err := enq.Submit(context.Background(), 5, queue.TypeSendCampaign, campaign.SendJob{CampaignID: 77})
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, jobs.get(record.ID).Status)
	assert.JSONEq(t, `{"campaign_id":77}`, record.Payload)

	var got campaign.SendJob
	pool := NewPool(q, jobs, 2, 3, nullEntry())
	pool.Handle(queue.TypeSendCampaign, func(_ context.Context, job queue.Job) error {
		return json.Unmarshal(job.Payload, &got)
	})
	runUntil(t, pool, func() bool { return jobs.get(record.ID).Status == models.JobCompleted })

	assert.Equal(t, uint(77), got.CampaignID)
	assert.Equal(t, 1, jobs.get(record.ID).Attempts)
}

func TestRetryThenSucceed(t *testing.T) {
	q := queue.NewMemoryQueue(10)
	jobs := newMemJobs()
	require.NoError(t, q.Enqueue(context.Background(), queue.Job{ID: "j1", Type: "flaky"}))

	var mu sync.Mutex
	calls := 0
	pool := NewPool(q, jobs, 1, 5, nullEntry())
	pool.Handle("flaky", func(context.Context, queue.Job) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})
	runUntil(t, pool, func() bool { return jobs.get("j1").Status == models.JobCompleted })

	assert.Equal(t, 3, jobs.get("j1").Attempts)
	assert.Equal(t, int64(2), pool.Stats()["retried"])
	assert.Empty(t, q.Dead())
}

func TestMaxAttemptsDeadLetters(t *testing.T) {
	q := queue.NewMemoryQueue(10)
	jobs := newMemJobs()
	require.NoError(t, q.Enqueue(context.Background(), queue.Job{ID: "j1", Type: "broken"}))

	pool := NewPool(q, jobs, 1, 2, nullEntry())
	pool.Handle("broken", func(context.Context, queue.Job) error { return errors.New("still broken") })
	runUntil(t, pool, func() bool { return jobs.get("j1").Status == models.JobFailed })

	job := jobs.get("j1")
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, "still broken", job.LastError)
	require.Len(t, q.Dead(), 1)
}

func TestDeadLetterHookAndReport(t *testing.T) {
	q := queue.NewMemoryQueue(10)
	jobs := newMemJobs()
	require.NoError(t, q.Enqueue(context.Background(), queue.Job{ID: "j1", Type: "broken"}))
	require.NoError(t, q.Enqueue(context.Background(), queue.Job{ID: "j2", Type: "flaky"}))
	reported := test.NewLocal(logrus.StandardLogger())

	var mu sync.Mutex
	var dead []string
	var lastErr error
	flakyCalls := 0

	pool := NewPool(q, jobs, 1, 2, nullEntry())
	pool.Handle("broken", func(context.Context, queue.Job) error { return errors.New("s3: connection reset") })
	pool.Handle("flaky", func(context.Context, queue.Job) error {
		mu.Lock()
		defer mu.Unlock()
		flakyCalls++
		if flakyCalls == 1 {
			return errors.New("temporary")
		}
		return nil
	})
	hook := func(_ context.Context, job queue.Job, err error) {
		mu.Lock()
		defer mu.Unlock()
		dead = append(dead, job.ID)
		lastErr = err
	}
	pool.OnDeadLetter("broken", hook)
	pool.OnDeadLetter("flaky", hook)
	runUntil(t, pool, func() bool {
		return jobs.get("j1").Status == models.JobFailed && jobs.get("j2").Status == models.JobCompleted
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"j1"}, dead, "only the final failure reaches the hook")
	assert.EqualError(t, lastErr, "s3: connection reset")

	var found bool
	for _, e := range reported.AllEntries() {
		if e.Data["error_type"] == "job_dead_lettered" && e.Data["job_id"] == "j1" {
			found = true
		}
	}
	assert.True(t, found, "permanent failures are reported")
}

func TestFatalIsNotRetried(t *testing.T) {
	q := queue.NewMemoryQueue(10)
	jobs := newMemJobs()
	require.NoError(t, q.Enqueue(context.Background(), queue.Job{ID: "j1", Type: "import"}))

	calls := 0
	pool := NewPool(q, jobs, 1, 5, nullEntry())
	pool.Handle("import", func(context.Context, queue.Job) error {
		calls++
		return Fatal(fmt.Errorf("wrapped: %w", errors.New("no email column")))
	})
	runUntil(t, pool, func() bool { return jobs.get("j1").Status == models.JobFailed })

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, jobs.get("j1").Attempts)
	assert.Len(t, q.Dead(), 1)
}

func TestUnknownTypeAndPanic(t *testing.T) {
	q := queue.NewMemoryQueue(10)
	jobs := newMemJobs()
	require.NoError(t, q.Enqueue(context.Background(), queue.Job{ID: "unknown", Type: "nope"}))
	require.NoError(t, q.Enqueue(context.Background(), queue.Job{ID: "panics", Type: "boom"}))

	pool := NewPool(q, jobs, 1, 5, nullEntry())
	pool.Handle("boom", func(context.Context, queue.Job) error { panic("nil map") })
	runUntil(t, pool, func() bool {
		return jobs.get("unknown").Status == models.JobFailed && jobs.get("panics").Status == models.JobFailed
	})

	assert.Contains(t, jobs.get("unknown").LastError, "no handler")
	assert.Contains(t, jobs.get("panics").LastError, "handler panic")
}

func TestShutdownLeavesJobForRedelivery(t *testing.T) {
	q := queue.NewMemoryQueue(10)
	jobs := newMemJobs()
	require.NoError(t, q.Enqueue(context.Background(), queue.Job{ID: "j1", Type: "slow"}))

	started := make(chan struct{})
	pool := NewPool(q, jobs, 1, 5, nullEntry())
	pool.Handle("slow", func(ctx context.Context, _ queue.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	<-started
	cancel()
	pool.Wait()

	assert.Equal(t, models.JobQueued, jobs.get("j1").Status)
	assert.Empty(t, q.Dead())
}

func TestSubmit_EnqueueFailure(t *testing.T) {
	q := queue.NewMemoryQueue(1)
	require.NoError(t, q.Close())
	jobs := newMemJobs()

	_, err := NewEnqueuer(q, jobs, nullEntry()).Submit(context.Background(), 1, queue.TypeImportContacts, map[string]int{"template_id": 1})
	assert.ErrorIs(t, err, queue.ErrClosed)
	for _, j := range jobs.jobs {
		assert.Equal(t, models.JobFailed, j.Status)
	}
}

func TestIsFatal(t *testing.T) {
	base := errors.New("bad input")
	assert.True(t, IsFatal(Fatal(base)))
	assert.True(t, IsFatal(fmt.Errorf("ctx: %w", Fatal(base))))
	assert.ErrorIs(t, Fatal(base), base)
	assert.False(t, IsFatal(base))
	assert.NoError(t, Fatal(nil))
}

type staleCampaigns struct {
	found   []models.EmailCampaign
	touched []uint
	before  time.Time
}

func (s *staleCampaigns) StaleSending(_ context.Context, before time.Time) ([]models.EmailCampaign, error) {
	s.before = before
	return s.found, nil
}

func (s *staleCampaigns) Touch(_ context.Context, id uint) error {
	s.touched = append(s.touched, id)
	return nil
}

func TestRecoverySweep(t *testing.T) {
	q := queue.NewMemoryQueue(10)
	jobs := newMemJobs()
	c := models.EmailCampaign{UserID: 2, Status: models.CampaignSending}
	c.ID = 31
	finder := &staleCampaigns{found: []models.EmailCampaign{c}}

	w := NewRecoveryWorker(finder, NewEnqueuer(q, jobs, nullEntry()), time.Minute, 10*time.Minute, nullEntry())
	now := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	n, err := w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, now.Add(-10*time.Minute), finder.before)
	assert.Equal(t, []uint{31}, finder.touched)
	require.Equal(t, 1, q.Len())

	d, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.TypeSendCampaign, d.Job.Type)
	assert.JSONEq(t, `{"campaign_id":31}`, string(d.Job.Payload))
}
