package campaign

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mailpilot/models"
	"mailpilot/queue"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	status map[uint]models.CampaignStatus
	fields map[uint]map[string]interface{}
	err    error
}

func newMemStore(id uint, status models.CampaignStatus) *memStore {
	return &memStore{
		status: map[uint]models.CampaignStatus{id: status},
		fields: map[uint]map[string]interface{}{},
	}
}

func (s *memStore) CompareAndSwapStatus(_ context.Context, id uint, from, to models.CampaignStatus, fields map[string]interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if s.status[id] != from {
		return false, nil
	}
	s.status[id] = to
	s.fields[id] = fields
	return true, nil
}

func (s *memStore) get(id uint) models.CampaignStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[id]
}

type countingSubmitter struct {
	calls atomic.Int32
	err   error
}

func (c *countingSubmitter) Submit(_ context.Context, userID uint, jobType string, payload interface{}) (*models.BackgroundJob, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &models.BackgroundJob{ID: "job-1", UserID: userID, Type: jobType, Status: models.JobQueued}, nil
}

func newMachine(store Store, jobs Submitter) (*StateMachine, *test.Hook) {
	logger, hook := test.NewNullLogger()
	m := NewStateMachine(store, jobs, logrus.NewEntry(logger))
	m.now = func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }
	return m, hook
}

func draft(id uint) *models.EmailCampaign {
	c := &models.EmailCampaign{UserID: 3, Status: models.CampaignDraft}
	c.ID = id
	return c
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]models.CampaignStatus{
		{models.CampaignDraft, models.CampaignSending},
		{models.CampaignSending, models.CampaignSent},
		{models.CampaignSending, models.CampaignFailed},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]models.CampaignStatus{
		{models.CampaignDraft, models.CampaignSent},
		{models.CampaignSending, models.CampaignDraft},
		{models.CampaignSent, models.CampaignSending},
		{models.CampaignFailed, models.CampaignSending},
		{models.CampaignSent, models.CampaignFailed},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestStartSending_ConcurrentCallersOneWinner(t *testing.T) {
	store := newMemStore(10, models.CampaignDraft)
	jobs := &countingSubmitter{}
	m, _ := newMachine(store, jobs)

	const callers = 16
	var (
		wg      sync.WaitGroup
		wins    atomic.Int32
		started atomic.Int32
		start   = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := m.StartSending(context.Background(), draft(10))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyStarted):
				started.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(callers-1), started.Load())
	assert.Equal(t, int32(1), jobs.calls.Load())
	assert.Equal(t, models.CampaignSending, store.get(10))
}

func TestStartSending_UpdatesCampaign(t *testing.T) {
	store := newMemStore(1, models.CampaignDraft)
	m, _ := newMachine(store, &countingSubmitter{})

	c := draft(1)
	job, err := m.StartSending(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, queue.TypeSendCampaign, job.Type)
	assert.Equal(t, models.CampaignSending, c.Status)
	require.NotNil(t, c.StartedAt)
	assert.Equal(t, m.now(), store.fields[1]["started_at"])
}

func TestStartSending_NonDraftRejectedWithoutWrite(t *testing.T) {
	store := newMemStore(1, models.CampaignSent)
	jobs := &countingSubmitter{}
	m, _ := newMachine(store, jobs)

	c := draft(1)
	c.Status = models.CampaignSent
	_, err := m.StartSending(context.Background(), c)
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	assert.Zero(t, jobs.calls.Load())
}

func TestStartSending_EnqueueFailureRevertsToDraft(t *testing.T) {
	store := newMemStore(1, models.CampaignDraft)
	m, _ := newMachine(store, &countingSubmitter{err: errors.New("redis unavailable")})

	c := draft(1)
	_, err := m.StartSending(context.Background(), c)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyStarted)
	assert.Equal(t, models.CampaignDraft, store.get(1))
	assert.Equal(t, models.CampaignDraft, c.Status)

	// the user can retry
	m.jobs = &countingSubmitter{}
	_, err = m.StartSending(context.Background(), c)
	assert.NoError(t, err)
}

func TestStartSending_StoreError(t *testing.T) {
	store := newMemStore(1, models.CampaignDraft)
	store.err = errors.New("connection reset")
	m, _ := newMachine(store, &countingSubmitter{})

	_, err := m.StartSending(context.Background(), draft(1))
	assert.ErrorContains(t, err, "connection reset")
}

func TestComplete(t *testing.T) {
	cases := []struct {
		name         string
		sent, failed int
		want         models.CampaignStatus
	}{
		{"all sent", 3, 0, models.CampaignSent},
		{"some failed", 2, 1, models.CampaignFailed},
		{"empty group", 0, 0, models.CampaignSent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore(1, models.CampaignSending)
			m, _ := newMachine(store, &countingSubmitter{})

			status, err := m.Complete(context.Background(), 1, tc.sent, tc.failed)
			require.NoError(t, err)
			assert.Equal(t, tc.want, status)
			assert.Equal(t, tc.want, store.get(1))
			assert.Equal(t, tc.sent, store.fields[1]["sent_count"])
			assert.Equal(t, tc.failed, store.fields[1]["failed_count"])
		})
	}
}

func TestComplete_TerminalCampaignUntouched(t *testing.T) {
	store := newMemStore(1, models.CampaignSent)
	m, _ := newMachine(store, &countingSubmitter{})

	_, err := m.Complete(context.Background(), 1, 0, 5)
	assert.ErrorIs(t, err, ErrNotSending)
	assert.Equal(t, models.CampaignSent, store.get(1))
}

func TestAbort(t *testing.T) {
	store := newMemStore(1, models.CampaignSending)
	m, hook := newMachine(store, &countingSubmitter{})

	require.NoError(t, m.Abort(context.Background(), 1, 4, "template not found"))
	assert.Equal(t, models.CampaignFailed, store.get(1))
	assert.Equal(t, 4, store.fields[1]["failed_count"])
	assert.Equal(t, "template not found", store.fields[1]["last_error"])
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	assert.ErrorIs(t, m.Abort(context.Background(), 1, 4, "again"), ErrNotSending)
}
