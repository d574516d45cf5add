package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/models"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/store"
)

type fakeJobStore struct {
	mu        sync.Mutex
	jobs      map[string]models.Job
	completed map[string]json.RawMessage
	retries   []retryCall
	failed    map[string]string
	purged    int
}

type retryCall struct {
	id       string
	attempts int
	nextRun  time.Time
	reason   string
}

func newFakeJobStore(jobs ...models.Job) *fakeJobStore {
	s := &fakeJobStore{
		jobs:      map[string]models.Job{},
		completed: map[string]json.RawMessage{},
		failed:    map[string]string{},
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeJobStore) GetJob(_ context.Context, _ string, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNoJob
	}
	return j, nil
}

func (s *fakeJobStore) MarkActive(context.Context, string) error    { return nil }
func (s *fakeJobStore) MarkWaiting(context.Context, []string) error { return nil }

func (s *fakeJobStore) MarkCompleted(_ context.Context, id string, rv json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[id] = rv
	return nil
}

func (s *fakeJobStore) MarkDelayedRetry(_ context.Context, id string, attempts int, nextRun time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries = append(s.retries, retryCall{id: id, attempts: attempts, nextRun: nextRun, reason: reason})
	j := s.jobs[id]
	j.AttemptsMade = attempts
	j.State = models.StateDelayed
	s.jobs[id] = j
	return nil
}

func (s *fakeJobStore) MarkFailed(_ context.Context, id string, attempts int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = reason
	j := s.jobs[id]
	j.AttemptsMade = attempts
	j.State = models.StateFailed
	s.jobs[id] = j
	return nil
}

func (s *fakeJobStore) SetProgress(context.Context, string, int) error     { return nil }
func (s *fakeJobStore) AppendJobLog(context.Context, string, string) error { return nil }

func (s *fakeJobStore) PurgeFinished(context.Context, string, models.RetentionPolicy, time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purged++
	return 0, nil
}

type fakeQueue struct {
	mu        sync.Mutex
	acked     []string
	removed   []string
	delayed   []delayCall
	expired   []string
	extended  []string
	refreshed []string
}

type delayCall struct {
	id    string
	runAt time.Time
}

func (q *fakeQueue) PromoteDelayed(context.Context, string, time.Time, int64) (int, error) {
	return 0, nil
}

func (q *fakeQueue) RequeueExpired(context.Context, string, time.Time, int64) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.expired
	q.expired = nil
	return ids, nil
}

func (q *fakeQueue) DequeueWithLease(context.Context, string) (string, error) { return "", nil }

func (q *fakeQueue) ExtendLease(_ context.Context, _ string, id string, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.extended = append(q.extended, id)
	return nil
}

func (q *fakeQueue) Ack(_ context.Context, _ string, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, id)
	return nil
}

func (q *fakeQueue) Remove(_ context.Context, _ string, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, id)
	return nil
}

func (q *fakeQueue) Delay(_ context.Context, _ string, id string, _ models.Priority, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed = append(q.delayed, delayCall{id: id, runAt: runAt})
	return nil
}

func (q *fakeQueue) WaitingDepth(context.Context, string) (int64, error) { return 0, nil }

func (q *fakeQueue) AcquireLock(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func (q *fakeQueue) RefreshLock(_ context.Context, _ string, holder string, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.refreshed = append(q.refreshed, holder)
	return nil
}

func (q *fakeQueue) ReleaseLock(context.Context, string, string) error { return nil }

func (q *fakeQueue) leaseExtensions() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.extended)
}

func (q *fakeQueue) lockRefreshes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.refreshed)
}

type recordingAlerter struct {
	mu    sync.Mutex
	calls []string
}

func (a *recordingAlerter) JobFailed(_ context.Context, job models.Job, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, job.ID)
}

func testJob(id string, attempts, max int) models.Job {
	return models.Job{
		ID:           id,
		Queue:        models.QueueValidation,
		Name:         "integrity-check",
		Payload:      json.RawMessage(`{}`),
		Priority:     models.PriorityNormal,
		State:        models.StateActive,
		AttemptsMade: attempts,
		MaxAttempts:  max,
		Backoff:      models.BackoffPolicy{Kind: models.BackoffExponential, BaseDelay: time.Second},
	}
}

func newTestWorker(st *fakeJobStore, q *fakeQueue, p Processor) *Worker {
	return New(Config{Queue: models.QueueValidation}, st, q, p, zerolog.Nop())
}

func TestExecuteSuccess(t *testing.T) {
	job := testJob("j1", 0, 3)
	st := newFakeJobStore(job)
	q := &fakeQueue{}
	w := newTestWorker(st, q, func(context.Context, models.Job, *JobContext) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})

	w.execute(context.Background(), job)

	require.Equal(t, []string{"j1"}, q.acked)
	require.JSONEq(t, `{"ok":true}`, string(st.completed["j1"]))
	require.Equal(t, 1, st.purged, "retention runs after completion")
}

func TestFailedAttemptSchedulesRetryWithBackoff(t *testing.T) {
	job := testJob("j1", 0, 3)
	st := newFakeJobStore(job)
	q := &fakeQueue{}
	w := newTestWorker(st, q, func(context.Context, models.Job, *JobContext) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})

	before := time.Now()
	w.execute(context.Background(), job)

	require.Len(t, st.retries, 1)
	require.Equal(t, 1, st.retries[0].attempts)
	require.Equal(t, "boom", st.retries[0].reason)
	require.Len(t, q.delayed, 1)
	// First failed attempt waits one base delay.
	require.WithinDuration(t, before.Add(time.Second), q.delayed[0].runAt, 500*time.Millisecond)
	require.Empty(t, st.failed)
}

func TestRetriesAreBoundedByMaxAttempts(t *testing.T) {
	job := testJob("j1", 0, 3)
	st := newFakeJobStore(job)
	q := &fakeQueue{}
	alerter := &recordingAlerter{}
	w := newTestWorker(st, q, func(context.Context, models.Job, *JobContext) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}).WithAlerter(alerter)

	for i := 0; i < 3; i++ {
		current, err := st.GetJob(context.Background(), models.QueueValidation, "j1")
		require.NoError(t, err)
		w.execute(context.Background(), current)
	}

	require.Len(t, st.retries, 2, "attempts 1 and 2 retry")
	require.Equal(t, "boom", st.failed["j1"], "attempt 3 is terminal")
	require.Equal(t, []string{"j1"}, alerter.calls, "terminal failure raises an alert")

	// Backoff doubled between the two retries.
	gap1 := st.retries[0].nextRun
	gap2 := st.retries[1].nextRun
	require.True(t, gap2.Sub(gap1) > time.Second/2, "second retry waits longer")
}

func TestRetryAfterTerminalFailureKeepsAttemptsBounded(t *testing.T) {
	// A manual retry re-enqueues a job whose counter already sits at the
	// bound; the next failure must not push the stored counter past it.
	job := testJob("j1", 3, 3)
	st := newFakeJobStore(job)
	q := &fakeQueue{}
	w := newTestWorker(st, q, func(context.Context, models.Job, *JobContext) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})

	w.execute(context.Background(), job)

	require.Empty(t, st.retries)
	require.Equal(t, "boom", st.failed["j1"])
	final, err := st.GetJob(context.Background(), models.QueueValidation, "j1")
	require.NoError(t, err)
	require.Equal(t, 3, final.AttemptsMade, "attempts never exceed the configured maximum")
}

func TestProcessorPanicIsAFailedAttempt(t *testing.T) {
	job := testJob("j1", 0, 3)
	st := newFakeJobStore(job)
	q := &fakeQueue{}
	w := newTestWorker(st, q, func(context.Context, models.Job, *JobContext) (json.RawMessage, error) {
		panic("bad payload")
	})

	w.execute(context.Background(), job)

	require.Len(t, st.retries, 1)
	require.Contains(t, st.retries[0].reason, "panic")
	require.Empty(t, st.completed)
}

func TestLongRunExtendsLeaseAndLock(t *testing.T) {
	job := testJob("j1", 0, 3)
	st := newFakeJobStore(job)
	q := &fakeQueue{}
	w := New(Config{
		Queue:        models.QueueValidation,
		Visibility:   30 * time.Millisecond,
		SingleFlight: true,
		WorkerID:     "w1",
	}, st, q, func(context.Context, models.Job, *JobContext) (json.RawMessage, error) {
		time.Sleep(150 * time.Millisecond)
		return nil, nil
	}, zerolog.Nop())

	w.execute(context.Background(), job)

	require.GreaterOrEqual(t, q.leaseExtensions(), 1, "lease renewed while the processor runs")
	require.GreaterOrEqual(t, q.lockRefreshes(), 1, "single-flight lock renewed while the processor runs")
	require.Contains(t, st.completed, "j1", "the run still completes normally")
}

func TestShortRunDoesNotHeartbeat(t *testing.T) {
	job := testJob("j1", 0, 3)
	st := newFakeJobStore(job)
	q := &fakeQueue{}
	w := newTestWorker(st, q, func(context.Context, models.Job, *JobContext) (json.RawMessage, error) {
		return nil, nil
	})

	w.execute(context.Background(), job)

	require.Zero(t, q.leaseExtensions())
	require.Zero(t, q.lockRefreshes())
}

func TestReclaimStalledCountsAsFailedAttempt(t *testing.T) {
	job := testJob("j1", 2, 3)
	st := newFakeJobStore(job)
	q := &fakeQueue{expired: []string{"j1"}}
	alerter := &recordingAlerter{}
	w := newTestWorker(st, q, func(context.Context, models.Job, *JobContext) (json.RawMessage, error) {
		return nil, nil
	}).WithAlerter(alerter)

	w.reclaimStalled(context.Background(), time.Now())

	require.Contains(t, st.failed["j1"], "stalled")
	require.Equal(t, []string{"j1"}, q.removed, "reclaimed entry removed before terminal fail")
	require.Equal(t, []string{"j1"}, alerter.calls)
}

func TestReclaimStalledRetriesWhenAttemptsRemain(t *testing.T) {
	job := testJob("j1", 0, 3)
	st := newFakeJobStore(job)
	q := &fakeQueue{expired: []string{"j1"}}
	w := newTestWorker(st, q, nil)

	w.reclaimStalled(context.Background(), time.Now())

	require.Len(t, st.retries, 1)
	require.Equal(t, 1, st.retries[0].attempts)
	require.Contains(t, st.retries[0].reason, "stalled")
	require.Empty(t, st.failed)
}
