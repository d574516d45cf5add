// Package worker drives the per-queue execution loop: promote delayed jobs,
// reclaim expired leases, dequeue under a concurrency bound, and apply the
// retry/backoff state machine.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/models"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/store"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/telemetry"
)

// Processor executes one job. The JobContext is an append-only side channel
// for progress and log lines; it never affects state transitions.
type Processor func(ctx context.Context, job models.Job, jc *JobContext) (json.RawMessage, error)

// JobStore is the slice of the durable store the worker needs.
type JobStore interface {
	GetJob(ctx context.Context, queue, id string) (models.Job, error)
	MarkActive(ctx context.Context, id string) error
	MarkWaiting(ctx context.Context, ids []string) error
	MarkCompleted(ctx context.Context, id string, returnValue json.RawMessage) error
	MarkDelayedRetry(ctx context.Context, id string, attempts int, nextRun time.Time, reason string) error
	MarkFailed(ctx context.Context, id string, attempts int, reason string) error
	SetProgress(ctx context.Context, id string, progress int) error
	AppendJobLog(ctx context.Context, id, line string) error
	PurgeFinished(ctx context.Context, queue string, policy models.RetentionPolicy, now time.Time) (int64, error)
}

// Queue is the coordination slice the worker needs.
type Queue interface {
	PromoteDelayed(ctx context.Context, queue string, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error)
	DequeueWithLease(ctx context.Context, queue string) (string, error)
	ExtendLease(ctx context.Context, queue, jobID string, extension time.Duration) error
	Ack(ctx context.Context, queue, jobID string) error
	Remove(ctx context.Context, queue, jobID string) error
	Delay(ctx context.Context, queue, jobID string, priority models.Priority, runAt time.Time) error
	WaitingDepth(ctx context.Context, queue string) (int64, error)
	AcquireLock(ctx context.Context, queue, holder string, ttl time.Duration) (bool, error)
	RefreshLock(ctx context.Context, queue, holder string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, queue, holder string) error
}

// Alerter raises an operational alert when a job dead-ends. Optional.
type Alerter interface {
	JobFailed(ctx context.Context, job models.Job, reason string)
}

// Materializer turns due recurring definitions into concrete jobs. Optional;
// usually the queue manager.
type Materializer interface {
	MaterializeDue(ctx context.Context, now time.Time, limit int64) (int, error)
}

// Config for one worker.
type Config struct {
	Queue        string
	Concurrency  int
	PollInterval time.Duration
	Visibility   time.Duration
	Retention    models.RetentionPolicy
	// SingleFlight serializes execution across processes with a store-backed
	// lock. Required for the validation and cleanup queues, which mutate
	// shared domain data: their concurrency is pinned to 1 by design, not as
	// a performance knob.
	SingleFlight bool
	WorkerID     string
}

// Worker is bound to exactly one queue and one processor.
type Worker struct {
	cfg       Config
	store     JobStore
	queue     Queue
	processor Processor
	alerter   Alerter
	cron      Materializer
	logger    zerolog.Logger
}

// New constructs a worker. Concurrency defaults to 1; single-flight queues
// are forced to 1 regardless of configuration.
func New(cfg Config, st JobStore, q Queue, processor Processor, logger zerolog.Logger) *Worker {
	if cfg.Concurrency < 1 || cfg.SingleFlight {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Visibility == 0 {
		cfg.Visibility = 30 * time.Second
	}
	return &Worker{
		cfg:       cfg,
		store:     st,
		queue:     q,
		processor: processor,
		logger:    logger.With().Str("component", "worker").Str("queue", cfg.Queue).Logger(),
	}
}

// WithAlerter attaches the alert hook for terminal failures.
func (w *Worker) WithAlerter(a Alerter) *Worker {
	w.alerter = a
	return w
}

// WithMaterializer attaches the recurring-job materializer, run on each tick.
func (w *Worker) WithMaterializer(m Materializer) *Worker {
	w.cron = m
	return w
}

// Run starts the execution loop until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	slots := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w.tick(ctx)

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		jobID, err := w.queue.DequeueWithLease(ctx, w.cfg.Queue)
		if err != nil || jobID == "" {
			<-slots
			if err != nil {
				w.logger.Error().Err(err).Msg("dequeue failed")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}

		job, err := w.store.GetJob(ctx, w.cfg.Queue, jobID)
		if err != nil {
			// Row gone (cancelled after dequeue); drop the lease.
			_ = w.queue.Ack(ctx, w.cfg.Queue, jobID)
			<-slots
			if !errors.Is(err, store.ErrNoJob) {
				w.logger.Error().Err(err).Str("job_id", jobID).Msg("load job failed")
			}
			continue
		}

		if w.cfg.SingleFlight {
			ok, err := w.queue.AcquireLock(ctx, w.cfg.Queue, w.cfg.WorkerID, w.cfg.Visibility)
			if err != nil || !ok {
				// Another instance holds the queue; put the job back shortly.
				_ = w.queue.Ack(ctx, w.cfg.Queue, jobID)
				_ = w.queue.Delay(ctx, w.cfg.Queue, jobID, job.Priority, time.Now().Add(w.cfg.PollInterval))
				<-slots
				continue
			}
		}

		_ = w.store.MarkActive(ctx, job.ID)
		telemetry.InFlight.WithLabelValues(w.cfg.Queue).Inc()

		wg.Add(1)
		go func(job models.Job) {
			defer wg.Done()
			defer func() { <-slots }()
			defer telemetry.InFlight.WithLabelValues(w.cfg.Queue).Dec()
			if w.cfg.SingleFlight {
				defer func() { _ = w.queue.ReleaseLock(ctx, w.cfg.Queue, w.cfg.WorkerID) }()
			}
			w.execute(ctx, job)
		}(job)
	}
}

// tick runs the periodic bookkeeping shared by all workers on a queue.
func (w *Worker) tick(ctx context.Context) {
	now := time.Now()

	if w.cron != nil {
		if _, err := w.cron.MaterializeDue(ctx, now, 50); err != nil {
			w.logger.Error().Err(err).Msg("materialize recurring failed")
		}
	}

	promoted, err := w.promoteDelayed(ctx, now)
	if err != nil {
		w.logger.Error().Err(err).Msg("promote delayed failed")
	} else if promoted > 0 {
		w.logger.Debug().Int("promoted", promoted).Msg("promoted delayed jobs")
	}

	w.reclaimStalled(ctx, now)

	if depth, err := w.queue.WaitingDepth(ctx, w.cfg.Queue); err == nil {
		telemetry.QueueDepth.WithLabelValues(w.cfg.Queue).Set(float64(depth))
	}
}

func (w *Worker) promoteDelayed(ctx context.Context, now time.Time) (int, error) {
	n, err := w.queue.PromoteDelayed(ctx, w.cfg.Queue, now, 100)
	if err != nil || n == 0 {
		return n, err
	}
	// Row states follow the promotion lazily; the ready list is the source of
	// truth for dequeue order.
	return n, nil
}

// reclaimStalled treats an expired lease as a failed attempt: the heartbeat
// mechanism surfaced a stalled job and it re-enters the retry cycle.
func (w *Worker) reclaimStalled(ctx context.Context, now time.Time) {
	ids, err := w.queue.RequeueExpired(ctx, w.cfg.Queue, now, 100)
	if err != nil {
		w.logger.Error().Err(err).Msg("reclaim expired leases failed")
		return
	}
	for _, id := range ids {
		telemetry.JobsStalled.WithLabelValues(w.cfg.Queue).Inc()
		job, err := w.store.GetJob(ctx, w.cfg.Queue, id)
		if err != nil {
			_ = w.queue.Remove(ctx, w.cfg.Queue, id)
			continue
		}
		w.failAttempt(ctx, job, "stalled: visibility timeout exceeded", true)
	}
}

func (w *Worker) execute(ctx context.Context, job models.Job) {
	jc := &JobContext{queue: w.cfg.Queue, jobID: job.ID, store: w.store, logger: w.logger}

	// Runs longer than the visibility window would otherwise be reclaimed as
	// stalled mid-execution, and a single-flight lock would lapse.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(hbCtx, job.ID)
	}()

	result, err := w.runProcessor(ctx, job, jc)
	stopHeartbeat()
	<-hbDone
	if err == nil {
		_ = w.queue.Ack(ctx, w.cfg.Queue, job.ID)
		if err := w.store.MarkCompleted(ctx, job.ID, result); err != nil {
			w.logger.Error().Err(err).Str("job_id", job.ID).Msg("mark completed failed")
		}
		telemetry.JobsCompleted.WithLabelValues(w.cfg.Queue).Inc()
		if _, err := w.store.PurgeFinished(ctx, w.cfg.Queue, w.cfg.Retention, time.Now()); err != nil {
			w.logger.Warn().Err(err).Msg("retention purge failed")
		}
		return
	}

	w.failAttempt(ctx, job, err.Error(), false)
}

// heartbeat extends the job's lease, and the single-flight lock when one is
// held, at a third of the visibility window until the processor returns.
func (w *Worker) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.cfg.Visibility / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.ExtendLease(ctx, w.cfg.Queue, jobID, w.cfg.Visibility); err != nil {
				w.logger.Warn().Err(err).Str("job_id", jobID).Msg("lease extension failed")
			}
			if w.cfg.SingleFlight {
				if err := w.queue.RefreshLock(ctx, w.cfg.Queue, w.cfg.WorkerID, w.cfg.Visibility); err != nil {
					w.logger.Warn().Err(err).Msg("lock refresh failed")
				}
			}
		}
	}
}

// runProcessor isolates processor panics into errors so a bad payload cannot
// take the loop down.
func (w *Worker) runProcessor(ctx context.Context, job models.Job, jc *JobContext) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return w.processor(ctx, job, jc)
}

// failAttempt applies the retry state machine after a failed attempt.
// stalled jobs were already re-pushed to ready by the reclaim; they are
// removed again before being delayed or failed.
func (w *Worker) failAttempt(ctx context.Context, job models.Job, reason string, requeued bool) {
	attempts := job.AttemptsMade + 1
	// A manual retry of a terminally failed job re-enters with the counter
	// already at the bound; the stored counter never exceeds MaxAttempts.
	if attempts > job.MaxAttempts {
		attempts = job.MaxAttempts
	}

	if requeued {
		_ = w.queue.Remove(ctx, w.cfg.Queue, job.ID)
	} else {
		_ = w.queue.Ack(ctx, w.cfg.Queue, job.ID)
	}

	if attempts < job.MaxAttempts {
		delay := job.Backoff.Delay(attempts)
		nextRun := time.Now().Add(delay)
		if err := w.store.MarkDelayedRetry(ctx, job.ID, attempts, nextRun, reason); err != nil {
			w.logger.Error().Err(err).Str("job_id", job.ID).Msg("mark delayed retry failed")
		}
		if err := w.queue.Delay(ctx, w.cfg.Queue, job.ID, job.Priority, nextRun); err != nil {
			w.logger.Error().Err(err).Str("job_id", job.ID).Msg("delay for retry failed")
		}
		telemetry.JobsRetried.WithLabelValues(w.cfg.Queue).Inc()
		w.logger.Warn().Str("job_id", job.ID).Int("attempt", attempts).Dur("backoff", delay).Str("reason", reason).Msg("job attempt failed, retry scheduled")
		return
	}

	if err := w.store.MarkFailed(ctx, job.ID, attempts, reason); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("mark failed failed")
	}
	telemetry.JobsFailed.WithLabelValues(w.cfg.Queue).Inc()
	w.logger.Error().Str("job_id", job.ID).Int("attempts", attempts).Str("reason", reason).Msg("job terminally failed")
	if w.alerter != nil {
		w.alerter.JobFailed(ctx, job, reason)
	}
}

// JobContext is the processor's write-through side channel for progress and
// log lines.
type JobContext struct {
	queue  string
	jobID  string
	store  JobStore
	logger zerolog.Logger
}

// Progress reports 0-100 completion.
func (jc *JobContext) Progress(ctx context.Context, pct int) {
	if err := jc.store.SetProgress(ctx, jc.jobID, pct); err != nil {
		jc.logger.Warn().Err(err).Str("job_id", jc.jobID).Msg("progress update failed")
	}
}

// Log appends one line to the job's log.
func (jc *JobContext) Log(ctx context.Context, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if err := jc.store.AppendJobLog(ctx, jc.jobID, line); err != nil {
		jc.logger.Warn().Err(err).Str("job_id", jc.jobID).Msg("job log append failed")
	}
}
