// Package manager is the administrative façade over the queue store: enqueue,
// recurring schedules, cancel/retry, pause/resume, stats, clean, and drain.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/audit"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/models"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/store"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/telemetry"
)

// Administrative errors returned synchronously to callers. Never retried.
var (
	ErrNotFound     = errors.New("job not found")
	ErrInvalidState = errors.New("job is not in a retryable state")
	ErrEmptyPayload = errors.New("payload is required")
	ErrUnknownQueue = errors.New("unknown queue")
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// JobStore is the durable half of the queue store.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, queue, id string) (models.Job, error)
	DeleteJob(ctx context.Context, queue, id string) (bool, error)
	MarkWaiting(ctx context.Context, ids []string) error
	CountByState(ctx context.Context, queue string) (map[string]int64, error)
	PurgeFinished(ctx context.Context, queue string, policy models.RetentionPolicy, now time.Time) (int64, error)
}

// Queue is the coordination half of the queue store.
type Queue interface {
	Enqueue(ctx context.Context, queue, jobID string, priority models.Priority, runAt time.Time) error
	Remove(ctx context.Context, queue, jobID string) error
	Drain(ctx context.Context, queue string) ([]string, error)
	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error
	IsPaused(ctx context.Context, queue string) (bool, error)
	UpsertRecurring(ctx context.Context, def models.RecurringJob) error
	RemoveRecurring(ctx context.Context, queue, name string) error
	DueRecurring(ctx context.Context, now time.Time, limit int64) ([]models.RecurringJob, error)
	RescheduleRecurring(ctx context.Context, def models.RecurringJob, next time.Time) error
}

// Defaults applied when an enqueue carries no overrides.
type Defaults struct {
	MaxAttempts int
	Backoff     models.BackoffPolicy
	Retention   models.RetentionPolicy
}

// Manager wires the two store halves together. It never blocks on worker
// availability; enqueue is persist-and-return.
type Manager struct {
	store    JobStore
	queue    Queue
	sink     audit.Sink
	defaults Defaults
	logger   zerolog.Logger
}

// New constructs a manager.
func New(st JobStore, q Queue, sink audit.Sink, defaults Defaults, logger zerolog.Logger) *Manager {
	if defaults.MaxAttempts == 0 {
		defaults.MaxAttempts = 3
	}
	if defaults.Backoff.Kind == "" {
		defaults.Backoff = models.BackoffPolicy{Kind: models.BackoffExponential, BaseDelay: 5 * time.Second}
	}
	return &Manager{
		store:    st,
		queue:    q,
		sink:     sink,
		defaults: defaults,
		logger:   logger.With().Str("component", "manager").Logger(),
	}
}

// Options override per-job defaults at enqueue time.
type Options struct {
	Priority      models.Priority
	Delay         time.Duration
	MaxAttempts   int
	Backoff       *models.BackoffPolicy
	ScheduledBy   string
	CorrelationID string
	Tags          []string
}

func (m *Manager) buildParams(queue, name string, payload json.RawMessage, opts Options, recurring bool) store.CreateJobParams {
	priority := opts.Priority
	if priority == 0 {
		priority = models.PriorityNormal
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = m.defaults.MaxAttempts
	}
	backoff := m.defaults.Backoff
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}
	scheduledBy := opts.ScheduledBy
	if scheduledBy == "" {
		scheduledBy = "system"
	}
	now := time.Now().UTC()
	return store.CreateJobParams{
		Queue:       queue,
		Name:        name,
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		Backoff:     backoff,
		RunAt:       now.Add(opts.Delay),
		Metadata: models.JobMetadata{
			ScheduledBy:   scheduledBy,
			ScheduledAt:   now,
			Priority:      priority,
			Recurring:     recurring,
			CorrelationID: opts.CorrelationID,
			Tags:          opts.Tags,
		},
	}
}

// Enqueue validates and persists a job, then makes it visible to workers.
func (m *Manager) Enqueue(ctx context.Context, queue, name string, payload json.RawMessage, opts Options) (string, error) {
	if !models.KnownQueue(queue) {
		return "", fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	if len(payload) == 0 {
		return "", ErrEmptyPayload
	}

	job, err := m.store.CreateJob(ctx, m.buildParams(queue, name, payload, opts, false))
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	if err := m.queue.Enqueue(ctx, queue, job.ID, job.Priority, job.NextRunAt); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	telemetry.JobsEnqueued.WithLabelValues(queue).Inc()
	m.record(ctx, "job.enqueued", opts.ScheduledBy, job.ID, map[string]any{"queue": queue, "name": name})
	return job.ID, nil
}

// ScheduleRecurring registers a repeating definition. Re-registering the same
// (queue, name) replaces the prior schedule.
func (m *Manager) ScheduleRecurring(ctx context.Context, queue, name string, payload json.RawMessage, cronExpr string, opts Options) error {
	if !models.KnownQueue(queue) {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}

	params := m.buildParams(queue, name, payload, opts, true)
	def := models.RecurringJob{
		Queue:     queue,
		Name:      name,
		CronExpr:  cronExpr,
		Payload:   payload,
		Metadata:  params.Metadata,
		NextRunAt: schedule.Next(time.Now()),
	}
	if err := m.queue.UpsertRecurring(ctx, def); err != nil {
		return fmt.Errorf("upsert recurring: %w", err)
	}
	m.record(ctx, "job.recurring_scheduled", opts.ScheduledBy, queue+"/"+name, map[string]any{"cron": cronExpr})
	return nil
}

// RemoveRecurring drops a repeating definition.
func (m *Manager) RemoveRecurring(ctx context.Context, queue, name string) error {
	if err := m.queue.RemoveRecurring(ctx, queue, name); err != nil {
		return fmt.Errorf("remove recurring: %w", err)
	}
	m.record(ctx, "job.recurring_removed", "", queue+"/"+name, nil)
	return nil
}

// MaterializeDue turns due recurring definitions into concrete jobs and
// advances their schedules. Called from the worker tick.
func (m *Manager) MaterializeDue(ctx context.Context, now time.Time, limit int64) (int, error) {
	defs, err := m.queue.DueRecurring(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list due recurring: %w", err)
	}
	var materialized int
	for _, def := range defs {
		schedule, err := cronParser.Parse(def.CronExpr)
		if err != nil {
			m.logger.Error().Err(err).Str("queue", def.Queue).Str("name", def.Name).Msg("invalid recurring cron, removing")
			_ = m.queue.RemoveRecurring(ctx, def.Queue, def.Name)
			continue
		}
		opts := Options{
			Priority:      def.Metadata.Priority,
			ScheduledBy:   def.Metadata.ScheduledBy,
			CorrelationID: def.Metadata.CorrelationID,
			Tags:          def.Metadata.Tags,
		}
		job, err := m.store.CreateJob(ctx, m.buildParams(def.Queue, def.Name, def.Payload, opts, true))
		if err != nil {
			return materialized, fmt.Errorf("materialize recurring %s/%s: %w", def.Queue, def.Name, err)
		}
		if err := m.queue.Enqueue(ctx, def.Queue, job.ID, job.Priority, job.NextRunAt); err != nil {
			return materialized, fmt.Errorf("enqueue recurring %s/%s: %w", def.Queue, def.Name, err)
		}
		if err := m.queue.RescheduleRecurring(ctx, def, schedule.Next(now)); err != nil {
			return materialized, fmt.Errorf("reschedule recurring %s/%s: %w", def.Queue, def.Name, err)
		}
		telemetry.JobsEnqueued.WithLabelValues(def.Queue).Inc()
		materialized++
	}
	return materialized, nil
}

// Cancel removes a still-pending job. An in-flight job cannot be interrupted;
// cancellation only prevents future dequeue.
func (m *Manager) Cancel(ctx context.Context, queue, jobID, reason string) error {
	if err := m.queue.Remove(ctx, queue, jobID); err != nil {
		return fmt.Errorf("remove from queue: %w", err)
	}
	deleted, err := m.store.DeleteJob(ctx, queue, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if !deleted {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, queue, jobID)
	}
	m.record(ctx, "job.cancelled", "", jobID, map[string]any{"queue": queue, "reason": reason})
	return nil
}

// Retry re-enqueues a terminally failed job. Attempts are NOT reset; the job
// re-enters the backoff cycle from its current attempt count.
func (m *Manager) Retry(ctx context.Context, queue, jobID string) error {
	job, err := m.store.GetJob(ctx, queue, jobID)
	if errors.Is(err, store.ErrNoJob) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, queue, jobID)
	}
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if job.State != models.StateFailed {
		return fmt.Errorf("%w: state=%s", ErrInvalidState, job.State)
	}
	if err := m.store.MarkWaiting(ctx, []string{jobID}); err != nil {
		return fmt.Errorf("mark waiting: %w", err)
	}
	if err := m.queue.Enqueue(ctx, queue, jobID, job.Priority, time.Now()); err != nil {
		return fmt.Errorf("enqueue retry: %w", err)
	}
	m.record(ctx, "job.retried", "", jobID, map[string]any{"queue": queue, "attempts_made": job.AttemptsMade})
	return nil
}

// Pause stops new dequeues; already-active jobs finish normally.
func (m *Manager) Pause(ctx context.Context, queue string) error {
	if err := m.queue.Pause(ctx, queue); err != nil {
		return fmt.Errorf("pause queue: %w", err)
	}
	m.record(ctx, "queue.paused", "", queue, nil)
	return nil
}

// Resume re-enables dequeues.
func (m *Manager) Resume(ctx context.Context, queue string) error {
	if err := m.queue.Resume(ctx, queue); err != nil {
		return fmt.Errorf("resume queue: %w", err)
	}
	m.record(ctx, "queue.resumed", "", queue, nil)
	return nil
}

// Stats returns a snapshot of one queue. The per-state counts come from a
// single statement; the paused flag is read afterwards and is advisory.
func (m *Manager) Stats(ctx context.Context, queue string) (models.QueueStats, error) {
	if !models.KnownQueue(queue) {
		return models.QueueStats{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	counts, err := m.store.CountByState(ctx, queue)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("count by state: %w", err)
	}
	paused, err := m.queue.IsPaused(ctx, queue)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("read pause flag: %w", err)
	}
	return models.QueueStats{
		Queue:     queue,
		Waiting:   counts[models.StateWaiting],
		Delayed:   counts[models.StateDelayed],
		Active:    counts[models.StateActive],
		Completed: counts[models.StateCompleted],
		Failed:    counts[models.StateFailed],
		Paused:    paused,
	}, nil
}

// StatsAll aggregates stats across every known queue.
func (m *Manager) StatsAll(ctx context.Context) ([]models.QueueStats, error) {
	out := make([]models.QueueStats, 0, len(models.AllQueues))
	for _, q := range models.AllQueues {
		st, err := m.Stats(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Clean purges finished jobs beyond the retention policy.
func (m *Manager) Clean(ctx context.Context, queue string, policy models.RetentionPolicy) (int64, error) {
	if policy.KeepCount == 0 && policy.KeepAge == 0 {
		policy = m.defaults.Retention
	}
	removed, err := m.store.PurgeFinished(ctx, queue, policy, time.Now())
	if err != nil {
		return 0, fmt.Errorf("purge finished: %w", err)
	}
	m.record(ctx, "queue.cleaned", "", queue, map[string]any{"removed": removed})
	return removed, nil
}

// Drain removes every waiting and delayed job from a queue.
func (m *Manager) Drain(ctx context.Context, queue string) (int, error) {
	ids, err := m.queue.Drain(ctx, queue)
	if err != nil {
		return 0, fmt.Errorf("drain queue: %w", err)
	}
	for _, id := range ids {
		if _, err := m.store.DeleteJob(ctx, queue, id); err != nil {
			m.logger.Error().Err(err).Str("job_id", id).Msg("failed to delete drained job row")
		}
	}
	m.record(ctx, "queue.drained", "", queue, map[string]any{"removed": len(ids)})
	return len(ids), nil
}

func (m *Manager) record(ctx context.Context, action, actor, subject string, detail map[string]any) {
	if actor == "" {
		actor = "system"
	}
	ev := audit.Event{Action: action, Actor: actor, Subject: subject, Detail: detail, At: time.Now().UTC()}
	if err := m.sink.Record(ctx, ev); err != nil {
		m.logger.Warn().Err(err).Str("action", action).Msg("audit record failed")
	}
}
