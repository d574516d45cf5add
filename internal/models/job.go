package models

import (
	"encoding/json"
	"time"
)

// JobState enumerates lifecycle states persisted in Postgres.
const (
	StateWaiting   = "waiting"
	StateDelayed   = "delayed"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Queue names are a closed enumeration; processors are registered per name.
const (
	QueuePriceUpdate    = "price-update"
	QueueSetImport      = "set-import"
	QueueValidation     = "data-validation"
	QueueCleanup        = "data-cleanup"
	QueueFormatRotation = "format-rotation"
	QueueBackup         = "backup"
	QueueAudit          = "audit"
	QueueMaintenance    = "maintenance"
)

// AllQueues lists every known queue.
var AllQueues = []string{
	QueuePriceUpdate,
	QueueSetImport,
	QueueValidation,
	QueueCleanup,
	QueueFormatRotation,
	QueueBackup,
	QueueAudit,
	QueueMaintenance,
}

// KnownQueue reports whether name belongs to the closed queue enumeration.
func KnownQueue(name string) bool {
	for _, q := range AllQueues {
		if q == name {
			return true
		}
	}
	return false
}

// Priority orders jobs within a queue. Lower numeric value means more urgent.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
	PriorityLow      Priority = 4
)

// Backoff kinds applied between retry attempts.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// BackoffPolicy computes the delay before a failed attempt re-enters waiting.
type BackoffPolicy struct {
	Kind      string        `json:"kind"`
	BaseDelay time.Duration `json:"base_delay"`
}

// Delay returns the wait after the given failed attempt (1-based).
// Exponential doubles per prior attempt: base * 2^(attempt-1).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch p.Kind {
	case BackoffExponential:
		return p.BaseDelay << uint(attempt-1)
	default:
		return p.BaseDelay
	}
}

// RetentionPolicy bounds how long finished jobs are kept. Zero values disable
// the respective bound.
type RetentionPolicy struct {
	KeepCount int           `json:"keep_count"`
	KeepAge   time.Duration `json:"keep_age"`
}

// JobMetadata is the envelope carried alongside every payload.
type JobMetadata struct {
	ScheduledBy   string    `json:"scheduled_by"` // system|user|admin
	ScheduledAt   time.Time `json:"scheduled_at"`
	Priority      Priority  `json:"priority,omitempty"`
	Recurring     bool      `json:"recurring,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
}

// Job represents one schedulable unit of work persisted in Postgres. Queue
// coordination (ready/delayed ordering, leases) lives in Redis; this row is
// the durable record.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	Metadata     JobMetadata     `json:"metadata"`
	Priority     Priority        `json:"priority"`
	State        string          `json:"state"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	Backoff      BackoffPolicy   `json:"backoff"`
	Progress     int             `json:"progress"`
	ReturnValue  json.RawMessage `json:"return_value,omitempty"`
	FailedReason *string         `json:"failed_reason,omitempty"`
	NextRunAt    time.Time       `json:"next_run_at"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// Terminal reports whether the job can no longer transition on its own.
func (j Job) Terminal() bool {
	return j.State == StateCompleted ||
		(j.State == StateFailed && j.AttemptsMade >= j.MaxAttempts)
}

// QueueStats is a point-in-time snapshot of one queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Waiting   int64  `json:"waiting"`
	Delayed   int64  `json:"delayed"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Paused    bool   `json:"paused"`
}

// RecurringJob is an upserted repeating definition keyed by (queue, name).
type RecurringJob struct {
	Queue     string          `json:"queue"`
	Name      string          `json:"name"`
	CronExpr  string          `json:"cron_expr"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  JobMetadata     `json:"metadata"`
	NextRunAt time.Time       `json:"next_run_at"`
}
