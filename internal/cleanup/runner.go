// Package cleanup runs registered idempotent maintenance tasks that remove or
// archive stale data, with per-task failure isolation and dry-run support.
package cleanup

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/telemetry"
)

// Result is one task's effect. Dry-run reports what a real run would do.
type Result struct {
	RecordsAffected int64  `json:"records_affected"`
	SpaceReclaimed  int64  `json:"space_reclaimed"`
	Details         string `json:"details,omitempty"`
}

// Task is a self-contained, idempotent unit of cleanup. Running a task twice
// with the same cutoff must be a no-op the second time.
type Task struct {
	Key         string
	Description string
	Run         func(ctx context.Context, dryRun bool) (Result, error)
}

// Input selects and configures one cleanup run.
type Input struct {
	Tasks  []string `json:"tasks,omitempty"`
	DryRun bool     `json:"dry_run,omitempty"`
	Force  bool     `json:"force,omitempty"`
}

// TaskError records one isolated task failure.
type TaskError struct {
	Task  string `json:"task"`
	Error string `json:"error"`
}

// TaskSummary is the per-task slice of the run summary.
type TaskSummary struct {
	RecordsDeleted int64 `json:"records_deleted"`
	SpaceReclaimed int64 `json:"space_reclaimed"`
}

// Output is the structured result returned by a cleanup job.
type Output struct {
	TasksCompleted int                    `json:"tasks_completed"`
	RecordsDeleted int64                  `json:"records_deleted"`
	SpaceReclaimed int64                  `json:"space_reclaimed"`
	DryRun         bool                   `json:"dry_run"`
	Errors         []TaskError            `json:"errors"`
	Summary        map[string]TaskSummary `json:"summary"`
}

// Runner holds the immutable task registry.
type Runner struct {
	tasks  []Task
	logger zerolog.Logger
}

// NewRunner registers the task set. Registration order is execution order;
// tasks are independent of one another within a run.
func NewRunner(tasks []Task, logger zerolog.Logger) *Runner {
	return &Runner{
		tasks:  tasks,
		logger: logger.With().Str("component", "cleanup").Logger(),
	}
}

// Tasks returns the registered task keys in registration order.
func (r *Runner) Tasks() []string {
	keys := make([]string, len(r.tasks))
	for i, t := range r.tasks {
		keys[i] = t.Key
	}
	return keys
}

// Run executes the selected tasks (default: all). One task's failure is
// recorded and does not stop the remaining tasks.
func (r *Runner) Run(ctx context.Context, in Input, progress func(int)) Output {
	selectedKeys := make(map[string]bool, len(in.Tasks))
	for _, k := range in.Tasks {
		selectedKeys[k] = true
	}
	var selected []Task
	for _, t := range r.tasks {
		if len(selectedKeys) > 0 && !selectedKeys[t.Key] {
			continue
		}
		selected = append(selected, t)
	}

	out := Output{
		DryRun:  in.DryRun,
		Errors:  []TaskError{},
		Summary: make(map[string]TaskSummary, len(selected)),
	}

	for i, task := range selected {
		res, err := r.runTask(ctx, task, in.DryRun)
		if err != nil {
			r.logger.Error().Err(err).Str("task", task.Key).Msg("cleanup task failed")
			out.Errors = append(out.Errors, TaskError{Task: task.Key, Error: err.Error()})
		} else {
			out.TasksCompleted++
			out.RecordsDeleted += res.RecordsAffected
			out.SpaceReclaimed += res.SpaceReclaimed
			out.Summary[task.Key] = TaskSummary{
				RecordsDeleted: res.RecordsAffected,
				SpaceReclaimed: res.SpaceReclaimed,
			}
			if !in.DryRun {
				telemetry.CleanupRecords.WithLabelValues(task.Key).Add(float64(res.RecordsAffected))
			}
			r.logger.Info().Str("task", task.Key).Bool("dry_run", in.DryRun).
				Int64("records", res.RecordsAffected).Int64("bytes", res.SpaceReclaimed).
				Msg("cleanup task done")
		}
		if progress != nil {
			progress(int(math.Round(float64(i+1) / float64(len(selected)) * 100)))
		}
	}
	return out
}

func (r *Runner) runTask(ctx context.Context, task Task, dryRun bool) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panic: %v", p)
		}
	}()
	return task.Run(ctx, dryRun)
}
