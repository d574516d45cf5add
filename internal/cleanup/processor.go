package cleanup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/models"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/worker"
)

// AlertFunc raises an operational alert for a reportable run result.
type AlertFunc func(ctx context.Context, severity, alertType, message string, metadata map[string]any)

// NewProcessor adapts the runner to the worker contract for the data-cleanup
// queue.
func NewProcessor(runner *Runner, raise AlertFunc) worker.Processor {
	return func(ctx context.Context, job models.Job, jc *worker.JobContext) (json.RawMessage, error) {
		var in Input
		if err := json.Unmarshal(job.Payload, &in); err != nil {
			return nil, fmt.Errorf("decode cleanup payload: %w", err)
		}

		jc.Log(ctx, "cleanup run starting: tasks=%v dryRun=%v", in.Tasks, in.DryRun)
		out := runner.Run(ctx, in, func(pct int) { jc.Progress(ctx, pct) })
		jc.Log(ctx, "cleanup run finished: tasks=%d records=%d bytes=%d errors=%d",
			out.TasksCompleted, out.RecordsDeleted, out.SpaceReclaimed, len(out.Errors))

		if raise != nil && len(out.Errors) > 0 {
			raise(ctx, models.SeverityWarning, "cleanup_errors",
				fmt.Sprintf("cleanup finished with %d task errors", len(out.Errors)),
				map[string]any{
					"task_errors":     len(out.Errors),
					"tasks_completed": out.TasksCompleted,
					"job_id":          job.ID,
				})
		}

		return json.Marshal(out)
	}
}
