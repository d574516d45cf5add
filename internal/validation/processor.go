package validation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/models"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/worker"
)

// AlertFunc raises an operational alert for a reportable run result.
type AlertFunc func(ctx context.Context, severity, alertType, message string, metadata map[string]any)

// NewProcessor adapts the engine to the worker contract for the
// data-validation queue. The payload is decoded once at this boundary so the
// engine input is statically typed.
func NewProcessor(engine *Engine, raise AlertFunc) worker.Processor {
	return func(ctx context.Context, job models.Job, jc *worker.JobContext) (json.RawMessage, error) {
		var in Input
		if err := json.Unmarshal(job.Payload, &in); err != nil {
			return nil, fmt.Errorf("decode validation payload: %w", err)
		}

		jc.Log(ctx, "validation run starting: scope=%s autoFix=%v dryRun=%v", in.Scope, in.AutoFix, in.DryRun)
		out := engine.Run(ctx, in, func(pct int) { jc.Progress(ctx, pct) })
		jc.Log(ctx, "validation run finished: rules=%d issues=%d fixed=%d", out.RulesExecuted, out.IssuesFound, out.IssuesFixed)

		if raise != nil && out.Report.ErrorCount > 0 {
			raise(ctx, models.SeverityWarning, "validation_errors",
				fmt.Sprintf("validation found %d error-level issues", out.Report.ErrorCount),
				map[string]any{
					"error_count":   out.Report.ErrorCount,
					"warning_count": out.Report.WarningCount,
					"fixed_count":   out.Report.FixedCount,
					"job_id":        job.ID,
				})
		}

		return json.Marshal(out)
	}
}
