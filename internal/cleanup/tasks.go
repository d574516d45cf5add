package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/models"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/store"
)

// Retention cutoffs and batch sizes for the shipped tasks. Batches are fixed
// so a single run stays bounded; the next run picks up the remainder.
const (
	finishedJobAge    = 7 * 24 * time.Hour
	priceHistoryAge   = 90 * 24 * time.Hour
	resolvedAlertAge  = 30 * 24 * time.Hour
	auditEventAge     = 90 * 24 * time.Hour
	archiveBatchSize  = 500
	maxArchiveBatches = 10
	jobRowBytes       = 512
	priceRowBytes     = 64
	deckCardRowBytes  = 48
	sessionRowBytes   = 256
	alertRowBytes     = 384
	auditRowBytes     = 256
)

// DB is the slice of the shared store the shipped tasks need. Counting and
// deleting are separate so dry-run stays a pure read.
type DB interface {
	CountFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountStalePriceHistory(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteStalePriceHistory(ctx context.Context, cutoff time.Time) (int64, error)
	CountOrphanedDeckCards(ctx context.Context) (int64, error)
	DeleteOrphanedDeckCards(ctx context.Context) (int64, error)
	CountExpiredSessions(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
	ListResolvedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Alert, error)
	DeleteAlertsByIDs(ctx context.Context, ids []string) (int64, error)
	ListAuditBefore(ctx context.Context, cutoff time.Time, limit int) ([]store.AuditRow, error)
	DeleteAuditByIDs(ctx context.Context, ids []int64) (int64, error)
}

// Archiver uploads a JSON batch to cold storage before deletion.
type Archiver interface {
	UploadJSON(ctx context.Context, key string, v any) error
}

// DefaultTasks returns the shipped task set. The archive tasks are only
// registered when an archiver is configured; alerts and audit events are
// never deleted without being archived first.
func DefaultTasks(db DB, archiver Archiver) []Task {
	tasks := []Task{
		countDeleteTask("purge-finished-jobs",
			"Remove completed and failed jobs past retention",
			jobRowBytes,
			func(ctx context.Context) (int64, error) {
				return db.CountFinishedBefore(ctx, time.Now().Add(-finishedJobAge))
			},
			func(ctx context.Context) (int64, error) {
				return db.DeleteFinishedBefore(ctx, time.Now().Add(-finishedJobAge))
			}),
		countDeleteTask("stale-price-history",
			"Remove old price points, keeping the latest per card",
			priceRowBytes,
			func(ctx context.Context) (int64, error) {
				return db.CountStalePriceHistory(ctx, time.Now().Add(-priceHistoryAge))
			},
			func(ctx context.Context) (int64, error) {
				return db.DeleteStalePriceHistory(ctx, time.Now().Add(-priceHistoryAge))
			}),
		countDeleteTask("orphaned-deck-cards",
			"Remove deck entries pointing at deleted cards",
			deckCardRowBytes,
			db.CountOrphanedDeckCards,
			db.DeleteOrphanedDeckCards),
		countDeleteTask("expired-sessions",
			"Remove sessions past their expiry",
			sessionRowBytes,
			func(ctx context.Context) (int64, error) { return db.CountExpiredSessions(ctx, time.Now()) },
			func(ctx context.Context) (int64, error) { return db.DeleteExpiredSessions(ctx, time.Now()) }),
	}

	if archiver != nil {
		tasks = append(tasks,
			Task{
				Key:         "archive-resolved-alerts",
				Description: "Archive old resolved alerts to cold storage, then remove the rows",
				Run: func(ctx context.Context, dryRun bool) (Result, error) {
					return archiveAlerts(ctx, db, archiver, dryRun)
				},
			},
			Task{
				Key:         "archive-audit-log",
				Description: "Archive old audit events to cold storage, then remove the rows",
				Run: func(ctx context.Context, dryRun bool) (Result, error) {
					return archiveAudit(ctx, db, archiver, dryRun)
				},
			},
		)
	}
	return tasks
}

// countDeleteTask builds a task from a count query and a matching delete.
// SpaceReclaimed is an estimate from the average row width.
func countDeleteTask(key, description string, rowBytes int64, count, del func(ctx context.Context) (int64, error)) Task {
	return Task{
		Key:         key,
		Description: description,
		Run: func(ctx context.Context, dryRun bool) (Result, error) {
			var n int64
			var err error
			if dryRun {
				n, err = count(ctx)
			} else {
				n, err = del(ctx)
			}
			if err != nil {
				return Result{}, err
			}
			return Result{RecordsAffected: n, SpaceReclaimed: n * rowBytes}, nil
		},
	}
}

func archiveAlerts(ctx context.Context, db DB, archiver Archiver, dryRun bool) (Result, error) {
	cutoff := time.Now().Add(-resolvedAlertAge)
	var total int64
	for batch := 0; batch < maxArchiveBatches; batch++ {
		alerts, err := db.ListResolvedBefore(ctx, cutoff, archiveBatchSize)
		if err != nil {
			return Result{}, fmt.Errorf("list resolved alerts: %w", err)
		}
		if len(alerts) == 0 {
			break
		}
		if dryRun {
			total += int64(len(alerts))
			if len(alerts) < archiveBatchSize {
				break
			}
			// A dry run cannot advance past the first batch without deleting.
			break
		}
		key := fmt.Sprintf("archive/alerts/%s-%03d.json", time.Now().UTC().Format("20060102T150405"), batch)
		if err := archiver.UploadJSON(ctx, key, alerts); err != nil {
			return Result{}, fmt.Errorf("upload alert archive: %w", err)
		}
		ids := make([]string, len(alerts))
		for i, a := range alerts {
			ids[i] = a.ID
		}
		n, err := db.DeleteAlertsByIDs(ctx, ids)
		if err != nil {
			return Result{}, fmt.Errorf("delete archived alerts: %w", err)
		}
		total += n
	}
	return Result{RecordsAffected: total, SpaceReclaimed: total * alertRowBytes, Details: "archived to cold storage"}, nil
}

func archiveAudit(ctx context.Context, db DB, archiver Archiver, dryRun bool) (Result, error) {
	cutoff := time.Now().Add(-auditEventAge)
	var total int64
	for batch := 0; batch < maxArchiveBatches; batch++ {
		events, err := db.ListAuditBefore(ctx, cutoff, archiveBatchSize)
		if err != nil {
			return Result{}, fmt.Errorf("list audit events: %w", err)
		}
		if len(events) == 0 {
			break
		}
		if dryRun {
			total += int64(len(events))
			break
		}
		key := fmt.Sprintf("archive/audit/%s-%03d.json", time.Now().UTC().Format("20060102T150405"), batch)
		if err := archiver.UploadJSON(ctx, key, events); err != nil {
			return Result{}, fmt.Errorf("upload audit archive: %w", err)
		}
		ids := make([]int64, len(events))
		for i, ev := range events {
			ids[i] = ev.ID
		}
		n, err := db.DeleteAuditByIDs(ctx, ids)
		if err != nil {
			return Result{}, fmt.Errorf("delete archived audit events: %w", err)
		}
		total += n
	}
	return Result{RecordsAffected: total, SpaceReclaimed: total * auditRowBytes, Details: "archived to cold storage"}, nil
}
