package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/models"
)

// ErrNoAlert is returned when an alert row does not exist.
var ErrNoAlert = errors.New("alert not found")

// SaveAlert persists a newly raised alert.
func (s *Store) SaveAlert(ctx context.Context, a models.Alert) error {
	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal alert metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO alerts (id, severity, type, message, metadata, acknowledged, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, FALSE, $6)
	`, a.ID, a.Severity, a.Type, a.Message, metaJSON, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

const alertColumns = `id, severity, type, message, metadata, acknowledged, acknowledged_by, acknowledged_at, resolved, resolved_by, resolved_at, created_at`

func scanAlert(row pgx.Row) (models.Alert, error) {
	var a models.Alert
	var metaJSON []byte
	var ackBy, resBy pgtype.Text
	var ackAt, resAt pgtype.Timestamptz

	err := row.Scan(&a.ID, &a.Severity, &a.Type, &a.Message, &metaJSON,
		&a.Acknowledged, &ackBy, &ackAt, &a.Resolved, &resBy, &resAt, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Alert{}, ErrNoAlert
	}
	if err != nil {
		return models.Alert{}, fmt.Errorf("scan alert: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &a.Metadata); err != nil {
			return models.Alert{}, fmt.Errorf("unmarshal alert metadata: %w", err)
		}
	}
	a.AcknowledgedBy = textPtr(ackBy)
	a.AcknowledgedAt = timePtr(ackAt)
	a.ResolvedBy = textPtr(resBy)
	a.ResolvedAt = timePtr(resAt)
	return a, nil
}

// GetAlert fetches one alert by id.
func (s *Store) GetAlert(ctx context.Context, id string) (models.Alert, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	return scanAlert(row)
}

// ListAlerts returns alerts newest-first, optionally only unresolved ones.
func (s *Store) ListAlerts(ctx context.Context, unresolvedOnly bool, limit int) ([]models.Alert, error) {
	q := `SELECT ` + alertColumns + ` FROM alerts`
	if unresolvedOnly {
		q += ` WHERE resolved = FALSE`
	}
	q += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()
	var out []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AcknowledgeAlert sets the acknowledged flag. Acknowledging twice is a
// no-op: the first writer wins and the call reports whether it changed
// anything.
func (s *Store) AcknowledgeAlert(ctx context.Context, id, by string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts SET acknowledged = TRUE, acknowledged_by = $2, acknowledged_at = $3
		WHERE id = $1 AND acknowledged = FALSE
	`, id, by, now)
	if err != nil {
		return false, fmt.Errorf("acknowledge alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish "already acknowledged" from "missing".
		if _, err := s.GetAlert(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ResolveAlert sets the resolved flag; resolved is terminal.
func (s *Store) ResolveAlert(ctx context.Context, id string, by *string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts SET resolved = TRUE, resolved_by = $2, resolved_at = $3
		WHERE id = $1 AND resolved = FALSE
	`, id, by, now)
	if err != nil {
		return false, fmt.Errorf("resolve alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetAlert(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ListResolvedBefore returns resolved alerts older than the cutoff, for
// archival.
func (s *Store) ListResolvedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE resolved = TRUE AND resolved_at < $1
		ORDER BY resolved_at LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query resolved alerts: %w", err)
	}
	defer rows.Close()
	var out []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAlertsByIDs removes archived alert rows.
func (s *Store) DeleteAlertsByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM alerts WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete alerts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RegisterAlertRule ensures a cooldown row exists for the rule id. Existing
// trigger state is preserved.
func (s *Store) RegisterAlertRule(ctx context.Context, ruleID string, cooldown time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_rules (id, cooldown_seconds, last_triggered_at)
		VALUES ($1, $2, NULL)
		ON CONFLICT (id) DO UPDATE SET cooldown_seconds = EXCLUDED.cooldown_seconds
	`, ruleID, int64(cooldown.Seconds()))
	if err != nil {
		return fmt.Errorf("register alert rule: %w", err)
	}
	return nil
}

// TryTriggerRule stamps last_triggered_at iff the rule is outside its
// cooldown window. The compare-and-swap runs in the shared store so the
// at-most-once-per-window guarantee holds across engine instances.
func (s *Store) TryTriggerRule(ctx context.Context, ruleID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alert_rules
		SET last_triggered_at = $2
		WHERE id = $1
		  AND (last_triggered_at IS NULL OR last_triggered_at <= $2 - make_interval(secs => cooldown_seconds))
	`, ruleID, now)
	if err != nil {
		return false, fmt.Errorf("trigger alert rule: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
