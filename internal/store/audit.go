package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditRow is one persisted administrative event.
type AuditRow struct {
	ID       int64          `json:"id"`
	Action   string         `json:"action"`
	Actor    string         `json:"actor"`
	Subject  string         `json:"subject"`
	Detail   map[string]any `json:"detail,omitempty"`
	Recorded time.Time      `json:"recorded_at"`
}

// InsertAuditEvent appends an audit row.
func (s *Store) InsertAuditEvent(ctx context.Context, action, actor, subject string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_events (action, actor, subject, detail, recorded_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, action, actor, subject, detailJSON)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListAuditBefore returns audit rows older than the cutoff, oldest first.
func (s *Store) ListAuditBefore(ctx context.Context, cutoff time.Time, limit int) ([]AuditRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, action, actor, subject, detail, recorded_at
		FROM audit_events WHERE recorded_at < $1
		ORDER BY recorded_at LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		var detailJSON []byte
		if err := rows.Scan(&r.ID, &r.Action, &r.Actor, &r.Subject, &detailJSON, &r.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &r.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal audit detail: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteAuditByIDs removes archived audit rows.
func (s *Store) DeleteAuditByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_events WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete audit events: %w", err)
	}
	return tag.RowsAffected(), nil
}
