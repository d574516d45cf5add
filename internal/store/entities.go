package store

import (
	"context"
	"fmt"
	"time"
)

// The queries below touch the host application's domain tables (cards,
// card_sets, decks, deck_cards, users, sessions, price_history). The engine
// owns none of them; it only inspects and repairs.

// CardRef identifies a card flagged by a validation rule.
type CardRef struct {
	ID      string
	Name    string
	SetCode string
}

// DeckRef identifies a deck flagged by a validation rule.
type DeckRef struct {
	ID        string
	Name      string
	CardCount int
}

// DeckCardRef identifies a deck entry pointing at a missing card.
type DeckCardRef struct {
	ID     string
	DeckID string
	CardID string
}

// UserRef identifies a user flagged by a validation rule.
type UserRef struct {
	ID    string
	Email string
}

// DuplicateGroup is a set of cards sharing (name, set, collector number).
type DuplicateGroup struct {
	Name    string
	SetID   string
	Number  string
	CardIDs []string
}

// CountEntities returns the number of rows in a scope's primary table.
func (s *Store) CountEntities(ctx context.Context, table string) (int64, error) {
	allowed := map[string]string{
		"cards":       "cards",
		"decks":       "decks",
		"collections": "collections",
		"users":       "users",
		"prices":      "price_history",
	}
	t, ok := allowed[table]
	if !ok {
		return 0, fmt.Errorf("unknown entity scope %q", table)
	}
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+t).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", t, err)
	}
	return n, nil
}

// DanglingCardSetRefs returns cards whose set_id points at no existing set.
func (s *Store) DanglingCardSetRefs(ctx context.Context, limit int) ([]CardRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.name, c.set_code
		FROM cards c
		LEFT JOIN card_sets cs ON cs.id = c.set_id
		WHERE cs.id IS NULL
		ORDER BY c.id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dangling set refs: %w", err)
	}
	defer rows.Close()
	var out []CardRef
	for rows.Next() {
		var c CardRef
		if err := rows.Scan(&c.ID, &c.Name, &c.SetCode); err != nil {
			return nil, fmt.Errorf("scan card ref: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RelinkCardSet repairs a dangling set reference by matching the card's
// set_code against card_sets. Returns false when no matching set exists.
func (s *Store) RelinkCardSet(ctx context.Context, cardID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE cards c
		SET set_id = cs.id
		FROM card_sets cs
		WHERE c.id = $1 AND cs.code = c.set_code
	`, cardID)
	if err != nil {
		return false, fmt.Errorf("relink card set: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DuplicateCards groups cards sharing name, set, and collector number.
func (s *Store) DuplicateCards(ctx context.Context, limit int) ([]DuplicateGroup, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, set_id, number, array_agg(id ORDER BY id)
		FROM cards
		GROUP BY name, set_id, number
		HAVING COUNT(*) > 1
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query duplicate cards: %w", err)
	}
	defer rows.Close()
	var out []DuplicateGroup
	for rows.Next() {
		var g DuplicateGroup
		if err := rows.Scan(&g.Name, &g.SetID, &g.Number, &g.CardIDs); err != nil {
			return nil, fmt.Errorf("scan duplicate group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// OrphanedDeckCards returns deck entries pointing at deleted cards.
func (s *Store) OrphanedDeckCards(ctx context.Context, limit int) ([]DeckCardRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT dc.id, dc.deck_id, dc.card_id
		FROM deck_cards dc
		LEFT JOIN cards c ON c.id = dc.card_id
		WHERE c.id IS NULL
		ORDER BY dc.id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orphaned deck cards: %w", err)
	}
	defer rows.Close()
	var out []DeckCardRef
	for rows.Next() {
		var d DeckCardRef
		if err := rows.Scan(&d.ID, &d.DeckID, &d.CardID); err != nil {
			return nil, fmt.Errorf("scan deck card ref: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDeckCards removes deck entries by id.
func (s *Store) DeleteDeckCards(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM deck_cards WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete deck cards: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountOrphanedDeckCards is the dry-run counterpart of DeleteOrphanedDeckCards.
func (s *Store) CountOrphanedDeckCards(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM deck_cards dc
		LEFT JOIN cards c ON c.id = dc.card_id
		WHERE c.id IS NULL
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count orphaned deck cards: %w", err)
	}
	return n, nil
}

// DeleteOrphanedDeckCards removes all deck entries pointing at deleted cards.
func (s *Store) DeleteOrphanedDeckCards(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM deck_cards dc
		USING deck_cards d
		LEFT JOIN cards c ON c.id = d.card_id
		WHERE dc.id = d.id AND c.id IS NULL
	`)
	if err != nil {
		return 0, fmt.Errorf("delete orphaned deck cards: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OversizedDecks returns decks holding more cards than the format allows.
func (s *Store) OversizedDecks(ctx context.Context, maxCards, limit int) ([]DeckRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.name, COALESCE(SUM(dc.quantity), 0)
		FROM decks d
		LEFT JOIN deck_cards dc ON dc.deck_id = d.id
		GROUP BY d.id, d.name
		HAVING COALESCE(SUM(dc.quantity), 0) > $1
		LIMIT $2
	`, maxCards, limit)
	if err != nil {
		return nil, fmt.Errorf("query oversized decks: %w", err)
	}
	defer rows.Close()
	var out []DeckRef
	for rows.Next() {
		var d DeckRef
		if err := rows.Scan(&d.ID, &d.Name, &d.CardCount); err != nil {
			return nil, fmt.Errorf("scan deck ref: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// InvalidUserEmails returns users whose stored email fails a basic shape
// check.
func (s *Store) InvalidUserEmails(ctx context.Context, limit int) ([]UserRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, email FROM users
		WHERE email IS NULL OR email !~ '^[^@[:space:]]+@[^@[:space:]]+\.[^@[:space:]]+$'
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query invalid emails: %w", err)
	}
	defer rows.Close()
	var out []UserRef
	for rows.Next() {
		var u UserRef
		if err := rows.Scan(&u.ID, &u.Email); err != nil {
			return nil, fmt.Errorf("scan user ref: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CardsWithStalePrices returns cards whose newest price point predates the
// cutoff.
func (s *Store) CardsWithStalePrices(ctx context.Context, cutoff time.Time, limit int) ([]CardRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.name, c.set_code
		FROM cards c
		JOIN price_history ph ON ph.card_id = c.id
		GROUP BY c.id, c.name, c.set_code
		HAVING MAX(ph.recorded_at) < $1
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale prices: %w", err)
	}
	defer rows.Close()
	var out []CardRef
	for rows.Next() {
		var c CardRef
		if err := rows.Scan(&c.ID, &c.Name, &c.SetCode); err != nil {
			return nil, fmt.Errorf("scan card ref: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountStalePriceHistory counts price points older than the cutoff that are
// not the latest point for their card.
func (s *Store) CountStalePriceHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM price_history ph
		WHERE ph.recorded_at < $1
		  AND ph.recorded_at < (SELECT MAX(p2.recorded_at) FROM price_history p2 WHERE p2.card_id = ph.card_id)
	`, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stale price history: %w", err)
	}
	return n, nil
}

// DeleteStalePriceHistory removes old price points, always keeping the most
// recent point per card.
func (s *Store) DeleteStalePriceHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM price_history ph
		WHERE ph.recorded_at < $1
		  AND ph.recorded_at < (SELECT MAX(p2.recorded_at) FROM price_history p2 WHERE p2.card_id = ph.card_id)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete stale price history: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountExpiredSessions counts sessions past their expiry.
func (s *Store) CountExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sessions WHERE expires_at < $1`, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count expired sessions: %w", err)
	}
	return n, nil
}

// DeleteExpiredSessions removes sessions past their expiry.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
