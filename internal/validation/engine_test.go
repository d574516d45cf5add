package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/store"
)

// fakeEntityStore serves canned findings and records fix calls.
type fakeEntityStore struct {
	dangling  []store.CardRef
	relinked  []string
	relinkOK  bool
	orphaned  []store.DeckCardRef
	deleted   []string
	oversized []store.DeckRef
}

func (s *fakeEntityStore) CountEntities(_ context.Context, _ string) (int64, error) {
	return 10, nil
}

func (s *fakeEntityStore) DanglingCardSetRefs(_ context.Context, _ int) ([]store.CardRef, error) {
	return s.dangling, nil
}

func (s *fakeEntityStore) RelinkCardSet(_ context.Context, cardID string) (bool, error) {
	s.relinked = append(s.relinked, cardID)
	return s.relinkOK, nil
}

func (s *fakeEntityStore) DuplicateCards(_ context.Context, _ int) ([]store.DuplicateGroup, error) {
	return nil, nil
}

func (s *fakeEntityStore) OrphanedDeckCards(_ context.Context, _ int) ([]store.DeckCardRef, error) {
	return s.orphaned, nil
}

func (s *fakeEntityStore) DeleteDeckCards(_ context.Context, ids []string) (int64, error) {
	s.deleted = append(s.deleted, ids...)
	return int64(len(ids)), nil
}

func (s *fakeEntityStore) OversizedDecks(_ context.Context, _, _ int) ([]store.DeckRef, error) {
	return s.oversized, nil
}

func (s *fakeEntityStore) InvalidUserEmails(_ context.Context, _ int) ([]store.UserRef, error) {
	return nil, nil
}

func (s *fakeEntityStore) CardsWithStalePrices(_ context.Context, _ time.Time, _ int) ([]store.CardRef, error) {
	return nil, nil
}

func simpleRule(name, severity, scope string, issues []Issue, err error) Rule {
	return Rule{
		Name:     name,
		Severity: severity,
		Scopes:   []string{scope},
		Validate: func(context.Context, *RunContext) ([]Issue, error) {
			return issues, err
		},
	}
}

func TestRuleFailureIsIsolated(t *testing.T) {
	rules := []Rule{
		simpleRule("broken", SeverityError, "cards", nil, errors.New("db timeout")),
		simpleRule("panicky", SeverityError, "cards", nil, nil),
		simpleRule("healthy", SeverityWarning, "cards", []Issue{{EntityID: "c1", Message: "x"}}, nil),
	}
	rules[1].Validate = func(context.Context, *RunContext) ([]Issue, error) { panic("boom") }

	e := NewEngine(&fakeEntityStore{}, rules, zerolog.Nop())
	out := e.Run(context.Background(), Input{Scope: "cards"}, nil)

	require.Equal(t, 3, out.RulesExecuted, "failed rules still count as executed")
	require.Equal(t, 1, out.IssuesFound)
	require.Len(t, out.Report.Rules, 3)
	require.True(t, out.Report.Rules[0].Failed)
	require.True(t, out.Report.Rules[1].Failed)
	require.Contains(t, out.Report.Rules[1].Error, "panic")
	require.False(t, out.Report.Rules[2].Failed)
}

func TestScopeAndNameFiltering(t *testing.T) {
	rules := []Rule{
		simpleRule("cards-only", SeverityError, "cards", []Issue{{EntityID: "c1"}}, nil),
		simpleRule("decks-only", SeverityError, "decks", []Issue{{EntityID: "d1"}}, nil),
	}
	e := NewEngine(&fakeEntityStore{}, rules, zerolog.Nop())

	out := e.Run(context.Background(), Input{Scope: "decks"}, nil)
	require.Equal(t, 1, out.RulesExecuted)
	require.Equal(t, "decks-only", out.Report.Rules[0].Rule)

	out = e.Run(context.Background(), Input{}, nil)
	require.Equal(t, 2, out.RulesExecuted, "empty scope means all")

	out = e.Run(context.Background(), Input{Rules: []string{"cards-only"}}, nil)
	require.Equal(t, 1, out.RulesExecuted)
	require.Equal(t, "cards-only", out.Report.Rules[0].Rule)
}

func TestDryRunNeverFixes(t *testing.T) {
	st := &fakeEntityStore{
		dangling: []store.CardRef{{ID: "c1", Name: "Pikachu", SetCode: "base1"}},
		relinkOK: true,
	}
	e := NewEngine(st, DefaultRules(), zerolog.Nop())

	out := e.Run(context.Background(), Input{Scope: "cards", AutoFix: true, DryRun: true}, nil)
	require.Equal(t, 1, out.Report.ErrorCount)
	require.Zero(t, out.IssuesFixed)
	require.Empty(t, st.relinked, "dry run must not touch the store")

	// Same input without dry-run applies the fixer.
	out = e.Run(context.Background(), Input{Scope: "cards", AutoFix: true}, nil)
	require.Equal(t, 1, out.IssuesFixed)
	require.Equal(t, []string{"c1"}, st.relinked)
}

func TestAutoFixOffLeavesIssuesReported(t *testing.T) {
	st := &fakeEntityStore{
		orphaned: []store.DeckCardRef{{ID: "dc1", DeckID: "d1", CardID: "gone"}},
	}
	e := NewEngine(st, DefaultRules(), zerolog.Nop())

	out := e.Run(context.Background(), Input{Scope: "decks"}, nil)
	require.Equal(t, 1, out.Report.ErrorCount)
	require.Zero(t, out.IssuesFixed)
	require.Empty(t, st.deleted)
	require.True(t, out.Errors[0].FixAvailable)
}

func TestCardSetReferenceEndToEnd(t *testing.T) {
	st := &fakeEntityStore{
		dangling: []store.CardRef{
			{ID: "c1", Name: "Pikachu", SetCode: "base1"},
			{ID: "c2", Name: "Mewtwo", SetCode: "fossil"},
		},
		relinkOK: true,
	}
	e := NewEngine(st, DefaultRules(), zerolog.Nop())

	var lastProgress int
	out := e.Run(context.Background(), Input{Scope: "cards", AutoFix: true}, func(pct int) { lastProgress = pct })

	require.Equal(t, 2, out.Report.ErrorCount)
	require.Equal(t, 2, out.IssuesFixed)
	require.Equal(t, []string{"c1", "c2"}, st.relinked)
	require.Equal(t, 100, lastProgress)
	require.Positive(t, out.Report.EntitiesChecked)
	require.False(t, out.Report.Timestamp.IsZero())
}

func TestProgressRoundsToNearestPercent(t *testing.T) {
	rules := []Rule{
		simpleRule("r1", SeverityInfo, "cards", nil, nil),
		simpleRule("r2", SeverityInfo, "cards", nil, nil),
		simpleRule("r3", SeverityInfo, "cards", nil, nil),
	}
	e := NewEngine(&fakeEntityStore{}, rules, zerolog.Nop())

	var reported []int
	e.Run(context.Background(), Input{Scope: "cards"}, func(pct int) { reported = append(reported, pct) })

	require.Equal(t, []int{33, 67, 100}, reported)
}

func TestSeverityClassification(t *testing.T) {
	st := &fakeEntityStore{
		oversized: []store.DeckRef{{ID: "d1", Name: "Big Deck", CardCount: 75}},
	}
	e := NewEngine(st, DefaultRules(), zerolog.Nop())

	out := e.Run(context.Background(), Input{Scope: "decks"}, nil)
	require.Zero(t, out.Report.ErrorCount)
	require.Equal(t, 1, out.Report.WarningCount)
	require.Equal(t, "deck-size-limit", out.Warnings[0].Rule)
}
