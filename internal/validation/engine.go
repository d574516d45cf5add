// Package validation runs registered integrity rules over the collection
// data, with per-rule failure isolation and optional auto-fix.
package validation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/store"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/telemetry"
)

// Rule severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// ScopeAll is the sentinel matching every applicability domain.
const ScopeAll = "all"

// Scopes recognized by the engine.
var KnownScopes = []string{"cards", "decks", "collections", "users", "prices"}

// EntityStore is the domain-data capability rules inspect and repair. The
// relational store holding decks, cards, and users is an external
// collaborator; the engine only depends on this slice of it.
type EntityStore interface {
	CountEntities(ctx context.Context, scope string) (int64, error)
	DanglingCardSetRefs(ctx context.Context, limit int) ([]store.CardRef, error)
	RelinkCardSet(ctx context.Context, cardID string) (bool, error)
	DuplicateCards(ctx context.Context, limit int) ([]store.DuplicateGroup, error)
	OrphanedDeckCards(ctx context.Context, limit int) ([]store.DeckCardRef, error)
	DeleteDeckCards(ctx context.Context, ids []string) (int64, error)
	OversizedDecks(ctx context.Context, maxCards, limit int) ([]store.DeckRef, error)
	InvalidUserEmails(ctx context.Context, limit int) ([]store.UserRef, error)
	CardsWithStalePrices(ctx context.Context, cutoff time.Time, limit int) ([]store.CardRef, error)
}

// Issue is one finding produced by a rule. Pure value; never persisted
// outside the enclosing report.
type Issue struct {
	EntityType    string `json:"entity_type"`
	EntityID      string `json:"entity_id"`
	Field         string `json:"field,omitempty"`
	CurrentValue  string `json:"current_value,omitempty"`
	ExpectedValue string `json:"expected_value,omitempty"`
	Message       string `json:"message"`
}

// RunContext is passed to every rule invocation.
type RunContext struct {
	Store EntityStore
}

// Rule is a named check optionally paired with an auto-fix. Rules are
// registered once at engine construction and immutable at runtime.
type Rule struct {
	Name        string
	Description string
	Severity    string
	Scopes      []string
	Validate    func(ctx context.Context, rc *RunContext) ([]Issue, error)
	// AutoFix repairs the reported issues and returns how many were fixed.
	// Nil when no remediation exists.
	AutoFix func(ctx context.Context, rc *RunContext, issues []Issue) (int, error)
}

func (r Rule) appliesTo(scope string) bool {
	if scope == ScopeAll {
		return true
	}
	for _, s := range r.Scopes {
		if s == ScopeAll || s == scope {
			return true
		}
	}
	return false
}

// Input selects and configures one validation run.
type Input struct {
	Scope   string   `json:"scope,omitempty"`
	Rules   []string `json:"rules,omitempty"`
	AutoFix bool     `json:"auto_fix,omitempty"`
	DryRun  bool     `json:"dry_run,omitempty"`
}

// Error is an error-severity finding.
type Error struct {
	Rule         string `json:"rule"`
	Issue        Issue  `json:"issue"`
	FixAvailable bool   `json:"fix_available"`
}

// Warning is a non-error finding.
type Warning struct {
	Rule       string `json:"rule"`
	Issue      Issue  `json:"issue"`
	Suggestion string `json:"suggestion,omitempty"`
}

// RuleResult is the per-rule breakdown inside a report.
type RuleResult struct {
	Rule        string `json:"rule"`
	Severity    string `json:"severity"`
	IssuesFound int    `json:"issues_found"`
	IssuesFixed int    `json:"issues_fixed"`
	Failed      bool   `json:"failed,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Report is the per-run aggregate, immutable once produced.
type Report struct {
	Timestamp       time.Time     `json:"timestamp"`
	Duration        time.Duration `json:"duration"`
	EntitiesChecked int64         `json:"entities_checked"`
	ErrorCount      int           `json:"error_count"`
	WarningCount    int           `json:"warning_count"`
	FixedCount      int           `json:"fixed_count"`
	Rules           []RuleResult  `json:"rules"`
}

// Output is the structured result returned by a validation job.
type Output struct {
	RulesExecuted int       `json:"rules_executed"`
	IssuesFound   int       `json:"issues_found"`
	IssuesFixed   int       `json:"issues_fixed"`
	Errors        []Error   `json:"errors"`
	Warnings      []Warning `json:"warnings"`
	Report        Report    `json:"report"`
}

// Engine holds the immutable rule registry.
type Engine struct {
	rules  []Rule
	store  EntityStore
	logger zerolog.Logger
}

// NewEngine registers the rule set. Registration order is execution order.
func NewEngine(st EntityStore, rules []Rule, logger zerolog.Logger) *Engine {
	return &Engine{
		rules:  rules,
		store:  st,
		logger: logger.With().Str("component", "validation").Logger(),
	}
}

// Rules returns the registered rule names in registration order.
func (e *Engine) Rules() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name
	}
	return names
}

// Run executes the selected rules. A single rule's failure never aborts the
// run; dry-run never invokes a fixer. The optional progress callback receives
// round(processed/total*100) after each rule.
func (e *Engine) Run(ctx context.Context, in Input, progress func(int)) Output {
	if in.Scope == "" {
		in.Scope = ScopeAll
	}

	selectedNames := make(map[string]bool, len(in.Rules))
	for _, n := range in.Rules {
		selectedNames[n] = true
	}

	var selected []Rule
	for _, r := range e.rules {
		if len(selectedNames) > 0 && !selectedNames[r.Name] {
			continue
		}
		if !r.appliesTo(in.Scope) {
			continue
		}
		selected = append(selected, r)
	}

	start := time.Now()
	out := Output{
		Errors:   []Error{},
		Warnings: []Warning{},
		Report: Report{
			Timestamp: start.UTC(),
			Rules:     make([]RuleResult, 0, len(selected)),
		},
	}
	rc := &RunContext{Store: e.store}

	for i, rule := range selected {
		result := RuleResult{Rule: rule.Name, Severity: rule.Severity}
		issues, err := e.runRule(ctx, rule, rc)
		if err != nil {
			// Failure isolation: record and continue with the next rule.
			e.logger.Error().Err(err).Str("rule", rule.Name).Msg("rule execution failed")
			result.Failed = true
			result.Error = err.Error()
		} else {
			result.IssuesFound = len(issues)
			out.IssuesFound += len(issues)
			telemetry.ValidationIssues.WithLabelValues(rule.Name).Add(float64(len(issues)))

			fixable := rule.AutoFix != nil
			for _, issue := range issues {
				if rule.Severity == SeverityError {
					out.Errors = append(out.Errors, Error{Rule: rule.Name, Issue: issue, FixAvailable: fixable})
				} else {
					warning := Warning{Rule: rule.Name, Issue: issue}
					if fixable {
						warning.Suggestion = fmt.Sprintf("run with autoFix to apply the %s fixer", rule.Name)
					}
					out.Warnings = append(out.Warnings, warning)
				}
			}

			// Dry-run never mutates, even when a fix was requested.
			if in.AutoFix && fixable && len(issues) > 0 && !in.DryRun {
				fixed, err := rule.AutoFix(ctx, rc, issues)
				if err != nil {
					e.logger.Error().Err(err).Str("rule", rule.Name).Msg("auto-fix failed")
				}
				result.IssuesFixed = fixed
				out.IssuesFixed += fixed
				telemetry.ValidationFixes.WithLabelValues(rule.Name).Add(float64(fixed))
			}
		}

		out.RulesExecuted++
		out.Report.Rules = append(out.Report.Rules, result)
		if progress != nil {
			progress(int(math.Round(float64(i+1) / float64(len(selected)) * 100)))
		}
	}

	out.Report.Duration = time.Since(start)
	out.Report.EntitiesChecked = e.countEntities(ctx, in.Scope)
	out.Report.ErrorCount = len(out.Errors)
	out.Report.WarningCount = len(out.Warnings)
	out.Report.FixedCount = out.IssuesFixed
	return out
}

func (e *Engine) runRule(ctx context.Context, rule Rule, rc *RunContext) (issues []Issue, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule panic: %v", r)
		}
	}()
	return rule.Validate(ctx, rc)
}

// countEntities is a scope-dependent total, independent of issues found.
func (e *Engine) countEntities(ctx context.Context, scope string) int64 {
	scopes := []string{scope}
	if scope == ScopeAll {
		scopes = KnownScopes
	}
	var total int64
	for _, s := range scopes {
		n, err := e.store.CountEntities(ctx, s)
		if err != nil {
			e.logger.Warn().Err(err).Str("scope", s).Msg("entity count failed")
			continue
		}
		total += n
	}
	return total
}
