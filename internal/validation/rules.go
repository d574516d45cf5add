package validation

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	batchLimit = 1000
	// Standard constructed deck limit in the host application.
	maxDeckSize = 60
	// A card price older than this is considered stale.
	priceStaleAfter = 14 * 24 * time.Hour
)

// DefaultRules returns the shipped rule set in execution order.
func DefaultRules() []Rule {
	return []Rule{
		cardSetReferenceRule(),
		duplicateCardsRule(),
		deckCardLinksRule(),
		deckSizeLimitRule(),
		userEmailFormatRule(),
		priceStalenessRule(),
	}
}

// cardSetReferenceRule flags cards whose set_id points at no existing set.
// The fixer relinks via the card's set code.
func cardSetReferenceRule() Rule {
	return Rule{
		Name:        "card-set-reference",
		Description: "Cards must reference an existing set",
		Severity:    SeverityError,
		Scopes:      []string{"cards"},
		Validate: func(ctx context.Context, rc *RunContext) ([]Issue, error) {
			refs, err := rc.Store.DanglingCardSetRefs(ctx, batchLimit)
			if err != nil {
				return nil, fmt.Errorf("dangling set refs: %w", err)
			}
			issues := make([]Issue, 0, len(refs))
			for _, ref := range refs {
				issues = append(issues, Issue{
					EntityType:    "card",
					EntityID:      ref.ID,
					Field:         "set_id",
					ExpectedValue: ref.SetCode,
					Message:       fmt.Sprintf("card %q references a missing set (code %s)", ref.Name, ref.SetCode),
				})
			}
			return issues, nil
		},
		AutoFix: func(ctx context.Context, rc *RunContext, issues []Issue) (int, error) {
			var fixed int
			for _, issue := range issues {
				ok, err := rc.Store.RelinkCardSet(ctx, issue.EntityID)
				if err != nil {
					return fixed, fmt.Errorf("relink card %s: %w", issue.EntityID, err)
				}
				if ok {
					fixed++
				}
			}
			return fixed, nil
		},
	}
}

// duplicateCardsRule flags cards sharing name, set, and collector number.
// The merge remediation is deferred; the rule ships without a fixer.
func duplicateCardsRule() Rule {
	return Rule{
		Name:        "duplicate-cards",
		Description: "Cards should be unique per (name, set, number); merge is deferred",
		Severity:    SeverityWarning,
		Scopes:      []string{"cards"},
		Validate: func(ctx context.Context, rc *RunContext) ([]Issue, error) {
			groups, err := rc.Store.DuplicateCards(ctx, batchLimit)
			if err != nil {
				return nil, fmt.Errorf("duplicate cards: %w", err)
			}
			issues := make([]Issue, 0, len(groups))
			for _, g := range groups {
				issues = append(issues, Issue{
					EntityType:   "card",
					EntityID:     g.CardIDs[0],
					CurrentValue: strings.Join(g.CardIDs, ","),
					Message:      fmt.Sprintf("%d cards named %q share set %s number %s", len(g.CardIDs), g.Name, g.SetID, g.Number),
				})
			}
			return issues, nil
		},
	}
}

// deckCardLinksRule flags deck entries pointing at deleted cards.
func deckCardLinksRule() Rule {
	return Rule{
		Name:        "deck-card-links",
		Description: "Deck entries must reference existing cards",
		Severity:    SeverityError,
		Scopes:      []string{"decks"},
		Validate: func(ctx context.Context, rc *RunContext) ([]Issue, error) {
			refs, err := rc.Store.OrphanedDeckCards(ctx, batchLimit)
			if err != nil {
				return nil, fmt.Errorf("orphaned deck cards: %w", err)
			}
			issues := make([]Issue, 0, len(refs))
			for _, ref := range refs {
				issues = append(issues, Issue{
					EntityType:   "deck_card",
					EntityID:     ref.ID,
					Field:        "card_id",
					CurrentValue: ref.CardID,
					Message:      fmt.Sprintf("deck %s contains missing card %s", ref.DeckID, ref.CardID),
				})
			}
			return issues, nil
		},
		AutoFix: func(ctx context.Context, rc *RunContext, issues []Issue) (int, error) {
			ids := make([]string, 0, len(issues))
			for _, issue := range issues {
				ids = append(ids, issue.EntityID)
			}
			n, err := rc.Store.DeleteDeckCards(ctx, ids)
			if err != nil {
				return 0, fmt.Errorf("delete orphaned deck cards: %w", err)
			}
			return int(n), nil
		},
	}
}

// deckSizeLimitRule flags decks above the constructed-format card limit.
func deckSizeLimitRule() Rule {
	return Rule{
		Name:        "deck-size-limit",
		Description: "Decks should not exceed the constructed format card limit",
		Severity:    SeverityWarning,
		Scopes:      []string{"decks"},
		Validate: func(ctx context.Context, rc *RunContext) ([]Issue, error) {
			decks, err := rc.Store.OversizedDecks(ctx, maxDeckSize, batchLimit)
			if err != nil {
				return nil, fmt.Errorf("oversized decks: %w", err)
			}
			issues := make([]Issue, 0, len(decks))
			for _, d := range decks {
				issues = append(issues, Issue{
					EntityType:    "deck",
					EntityID:      d.ID,
					Field:         "card_count",
					CurrentValue:  fmt.Sprintf("%d", d.CardCount),
					ExpectedValue: fmt.Sprintf("<= %d", maxDeckSize),
					Message:       fmt.Sprintf("deck %q holds %d cards", d.Name, d.CardCount),
				})
			}
			return issues, nil
		},
	}
}

// userEmailFormatRule flags users whose stored email fails a shape check.
func userEmailFormatRule() Rule {
	return Rule{
		Name:        "user-email-format",
		Description: "User emails must look like addresses",
		Severity:    SeverityWarning,
		Scopes:      []string{"users"},
		Validate: func(ctx context.Context, rc *RunContext) ([]Issue, error) {
			users, err := rc.Store.InvalidUserEmails(ctx, batchLimit)
			if err != nil {
				return nil, fmt.Errorf("invalid user emails: %w", err)
			}
			issues := make([]Issue, 0, len(users))
			for _, u := range users {
				issues = append(issues, Issue{
					EntityType:   "user",
					EntityID:     u.ID,
					Field:        "email",
					CurrentValue: u.Email,
					Message:      "stored email is not a valid address",
				})
			}
			return issues, nil
		},
	}
}

// priceStalenessRule flags cards whose latest price point is old.
func priceStalenessRule() Rule {
	return Rule{
		Name:        "price-staleness",
		Description: "Card prices should be refreshed regularly",
		Severity:    SeverityInfo,
		Scopes:      []string{"prices"},
		Validate: func(ctx context.Context, rc *RunContext) ([]Issue, error) {
			cutoff := time.Now().Add(-priceStaleAfter)
			cards, err := rc.Store.CardsWithStalePrices(ctx, cutoff, batchLimit)
			if err != nil {
				return nil, fmt.Errorf("stale prices: %w", err)
			}
			issues := make([]Issue, 0, len(cards))
			for _, c := range cards {
				issues = append(issues, Issue{
					EntityType: "card",
					EntityID:   c.ID,
					Field:      "price",
					Message:    fmt.Sprintf("card %q has no price point newer than %s", c.Name, cutoff.Format(time.RFC3339)),
				})
			}
			return issues, nil
		},
	}
}
