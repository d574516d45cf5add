// Package alerting persists operational alerts, fans them out to notification
// channels by severity, evaluates alert rules under a shared-store cooldown,
// and tracks the acknowledge/resolve lifecycle.
package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/audit"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/models"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/telemetry"
)

// Store is the persistence slice the engine needs. Cooldown state lives here
// so the at-most-once-per-window guarantee holds across engine instances.
type Store interface {
	SaveAlert(ctx context.Context, a models.Alert) error
	GetAlert(ctx context.Context, id string) (models.Alert, error)
	AcknowledgeAlert(ctx context.Context, id, by string, now time.Time) (bool, error)
	ResolveAlert(ctx context.Context, id string, by *string, now time.Time) (bool, error)
	RegisterAlertRule(ctx context.Context, ruleID string, cooldown time.Duration) error
	TryTriggerRule(ctx context.Context, ruleID string, now time.Time) (bool, error)
}

// Channel delivers a rendered alert to one carrier. Implementations are
// external collaborators (mail transport, SMS gateway, chat webhook, pager).
type Channel interface {
	Type() string
	Send(ctx context.Context, alert models.Alert, recipients []string) error
}

// defaultChannelsFor maps severity to the default route set.
func defaultChannelsFor(severity string) []string {
	switch severity {
	case models.SeverityCritical:
		return []string{models.ChannelPager, models.ChannelSMS, models.ChannelChat, models.ChannelMail}
	case models.SeverityWarning:
		return []string{models.ChannelChat, models.ChannelMail}
	default:
		return []string{models.ChannelChat}
	}
}

// Engine owns channel routing, rule evaluation, and the alert lifecycle.
type Engine struct {
	store    Store
	channels map[string]Channel
	rules    []models.AlertRule
	schedule *models.OnCallSchedule
	sink     audit.Sink
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs the engine. Rules are fixed at construction; call
// RegisterRules once at startup to seed their cooldown rows.
func New(st Store, channels []Channel, rules []models.AlertRule, schedule *models.OnCallSchedule, sink audit.Sink, logger zerolog.Logger) *Engine {
	chans := make(map[string]Channel, len(channels))
	for _, c := range channels {
		chans[c.Type()] = c
	}
	return &Engine{
		store:    st,
		channels: chans,
		rules:    rules,
		schedule: schedule,
		sink:     sink,
		logger:   logger.With().Str("component", "alerting").Logger(),
		now:      time.Now,
	}
}

// WithClock overrides the time source for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// RegisterRules seeds cooldown rows in the shared store, preserving any
// existing trigger state.
func (e *Engine) RegisterRules(ctx context.Context) error {
	for _, r := range e.rules {
		cooldown := time.Duration(r.CooldownMinutes) * time.Minute
		if err := e.store.RegisterAlertRule(ctx, r.ID, cooldown); err != nil {
			return fmt.Errorf("register rule %s: %w", r.ID, err)
		}
	}
	return nil
}

// Raise builds and sends an alert. Convenience for job processors.
func (e *Engine) Raise(ctx context.Context, severity, alertType, message string, metadata map[string]any) {
	alert := models.Alert{
		Severity: severity,
		Type:     alertType,
		Message:  message,
		Metadata: metadata,
	}
	if _, err := e.SendAlert(ctx, alert); err != nil {
		e.logger.Error().Err(err).Str("type", alertType).Msg("raise alert failed")
	}
}

// JobFailed raises an alert for a job that exhausted its retry budget. Plugs
// into the worker as its failure hook.
func (e *Engine) JobFailed(ctx context.Context, job models.Job, reason string) {
	severity := models.SeverityWarning
	if job.Priority <= models.PriorityHigh {
		severity = models.SeverityCritical
	}
	e.Raise(ctx, severity, "job_failed",
		fmt.Sprintf("job %s/%s failed after %d attempts", job.Queue, job.Name, job.AttemptsMade),
		map[string]any{
			"job_id":        job.ID,
			"queue":         job.Queue,
			"job_name":      job.Name,
			"attempts_made": job.AttemptsMade,
			"reason":        reason,
		})
}

// SendAlert persists the alert, dispatches it to each enabled target channel
// concurrently and independently, then evaluates the alert rules. Channel
// failures are logged and never fail the call; the call returns once every
// dispatch attempt has settled.
func (e *Engine) SendAlert(ctx context.Context, alert models.Alert, channelTypes ...string) (models.Alert, error) {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = e.now().UTC()
	}
	if alert.Severity == "" {
		alert.Severity = models.SeverityInfo
	}

	if err := e.store.SaveAlert(ctx, alert); err != nil {
		return models.Alert{}, fmt.Errorf("persist alert: %w", err)
	}
	telemetry.AlertsSent.WithLabelValues(alert.Severity).Inc()

	targets := channelTypes
	if len(targets) == 0 {
		targets = defaultChannelsFor(alert.Severity)
	}
	e.dispatch(ctx, alert, targets, nil)

	e.checkAlertRules(ctx, alert)

	e.record(ctx, "alert.sent", alert.ID, map[string]any{"severity": alert.Severity, "type": alert.Type})
	return alert, nil
}

// dispatch fans the alert out to every enabled channel in the target set.
func (e *Engine) dispatch(ctx context.Context, alert models.Alert, targets []string, recipients []string) {
	var wg sync.WaitGroup
	for _, t := range targets {
		ch, ok := e.channels[t]
		if !ok {
			continue
		}
		to := recipients
		if len(to) == 0 {
			to = e.escalationRecipients(alert, t)
		}
		wg.Add(1)
		go func(ch Channel, to []string) {
			defer wg.Done()
			if err := ch.Send(ctx, alert, to); err != nil {
				telemetry.ChannelFailures.WithLabelValues(ch.Type()).Inc()
				e.logger.Error().Err(err).Str("channel", ch.Type()).Str("alert_id", alert.ID).Msg("channel delivery failed")
			}
		}(ch, to)
	}
	wg.Wait()
}

// escalationRecipients consults the on-call rotation for paging channels on
// critical alerts when no explicit recipient list is configured.
func (e *Engine) escalationRecipients(alert models.Alert, channelType string) []string {
	if alert.Severity != models.SeverityCritical || e.schedule == nil {
		return nil
	}
	if channelType != models.ChannelSMS && channelType != models.ChannelPager {
		return nil
	}
	user, ok := GetOnCallPerson(*e.schedule, e.now())
	if !ok {
		return nil
	}
	if user.Phone != "" {
		return []string{user.Phone}
	}
	return []string{user.UserID}
}

// checkAlertRules evaluates every registered rule against the alert
// metadata. A rule fires only when all conditions hold and the shared-store
// cooldown CAS succeeds.
func (e *Engine) checkAlertRules(ctx context.Context, alert models.Alert) {
	for _, rule := range e.rules {
		if !ruleMatches(rule, alert) {
			continue
		}
		fired, err := e.store.TryTriggerRule(ctx, rule.ID, e.now())
		if err != nil {
			e.logger.Error().Err(err).Str("rule", rule.ID).Msg("cooldown check failed")
			continue
		}
		if !fired {
			continue
		}
		telemetry.RulesTriggered.Inc()
		e.logger.Info().Str("rule", rule.ID).Str("alert_id", alert.ID).Msg("alert rule fired")
		for _, action := range rule.Actions {
			e.dispatch(ctx, alert, []string{action.Channel}, action.Recipients)
		}
		e.record(ctx, "alert.rule_fired", rule.ID, map[string]any{"alert_id": alert.ID})
	}
}

func ruleMatches(rule models.AlertRule, alert models.Alert) bool {
	if len(rule.Conditions) == 0 {
		return false
	}
	for _, cond := range rule.Conditions {
		value, ok := metricValue(alert.Metadata, cond.Metric)
		if !ok || !compare(value, cond.Operator, cond.Value) {
			return false
		}
		if cond.DurationMinutes > 0 {
			dur, ok := metricValue(alert.Metadata, "duration_minutes")
			if !ok || dur < float64(cond.DurationMinutes) {
				return false
			}
		}
	}
	return true
}

func metricValue(metadata map[string]any, metric string) (float64, bool) {
	v, ok := metadata[metric]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func compare(value float64, operator string, threshold float64) bool {
	switch operator {
	case models.OpGT:
		return value > threshold
	case models.OpGTE:
		return value >= threshold
	case models.OpLT:
		return value < threshold
	case models.OpLTE:
		return value <= threshold
	case models.OpEQ:
		return value == threshold
	case models.OpNEQ:
		return value != threshold
	default:
		return false
	}
}

// Acknowledge marks the alert acknowledged. Acknowledging twice is a no-op,
// not an error.
func (e *Engine) Acknowledge(ctx context.Context, id, by string) error {
	changed, err := e.store.AcknowledgeAlert(ctx, id, by, e.now().UTC())
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	if changed {
		e.record(ctx, "alert.acknowledged", id, map[string]any{"by": by})
	}
	return nil
}

// Resolve marks the alert resolved (terminal) and emits a best-effort
// informational alert referencing the original.
func (e *Engine) Resolve(ctx context.Context, id string, by *string) error {
	original, err := e.store.GetAlert(ctx, id)
	if err != nil {
		return fmt.Errorf("load alert: %w", err)
	}
	changed, err := e.store.ResolveAlert(ctx, id, by, e.now().UTC())
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	if !changed {
		return nil
	}
	e.record(ctx, "alert.resolved", id, nil)

	notice := models.Alert{
		Severity: models.SeverityInfo,
		Type:     "alert_resolved",
		Message:  fmt.Sprintf("alert %q resolved", original.Type),
		Metadata: map[string]any{"original_alert_id": id},
	}
	if _, err := e.SendAlert(ctx, notice); err != nil {
		e.logger.Warn().Err(err).Str("alert_id", id).Msg("resolution notice failed")
	}
	return nil
}

// TestChannel sends a low-severity test alert through one channel.
func (e *Engine) TestChannel(ctx context.Context, channelType string) error {
	ch, ok := e.channels[channelType]
	if !ok {
		return fmt.Errorf("channel %q is not configured", channelType)
	}
	alert := models.Alert{
		ID:        uuid.New().String(),
		Severity:  models.SeverityInfo,
		Type:      "channel_test",
		Message:   "test alert from the maintenance engine",
		CreatedAt: e.now().UTC(),
	}
	if err := ch.Send(ctx, alert, nil); err != nil {
		return fmt.Errorf("test %s channel: %w", channelType, err)
	}
	e.record(ctx, "alert.channel_tested", channelType, nil)
	return nil
}

func (e *Engine) record(ctx context.Context, action, subject string, detail map[string]any) {
	ev := audit.Event{Action: action, Actor: "system", Subject: subject, Detail: detail, At: e.now().UTC()}
	if err := e.sink.Record(ctx, ev); err != nil {
		e.logger.Warn().Err(err).Str("action", action).Msg("audit record failed")
	}
}
