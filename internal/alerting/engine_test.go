package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/audit"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/models"
)

// fakeAlertStore keeps alerts and rule cooldown state in memory, mirroring
// the shared-store CAS semantics.
type fakeAlertStore struct {
	mu        sync.Mutex
	alerts    map[string]models.Alert
	saved     []models.Alert
	cooldowns map[string]time.Duration
	triggered map[string]time.Time
}

func newFakeAlertStore() *fakeAlertStore {
	return &fakeAlertStore{
		alerts:    map[string]models.Alert{},
		cooldowns: map[string]time.Duration{},
		triggered: map[string]time.Time{},
	}
}

func (s *fakeAlertStore) SaveAlert(_ context.Context, a models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = a
	s.saved = append(s.saved, a)
	return nil
}

func (s *fakeAlertStore) GetAlert(_ context.Context, id string) (models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return models.Alert{}, errors.New("no alert")
	}
	return a, nil
}

func (s *fakeAlertStore) AcknowledgeAlert(_ context.Context, id, by string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok || a.Acknowledged {
		return false, nil
	}
	a.Acknowledged = true
	a.AcknowledgedBy = &by
	a.AcknowledgedAt = &now
	s.alerts[id] = a
	return true, nil
}

func (s *fakeAlertStore) ResolveAlert(_ context.Context, id string, by *string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok || a.Resolved {
		return false, nil
	}
	a.Resolved = true
	a.ResolvedBy = by
	a.ResolvedAt = &now
	s.alerts[id] = a
	return true, nil
}

func (s *fakeAlertStore) RegisterAlertRule(_ context.Context, ruleID string, cooldown time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[ruleID] = cooldown
	return nil
}

func (s *fakeAlertStore) TryTriggerRule(_ context.Context, ruleID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.triggered[ruleID]
	if ok && now.Sub(last) < s.cooldowns[ruleID] {
		return false, nil
	}
	s.triggered[ruleID] = now
	return true, nil
}

type recordingChannel struct {
	mu    sync.Mutex
	typ   string
	fail  bool
	sends []sentAlert
}

type sentAlert struct {
	alert      models.Alert
	recipients []string
}

func (c *recordingChannel) Type() string { return c.typ }

func (c *recordingChannel) Send(_ context.Context, alert models.Alert, recipients []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("gateway down")
	}
	c.sends = append(c.sends, sentAlert{alert: alert, recipients: recipients})
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

func allChannels() (chat, mail, sms, pager *recordingChannel, channels []Channel) {
	chat = &recordingChannel{typ: models.ChannelChat}
	mail = &recordingChannel{typ: models.ChannelMail}
	sms = &recordingChannel{typ: models.ChannelSMS}
	pager = &recordingChannel{typ: models.ChannelPager}
	return chat, mail, sms, pager, []Channel{chat, mail, sms, pager}
}

func TestSeverityDefaultRouting(t *testing.T) {
	ctx := context.Background()
	st := newFakeAlertStore()
	chat, mail, sms, pager, channels := allChannels()
	e := New(st, channels, nil, nil, audit.NopSink{}, zerolog.Nop())

	_, err := e.SendAlert(ctx, models.Alert{Severity: models.SeverityInfo, Type: "t", Message: "m"})
	require.NoError(t, err)
	require.Equal(t, 1, chat.count())
	require.Zero(t, mail.count())

	_, err = e.SendAlert(ctx, models.Alert{Severity: models.SeverityWarning, Type: "t", Message: "m"})
	require.NoError(t, err)
	require.Equal(t, 2, chat.count())
	require.Equal(t, 1, mail.count())
	require.Zero(t, sms.count())

	_, err = e.SendAlert(ctx, models.Alert{Severity: models.SeverityCritical, Type: "t", Message: "m"})
	require.NoError(t, err)
	require.Equal(t, 1, sms.count())
	require.Equal(t, 1, pager.count())
	require.Equal(t, 3, chat.count())
	require.Equal(t, 2, mail.count())
}

func TestExplicitChannelsOverrideDefaults(t *testing.T) {
	st := newFakeAlertStore()
	chat, mail, _, _, channels := allChannels()
	e := New(st, channels, nil, nil, audit.NopSink{}, zerolog.Nop())

	_, err := e.SendAlert(context.Background(), models.Alert{Severity: models.SeverityCritical, Type: "t", Message: "m"}, models.ChannelMail)
	require.NoError(t, err)
	require.Equal(t, 1, mail.count())
	require.Zero(t, chat.count())
}

func TestChannelFailureDoesNotFailSend(t *testing.T) {
	st := newFakeAlertStore()
	chat := &recordingChannel{typ: models.ChannelChat, fail: true}
	mail := &recordingChannel{typ: models.ChannelMail}
	e := New(st, []Channel{chat, mail}, nil, nil, audit.NopSink{}, zerolog.Nop())

	alert, err := e.SendAlert(context.Background(), models.Alert{Severity: models.SeverityWarning, Type: "t", Message: "m"})
	require.NoError(t, err, "channel failure is isolated")
	require.Equal(t, 1, mail.count(), "healthy channels still deliver")
	require.Contains(t, st.alerts, alert.ID, "alert persisted despite failure")
}

func TestRuleCooldown(t *testing.T) {
	ctx := context.Background()
	st := newFakeAlertStore()
	chat := &recordingChannel{typ: models.ChannelChat}
	pager := &recordingChannel{typ: models.ChannelPager}
	rule := models.AlertRule{
		ID:              "error-spike",
		CooldownMinutes: 60,
		Conditions: []models.AlertCondition{
			{Metric: "error_count", Operator: models.OpGT, Value: 10},
		},
		Actions: []models.AlertAction{{Channel: models.ChannelPager, Recipients: []string{"ops"}}},
	}
	e := New(st, []Channel{chat, pager}, []models.AlertRule{rule}, nil, audit.NopSink{}, zerolog.Nop())
	require.NoError(t, e.RegisterRules(ctx))

	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	e.WithClock(func() time.Time { return now })

	meta := map[string]any{"error_count": float64(50)}
	_, err := e.SendAlert(ctx, models.Alert{Severity: models.SeverityInfo, Type: "t", Message: "m", Metadata: meta})
	require.NoError(t, err)
	require.Equal(t, 1, pager.count(), "rule fires the first time")
	require.Equal(t, []string{"ops"}, pager.sends[0].recipients)

	// Within the cooldown window the rule must not fire again.
	now = now.Add(30 * time.Minute)
	_, err = e.SendAlert(ctx, models.Alert{Severity: models.SeverityInfo, Type: "t", Message: "m", Metadata: meta})
	require.NoError(t, err)
	require.Equal(t, 1, pager.count())

	// Past the window it fires once more.
	now = now.Add(31 * time.Minute)
	_, err = e.SendAlert(ctx, models.Alert{Severity: models.SeverityInfo, Type: "t", Message: "m", Metadata: meta})
	require.NoError(t, err)
	require.Equal(t, 2, pager.count())
}

func TestRuleConditionsMustAllHold(t *testing.T) {
	rule := models.AlertRule{
		ID: "r",
		Conditions: []models.AlertCondition{
			{Metric: "error_count", Operator: models.OpGT, Value: 10},
			{Metric: "fixed_count", Operator: models.OpEQ, Value: 0},
		},
	}

	require.True(t, ruleMatches(rule, models.Alert{Metadata: map[string]any{"error_count": 20.0, "fixed_count": 0.0}}))
	require.False(t, ruleMatches(rule, models.Alert{Metadata: map[string]any{"error_count": 20.0, "fixed_count": 3.0}}))
	require.False(t, ruleMatches(rule, models.Alert{Metadata: map[string]any{"error_count": 20.0}}), "missing metric never matches")
	require.False(t, ruleMatches(models.AlertRule{ID: "empty"}, models.Alert{}), "no conditions never matches")
}

func TestCompareOperators(t *testing.T) {
	require.True(t, compare(5, models.OpGT, 4))
	require.True(t, compare(5, models.OpGTE, 5))
	require.True(t, compare(3, models.OpLT, 4))
	require.True(t, compare(4, models.OpLTE, 4))
	require.True(t, compare(4, models.OpEQ, 4))
	require.True(t, compare(4, models.OpNEQ, 5))
	require.False(t, compare(4, "~", 4), "unknown operator never matches")
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newFakeAlertStore()
	chat := &recordingChannel{typ: models.ChannelChat}
	e := New(st, []Channel{chat}, nil, nil, audit.NopSink{}, zerolog.Nop())

	alert, err := e.SendAlert(ctx, models.Alert{Severity: models.SeverityInfo, Type: "t", Message: "m"})
	require.NoError(t, err)

	require.NoError(t, e.Acknowledge(ctx, alert.ID, "casey"))
	require.True(t, st.alerts[alert.ID].Acknowledged)
	first := *st.alerts[alert.ID].AcknowledgedBy

	require.NoError(t, e.Acknowledge(ctx, alert.ID, "sam"), "second ack is a no-op, not an error")
	require.Equal(t, first, *st.alerts[alert.ID].AcknowledgedBy)
}

func TestResolveEmitsNotice(t *testing.T) {
	ctx := context.Background()
	st := newFakeAlertStore()
	chat := &recordingChannel{typ: models.ChannelChat}
	e := New(st, []Channel{chat}, nil, nil, audit.NopSink{}, zerolog.Nop())

	alert, err := e.SendAlert(ctx, models.Alert{Severity: models.SeverityWarning, Type: "disk_pressure", Message: "m"})
	require.NoError(t, err)

	by := "casey"
	require.NoError(t, e.Resolve(ctx, alert.ID, &by))
	require.True(t, st.alerts[alert.ID].Resolved)
	require.Equal(t, "casey", *st.alerts[alert.ID].ResolvedBy)

	require.Len(t, st.saved, 2)
	notice := st.saved[1]
	require.Equal(t, "alert_resolved", notice.Type)
	require.Equal(t, alert.ID, notice.Metadata["original_alert_id"])

	// Resolving again changes nothing and emits no second notice.
	require.NoError(t, e.Resolve(ctx, alert.ID, &by))
	require.Len(t, st.saved, 2)
}

func TestCriticalAlertsPageTheOnCallPerson(t *testing.T) {
	ctx := context.Background()
	st := newFakeAlertStore()
	_, _, sms, pager, channels := allChannels()
	schedule := &models.OnCallSchedule{
		Rotation:  models.RotationDaily,
		StartDate: time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC),
		Users: []models.OnCallUser{
			{UserID: "u1", Name: "Alex", Phone: "+15550001"},
			{UserID: "u2", Name: "Brook", Phone: "+15550002"},
		},
	}
	e := New(st, channels, nil, schedule, audit.NopSink{}, zerolog.Nop())
	e.WithClock(func() time.Time {
		return time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	})

	_, err := e.SendAlert(ctx, models.Alert{Severity: models.SeverityCritical, Type: "t", Message: "m"})
	require.NoError(t, err)

	require.Equal(t, []string{"+15550002"}, sms.sends[0].recipients, "day 1 pages the second user")
	require.Equal(t, []string{"+15550002"}, pager.sends[0].recipients)
}

func TestTestChannel(t *testing.T) {
	st := newFakeAlertStore()
	chat := &recordingChannel{typ: models.ChannelChat}
	e := New(st, []Channel{chat}, nil, nil, audit.NopSink{}, zerolog.Nop())

	require.NoError(t, e.TestChannel(context.Background(), models.ChannelChat))
	require.Equal(t, 1, chat.count())
	require.Equal(t, "channel_test", chat.sends[0].alert.Type)

	require.Error(t, e.TestChannel(context.Background(), models.ChannelPager), "unconfigured channel")
}
