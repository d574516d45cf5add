package models

import "time"

// Alert severities. Critical alerts page the on-call person.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Channel types the alerting engine can route to.
const (
	ChannelMail    = "mail"
	ChannelSMS     = "sms"
	ChannelChat    = "chat"
	ChannelWebhook = "webhook"
	ChannelPager   = "pager"
)

// Alert is a persisted operational event. Alerts are created once, mutated
// only by acknowledge/resolve, and archived rather than deleted.
type Alert struct {
	ID             string         `json:"id"`
	Severity       string         `json:"severity"`
	Type           string         `json:"type"`
	Message        string         `json:"message"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedBy *string        `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	Resolved       bool           `json:"resolved"`
	ResolvedBy     *string        `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Condition operators supported by alert rules.
const (
	OpGT  = ">"
	OpGTE = ">="
	OpLT  = "<"
	OpLTE = "<="
	OpEQ  = "="
	OpNEQ = "!="
)

// AlertCondition compares one metric from the alert metadata to a threshold.
type AlertCondition struct {
	Metric          string  `json:"metric"`
	Operator        string  `json:"operator"`
	Value           float64 `json:"value"`
	DurationMinutes int     `json:"duration_minutes,omitempty"`
}

// AlertAction routes a fired rule to a channel, optionally overriding
// recipients.
type AlertAction struct {
	Channel    string   `json:"channel"`
	Recipients []string `json:"recipients,omitempty"`
}

// AlertRule fires when all conditions hold and the cooldown window has
// elapsed. LastTriggeredAt is backed by the shared store so cooldown holds
// across engine instances.
type AlertRule struct {
	ID              string           `json:"id"`
	Conditions      []AlertCondition `json:"conditions"`
	Actions         []AlertAction    `json:"actions"`
	Severity        string           `json:"severity"`
	CooldownMinutes int              `json:"cooldown_minutes"`
	LastTriggeredAt *time.Time       `json:"last_triggered_at,omitempty"`
}

// On-call rotation periods.
const (
	RotationDaily  = "daily"
	RotationWeekly = "weekly"
)

// OnCallUser is one entry in the rotation.
type OnCallUser struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Priority int    `json:"priority"`
}

// OnCallSchedule selects the responsible operator as a pure function of time.
type OnCallSchedule struct {
	Rotation  string       `json:"rotation"`
	StartDate time.Time    `json:"start_date"`
	Users     []OnCallUser `json:"users"`
}
