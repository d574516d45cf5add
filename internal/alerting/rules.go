package alerting

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/models"
)

// DefaultRules covers the failure modes the maintenance jobs themselves
// report. Deployments layer their own rules on top via ALERT_RULES_FILE.
func DefaultRules() []models.AlertRule {
	return []models.AlertRule{
		{
			ID:       "validation-error-spike",
			Severity: models.SeverityWarning,
			Conditions: []models.AlertCondition{
				{Metric: "error_count", Operator: models.OpGT, Value: 100},
			},
			Actions: []models.AlertAction{
				{Channel: models.ChannelChat},
				{Channel: models.ChannelMail},
			},
			CooldownMinutes: 60,
		},
		{
			ID:       "cleanup-task-failures",
			Severity: models.SeverityWarning,
			Conditions: []models.AlertCondition{
				{Metric: "task_errors", Operator: models.OpGTE, Value: 3},
			},
			Actions: []models.AlertAction{
				{Channel: models.ChannelChat},
			},
			CooldownMinutes: 30,
		},
	}
}

// LoadRules reads alert rules from a JSON file, falling back to the defaults
// when no path is configured.
func LoadRules(path string) ([]models.AlertRule, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read alert rules: %w", err)
	}
	var rules []models.AlertRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse alert rules: %w", err)
	}
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("alert rule %d has no id", i)
		}
	}
	return rules, nil
}

// LoadSchedule reads the on-call schedule from a JSON file. Returns nil when
// no path is configured; critical alerts then go out without paging targets.
func LoadSchedule(path string) (*models.OnCallSchedule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read on-call schedule: %w", err)
	}
	var schedule models.OnCallSchedule
	if err := json.Unmarshal(data, &schedule); err != nil {
		return nil, fmt.Errorf("parse on-call schedule: %w", err)
	}
	if schedule.Rotation != models.RotationDaily && schedule.Rotation != models.RotationWeekly {
		return nil, fmt.Errorf("unknown rotation %q", schedule.Rotation)
	}
	return &schedule, nil
}
