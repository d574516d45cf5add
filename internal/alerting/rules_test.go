package alerting

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/models"
)

func TestLoadRulesDefaults(t *testing.T) {
	rules, err := LoadRules("")
	require.NoError(t, err)
	require.NotEmpty(t, rules)
	for _, r := range rules {
		require.NotEmpty(t, r.ID)
		require.NotEmpty(t, r.Conditions)
	}
}

func TestLoadRulesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	body := `[{"id":"queue-backlog","severity":"warning","cooldown_minutes":15,
		"conditions":[{"metric":"waiting","operator":">","value":1000}],
		"actions":[{"channel":"chat"}]}]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "queue-backlog", rules[0].ID)
	require.Equal(t, models.OpGT, rules[0].Conditions[0].Operator)

	require.NoError(t, os.WriteFile(path, []byte(`[{"severity":"info"}]`), 0o644))
	_, err = LoadRules(path)
	require.Error(t, err, "rules without ids are rejected")
}

func TestLoadSchedule(t *testing.T) {
	schedule, err := LoadSchedule("")
	require.NoError(t, err)
	require.Nil(t, schedule, "no file means no paging targets")

	path := filepath.Join(t.TempDir(), "oncall.json")
	body := `{"rotation":"weekly","start_date":"2026-08-03T00:00:00Z",
		"users":[{"user_id":"u1","name":"Alex","phone":"+15550001"}]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	schedule, err = LoadSchedule(path)
	require.NoError(t, err)
	require.Equal(t, models.RotationWeekly, schedule.Rotation)
	require.Len(t, schedule.Users, 1)

	require.NoError(t, os.WriteFile(path, []byte(`{"rotation":"hourly"}`), 0o644))
	_, err = LoadSchedule(path)
	require.Error(t, err, "unknown rotation is rejected")
}
