package alerting

import (
	"time"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/models"
)

// GetOnCallPerson returns the user on call at the given instant. The rotation
// is a pure function of the schedule and the clock: the user index is the
// number of whole rotation periods elapsed since the start date, modulo the
// roster size. Returns false when the roster is empty or the schedule has not
// started yet.
func GetOnCallPerson(schedule models.OnCallSchedule, now time.Time) (models.OnCallUser, bool) {
	if len(schedule.Users) == 0 || now.Before(schedule.StartDate) {
		return models.OnCallUser{}, false
	}
	periodDays := 1
	if schedule.Rotation == models.RotationWeekly {
		periodDays = 7
	}
	days := int(now.Sub(schedule.StartDate).Hours() / 24)
	idx := (days / periodDays) % len(schedule.Users)
	return schedule.Users[idx], true
}
