package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowforgelab/pokemon-full-project-sub005/internal/models"
	"github.com/flowforgelab/pokemon-full-project-sub005/internal/store"
)

type fakeDB struct {
	finished        int64
	deletedFinished int64
	resolvedAlerts  []models.Alert
	deletedAlerts   []string
}

func (d *fakeDB) CountFinishedBefore(context.Context, time.Time) (int64, error) {
	return d.finished, nil
}

func (d *fakeDB) DeleteFinishedBefore(context.Context, time.Time) (int64, error) {
	n := d.finished
	d.finished = 0
	d.deletedFinished += n
	return n, nil
}

func (d *fakeDB) CountStalePriceHistory(context.Context, time.Time) (int64, error)  { return 0, nil }
func (d *fakeDB) DeleteStalePriceHistory(context.Context, time.Time) (int64, error) { return 0, nil }
func (d *fakeDB) CountOrphanedDeckCards(context.Context) (int64, error)             { return 0, nil }
func (d *fakeDB) DeleteOrphanedDeckCards(context.Context) (int64, error)            { return 0, nil }
func (d *fakeDB) CountExpiredSessions(context.Context, time.Time) (int64, error)    { return 0, nil }
func (d *fakeDB) DeleteExpiredSessions(context.Context, time.Time) (int64, error)   { return 0, nil }

func (d *fakeDB) ListResolvedBefore(_ context.Context, _ time.Time, limit int) ([]models.Alert, error) {
	if len(d.resolvedAlerts) > limit {
		return d.resolvedAlerts[:limit], nil
	}
	return d.resolvedAlerts, nil
}

func (d *fakeDB) DeleteAlertsByIDs(_ context.Context, ids []string) (int64, error) {
	d.deletedAlerts = append(d.deletedAlerts, ids...)
	kept := d.resolvedAlerts[:0]
	for _, a := range d.resolvedAlerts {
		found := false
		for _, id := range ids {
			if a.ID == id {
				found = true
				break
			}
		}
		if !found {
			kept = append(kept, a)
		}
	}
	d.resolvedAlerts = kept
	return int64(len(ids)), nil
}

func (d *fakeDB) ListAuditBefore(context.Context, time.Time, int) ([]store.AuditRow, error) {
	return nil, nil
}

func (d *fakeDB) DeleteAuditByIDs(context.Context, []int64) (int64, error) { return 0, nil }

type fakeArchiver struct {
	keys []string
}

func (a *fakeArchiver) UploadJSON(_ context.Context, key string, _ any) error {
	a.keys = append(a.keys, key)
	return nil
}

func TestDefaultTasksRegistration(t *testing.T) {
	db := &fakeDB{}

	tasks := DefaultTasks(db, nil)
	require.Len(t, tasks, 4, "archive tasks require an archiver")

	tasks = DefaultTasks(db, &fakeArchiver{})
	require.Len(t, tasks, 6)
}

func TestCountDeleteTaskDryRun(t *testing.T) {
	db := &fakeDB{finished: 7}
	tasks := DefaultTasks(db, nil)

	res, err := tasks[0].Run(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, int64(7), res.RecordsAffected)
	require.Zero(t, db.deletedFinished, "dry run must not delete")

	res, err = tasks[0].Run(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, int64(7), res.RecordsAffected)
	require.Equal(t, int64(7), db.deletedFinished)
}

func TestArchiveAlertsUploadsBeforeDeleting(t *testing.T) {
	db := &fakeDB{resolvedAlerts: []models.Alert{{ID: "a1"}, {ID: "a2"}}}
	arch := &fakeArchiver{}

	res, err := archiveAlerts(context.Background(), db, arch, true)
	require.NoError(t, err)
	require.Equal(t, int64(2), res.RecordsAffected)
	require.Empty(t, arch.keys, "dry run must not upload")
	require.Empty(t, db.deletedAlerts)

	res, err = archiveAlerts(context.Background(), db, arch, false)
	require.NoError(t, err)
	require.Equal(t, int64(2), res.RecordsAffected)
	require.Len(t, arch.keys, 1)
	require.Contains(t, arch.keys[0], "archive/alerts/")
	require.ElementsMatch(t, []string{"a1", "a2"}, db.deletedAlerts)
}
