package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarms "medication-reminder/internal/alarms/domain"
)

var alarmColumnNames = []string{
	"id", "medication_id", "patient_id", "family_id", "medication_name", "dosage",
	"scheduled_time", "status", "reminder_count", "max_reminders", "policy",
	"first_dispatched_at", "last_notified_at", "snooze_until", "snooze_reason",
	"acknowledged_at", "acknowledged_by", "missed_at", "missed_reason", "cancelled_at", "cancelled_by",
	"caregivers_notified_at", "created_at", "updated_at",
}

func setupAlarmRepository(t *testing.T) (*AlarmRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := NewAlarmRepository(db)
	repo.now = func() time.Time { return time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC) }
	return repo, mock
}

func alarmRows(status string, reminderCount int, lastNotified any) *sqlmock.Rows {
	scheduled := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	policy := []byte(`{"reminder_interval":300000000000,"max_reminders":3,"notify_family_after":900000000000}`)
	return sqlmock.NewRows(alarmColumnNames).AddRow(
		"alarm-1", "med-1", "patient-1", "family-1", "Metformin", "500mg",
		scheduled, status, reminderCount, 3, policy,
		scheduled.Add(2*time.Minute), lastNotified, nil, nil,
		nil, nil, nil, nil, nil, nil,
		nil, scheduled, scheduled,
	)
}

func TestAlarmRepositoryCreate(t *testing.T) {
	repo, mock := setupAlarmRepository(t)
	scheduled := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	alarm := &alarms.Alarm{
		ID:            "alarm-1",
		MedicationID:  "med-1",
		PatientID:     "patient-1",
		ScheduledTime: scheduled,
		Status:        alarms.StatusPending,
		MaxReminders:  3,
		Policy:        alarms.DefaultSettings().Policy(),
	}

	mock.ExpectExec("INSERT INTO medication_alarms").
		WithArgs(
			"alarm-1", "med-1", "patient-1", nil, "", "",
			scheduled, alarms.StatusPending, 0, 3, sqlmock.AnyArg(), scheduled.Add(30*time.Minute),
			sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), alarm))
	assert.False(t, alarm.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlarmRepositoryCreateDuplicate(t *testing.T) {
	repo, mock := setupAlarmRepository(t)
	mock.ExpectExec("INSERT INTO medication_alarms").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "medication_alarms_open_dose"})

	err := repo.Create(context.Background(), &alarms.Alarm{
		ID:            "alarm-2",
		MedicationID:  "med-1",
		PatientID:     "patient-1",
		ScheduledTime: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
		Status:        alarms.StatusPending,
	})
	assert.True(t, errors.Is(err, alarms.ErrDuplicate))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlarmRepositoryCreateRejectsIncompleteAlarm(t *testing.T) {
	repo, _ := setupAlarmRepository(t)
	assert.Error(t, repo.Create(context.Background(), &alarms.Alarm{ID: "alarm-1"}))
	assert.Error(t, repo.Create(context.Background(), nil))
}

func TestAlarmRepositoryGetByID(t *testing.T) {
	repo, mock := setupAlarmRepository(t)
	lastNotified := time.Date(2026, 3, 10, 8, 7, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM medication_alarms").
		WithArgs("alarm-1").
		WillReturnRows(alarmRows(alarms.StatusActive, 1, lastNotified))
	mock.ExpectQuery("SELECT (.+) FROM medication_alarms").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(alarmColumnNames))

	alarm, err := repo.GetByID(context.Background(), "alarm-1")
	require.NoError(t, err)
	require.NotNil(t, alarm)
	assert.Equal(t, alarms.StatusActive, alarm.Status)
	assert.Equal(t, "family-1", alarm.FamilyID)
	assert.Equal(t, 5*time.Minute, alarm.Policy.ReminderInterval)
	assert.Equal(t, lastNotified, alarm.LastNotifiedAt)
	assert.True(t, alarm.SnoozeUntil.IsZero())
	assert.Empty(t, alarm.AcknowledgedBy)

	missing, err := repo.GetByID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlarmRepositoryCompareAndSetGuardsReminderCount(t *testing.T) {
	repo, mock := setupAlarmRepository(t)
	next := 2
	expected := 1
	now := time.Date(2026, 3, 10, 8, 12, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE medication_alarms SET status = $1, updated_at = $2, reminder_count = $3, last_notified_at = $4 WHERE id = $5 AND status = $6 AND reminder_count = $7 RETURNING")).
		WithArgs(alarms.StatusActive, sqlmock.AnyArg(), 2, now, "alarm-1", alarms.StatusActive, 1).
		WillReturnRows(alarmRows(alarms.StatusActive, 2, now))

	alarm, err := repo.CompareAndSetStatus(context.Background(), "alarm-1", alarms.StatusActive, alarms.StatusActive, alarms.Fields{
		ReminderCount:   &next,
		LastNotifiedAt:  &now,
		IfReminderCount: &expected,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, alarm.ReminderCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlarmRepositoryCompareAndSetDistinguishesMissingFromStale(t *testing.T) {
	repo, mock := setupAlarmRepository(t)
	fields := alarms.Fields{}

	mock.ExpectQuery("UPDATE medication_alarms SET").WillReturnRows(sqlmock.NewRows(alarmColumnNames))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("alarm-1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("UPDATE medication_alarms SET").WillReturnRows(sqlmock.NewRows(alarmColumnNames))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("ghost").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := repo.CompareAndSetStatus(context.Background(), "alarm-1", alarms.StatusActive, alarms.StatusMissed, fields)
	assert.True(t, errors.Is(err, alarms.ErrInvalidTransition))
	_, err = repo.CompareAndSetStatus(context.Background(), "ghost", alarms.StatusActive, alarms.StatusMissed, fields)
	assert.True(t, errors.Is(err, alarms.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlarmRepositoryCompareAndSetClearsSnooze(t *testing.T) {
	repo, mock := setupAlarmRepository(t)
	cleared := time.Time{}
	none := ""
	mock.ExpectQuery(regexp.QuoteMeta("SET status = $1, updated_at = $2, snooze_until = $3, snooze_reason = $4 WHERE")).
		WithArgs(alarms.StatusActive, sqlmock.AnyArg(), nil, nil, "alarm-1", alarms.StatusSnoozed).
		WillReturnRows(alarmRows(alarms.StatusActive, 1, nil))

	_, err := repo.CompareAndSetStatus(context.Background(), "alarm-1", alarms.StatusSnoozed, alarms.StatusActive, alarms.Fields{
		SnoozeUntil:  &cleared,
		SnoozeReason: &none,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlarmRepositoryFindStaleBuildsCriteria(t *testing.T) {
	repo, mock := setupAlarmRepository(t)
	now := time.Date(2026, 3, 10, 8, 45, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1 AND overdue_at <= $2 AND reminder_count >= max_reminders\nORDER BY scheduled_time\nLIMIT $3")).
		WithArgs(alarms.StatusActive, now, 50).
		WillReturnRows(alarmRows(alarms.StatusActive, 3, nil))

	stale, err := repo.FindStale(context.Background(), alarms.StaleCriteria{
		Status:             alarms.StatusActive,
		OverdueBefore:      now,
		RemindersExhausted: true,
		Limit:              50,
	})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, 3, stale[0].ReminderCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlarmRepositoryListByPatientFiltersStatus(t *testing.T) {
	repo, mock := setupAlarmRepository(t)
	from := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("AND status = $4 ORDER BY scheduled_time DESC")).
		WithArgs("patient-1", from, to, alarms.StatusMissed).
		WillReturnRows(alarmRows(alarms.StatusMissed, 3, nil))

	list, err := repo.ListByPatient(context.Background(), "patient-1", from, to, alarms.StatusMissed)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, alarms.StatusMissed, list[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlarmRepositoryDeleteOlderThan(t *testing.T) {
	repo, mock := setupAlarmRepository(t)
	cutoff := time.Date(2026, 3, 3, 3, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM medication_alarms").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	deleted, err := repo.DeleteOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlarmRepositoryClassifiesTransientErrors(t *testing.T) {
	repo, mock := setupAlarmRepository(t)
	mock.ExpectQuery("SELECT (.+) FROM medication_alarms").WillReturnError(context.DeadlineExceeded)
	mock.ExpectQuery("SELECT (.+) FROM medication_alarms").WillReturnError(sql.ErrTxDone)

	_, err := repo.ListOpen(context.Background())
	assert.True(t, errors.Is(err, alarms.ErrStoreUnavailable))
	_, err = repo.ListOpen(context.Background())
	assert.Error(t, err)
	assert.False(t, errors.Is(err, alarms.ErrStoreUnavailable))
}

func TestAlarmRepositoryNilDB(t *testing.T) {
	var repo *AlarmRepository
	_, err := repo.GetByID(context.Background(), "alarm-1")
	assert.Error(t, err)
}

func TestAlarmRepositoryListByPatientOpenBounds(t *testing.T) {
	repo, mock := setupAlarmRepository(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE patient_id = $1 AND status = $2 ORDER BY")).
		WithArgs("patient-1", alarms.StatusActive).
		WillReturnRows(sqlmock.NewRows(alarmColumnNames))

	list, err := repo.ListByPatient(context.Background(), "patient-1", time.Time{}, time.Time{}, alarms.StatusActive)
	require.NoError(t, err)
	assert.Empty(t, list)
	require.NoError(t, mock.ExpectationsWereMet())
}
