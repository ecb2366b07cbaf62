package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarms "medication-reminder/internal/alarms/domain"
	"medication-reminder/internal/alarms/notify"
)

func TestMedicationRepositoryListActive(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewMedicationRepository(db)

	rows := sqlmock.NewRows([]string{
		"id", "patient_id", "family_id", "name", "dosage", "active", "schedule", "settings", "timezone",
		"taken_doses", "missed_doses", "last_taken_at",
	}).
		AddRow("med-1", "patient-1", "family-1", "Metformin", "500mg", true,
			[]byte(`{"frequency":"daily","time_slots":[{"hour":8,"minute":0},{"hour":20,"minute":30}]}`),
			[]byte(`{"max_reminders":5}`), "UTC", 4, 1, nil).
		AddRow("med-2", "patient-1", nil, "Aspirin", "", true,
			[]byte(`{"frequency":`), nil, nil, 0, 0, nil)
	mock.ExpectQuery("SELECT (.+) FROM medications WHERE active = TRUE").WillReturnRows(rows)

	meds, err := repo.ListActiveMedications(context.Background())
	require.NoError(t, err)
	require.Len(t, meds, 2)

	first := meds[0]
	assert.Equal(t, alarms.FrequencyDaily, first.Schedule.Frequency)
	assert.Equal(t, []alarms.TimeSlot{{Hour: 8}, {Hour: 20, Minute: 30}}, first.Schedule.TimeSlots)
	assert.Equal(t, 5, first.Settings.MaxReminders)
	require.NotNil(t, first.Schedule.Location)
	assert.Equal(t, "UTC", first.Schedule.Location.String())
	assert.Equal(t, 4, first.TakenDoses)

	broken := meds[1]
	assert.Empty(t, broken.FamilyID)
	assert.True(t, errors.Is(broken.Schedule.Validate(), alarms.ErrInvalidSchedule))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMedicationRepositoryCounters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewMedicationRepository(db)
	takenAt := time.Date(2026, 3, 10, 8, 4, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE medications SET taken_doses = taken_doses \\+ 1").
		WithArgs(takenAt, sqlmock.AnyArg(), "med-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE medications SET missed_doses = missed_doses \\+ 1").
		WithArgs(sqlmock.AnyArg(), "gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.RecordDoseTaken(context.Background(), "med-1", takenAt))
	err = repo.RecordDoseMissed(context.Background(), "gone")
	assert.True(t, errors.Is(err, alarms.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityDirectoryFoldsTokens(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	dir := NewIdentityDirectory(db)
	columns := []string{"id", "display_name", "receives_alerts", "channel", "token"}

	mock.ExpectQuery("FROM users u").WithArgs("patient-1").WillReturnRows(
		sqlmock.NewRows(columns).
			AddRow("patient-1", "Ann", false, notify.ChannelMobile, "chat-1").
			AddRow("patient-1", "Ann", false, notify.ChannelWebPush, "https://push.example/1"))
	mock.ExpectQuery("FROM users u").WithArgs("nobody").WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectQuery("FROM family_members m").WithArgs("family-1").WillReturnRows(
		sqlmock.NewRows(columns).
			AddRow("caregiver-1", "Bea", true, notify.ChannelMobile, "chat-2").
			AddRow("caregiver-2", "Cal", true, nil, nil))

	patient, err := dir.GetRecipient(context.Background(), "patient-1")
	require.NoError(t, err)
	require.NotNil(t, patient)
	assert.Len(t, patient.Addresses, 2)
	assert.Equal(t, []string{"chat-1"}, patient.Tokens(notify.ChannelMobile))

	nobody, err := dir.GetRecipient(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, nobody)

	caregivers, err := dir.GetCaregivers(context.Background(), "family-1")
	require.NoError(t, err)
	require.Len(t, caregivers, 2)
	assert.Equal(t, "caregiver-1", caregivers[0].ID)
	assert.True(t, caregivers[0].ReceivesAlerts)
	assert.Empty(t, caregivers[1].Addresses)

	none, err := dir.GetCaregivers(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, none)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityDirectoryPruneTokens(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	dir := NewIdentityDirectory(db)

	mock.ExpectExec("DELETE FROM delivery_tokens").WithArgs("patient-1", notify.ChannelWebPush, "a").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM delivery_tokens").WithArgs("patient-1", notify.ChannelWebPush, "b").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, dir.PruneTokens(context.Background(), "patient-1", notify.ChannelWebPush, []string{"a", "b"}))
	require.NoError(t, mock.ExpectationsWereMet())
}
