package application_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarmapp "medication-reminder/internal/alarms/application"
	alarms "medication-reminder/internal/alarms/domain"
)

func TestPollerCreatesAlarmWithinTolerance(t *testing.T) {
	h := newHarness(t, dailyMedication("med-1", alarms.TimeSlot{Hour: 8}))
	h.clock.Set(at(8, 2))

	report, err := h.poller.Tick(context.Background(), at(8, 2))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Medications)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 0, report.Failures)

	alarm := h.onlyAlarm(t)
	assert.Equal(t, at(8, 0), alarm.ScheduledTime)
	assert.Equal(t, alarms.StatusActive, alarm.Status)
	assert.Equal(t, 0, alarm.ReminderCount)
	assert.Equal(t, alarms.DefaultMaxReminders, alarm.MaxReminders)
	assert.Equal(t, "Metformin", alarm.MedicationName)
	assert.Equal(t, []string{alarmapp.EventDue}, h.events.Types())
}

func TestPollerIsIdempotentInsideWindow(t *testing.T) {
	h := newHarness(t, dailyMedication("med-1", alarms.TimeSlot{Hour: 8}))
	for _, minute := range []int{57, 59} {
		h.clock.Set(at(7, minute))
		_, err := h.poller.Tick(context.Background(), at(7, minute))
		require.NoError(t, err)
	}
	for minute := 0; minute <= 5; minute++ {
		h.clock.Set(at(8, minute))
		report, err := h.poller.Tick(context.Background(), at(8, minute))
		require.NoError(t, err)
		assert.Equal(t, 0, report.Created)
	}
	assert.Equal(t, 1, h.alarms.Len())
	assert.Equal(t, 1, h.events.Count(alarmapp.EventDue))
}

func TestPollerIgnoresDosesOutsideWindow(t *testing.T) {
	h := newHarness(t, dailyMedication("med-1", alarms.TimeSlot{Hour: 8}))
	for _, now := range []time.Time{at(7, 30), at(8, 6), at(12, 0)} {
		h.clock.Set(now)
		report, err := h.poller.Tick(context.Background(), now)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Created, now.Format("15:04"))
	}
	assert.Equal(t, 0, h.alarms.Len())
}

func TestPollerDoesNotRealarmHandledDose(t *testing.T) {
	h := newHarness(t, dailyMedication("med-1", alarms.TimeSlot{Hour: 8}))
	h.clock.Set(at(8, 1))
	_, err := h.poller.Tick(context.Background(), at(8, 1))
	require.NoError(t, err)
	alarm := h.onlyAlarm(t)

	_, err = h.engine.Acknowledge(context.Background(), alarm.ID, "patient-1", at(8, 2))
	require.NoError(t, err)

	h.clock.Set(at(8, 4))
	report, err := h.poller.Tick(context.Background(), at(8, 4))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 1, h.alarms.Len())
}

func TestPollerIsolatesMedicationFailures(t *testing.T) {
	broken := dailyMedication("med-0")
	broken.Schedule.Frequency = "weekly"
	noSlots := dailyMedication("med-1")
	h := newHarness(t, broken, noSlots, dailyMedication("med-2", alarms.TimeSlot{Hour: 8}))
	h.clock.Set(at(8, 0))

	report, err := h.poller.Tick(context.Background(), at(8, 0))
	require.NoError(t, err)
	assert.Equal(t, 3, report.Medications)
	assert.Equal(t, 2, report.Failures)
	assert.Equal(t, 1, report.Created)

	alarm := h.onlyAlarm(t)
	assert.Equal(t, "med-2", alarm.MedicationID)
}

func TestPollerSkipsPausedAndAsNeeded(t *testing.T) {
	paused := dailyMedication("med-1", alarms.TimeSlot{Hour: 8})
	paused.Schedule.Paused = true
	asNeeded := dailyMedication("med-2")
	asNeeded.Schedule.Frequency = alarms.FrequencyAsNeeded
	h := newHarness(t, paused, asNeeded)
	h.clock.Set(at(8, 0))

	report, err := h.poller.Tick(context.Background(), at(8, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 0, report.Failures)
}

func TestPollerReactivatesElapsedSnooze(t *testing.T) {
	h := newHarness(t, dailyMedication("med-1", alarms.TimeSlot{Hour: 8}))
	h.clock.Set(at(8, 1))
	_, err := h.poller.Tick(context.Background(), at(8, 1))
	require.NoError(t, err)
	alarm := h.onlyAlarm(t)
	_, err = h.engine.Snooze(context.Background(), alarm.ID, "patient-1", 2, "")
	require.NoError(t, err)

	// The timer never fired; the poller still wakes the alarm.
	h.clock.Set(at(8, 3))
	report, err := h.poller.Tick(context.Background(), at(8, 3))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reactivated)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, alarms.StatusActive, h.onlyAlarm(t).Status)
	assert.Equal(t, 1, h.events.Count(alarmapp.EventReactivated))

	// Outside the creation window the snooze scan handles it.
	_, err = h.engine.Snooze(context.Background(), alarm.ID, "patient-1", 10, "")
	require.NoError(t, err)
	h.clock.Set(at(8, 20))
	report, err = h.poller.Tick(context.Background(), at(8, 20))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reactivated)
	assert.Equal(t, 2, h.events.Count(alarmapp.EventReactivated))
}

func TestPollerRunsOverdueSweep(t *testing.T) {
	h := newHarness(t, dailyMedication("med-1", alarms.TimeSlot{Hour: 8}))
	seedActive(t, h, "stale", "med-1", at(8, 0), at(8, 0), 3)
	h.clock.Set(at(8, 45))

	report, err := h.poller.Tick(context.Background(), at(8, 45))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Missed)
	assert.Equal(t, alarms.StatusMissed, h.onlyAlarm(t).Status)
}

func TestPollerUsesConfiguredPolicy(t *testing.T) {
	cfg, err := alarmapp.ParseConfig([]byte(`
defaults:
  max_reminders: 2
medications:
  med-1:
    alarm_tolerance_minutes: 10
`))
	require.NoError(t, err)

	h := newHarness(t, dailyMedication("med-1", alarms.TimeSlot{Hour: 8}))
	poller, err := alarmapp.NewPoller(h.engine, h.alarms, h.meds,
		alarmapp.WithPollerClock(h.clock),
		alarmapp.WithPolicyResolver(cfg),
	)
	require.NoError(t, err)
	h.clock.Set(at(8, 8))

	report, err := poller.Tick(context.Background(), at(8, 8))
	require.NoError(t, err)
	require.Equal(t, 1, report.Created)
	alarm := h.onlyAlarm(t)
	assert.Equal(t, 2, alarm.MaxReminders)
	assert.Equal(t, 10*time.Minute, alarm.Policy.Tolerance)
}

func TestPollerActivatesAlarmLeftPending(t *testing.T) {
	h := newHarness(t, dailyMedication("med-1", alarms.TimeSlot{Hour: 8}))
	h.clock.Set(at(8, 0))
	// One failure for the creating activation and one for the recovery scan.
	h.store.FailNext("CompareAndSetStatus:"+alarms.StatusActive, 2)

	report, err := h.poller.Tick(context.Background(), at(8, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failures)
	assert.Equal(t, alarms.StatusPending, h.onlyAlarm(t).Status)
	assert.Equal(t, 0, h.events.Count(alarmapp.EventDue))

	h.clock.Set(at(8, 1))
	report, err = h.poller.Tick(context.Background(), at(8, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 0, report.Failures)
	alarm := h.onlyAlarm(t)
	assert.Equal(t, alarms.StatusActive, alarm.Status)
	assert.Equal(t, at(8, 1), alarm.FirstDispatchedAt)
	assert.Equal(t, 1, h.events.Count(alarmapp.EventDue))
	assert.Equal(t, 1, h.alarms.Len())
}

func TestPollerRecoversPendingAlarmAfterWindow(t *testing.T) {
	h := newHarness(t, dailyMedication("med-1", alarms.TimeSlot{Hour: 8}))
	h.clock.Set(at(7, 59))
	h.store.FailNext("CompareAndSetStatus:"+alarms.StatusActive, 100)
	h.advanceTo(t, at(8, 6), true)
	require.Equal(t, alarms.StatusPending, h.onlyAlarm(t).Status)

	h.store.Heal("CompareAndSetStatus:" + alarms.StatusActive)
	h.clock.Set(at(8, 10))
	report, err := h.poller.Tick(context.Background(), at(8, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)
	assert.Equal(t, alarms.StatusActive, h.onlyAlarm(t).Status)

	h.advanceTo(t, at(9, 30), true)
	alarm := h.onlyAlarm(t)
	assert.Equal(t, alarms.StatusMissed, alarm.Status)
	assert.Equal(t, 3, alarm.ReminderCount)
	assert.Equal(t, 1, h.alarms.Len())
}

func TestPollerRemindsAfterFailedRead(t *testing.T) {
	h := newHarness(t, dailyMedication("med-1", alarms.TimeSlot{Hour: 8}))
	h.clock.Set(at(8, 0))
	_, err := h.poller.Tick(context.Background(), at(8, 0))
	require.NoError(t, err)

	h.store.FailNext("GetByID", 1)
	h.advanceTo(t, at(8, 5), true)
	assert.Equal(t, 0, h.onlyAlarm(t).ReminderCount)

	h.advanceTo(t, at(9, 30), true)
	alarm := h.onlyAlarm(t)
	assert.Equal(t, alarms.StatusMissed, alarm.Status)
	assert.Equal(t, 3, alarm.ReminderCount)
}
