package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	alarms "medication-reminder/internal/alarms/domain"
)

const alarmColumns = `id, medication_id, patient_id, family_id, medication_name, dosage,
	scheduled_time, status, reminder_count, max_reminders, policy,
	first_dispatched_at, last_notified_at, snooze_until, snooze_reason,
	acknowledged_at, acknowledged_by, missed_at, missed_reason, cancelled_at, cancelled_by,
	caregivers_notified_at, created_at, updated_at`

// AlarmRepository is a Postgres repository for medication alarms.
type AlarmRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewAlarmRepository constructs a repository.
func NewAlarmRepository(db *sql.DB) *AlarmRepository {
	return &AlarmRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Create inserts a new alarm. A second open alarm for the same dose violates the partial unique index.
func (r *AlarmRepository) Create(ctx context.Context, alarm *alarms.Alarm) error {
	if r == nil || r.db == nil {
		return errors.New("alarm repo: nil db")
	}
	if alarm == nil {
		return errors.New("alarm repo: nil alarm")
	}
	if alarm.ID == "" || alarm.MedicationID == "" || alarm.PatientID == "" || alarm.ScheduledTime.IsZero() {
		return errors.New("alarm repo: missing fields")
	}
	if alarm.CreatedAt.IsZero() {
		alarm.CreatedAt = r.now()
	}
	if alarm.UpdatedAt.IsZero() {
		alarm.UpdatedAt = alarm.CreatedAt
	}
	policy, err := json.Marshal(alarm.Policy)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO medication_alarms (
	id, medication_id, patient_id, family_id, medication_name, dosage,
	scheduled_time, status, reminder_count, max_reminders, policy, overdue_at,
	created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6,
	$7, $8, $9, $10, $11, $12,
	$13, $14
)`,
		alarm.ID,
		alarm.MedicationID,
		alarm.PatientID,
		nullableString(alarm.FamilyID),
		alarm.MedicationName,
		alarm.Dosage,
		alarm.ScheduledTime.UTC(),
		alarm.Status,
		alarm.ReminderCount,
		alarm.MaxReminders,
		policy,
		alarm.OverdueAt().UTC(),
		alarm.CreatedAt,
		alarm.UpdatedAt,
	)
	return classify("alarm repo: create", err)
}

// GetByID fetches an alarm by id. It returns nil when the alarm does not exist.
func (r *AlarmRepository) GetByID(ctx context.Context, id string) (*alarms.Alarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+alarmColumns+`
FROM medication_alarms
WHERE id = $1`, id)
	alarm, err := scanAlarm(row)
	return alarm, classify("alarm repo: get", err)
}

// FindOpenAlarm returns the earliest open alarm of a medication scheduled inside window.
func (r *AlarmRepository) FindOpenAlarm(ctx context.Context, medicationID string, window alarms.TimeWindow) (*alarms.Alarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	if medicationID == "" {
		return nil, errors.New("alarm repo: invalid query")
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+alarmColumns+`
FROM medication_alarms
WHERE medication_id = $1 AND scheduled_time BETWEEN $2 AND $3
	AND status IN ('pending', 'active', 'snoozed')
ORDER BY scheduled_time
LIMIT 1`, medicationID, window.From.UTC(), window.To.UTC())
	alarm, err := scanAlarm(row)
	return alarm, classify("alarm repo: find open", err)
}

// ExistsInWindow reports whether any alarm of the medication is scheduled inside window.
func (r *AlarmRepository) ExistsInWindow(ctx context.Context, medicationID string, window alarms.TimeWindow) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("alarm repo: nil db")
	}
	var exists bool
	err := r.db.QueryRowContext(ctx, `
SELECT EXISTS (
	SELECT 1 FROM medication_alarms
	WHERE medication_id = $1 AND scheduled_time BETWEEN $2 AND $3
)`, medicationID, window.From.UTC(), window.To.UTC()).Scan(&exists)
	return exists, classify("alarm repo: exists", err)
}

// CompareAndSetStatus updates status and fields in one statement guarded by the expected status.
func (r *AlarmRepository) CompareAndSetStatus(ctx context.Context, id, expected, next string, fields alarms.Fields) (*alarms.Alarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	if id == "" || expected == "" || next == "" {
		return nil, errors.New("alarm repo: invalid transition")
	}
	u := &updateBuilder{}
	u.set("status", next)
	u.set("updated_at", r.now())
	if fields.ReminderCount != nil {
		u.set("reminder_count", *fields.ReminderCount)
	}
	u.setTime("first_dispatched_at", fields.FirstDispatchedAt)
	u.setTime("last_notified_at", fields.LastNotifiedAt)
	u.setTime("snooze_until", fields.SnoozeUntil)
	u.setString("snooze_reason", fields.SnoozeReason)
	u.setTime("acknowledged_at", fields.AcknowledgedAt)
	u.setString("acknowledged_by", fields.AcknowledgedBy)
	u.setTime("missed_at", fields.MissedAt)
	u.setString("missed_reason", fields.MissedReason)
	u.setTime("cancelled_at", fields.CancelledAt)
	u.setString("cancelled_by", fields.CancelledBy)
	u.setTime("caregivers_notified_at", fields.CaregiversNotifiedAt)

	where := fmt.Sprintf("id = %s AND status = %s", u.arg(id), u.arg(expected))
	if fields.IfReminderCount != nil {
		where += fmt.Sprintf(" AND reminder_count = %s", u.arg(*fields.IfReminderCount))
	}
	query := fmt.Sprintf("UPDATE medication_alarms SET %s WHERE %s RETURNING %s",
		strings.Join(u.clauses, ", "), where, alarmColumns)

	alarm, err := scanAlarm(r.db.QueryRowContext(ctx, query, u.args...))
	if err != nil {
		return nil, classify("alarm repo: compare and set", err)
	}
	if alarm != nil {
		return alarm, nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM medication_alarms WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, classify("alarm repo: compare and set", err)
	}
	if !exists {
		return nil, alarms.ErrNotFound
	}
	return nil, alarms.ErrInvalidTransition
}

// FindStale returns alarms matching the criteria ordered by scheduled time.
func (r *AlarmRepository) FindStale(ctx context.Context, criteria alarms.StaleCriteria) ([]alarms.Alarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	var (
		conds []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if criteria.Status != "" {
		add("status = $%d", criteria.Status)
	}
	if !criteria.SnoozedBefore.IsZero() {
		add("snooze_until <= $%d", criteria.SnoozedBefore.UTC())
	}
	if !criteria.OverdueBefore.IsZero() {
		add("overdue_at <= $%d", criteria.OverdueBefore.UTC())
	}
	if criteria.RemindersExhausted {
		conds = append(conds, "reminder_count >= max_reminders")
	}
	query := `SELECT ` + alarmColumns + `
FROM medication_alarms`
	if len(conds) > 0 {
		query += "\nWHERE " + strings.Join(conds, " AND ")
	}
	query += "\nORDER BY scheduled_time"
	if criteria.Limit > 0 {
		args = append(args, criteria.Limit)
		query += fmt.Sprintf("\nLIMIT $%d", len(args))
	}
	return r.list(ctx, "alarm repo: find stale", query, args...)
}

// ListOpen returns every pending, active or snoozed alarm.
func (r *AlarmRepository) ListOpen(ctx context.Context) ([]alarms.Alarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	return r.list(ctx, "alarm repo: list open", `SELECT `+alarmColumns+`
FROM medication_alarms
WHERE status IN ('pending', 'active', 'snoozed')
ORDER BY scheduled_time`)
}

// ListOpenByMedication returns the open alarms of one medication.
func (r *AlarmRepository) ListOpenByMedication(ctx context.Context, medicationID string) ([]alarms.Alarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	return r.list(ctx, "alarm repo: list by medication", `SELECT `+alarmColumns+`
FROM medication_alarms
WHERE medication_id = $1 AND status IN ('pending', 'active', 'snoozed')
ORDER BY scheduled_time`, medicationID)
}

// ListByPatient lists a patient's alarms scheduled in [from, to). Zero bounds are open.
func (r *AlarmRepository) ListByPatient(ctx context.Context, patientID string, from, to time.Time, status string) ([]alarms.Alarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	if patientID == "" {
		return nil, errors.New("alarm repo: invalid query")
	}
	args := []any{patientID}
	query := `SELECT ` + alarmColumns + `
FROM medication_alarms
WHERE patient_id = $1`
	if !from.IsZero() {
		args = append(args, from.UTC())
		query += fmt.Sprintf(" AND scheduled_time >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to.UTC())
		query += fmt.Sprintf(" AND scheduled_time < $%d", len(args))
	}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY scheduled_time DESC"
	return r.list(ctx, "alarm repo: list by patient", query, args...)
}

// DeleteOlderThan removes terminal alarms scheduled before cutoff.
func (r *AlarmRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("alarm repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `
DELETE FROM medication_alarms
WHERE status IN ('acknowledged', 'missed', 'cancelled') AND scheduled_time < $1`, cutoff.UTC())
	if err != nil {
		return 0, classify("alarm repo: delete", err)
	}
	return res.RowsAffected()
}

func (r *AlarmRepository) list(ctx context.Context, op, query string, args ...any) ([]alarms.Alarm, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var result []alarms.Alarm
	for rows.Next() {
		alarm, err := scanAlarm(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		result = append(result, *alarm)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return result, nil
}

type updateBuilder struct {
	clauses []string
	args    []any
}

func (u *updateBuilder) arg(value any) string {
	u.args = append(u.args, value)
	return fmt.Sprintf("$%d", len(u.args))
}

func (u *updateBuilder) set(column string, value any) {
	u.clauses = append(u.clauses, column+" = "+u.arg(value))
}

func (u *updateBuilder) setTime(column string, value *time.Time) {
	if value != nil {
		u.set(column, nullableTime(value.UTC()))
	}
}

func (u *updateBuilder) setString(column string, value *string) {
	if value != nil {
		u.set(column, nullableString(*value))
	}
}

type alarmScanner interface {
	Scan(dest ...any) error
}

func scanAlarm(row alarmScanner) (*alarms.Alarm, error) {
	var alarm alarms.Alarm
	var policy []byte
	var familyID, snoozeReason, ackedBy, missedReason, cancelledBy sql.NullString
	var firstDispatched, lastNotified, snoozeUntil sql.NullTime
	var ackedAt, missedAt, cancelledAt, caregiversAt sql.NullTime
	if err := row.Scan(
		&alarm.ID,
		&alarm.MedicationID,
		&alarm.PatientID,
		&familyID,
		&alarm.MedicationName,
		&alarm.Dosage,
		&alarm.ScheduledTime,
		&alarm.Status,
		&alarm.ReminderCount,
		&alarm.MaxReminders,
		&policy,
		&firstDispatched,
		&lastNotified,
		&snoozeUntil,
		&snoozeReason,
		&ackedAt,
		&ackedBy,
		&missedAt,
		&missedReason,
		&cancelledAt,
		&cancelledBy,
		&caregiversAt,
		&alarm.CreatedAt,
		&alarm.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(policy) > 0 {
		if err := json.Unmarshal(policy, &alarm.Policy); err != nil {
			return nil, fmt.Errorf("alarm %s policy: %w", alarm.ID, err)
		}
	}
	alarm.FamilyID = familyID.String
	alarm.SnoozeReason = snoozeReason.String
	alarm.AcknowledgedBy = ackedBy.String
	alarm.MissedReason = missedReason.String
	alarm.CancelledBy = cancelledBy.String
	alarm.ScheduledTime = alarm.ScheduledTime.UTC()
	alarm.CreatedAt = alarm.CreatedAt.UTC()
	alarm.UpdatedAt = alarm.UpdatedAt.UTC()
	alarm.FirstDispatchedAt = utcOrZero(firstDispatched)
	alarm.LastNotifiedAt = utcOrZero(lastNotified)
	alarm.SnoozeUntil = utcOrZero(snoozeUntil)
	alarm.AcknowledgedAt = utcOrZero(ackedAt)
	alarm.MissedAt = utcOrZero(missedAt)
	alarm.CancelledAt = utcOrZero(cancelledAt)
	alarm.CaregiversNotifiedAt = utcOrZero(caregiversAt)
	return &alarm, nil
}

func utcOrZero(value sql.NullTime) time.Time {
	if !value.Valid {
		return time.Time{}
	}
	return value.Time.UTC()
}
