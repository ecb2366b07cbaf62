package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	alarms "medication-reminder/internal/alarms/domain"
)

// MedicationRepository reads medication schedules and maintains adherence counters.
type MedicationRepository struct {
	db *sql.DB
}

// NewMedicationRepository constructs a repository.
func NewMedicationRepository(db *sql.DB) *MedicationRepository {
	return &MedicationRepository{db: db}
}

// ListActiveMedications returns active medications. A row whose schedule cannot be decoded is returned
// with an empty schedule so the caller can report it without losing the rest of the batch.
func (r *MedicationRepository) ListActiveMedications(ctx context.Context) ([]alarms.Medication, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("medication repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, patient_id, family_id, name, dosage, active, schedule, settings, timezone,
	taken_doses, missed_doses, last_taken_at
FROM medications
WHERE active = TRUE
ORDER BY id`)
	if err != nil {
		return nil, classify("medication repo: list", err)
	}
	defer rows.Close()

	var result []alarms.Medication
	for rows.Next() {
		var (
			med       alarms.Medication
			familyID  sql.NullString
			schedule  []byte
			settings  []byte
			timezone  sql.NullString
			lastTaken sql.NullTime
		)
		if err := rows.Scan(
			&med.ID,
			&med.PatientID,
			&familyID,
			&med.Name,
			&med.Dosage,
			&med.Active,
			&schedule,
			&settings,
			&timezone,
			&med.TakenDoses,
			&med.MissedDoses,
			&lastTaken,
		); err != nil {
			return nil, classify("medication repo: list", err)
		}
		med.FamilyID = familyID.String
		med.LastTakenAt = utcOrZero(lastTaken)
		if len(schedule) > 0 {
			if err := json.Unmarshal(schedule, &med.Schedule); err != nil {
				med.Schedule = alarms.Schedule{}
			}
		}
		if len(settings) > 0 {
			_ = json.Unmarshal(settings, &med.Settings)
		}
		if timezone.Valid && timezone.String != "" {
			if loc, err := time.LoadLocation(timezone.String); err == nil {
				med.Schedule.Location = loc
			}
		}
		result = append(result, med)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("medication repo: list", err)
	}
	return result, nil
}

// RecordDoseTaken increments taken_doses and stamps last_taken_at.
func (r *MedicationRepository) RecordDoseTaken(ctx context.Context, medicationID string, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("medication repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE medications
SET taken_doses = taken_doses + 1, last_taken_at = $1, updated_at = $2
WHERE id = $3`, at.UTC(), time.Now().UTC(), medicationID)
	return affectedOne("medication repo: record taken", res, err)
}

// RecordDoseMissed increments missed_doses.
func (r *MedicationRepository) RecordDoseMissed(ctx context.Context, medicationID string) error {
	if r == nil || r.db == nil {
		return errors.New("medication repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE medications
SET missed_doses = missed_doses + 1, updated_at = $1
WHERE id = $2`, time.Now().UTC(), medicationID)
	return affectedOne("medication repo: record missed", res, err)
}

func affectedOne(op string, res sql.Result, err error) error {
	if err != nil {
		return classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if n == 0 {
		return alarms.ErrNotFound
	}
	return nil
}
