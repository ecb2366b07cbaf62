package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	alarms "medication-reminder/internal/alarms/domain"
)

// MedicationRepository is an in-memory medication collaborator.
type MedicationRepository struct {
	mu   sync.RWMutex
	data map[string]alarms.Medication
}

// NewMedicationRepository constructs a repository seeded with meds.
func NewMedicationRepository(meds ...alarms.Medication) *MedicationRepository {
	repo := &MedicationRepository{data: make(map[string]alarms.Medication)}
	for _, med := range meds {
		repo.data[med.ID] = med
	}
	return repo
}

// Save inserts or replaces a medication.
func (r *MedicationRepository) Save(med alarms.Medication) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[med.ID] = med
}

// Get returns a copy of a medication.
func (r *MedicationRepository) Get(id string) (alarms.Medication, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	med, ok := r.data[id]
	return med, ok
}

// ListActiveMedications returns active medications ordered by id.
func (r *MedicationRepository) ListActiveMedications(ctx context.Context) ([]alarms.Medication, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]alarms.Medication, 0, len(r.data))
	for _, med := range r.data {
		if med.Active {
			result = append(result, med)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// RecordDoseTaken increments the taken counter.
func (r *MedicationRepository) RecordDoseTaken(ctx context.Context, medicationID string, at time.Time) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	med, ok := r.data[medicationID]
	if !ok {
		return alarms.ErrNotFound
	}
	med.TakenDoses++
	med.LastTakenAt = at
	r.data[medicationID] = med
	return nil
}

// RecordDoseMissed increments the missed counter.
func (r *MedicationRepository) RecordDoseMissed(ctx context.Context, medicationID string) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	med, ok := r.data[medicationID]
	if !ok {
		return alarms.ErrNotFound
	}
	med.MissedDoses++
	r.data[medicationID] = med
	return nil
}
