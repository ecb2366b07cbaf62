package integration_test

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	alarmapp "medication-reminder/internal/alarms/application"
	alarms "medication-reminder/internal/alarms/domain"
	alarmrepo "medication-reminder/internal/alarms/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// heldTasks records scheduled follow-ups without running them.
type heldTasks struct {
	mu    sync.Mutex
	tasks map[string]time.Time
}

func (h *heldTasks) Schedule(key string, at time.Time, _ func()) {
	h.mu.Lock()
	h.tasks[key] = at
	h.mu.Unlock()
}

func (h *heldTasks) Cancel(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.tasks[key]
	delete(h.tasks, key)
	return ok
}

func (h *heldTasks) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tasks)
}

func (h *heldTasks) Stop() {}

func TestMedicationClosedLoop_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if !tableExists(db, "medication_alarms") ||
		!tableExists(db, "medications") ||
		!tableExists(db, "users") ||
		!tableExists(db, "family_members") ||
		!tableExists(db, "delivery_tokens") {
		t.Skip("missing tables; run migrations")
	}

	ctx := context.Background()
	patientID := "patient-it-loop"
	medicationID := "med-it-loop"

	_, _ = db.ExecContext(ctx, "DELETE FROM medication_alarms WHERE medication_id = $1", medicationID)
	_, _ = db.ExecContext(ctx, "DELETE FROM medications WHERE id = $1", medicationID)
	_, _ = db.ExecContext(ctx, "DELETE FROM users WHERE id = $1", patientID)

	if _, err := db.ExecContext(ctx, `
INSERT INTO users (id, display_name)
VALUES ($1, $2)`, patientID, "Loop Patient"); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
INSERT INTO medications (id, patient_id, family_id, name, dosage, active, schedule, timezone)
VALUES ($1, $2, NULL, $3, $4, TRUE, $5, 'UTC')`,
		medicationID, patientID, "Metformin", "500mg",
		`{"frequency":"daily","time_slots":[{"hour":8,"minute":0}]}`); err != nil {
		t.Fatalf("insert medication: %v", err)
	}

	clock := &fixedClock{}
	tasks := &heldTasks{tasks: make(map[string]time.Time)}
	alarmRepo := alarmrepo.NewAlarmRepository(db)
	medRepo := alarmrepo.NewMedicationRepository(db)
	engine, err := alarmapp.NewEngine(alarmRepo, medRepo, alarmapp.WithClock(clock), alarmapp.WithTaskScheduler(tasks))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer engine.Close()
	poller, err := alarmapp.NewPoller(engine, alarmRepo, medRepo, alarmapp.WithPollerClock(clock))
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	scheduled := time.Date(2026, time.March, 10, 8, 0, 0, 0, time.UTC)
	clock.Set(scheduled.Add(2 * time.Minute))
	report, err := poller.Tick(ctx, clock.Now())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if report.Created != 1 {
		t.Fatalf("expected one alarm, got %+v", report)
	}

	window := alarms.Around(scheduled, time.Minute)
	open, err := alarmRepo.FindOpenAlarm(ctx, medicationID, window)
	if err != nil {
		t.Fatalf("find open: %v", err)
	}
	if open == nil || open.Status != alarms.StatusActive {
		t.Fatalf("expected active alarm, got %+v", open)
	}
	if tasks.Pending() != 1 {
		t.Fatalf("expected a follow-up reminder to be scheduled")
	}

	clock.Set(scheduled.Add(4 * time.Minute))
	acked, err := engine.Acknowledge(ctx, open.ID, patientID, time.Time{})
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if acked.Status != alarms.StatusAcknowledged {
		t.Fatalf("expected acknowledged, got %s", acked.Status)
	}

	var taken int
	if err := db.QueryRowContext(ctx, "SELECT taken_doses FROM medications WHERE id = $1", medicationID).Scan(&taken); err != nil {
		t.Fatalf("read counters: %v", err)
	}
	if taken != 1 {
		t.Fatalf("expected one taken dose, got %d", taken)
	}

	report, err = poller.Tick(ctx, clock.Now())
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if report.Created != 0 {
		t.Fatalf("handled dose must not re-alarm, got %+v", report)
	}

	sweeper, err := alarmapp.NewSweeper(alarmRepo, 24*time.Hour, nil)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	purged, err := sweeper.Run(ctx, scheduled.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if purged < 1 {
		t.Fatalf("expected the acknowledged alarm to be purged")
	}
	gone, err := alarmRepo.GetByID(ctx, open.ID)
	if err != nil {
		t.Fatalf("get alarm: %v", err)
	}
	if gone != nil {
		t.Fatalf("expected alarm to be deleted")
	}
}

func tableExists(db *sql.DB, table string) bool {
	var exists bool
	err := db.QueryRow(`
SELECT EXISTS (
	SELECT 1
	FROM information_schema.tables
	WHERE table_schema = 'public' AND table_name = $1
)`, table).Scan(&exists)
	if err != nil {
		return false
	}
	return exists
}
