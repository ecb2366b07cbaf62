package application_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	alarmapp "medication-reminder/internal/alarms/application"
	alarms "medication-reminder/internal/alarms/domain"
	"medication-reminder/internal/alarms/infrastructure/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type manualTask struct {
	at time.Time
	fn func()
}

// manualScheduler records tasks and runs them only when the test asks.
type manualScheduler struct {
	mu    sync.Mutex
	tasks map[string]manualTask
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{tasks: make(map[string]manualTask)}
}

func (m *manualScheduler) Schedule(key string, at time.Time, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[key] = manualTask{at: at, fn: fn}
}

func (m *manualScheduler) Cancel(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[key]
	delete(m.tasks, key)
	return ok
}

func (m *manualScheduler) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *manualScheduler) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = make(map[string]manualTask)
}

func (m *manualScheduler) Task(key string) (manualTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[key]
	return task, ok
}

// RunDue runs every task due at or before now, including tasks scheduled by the tasks it runs.
func (m *manualScheduler) RunDue(now time.Time) int {
	ran := 0
	for {
		m.mu.Lock()
		var keys []string
		for key, task := range m.tasks {
			if !task.at.After(now) {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)
		if len(keys) == 0 {
			m.mu.Unlock()
			return ran
		}
		key := keys[0]
		task := m.tasks[key]
		delete(m.tasks, key)
		m.mu.Unlock()
		task.fn()
		ran++
	}
}

var errStoreDown = errors.New("store unavailable")

// failures hands out injected errors per operation name.
type failures struct {
	mu    sync.Mutex
	queue map[string]int
}

// FailNext makes the next n calls of op fail.
func (f *failures) FailNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queue == nil {
		f.queue = make(map[string]int)
	}
	f.queue[op] += n
}

// Heal clears the failures queued for op.
func (f *failures) Heal(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.queue, op)
}

func (f *failures) take(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queue[op] == 0 {
		return nil
	}
	f.queue[op]--
	return errStoreDown
}

// flakyAlarms is an alarm repository whose reads and compare-and-sets can be made to fail.
type flakyAlarms struct {
	alarmapp.AlarmRepository
	failures
}

func (f *flakyAlarms) GetByID(ctx context.Context, id string) (*alarms.Alarm, error) {
	if err := f.take("GetByID"); err != nil {
		return nil, err
	}
	return f.AlarmRepository.GetByID(ctx, id)
}

func (f *flakyAlarms) CompareAndSetStatus(ctx context.Context, id, expected, next string, fields alarms.Fields) (*alarms.Alarm, error) {
	if err := f.take("CompareAndSetStatus:" + next); err != nil {
		return nil, err
	}
	return f.AlarmRepository.CompareAndSetStatus(ctx, id, expected, next, fields)
}

// flakyMeds is a medication repository whose adherence writes can be made to fail.
type flakyMeds struct {
	alarmapp.MedicationRepository
	failures
}

func (f *flakyMeds) RecordDoseTaken(ctx context.Context, medicationID string, at time.Time) error {
	if err := f.take("RecordDoseTaken"); err != nil {
		return err
	}
	return f.MedicationRepository.RecordDoseTaken(ctx, medicationID, at)
}

func (f *flakyMeds) RecordDoseMissed(ctx context.Context, medicationID string) error {
	if err := f.take("RecordDoseMissed"); err != nil {
		return err
	}
	return f.MedicationRepository.RecordDoseMissed(ctx, medicationID)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []alarmapp.AlarmEvent
}

func (r *eventRecorder) Notify(_ context.Context, event alarmapp.AlarmEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

func (r *eventRecorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, event := range r.events {
		types = append(types, event.Type)
	}
	return types
}

var day = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func dailyMedication(id string, slots ...alarms.TimeSlot) alarms.Medication {
	return alarms.Medication{
		ID:        id,
		PatientID: "patient-1",
		FamilyID:  "family-1",
		Name:      "Metformin",
		Dosage:    "500mg",
		Active:    true,
		Schedule:  alarms.Schedule{Frequency: alarms.FrequencyDaily, TimeSlots: slots},
	}
}

type harness struct {
	clock    *fakeClock
	tasks    *manualScheduler
	alarms   *memory.AlarmRepository
	meds     *memory.MedicationRepository
	store    *flakyAlarms
	medStore *flakyMeds
	events   *eventRecorder
	engine   *alarmapp.Engine
	poller   *alarmapp.Poller
	sequence int
}

func newHarness(t *testing.T, meds ...alarms.Medication) *harness {
	t.Helper()
	h := &harness{
		clock:  &fakeClock{now: at(7, 0)},
		tasks:  newManualScheduler(),
		alarms: memory.NewAlarmRepository(),
		meds:   memory.NewMedicationRepository(meds...),
		events: &eventRecorder{},
	}
	h.store = &flakyAlarms{AlarmRepository: h.alarms}
	h.medStore = &flakyMeds{MedicationRepository: h.meds}
	engine, err := alarmapp.NewEngine(h.store, h.medStore,
		alarmapp.WithClock(h.clock),
		alarmapp.WithTaskScheduler(h.tasks),
		alarmapp.WithNotifier(h.events),
	)
	require.NoError(t, err)
	h.engine = engine
	poller, err := alarmapp.NewPoller(engine, h.store, h.medStore,
		alarmapp.WithPollerClock(h.clock),
		alarmapp.WithIDGenerator(func() string {
			h.sequence++
			return fmt.Sprintf("alarm-%d", h.sequence)
		}),
	)
	require.NoError(t, err)
	h.poller = poller
	t.Cleanup(engine.Close)
	return h
}

// advanceTo moves the clock minute by minute, running due tasks and, when poll is set, a poller tick each minute.
func (h *harness) advanceTo(t *testing.T, target time.Time, poll bool) {
	t.Helper()
	for h.clock.Now().Before(target) {
		h.clock.Add(time.Minute)
		h.tasks.RunDue(h.clock.Now())
		if poll {
			_, err := h.poller.Tick(context.Background(), h.clock.Now())
			require.NoError(t, err)
		}
	}
}

func (h *harness) onlyAlarm(t *testing.T) alarms.Alarm {
	t.Helper()
	list, err := h.alarms.ListByPatient(context.Background(), "patient-1", time.Time{}, time.Time{}, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}
