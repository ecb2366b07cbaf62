package application

import (
	"sync"
	"time"
)

// TaskScheduler runs one delayed task per key. Scheduling a key replaces its previous task.
type TaskScheduler interface {
	Schedule(key string, at time.Time, fn func())
	Cancel(key string) bool
	Pending() int
	Stop()
}

// TimerScheduler is a TaskScheduler backed by time.AfterFunc.
type TimerScheduler struct {
	mu      sync.Mutex
	clock   Clock
	timers  map[string]*scheduledTask
	seq     uint64
	stopped bool
}

type scheduledTask struct {
	timer *time.Timer
	gen   uint64
}

// NewTimerScheduler creates a scheduler measuring delays against clock.
func NewTimerScheduler(clock Clock) *TimerScheduler {
	if clock == nil {
		clock = systemClock{}
	}
	return &TimerScheduler{clock: clock, timers: make(map[string]*scheduledTask)}
}

// Schedule arranges fn to run at the given time, replacing any task registered under key.
func (s *TimerScheduler) Schedule(key string, at time.Time, fn func()) {
	if s == nil || key == "" || fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if existing, ok := s.timers[key]; ok {
		existing.timer.Stop()
	}
	s.seq++
	gen := s.seq
	delay := at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	task := &scheduledTask{gen: gen}
	task.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		current, ok := s.timers[key]
		if !ok || current.gen != gen {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
	s.timers[key] = task
}

// Cancel stops the task registered under key. It reports whether a task was pending.
func (s *TimerScheduler) Cancel(key string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.timers[key]
	if !ok {
		return false
	}
	task.timer.Stop()
	delete(s.timers, key)
	return true
}

// Pending returns the number of scheduled tasks.
func (s *TimerScheduler) Pending() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every task and rejects new ones.
func (s *TimerScheduler) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, task := range s.timers {
		task.timer.Stop()
		delete(s.timers, key)
	}
	s.stopped = true
}
