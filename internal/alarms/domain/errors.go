package alarms

import "errors"

var (
	// ErrNotFound indicates a missing alarm or medication record.
	ErrNotFound = errors.New("alarm: not found")
	// ErrInvalidTransition indicates the compare-and-set lost against a concurrent change.
	ErrInvalidTransition = errors.New("alarm: invalid transition")
	// ErrPermissionDenied indicates the actor is not the alarm's patient.
	ErrPermissionDenied = errors.New("alarm: permission denied")
	// ErrDuplicate indicates an open alarm already exists for the dose.
	ErrDuplicate = errors.New("alarm: duplicate")
	// ErrStoreUnavailable indicates persistence is temporarily unreachable.
	ErrStoreUnavailable = errors.New("alarm: store unavailable")
	// ErrInvalidSchedule indicates a schedule that cannot produce dose times.
	ErrInvalidSchedule = errors.New("alarm: invalid schedule")
)
