package alarms

import "time"

// NextDoseTime returns the earliest slot occurrence at or after now.
// It returns false for paused, as-needed, invalid or ended schedules.
func NextDoseTime(schedule Schedule, now time.Time) (time.Time, bool) {
	if schedule.Paused || schedule.Frequency == FrequencyAsNeeded {
		return time.Time{}, false
	}
	if schedule.Validate() != nil {
		return time.Time{}, false
	}

	loc := schedule.Location
	if loc == nil {
		loc = now.Location()
	}
	local := now.In(loc)

	base := dayStart(local)
	if !schedule.StartDate.IsZero() {
		start := dayStart(schedule.StartDate.In(loc))
		if start.After(base) {
			base = start
		}
	}

	allowed := allowedDays(schedule.DaysOfWeek)

	var best time.Time
	for _, slot := range schedule.TimeSlots {
		candidate := atSlot(base, slot)
		if candidate.Before(local) {
			candidate = atSlot(base.AddDate(0, 0, 1), slot)
		}
		if allowed != nil {
			for i := 0; i < 7 && !allowed[candidate.Weekday()]; i++ {
				candidate = atSlot(dayStart(candidate).AddDate(0, 0, 1), slot)
			}
		}
		if best.IsZero() || candidate.Before(best) {
			best = candidate
		}
	}
	if best.IsZero() {
		return time.Time{}, false
	}
	if !schedule.EndDate.IsZero() {
		end := dayStart(schedule.EndDate.In(loc)).AddDate(0, 0, 1)
		if !best.Before(end) {
			return time.Time{}, false
		}
	}
	return best, true
}

func allowedDays(days []time.Weekday) map[time.Weekday]bool {
	if len(days) == 0 {
		return nil
	}
	set := make(map[time.Weekday]bool, len(days))
	for _, day := range days {
		set[day] = true
	}
	return set
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func atSlot(day time.Time, slot TimeSlot) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), slot.Hour, slot.Minute, 0, 0, day.Location())
}
