// Package recurrence computes the next run instant of a recurrence spec.
//
// Every function here is pure: the caller supplies "now" and the result is
// always normalized to UTC.
package recurrence

import (
	"time"
)

// maxBiweeklyDays bounds the local dates inspected while searching for the
// active-parity week. Four weeks covers the ISO 53/1 rollover.
const maxBiweeklyDays = 7 * 4

// Next returns the first run instant strictly after now.
// A zero lastRun means the task never ran. ok is false for manual or incomplete specs.
func Next(s Spec, now, lastRun time.Time) (next time.Time, ok bool) {
	switch s.Kind {
	case KindInterval:
		return nextInterval(s, now, lastRun)
	case KindDaily:
		return nextOnDays(s, now, 2, func(time.Time) bool { return true })
	case KindWeekly:
		days, ok := weekdaySet(s)
		if !ok {
			return time.Time{}, false
		}
		return nextOnDays(s, now, 8, func(d time.Time) bool { return days[d.Weekday()] })
	case KindBiweekly:
		if s.WeekParity != 0 && s.WeekParity != 1 {
			return time.Time{}, false
		}
		days, ok := weekdaySet(s)
		if !ok {
			return time.Time{}, false
		}
		return nextOnDays(s, now, maxBiweeklyDays, func(d time.Time) bool {
			return days[d.Weekday()] && ActiveWeek(d, s.WeekParity)
		})
	case KindMonthly:
		return nextMonthly(s, now)
	case KindCron:
		sched, err := s.cronSchedule()
		if err != nil {
			return time.Time{}, false
		}
		return utc(sched.Next(now))
	default:
		return time.Time{}, false
	}
}

func nextInterval(s Spec, now, lastRun time.Time) (time.Time, bool) {
	if s.IntervalSeconds <= 0 {
		return time.Time{}, false
	}
	every := time.Duration(s.IntervalSeconds) * time.Second
	if !lastRun.IsZero() {
		if cand := lastRun.Add(every); cand.After(now) {
			return cand.UTC(), true
		}
	}
	// Missed runs collapse into a single run one interval from now.
	return now.Add(every).UTC(), true
}

// nextOnDays walks local calendar dates starting at now's date and returns the
// first matching date whose TimeOfDay lies after now. Each local date yields
// at most one candidate, so DST transitions neither skip nor repeat a day.
func nextOnDays(s Spec, now time.Time, limit int, match func(day time.Time) bool) (time.Time, bool) {
	h, m, err := ParseHHMM(s.TimeOfDay)
	if err != nil {
		return time.Time{}, false
	}
	loc, err := s.Location()
	if err != nil {
		return time.Time{}, false
	}
	local := now.In(loc)
	for i := 0; i < limit; i++ {
		// Noon is never inside a transition.
		day := time.Date(local.Year(), local.Month(), local.Day()+i, 12, 0, 0, 0, loc)
		if !match(day) {
			continue
		}
		if cand := wallClock(day.Year(), day.Month(), day.Day(), h, m, loc); cand.After(now) {
			return cand.UTC(), true
		}
	}
	return time.Time{}, false
}

func weekdaySet(s Spec) (map[time.Weekday]bool, bool) {
	if len(s.DaysOfWeek) == 0 {
		return nil, false
	}
	set := make(map[time.Weekday]bool, len(s.DaysOfWeek))
	for _, d := range s.DaysOfWeek {
		if d < 0 || d > 6 {
			return nil, false
		}
		set[time.Weekday(d)] = true
	}
	return set, true
}

// wallClock returns h:m on the given local date. A time inside a
// spring-forward gap moves past the jump by the gap length (02:30 -> 03:30);
// an ambiguous fall-back time resolves to its first occurrence.
func wallClock(year int, month time.Month, day, h, m int, loc *time.Location) time.Time {
	t := time.Date(year, month, day, h, m, 0, 0, loc)
	if t.Hour() == h && t.Minute() == m {
		return t
	}
	want := time.Date(year, month, day, h, m, 0, 0, time.UTC)
	got := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	if d := want.Sub(got); d > 0 {
		return t.Add(d)
	}
	return t
}

// ActiveWeek reports whether t's ISO week (in t's location) matches parity.
func ActiveWeek(t time.Time, parity int) bool {
	_, week := t.ISOWeek()
	return week%2 == parity
}

func nextMonthly(s Spec, now time.Time) (time.Time, bool) {
	if s.DayOfMonth != LastDay && (s.DayOfMonth < 1 || s.DayOfMonth > 31) {
		return time.Time{}, false
	}
	h, m, err := ParseHHMM(s.TimeOfDay)
	if err != nil {
		return time.Time{}, false
	}
	loc, err := s.Location()
	if err != nil {
		return time.Time{}, false
	}
	local := now.In(loc)
	for k := 0; k < 3; k++ {
		first := time.Date(local.Year(), local.Month()+time.Month(k), 1, 0, 0, 0, 0, loc)
		day := clampDay(s.DayOfMonth, first.Year(), first.Month(), loc)
		cand := wallClock(first.Year(), first.Month(), day, h, m, loc)
		if cand.After(now) {
			return cand.UTC(), true
		}
	}
	return time.Time{}, false
}

// clampDay resolves dayOfMonth for the given month: -1 and overlong days map to the last day.
func clampDay(dayOfMonth, year int, month time.Month, loc *time.Location) int {
	last := DaysIn(year, month, loc)
	if dayOfMonth == LastDay || dayOfMonth > last {
		return last
	}
	return dayOfMonth
}

// DaysIn returns the number of days in month.
func DaysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 12, 0, 0, 0, loc).Day()
}

// Earliest returns the smallest non-zero instant.
func Earliest(ts ...time.Time) (time.Time, bool) {
	var out time.Time
	for _, t := range ts {
		if t.IsZero() {
			continue
		}
		if out.IsZero() || t.Before(out) {
			out = t
		}
	}
	return out, !out.IsZero()
}

func utc(t time.Time) (time.Time, bool) {
	if t.IsZero() {
		return time.Time{}, false
	}
	return t.UTC(), true
}
