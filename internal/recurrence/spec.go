package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Kind string

const (
	KindInterval Kind = "interval"
	KindDaily    Kind = "daily"
	KindWeekly   Kind = "weekly"
	KindBiweekly Kind = "biweekly"
	KindMonthly  Kind = "monthly"
	KindCron     Kind = "cron"
	KindManual   Kind = "manual"
)

// LastDay is the DayOfMonth value selecting the final calendar day of each month.
const LastDay = -1

var ErrIncomplete = errors.New("recurrence: incomplete spec")

// Spec describes when a task recurs. Only the fields relevant to Kind are read.
type Spec struct {
	Kind            Kind   `json:"kind"`
	IntervalSeconds int64  `json:"interval_seconds,omitempty"`
	TimeOfDay       string `json:"time_of_day,omitempty"` // HH:MM
	Timezone        string `json:"timezone,omitempty"`    // IANA name, default UTC
	DaysOfWeek      []int  `json:"days_of_week,omitempty"`
	DayOfMonth      int    `json:"day_of_month,omitempty"`
	WeekParity      int    `json:"week_parity,omitempty"`
	Expression      string `json:"expression,omitempty"`
}

// Every is shorthand for an interval spec.
func Every(d time.Duration) Spec {
	return Spec{Kind: KindInterval, IntervalSeconds: int64(d / time.Second)}
}

// Daily is shorthand for a daily spec at HH:MM in tz.
func Daily(hhmm, tz string) Spec {
	return Spec{Kind: KindDaily, TimeOfDay: hhmm, Timezone: tz}
}

// Manual reports whether the spec never fires on its own.
func (s Spec) Manual() bool { return s.Kind == KindManual || s.Kind == "" }

func (s Spec) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

func (s Spec) zoneName() string {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return "UTC"
	}
	return tz
}

// Validate reports why the spec cannot produce run instants.
func (s Spec) Validate() error {
	if _, err := s.Location(); err != nil {
		return err
	}
	switch s.Kind {
	case KindManual:
		return nil
	case KindInterval:
		if s.IntervalSeconds <= 0 {
			return fmt.Errorf("%w: interval_seconds must be > 0", ErrIncomplete)
		}
		return nil
	case KindDaily:
		_, _, err := ParseHHMM(s.TimeOfDay)
		return err
	case KindWeekly, KindBiweekly:
		if _, _, err := ParseHHMM(s.TimeOfDay); err != nil {
			return err
		}
		if len(s.DaysOfWeek) == 0 {
			return fmt.Errorf("%w: days_of_week is empty", ErrIncomplete)
		}
		for _, d := range s.DaysOfWeek {
			if d < 0 || d > 6 {
				return fmt.Errorf("invalid day of week %d (0=Sunday..6=Saturday)", d)
			}
		}
		if s.Kind == KindBiweekly && s.WeekParity != 0 && s.WeekParity != 1 {
			return fmt.Errorf("invalid week_parity %d, expected 0 or 1", s.WeekParity)
		}
		return nil
	case KindMonthly:
		if _, _, err := ParseHHMM(s.TimeOfDay); err != nil {
			return err
		}
		if s.DayOfMonth != LastDay && (s.DayOfMonth < 1 || s.DayOfMonth > 31) {
			return fmt.Errorf("invalid day_of_month %d, expected 1..31 or -1", s.DayOfMonth)
		}
		return nil
	case KindCron:
		_, err := s.cronSchedule()
		return err
	case "":
		return fmt.Errorf("%w: kind is empty", ErrIncomplete)
	default:
		return fmt.Errorf("unknown recurrence kind %q", s.Kind)
	}
}

// Normalize returns a copy with sorted, de-duplicated weekdays and a trimmed timezone.
func (s Spec) Normalize() Spec {
	out := s
	out.Timezone = strings.TrimSpace(s.Timezone)
	out.TimeOfDay = strings.TrimSpace(s.TimeOfDay)
	if len(s.DaysOfWeek) > 0 {
		seen := map[int]bool{}
		days := make([]int, 0, len(s.DaysOfWeek))
		for _, d := range s.DaysOfWeek {
			if !seen[d] {
				seen[d] = true
				days = append(days, d)
			}
		}
		sort.Ints(days)
		out.DaysOfWeek = days
	}
	return out
}

// String renders a short human-readable description.
func (s Spec) String() string {
	tz := s.zoneName()
	switch s.Kind {
	case KindInterval:
		return "every " + (time.Duration(s.IntervalSeconds) * time.Second).String()
	case KindDaily:
		return fmt.Sprintf("daily at %s (%s)", s.TimeOfDay, tz)
	case KindWeekly:
		return fmt.Sprintf("weekly on %s at %s (%s)", weekdayList(s.DaysOfWeek), s.TimeOfDay, tz)
	case KindBiweekly:
		return fmt.Sprintf("biweekly (parity %d) on %s at %s (%s)", s.WeekParity, weekdayList(s.DaysOfWeek), s.TimeOfDay, tz)
	case KindMonthly:
		day := strconv.Itoa(s.DayOfMonth)
		if s.DayOfMonth == LastDay {
			day = "last day"
		}
		return fmt.Sprintf("monthly on %s at %s (%s)", day, s.TimeOfDay, tz)
	case KindCron:
		return fmt.Sprintf("cron %q (%s)", s.Expression, tz)
	default:
		return "manual"
	}
}

func weekdayList(days []int) string {
	parts := make([]string, 0, len(days))
	for _, d := range days {
		if d >= 0 && d <= 6 {
			parts = append(parts, time.Weekday(d).String()[:3])
		}
	}
	return strings.Join(parts, ",")
}

// ParseHHMM parses a 24h wall-clock time.
func ParseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, fmt.Errorf("%w: time_of_day is empty", ErrIncomplete)
	}
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// cronSchedule parses a KindCron expression evaluated in the spec's zone.
func (s Spec) cronSchedule() (cron.Schedule, error) {
	if _, err := s.Location(); err != nil {
		return nil, err
	}
	if s.Kind != KindCron {
		return nil, fmt.Errorf("kind %q has no cron form", s.Kind)
	}
	expr := strings.TrimSpace(s.Expression)
	if expr == "" {
		return nil, fmt.Errorf("%w: expression is empty", ErrIncomplete)
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, fmt.Errorf("cron expression must not carry a zone prefix; use timezone")
	}
	sched, err := parser.Parse("CRON_TZ=" + s.zoneName() + " " + expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}
