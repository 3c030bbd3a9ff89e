package automation

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const defaultTimeOfDay = "09:00"

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// DelayDuration converts fractional hours to a duration, rounded to the nanosecond
func DelayDuration(hours float64) time.Duration {
	return time.Duration(math.Round(hours * float64(time.Hour)))
}

// FiringTimes returns the instants a schedule fires for a trigger at occurredAt.
// Calendar schedules are enumerated within [occurredAt, occurredAt+horizon].
func FiringTimes(s Schedule, occurredAt time.Time, horizon time.Duration, loc *time.Location) ([]time.Time, error) {
	switch s.Kind {
	case ScheduleImmediate:
		return []time.Time{occurredAt}, nil
	case ScheduleDelay:
		return []time.Time{occurredAt.Add(DelayDuration(s.DelayHours))}, nil
	case ScheduleCalendar:
		if s.Calendar == nil {
			return nil, NewConfigError("schedule.calendar", "scheduled rule has no calendar")
		}
		return s.Calendar.Occurrences(occurredAt, occurredAt.Add(horizon), loc)
	default:
		return nil, NewConfigError("schedule.kind", "unknown schedule kind %q", s.Kind)
	}
}

// Occurrences lists the calendar's firing instants in [from, to], in loc
func (c Calendar) Occurrences(from, to time.Time, loc *time.Location) ([]time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	hour, minute, err := parseClock(c.Time)
	if err != nil {
		return nil, err
	}
	match, err := c.dayPredicate()
	if err != nil {
		return nil, err
	}

	start := from.In(loc)
	end := to.In(loc)
	var out []time.Time
	for day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc); !day.After(end); day = day.AddDate(0, 0, 1) {
		if !match(day) {
			continue
		}
		at := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
		if at.Before(from) || at.After(to) {
			continue
		}
		out = append(out, at)
	}
	return out, nil
}

func (c Calendar) dayPredicate() (func(time.Time) bool, error) {
	switch c.Frequency {
	case FrequencyDaily:
		return func(time.Time) bool { return true }, nil

	case FrequencyWeekly:
		wd, ok := weekdays[strings.ToLower(c.Weekday)]
		if !ok {
			return nil, NewConfigError("schedule.calendar.weekday", "weekly schedule needs a weekday, got %q", c.Weekday)
		}
		return func(d time.Time) bool { return d.Weekday() == wd }, nil

	case FrequencyMonthly:
		if c.DayOfMonth < 1 || c.DayOfMonth > 31 {
			return nil, NewConfigError("schedule.calendar.day_of_month", "monthly schedule needs a day between 1 and 31")
		}
		return func(d time.Time) bool {
			return d.Day() == min(c.DayOfMonth, daysIn(d.Year(), d.Month()))
		}, nil

	case FrequencyCustom:
		return c.Custom.predicate()

	default:
		return nil, NewConfigError("schedule.calendar.frequency", "unknown frequency %q", c.Frequency)
	}
}

func (cc *CustomCalendar) predicate() (func(time.Time) bool, error) {
	if cc == nil || (len(cc.Weekdays) == 0 && len(cc.MonthDays) == 0 && len(cc.Dates) == 0) {
		return nil, NewConfigError("schedule.calendar.custom", "custom schedule needs weekdays, month days or dates")
	}

	days := make(map[time.Weekday]bool)
	for _, name := range cc.Weekdays {
		wd, ok := weekdays[strings.ToLower(name)]
		if !ok {
			return nil, NewConfigError("schedule.calendar.custom.weekdays", "unknown weekday %q", name)
		}
		days[wd] = true
	}
	monthDays := make(map[int]bool)
	for _, d := range cc.MonthDays {
		if d < 1 || d > 31 {
			return nil, NewConfigError("schedule.calendar.custom.month_days", "day %d out of range", d)
		}
		monthDays[d] = true
	}
	dates := make(map[string]bool)
	for _, s := range cc.Dates {
		if _, err := time.Parse(time.DateOnly, s); err != nil {
			return nil, NewConfigError("schedule.calendar.custom.dates", "invalid date %q", s)
		}
		dates[s] = true
	}

	return func(d time.Time) bool {
		return days[d.Weekday()] || monthDays[d.Day()] || dates[d.Format(time.DateOnly)]
	}, nil
}

func parseClock(s string) (int, int, error) {
	if s == "" {
		s = defaultTimeOfDay
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, NewConfigError("schedule.calendar.time", "time of day must be HH:MM, got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ValidateSchedule checks that a schedule can be evaluated
func ValidateSchedule(s Schedule) error {
	switch s.Kind {
	case ScheduleImmediate:
		return nil
	case ScheduleDelay:
		if math.IsNaN(s.DelayHours) || math.IsInf(s.DelayHours, 0) || s.DelayHours < 0 {
			return NewConfigError("schedule.delay_hours", "delay must be a finite number of hours >= 0")
		}
		return nil
	case ScheduleCalendar:
		if s.Calendar == nil {
			return NewConfigError("schedule.calendar", "scheduled rule has no calendar")
		}
		if _, _, err := parseClock(s.Calendar.Time); err != nil {
			return err
		}
		if _, err := s.Calendar.dayPredicate(); err != nil {
			return err
		}
		return nil
	default:
		return NewConfigError("schedule.kind", "unknown schedule kind %q", s.Kind)
	}
}

func formatSlot(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// OccurrenceKey identifies one firing of a rule for one recipient
func OccurrenceKey(ruleID, recipientID string, firedAt time.Time) string {
	return fmt.Sprintf("%s|%s|%s", ruleID, recipientID, formatSlot(firedAt))
}
