package automation_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
)

func date(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestDelayDuration(t *testing.T) {
	require.Equal(t, 10*time.Minute+12*time.Second, automation.DelayDuration(0.17))
	require.Equal(t, 90*time.Minute, automation.DelayDuration(1.5))
	require.Equal(t, time.Duration(0), automation.DelayDuration(0))
}

func TestFiringTimes(t *testing.T) {
	tests := []struct {
		name     string
		schedule automation.Schedule
		from     time.Time
		horizon  time.Duration
		want     []time.Time
	}{
		{
			name:     "immediate",
			schedule: automation.Schedule{Kind: automation.ScheduleImmediate},
			from:     trigger0,
			want:     []time.Time{trigger0},
		},
		{
			name:     "fixed delay",
			schedule: automation.Schedule{Kind: automation.ScheduleDelay, DelayHours: 0.17},
			from:     trigger0,
			want:     []time.Time{date("2024-01-15T09:10:12Z")},
		},
		{
			name: "daily includes both horizon ends",
			schedule: automation.Schedule{
				Kind:     automation.ScheduleCalendar,
				Calendar: &automation.Calendar{Frequency: automation.FrequencyDaily, Time: "09:00"},
			},
			from:    trigger0,
			horizon: 48 * time.Hour,
			want: []time.Time{
				date("2024-01-15T09:00:00Z"),
				date("2024-01-16T09:00:00Z"),
				date("2024-01-17T09:00:00Z"),
			},
		},
		{
			name: "daily skips a slot already past",
			schedule: automation.Schedule{
				Kind:     automation.ScheduleCalendar,
				Calendar: &automation.Calendar{Frequency: automation.FrequencyDaily, Time: "08:00"},
			},
			from:    trigger0,
			horizon: 24 * time.Hour,
			want:    []time.Time{date("2024-01-16T08:00:00Z")},
		},
		{
			name: "weekly",
			schedule: automation.Schedule{
				Kind:     automation.ScheduleCalendar,
				Calendar: &automation.Calendar{Frequency: automation.FrequencyWeekly, Weekday: "Monday", Time: "08:30"},
			},
			from:    date("2024-01-14T00:00:00Z"),
			horizon: 48 * time.Hour,
			want:    []time.Time{date("2024-01-15T08:30:00Z")},
		},
		{
			name: "monthly clamps to the last day of a short month",
			schedule: automation.Schedule{
				Kind:     automation.ScheduleCalendar,
				Calendar: &automation.Calendar{Frequency: automation.FrequencyMonthly, DayOfMonth: 31},
			},
			from:    date("2024-02-28T00:00:00Z"),
			horizon: 48 * time.Hour,
			want:    []time.Time{date("2024-02-29T09:00:00Z")},
		},
		{
			name: "custom weekdays and dates",
			schedule: automation.Schedule{
				Kind: automation.ScheduleCalendar,
				Calendar: &automation.Calendar{
					Frequency: automation.FrequencyCustom,
					Time:      "09:00",
					Custom: &automation.CustomCalendar{
						Weekdays: []string{"saturday"},
						Dates:    []string{"2024-01-16"},
					},
				},
			},
			from:    date("2024-01-15T00:00:00Z"),
			horizon: 7 * 24 * time.Hour,
			want: []time.Time{
				date("2024-01-16T09:00:00Z"),
				date("2024-01-20T09:00:00Z"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := automation.FiringTimes(tt.schedule, tt.from, tt.horizon, time.UTC)
			require.NoError(t, err)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				require.True(t, tt.want[i].Equal(got[i]), "want %s, got %s", tt.want[i], got[i])
			}
		})
	}
}

func TestCalendarUsesLocation(t *testing.T) {
	kst := time.FixedZone("KST", 9*60*60)
	cal := automation.Calendar{Frequency: automation.FrequencyDaily, Time: "09:00"}

	got, err := cal.Occurrences(date("2024-01-15T00:00:00Z"), date("2024-01-16T00:00:00Z"), kst)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got[0].Equal(date("2024-01-15T00:00:00Z")))
	require.True(t, got[1].Equal(date("2024-01-16T00:00:00Z")))
}

func TestValidateSchedule(t *testing.T) {
	require.NoError(t, automation.ValidateSchedule(automation.Schedule{Kind: automation.ScheduleImmediate}))
	require.NoError(t, automation.ValidateSchedule(automation.Schedule{Kind: automation.ScheduleDelay, DelayHours: 0.17}))

	invalid := map[string]automation.Schedule{
		"negative delay": {Kind: automation.ScheduleDelay, DelayHours: -1},
		"nan delay":      {Kind: automation.ScheduleDelay, DelayHours: math.NaN()},
		"unknown kind":   {Kind: "cron"},
		"no calendar":    {Kind: automation.ScheduleCalendar},
		"weekly without weekday": {
			Kind:     automation.ScheduleCalendar,
			Calendar: &automation.Calendar{Frequency: automation.FrequencyWeekly},
		},
		"monthly without day": {
			Kind:     automation.ScheduleCalendar,
			Calendar: &automation.Calendar{Frequency: automation.FrequencyMonthly},
		},
		"bad time of day": {
			Kind:     automation.ScheduleCalendar,
			Calendar: &automation.Calendar{Frequency: automation.FrequencyDaily, Time: "25:00"},
		},
		"bad custom date": {
			Kind: automation.ScheduleCalendar,
			Calendar: &automation.Calendar{
				Frequency: automation.FrequencyCustom,
				Custom:    &automation.CustomCalendar{Dates: []string{"2024-13-01"}},
			},
		},
	}
	for name, s := range invalid {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, automation.ValidateSchedule(s), automation.ErrRuleConfiguration)
		})
	}
}

func TestOccurrenceKeyIsZoneIndependent(t *testing.T) {
	kst := time.FixedZone("KST", 9*60*60)
	utc := date("2024-01-15T09:10:12Z")

	require.Equal(t, "R1|s1|2024-01-15T09:10:12Z", automation.OccurrenceKey("R1", "s1", utc))
	require.Equal(t, automation.OccurrenceKey("R1", "s1", utc), automation.OccurrenceKey("R1", "s1", utc.In(kst)))
}
