package automation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
	"github.com/alexnthnz/tutoring-automation/internal/database"
)

func scheduleRequest(rule automation.Rule, recipient automation.Recipient) automation.ScheduleRequest {
	return automation.ScheduleRequest{
		Rule:      rule,
		Trigger:   reminderTrigger(recipient),
		Recipient: recipient,
		Title:     "Lesson reminder",
		Body:      "내일 {time}에 수업이 있습니다",
	}
}

func TestScheduleFixedDelay(t *testing.T) {
	s := automation.NewScheduler(database.NewMemoryStore(), nil)

	res, err := s.Schedule(context.Background(), scheduleRequest(reminderRule(), student("1")))
	require.NoError(t, err)
	require.Len(t, res.Intents, 1)
	require.Zero(t, res.Duplicates)

	intent := res.Intents[0]
	require.True(t, intent.FiredAt.Equal(date("2024-01-15T09:10:12Z")))
	require.Equal(t, "R1|1|2024-01-15T09:10:12Z", intent.OccurrenceKey)
	require.Equal(t, []automation.Channel{automation.ChannelEmail, automation.ChannelChat}, intent.Channels)
	require.Equal(t, "lesson", intent.TemplateID)
	require.Equal(t, map[string]string{"time": "14:00", "name": "Kim", "recipientId": "1"}, intent.Bindings)
	require.Equal(t, "1@example.com", intent.Addresses[automation.ChannelEmail])
}

func TestScheduleSuppressesDuplicates(t *testing.T) {
	s := automation.NewScheduler(database.NewMemoryStore(), nil)
	req := scheduleRequest(reminderRule(), student("1"))

	_, err := s.Schedule(context.Background(), req)
	require.NoError(t, err)

	again, err := s.Schedule(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, again.Intents)
	require.Equal(t, 1, again.Duplicates)

	// a different recipient is a different occurrence
	other, err := s.Schedule(context.Background(), scheduleRequest(reminderRule(), student("2")))
	require.NoError(t, err)
	require.Len(t, other.Intents, 1)
}

func TestScheduleConcurrentRunsClaimOnce(t *testing.T) {
	s := automation.NewScheduler(database.NewMemoryStore(), nil)
	req := scheduleRequest(reminderRule(), student("1"))

	var mu sync.Mutex
	var intents, duplicates int
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Schedule(context.Background(), req)
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			intents += len(res.Intents)
			duplicates += res.Duplicates
		}()
	}
	wg.Wait()

	require.Equal(t, 1, intents)
	require.Equal(t, 15, duplicates)
}

func TestScheduleCalendarWithinHorizon(t *testing.T) {
	rule := reminderRule()
	rule.Schedule = automation.Schedule{
		Kind:     automation.ScheduleCalendar,
		Calendar: &automation.Calendar{Frequency: automation.FrequencyDaily, Time: "09:00"},
	}

	res, err := automation.NewScheduler(database.NewMemoryStore(), nil).
		Schedule(context.Background(), scheduleRequest(rule, student("1")))
	require.NoError(t, err)
	require.Len(t, res.Intents, 3)

	res, err = automation.NewScheduler(database.NewMemoryStore(), nil, automation.WithHorizon(24*time.Hour)).
		Schedule(context.Background(), scheduleRequest(rule, student("1")))
	require.NoError(t, err)
	require.Len(t, res.Intents, 2)
	require.True(t, res.Intents[0].FiredAt.Equal(trigger0), "a slot equal to the trigger time is due at once")
}

func TestScheduleRejectsInvalidSchedule(t *testing.T) {
	rule := reminderRule()
	rule.Schedule = automation.Schedule{Kind: automation.ScheduleCalendar}

	_, err := automation.NewScheduler(database.NewMemoryStore(), nil).
		Schedule(context.Background(), scheduleRequest(rule, student("1")))
	require.ErrorIs(t, err, automation.ErrRuleConfiguration)
}

func TestScheduleBindingPrecedence(t *testing.T) {
	recipient := student("1")
	recipient.Variables = map[string]string{"time": "16:00", "name": "Lee"}

	res, err := automation.NewScheduler(database.NewMemoryStore(), nil).
		Schedule(context.Background(), scheduleRequest(reminderRule(), recipient))
	require.NoError(t, err)
	require.Equal(t, "16:00", res.Intents[0].Bindings["time"])
	require.Equal(t, "Lee", res.Intents[0].Bindings["name"])
}
