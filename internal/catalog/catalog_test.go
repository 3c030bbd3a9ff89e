package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
	"github.com/alexnthnz/tutoring-automation/internal/database"
)

func newService(t *testing.T) *Service {
	t.Helper()
	return NewService(database.NewMemoryStore(), nil)
}

func boolPtr(b bool) *bool { return &b }

func inlineRule() automation.Rule {
	return automation.Rule{
		Name:        "Lesson reminder",
		TriggerType: automation.TriggerReminder,
		Conditions: automation.Conditions{
			TargetType:     automation.AudienceStudent,
			HasReservation: boolPtr(true),
		},
		Schedule: automation.Schedule{Kind: automation.ScheduleDelay, DelayHours: 0.17},
		Message: automation.Message{
			Title: "Reminder for {name}",
			Body:  "내일 {time}에 수업이 있습니다",
		},
		Channels: []automation.Channel{automation.ChannelEmail, automation.ChannelChat},
		Enabled:  true,
	}
}

func requireConfigError(t *testing.T, err error, field string) {
	t.Helper()
	require.ErrorIs(t, err, automation.ErrRuleConfiguration)
	var cfgErr *automation.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, field, cfgErr.Field)
}

func TestCreateRule(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	rule, err := svc.CreateRule(ctx, inlineRule())
	require.NoError(t, err)
	require.NotEmpty(t, rule.ID)
	require.False(t, rule.CreatedAt.IsZero())
	require.Equal(t, []string{"name", "time"}, rule.Message.Variables)

	got, err := svc.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	require.Equal(t, rule.Name, got.Name)

	dup := inlineRule()
	dup.ID = rule.ID
	_, err = svc.CreateRule(ctx, dup)
	requireConfigError(t, err, "id")
}

func TestCreateRuleRejectsInvalidConfiguration(t *testing.T) {
	lo, hi := 4.5, 3.0

	tests := []struct {
		name   string
		mutate func(r *automation.Rule)
		field  string
	}{
		{
			name:   "missing target type",
			mutate: func(r *automation.Rule) { r.Conditions.TargetType = "" },
			field:  "conditions.target_type",
		},
		{
			name:   "unknown channel",
			mutate: func(r *automation.Rule) { r.Channels = []automation.Channel{"fax"} },
			field:  "channels[0]",
		},
		{
			name:   "no channels",
			mutate: func(r *automation.Rule) { r.Channels = nil },
			field:  "channels",
		},
		{
			name:   "duplicate channel",
			mutate: func(r *automation.Rule) { r.Channels = []automation.Channel{"sms", "sms"} },
			field:  "channels",
		},
		{
			name: "empty custom schedule",
			mutate: func(r *automation.Rule) {
				r.Schedule = automation.Schedule{
					Kind:     automation.ScheduleCalendar,
					Calendar: &automation.Calendar{Frequency: automation.FrequencyCustom, Custom: &automation.CustomCalendar{}},
				}
			},
			field: "schedule.calendar.custom",
		},
		{
			name: "scheduled without calendar",
			mutate: func(r *automation.Rule) {
				r.Schedule = automation.Schedule{Kind: automation.ScheduleCalendar}
			},
			field: "schedule.calendar",
		},
		{
			name: "inverted rating bounds",
			mutate: func(r *automation.Rule) {
				r.Conditions.MinRating = &lo
				r.Conditions.MaxRating = &hi
			},
			field: "conditions.min_rating",
		},
		{
			name:   "missing template",
			mutate: func(r *automation.Rule) { r.Message = automation.Message{TemplateID: "nope"} },
			field:  "message.template_id",
		},
		{
			name:   "empty message",
			mutate: func(r *automation.Rule) { r.Message = automation.Message{} },
			field:  "message",
		},
		{
			name: "undeclared placeholder",
			mutate: func(r *automation.Rule) {
				r.Message.Variables = []string{"name"}
			},
			field: "message.variables",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newService(t)
			rule := inlineRule()
			tt.mutate(&rule)

			_, err := svc.CreateRule(context.Background(), rule)
			requireConfigError(t, err, tt.field)

			rules, err := svc.ListRules(context.Background())
			require.NoError(t, err)
			require.Empty(t, rules, "rejected rules are never stored")
		})
	}
}

func TestUpdateRuleKeepsEnabled(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	created, err := svc.CreateRule(ctx, inlineRule())
	require.NoError(t, err)

	_, err = svc.SetRuleEnabled(ctx, created.ID, false)
	require.NoError(t, err)

	edit := inlineRule()
	edit.Name = "Renamed"
	edit.Enabled = true
	updated, err := svc.UpdateRule(ctx, created.ID, edit)
	require.NoError(t, err)
	require.Equal(t, "Renamed", updated.Name)
	require.False(t, updated.Enabled)
	require.Equal(t, created.CreatedAt, updated.CreatedAt)

	_, err = svc.UpdateRule(ctx, "missing", inlineRule())
	require.ErrorIs(t, err, automation.ErrNotFound)
}

func TestTemplates(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	tmpl, err := svc.CreateTemplate(ctx, automation.Template{
		Name:      "Lesson",
		Type:      automation.TriggerReminder,
		Title:     "Lesson reminder",
		Content:   "{name}님, 내일 {time}에 수업이 있습니다",
		Variables: []string{"name", "time", "date"},
		Examples:  map[string]string{"name": "Kim"},
	})
	require.NoError(t, err)

	_, err = svc.CreateTemplate(ctx, automation.Template{
		Name:      "Broken",
		Type:      automation.TriggerReminder,
		Content:   "Hello {name}",
		Variables: []string{"date"},
	})
	requireConfigError(t, err, "template.variables")

	_, err = svc.CreateTemplate(ctx, automation.Template{Name: "No content", Type: automation.TriggerReport})
	requireConfigError(t, err, "content")

	preview, err := svc.PreviewTemplate(ctx, tmpl.ID, map[string]string{"time": "14:00"})
	require.NoError(t, err)
	require.Equal(t, "Kim님, 내일 14:00에 수업이 있습니다", preview.Body)
	require.Equal(t, "Lesson reminder", preview.Title)

	rule := inlineRule()
	rule.Message = automation.Message{TemplateID: tmpl.ID}
	created, err := svc.CreateRule(ctx, rule)
	require.NoError(t, err)

	err = svc.DeleteTemplate(ctx, tmpl.ID)
	requireConfigError(t, err, "template_id")

	require.NoError(t, svc.DeleteRule(ctx, created.ID))
	require.NoError(t, svc.DeleteTemplate(ctx, tmpl.ID))

	_, err = svc.GetTemplate(ctx, tmpl.ID)
	require.ErrorIs(t, err, automation.ErrNotFound)
}

func TestSnapshotIsolation(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	created, err := svc.CreateRule(ctx, inlineRule())
	require.NoError(t, err)

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)

	edit := inlineRule()
	edit.Name = "Edited after snapshot"
	_, err = svc.UpdateRule(ctx, created.ID, edit)
	require.NoError(t, err)

	rule, ok := snap.Rule(created.ID)
	require.True(t, ok)
	require.Equal(t, "Lesson reminder", rule.Name)
}

const seedYAML = `
templates:
  - id: lesson-reminder
    name: Lesson reminder
    type: reminder
    title: Tomorrow's lesson
    content: "내일 {time}에 수업이 있습니다"
    variables: [time]
    examples:
      time: "14:00"
rules:
  - id: r1
    name: Remind students
    trigger_type: reminder
    enabled: true
    conditions:
      target_type: student
      has_reservation: true
    schedule:
      kind: delay
      delay_hours: 0.17
    message:
      template_id: lesson-reminder
    channels: [email, chat]
  - id: r2
    name: Weekly report
    trigger_type: report
    enabled: false
    conditions:
      target_type: admin
    schedule:
      kind: scheduled
      calendar:
        frequency: weekly
        weekday: monday
        time: "08:30"
    message:
      title: Weekly report
      body: "{count} lessons this week"
    channels: [email]
`

func TestLoadSeedFile(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o644))

	res, err := svc.LoadSeedFile(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 2, res.Rules)
	require.Equal(t, 1, res.Templates)

	r1, err := svc.GetRule(ctx, "r1")
	require.NoError(t, err)
	require.True(t, r1.Enabled)
	require.Equal(t, 0.17, r1.Schedule.DelayHours)
	require.Equal(t, []automation.Channel{automation.ChannelEmail, automation.ChannelChat}, r1.Channels)
	require.NotNil(t, r1.Conditions.HasReservation)

	r2, err := svc.GetRule(ctx, "r2")
	require.NoError(t, err)
	require.False(t, r2.Enabled)
	require.Equal(t, "monday", r2.Schedule.Calendar.Weekday)
	require.Equal(t, []string{"count"}, r2.Message.Variables)

	// loading again updates in place
	res, err = svc.LoadSeedFile(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 2, res.Rules)

	rules, err := svc.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
}

func TestLoadSeedRejectsInvalidRule(t *testing.T) {
	svc := newService(t)

	_, err := svc.LoadSeed(context.Background(), []byte(`
rules:
  - name: Broken
    trigger_type: reminder
    conditions:
      target_type: student
    schedule:
      kind: scheduled
    message:
      body: hi
    channels: [email]
`))
	require.ErrorIs(t, err, automation.ErrRuleConfiguration)
}
