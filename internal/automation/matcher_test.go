package automation_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
)

func TestMatchesConditions(t *testing.T) {
	rule := automation.Rule{
		ID:          "r",
		TriggerType: automation.TriggerReminder,
		Enabled:     true,
		Conditions: automation.Conditions{
			TargetType:     automation.AudienceStudent,
			HasReservation: boolPtr(true),
		},
	}

	tests := []struct {
		name  string
		ctx   automation.MatchContext
		match bool
	}{
		{
			name: "student with reservation",
			ctx: automation.MatchContext{
				TriggerType: automation.TriggerReminder,
				Audience:    automation.AudienceStudent,
				Attributes:  automation.Attributes{HasReservation: boolPtr(true)},
			},
			match: true,
		},
		{
			name: "teacher never matches",
			ctx: automation.MatchContext{
				TriggerType: automation.TriggerReminder,
				Audience:    automation.AudienceTeacher,
				Attributes:  automation.Attributes{HasReservation: boolPtr(true)},
			},
		},
		{
			name: "student without reservation",
			ctx: automation.MatchContext{
				TriggerType: automation.TriggerReminder,
				Audience:    automation.AudienceStudent,
				Attributes:  automation.Attributes{HasReservation: boolPtr(false)},
			},
		},
		{
			name: "reservation unknown",
			ctx: automation.MatchContext{
				TriggerType: automation.TriggerReminder,
				Audience:    automation.AudienceStudent,
			},
		},
		{
			name: "different trigger type",
			ctx: automation.MatchContext{
				TriggerType: automation.TriggerReport,
				Audience:    automation.AudienceStudent,
				Attributes:  automation.Attributes{HasReservation: boolPtr(true)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.match, automation.Matches(rule, tt.ctx))
		})
	}
}

func TestMatchesRatingBoundsAreInclusive(t *testing.T) {
	rule := automation.Rule{
		Enabled: true,
		Conditions: automation.Conditions{
			TargetType: automation.AudienceTeacher,
			MinRating:  floatPtr(3.5),
			MaxRating:  floatPtr(4.5),
		},
	}
	ctx := func(rating *float64) automation.MatchContext {
		return automation.MatchContext{
			Audience:   automation.AudienceTeacher,
			Attributes: automation.Attributes{Rating: rating},
		}
	}

	require.True(t, automation.Matches(rule, ctx(floatPtr(3.5))))
	require.True(t, automation.Matches(rule, ctx(floatPtr(4.5))))
	require.False(t, automation.Matches(rule, ctx(floatPtr(3.4))))
	require.False(t, automation.Matches(rule, ctx(floatPtr(4.6))))
	require.False(t, automation.Matches(rule, ctx(nil)))
}

func TestMatchesFlags(t *testing.T) {
	rule := automation.Rule{
		Enabled: true,
		Conditions: automation.Conditions{
			TargetType: automation.AudienceStaff,
			Flags:      map[string]bool{"payroll": true},
		},
	}

	ok := automation.MatchContext{
		Audience:   automation.AudienceStaff,
		Attributes: automation.Attributes{Flags: map[string]bool{"payroll": true, "other": false}},
	}
	require.True(t, automation.Matches(rule, ok))

	missing := automation.MatchContext{Audience: automation.AudienceStaff}
	require.False(t, automation.Matches(rule, missing))
}

func TestMatchSkipsDisabledRulesAndKeepsOrder(t *testing.T) {
	base := automation.Rule{
		Enabled:    true,
		Conditions: automation.Conditions{TargetType: automation.AudienceAdmin},
	}
	a, b, c := base, base, base
	a.ID, b.ID, c.ID = "a", "b", "c"
	b.Enabled = false

	matched := automation.Match([]automation.Rule{c, b, a}, automation.MatchContext{Audience: automation.AudienceAdmin})
	require.Len(t, matched, 2)
	require.Equal(t, "c", matched[0].ID)
	require.Equal(t, "a", matched[1].ID)
}

func TestNewMatchContextPrefersRecipientAttributes(t *testing.T) {
	trigger := automation.Trigger{
		TriggerType: automation.TriggerNotification,
		Audience:    automation.AudienceStudent,
		Attributes: automation.Attributes{
			HasReservation:   boolPtr(true),
			HasLineConnected: boolPtr(true),
			Flags:            map[string]bool{"vip": true, "trial": true},
		},
	}
	recipient := automation.Recipient{
		ID: "s1",
		Attributes: automation.Attributes{
			HasReservation: boolPtr(false),
			Flags:          map[string]bool{"trial": false},
		},
	}

	ctx := automation.NewMatchContext(trigger, recipient)
	require.Equal(t, automation.TriggerNotification, ctx.TriggerType)
	require.False(t, *ctx.HasReservation)
	require.True(t, *ctx.HasLineConnected)
	require.Equal(t, map[string]bool{"vip": true, "trial": false}, ctx.Flags)
	require.True(t, trigger.Attributes.Flags["trial"], "trigger attributes are not modified")
}
