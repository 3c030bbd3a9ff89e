package automation

// MatchContext is the audience and attribute bundle a rule's conditions are tested against
type MatchContext struct {
	TriggerType TriggerType
	Audience    Audience
	Attributes
}

// NewMatchContext merges trigger level attributes with a recipient's own.
// Recipient values win where both are set.
func NewMatchContext(trigger Trigger, recipient Recipient) MatchContext {
	attrs := trigger.Attributes
	ra := recipient.Attributes
	if ra.Rating != nil {
		attrs.Rating = ra.Rating
	}
	if ra.HasReservation != nil {
		attrs.HasReservation = ra.HasReservation
	}
	if ra.HasLineConnected != nil {
		attrs.HasLineConnected = ra.HasLineConnected
	}
	if len(ra.Flags) > 0 {
		merged := make(map[string]bool, len(attrs.Flags)+len(ra.Flags))
		for k, v := range attrs.Flags {
			merged[k] = v
		}
		for k, v := range ra.Flags {
			merged[k] = v
		}
		attrs.Flags = merged
	}

	return MatchContext{
		TriggerType: trigger.TriggerType,
		Audience:    trigger.Audience,
		Attributes:  attrs,
	}
}

// Match returns every enabled rule whose conditions hold for ctx, in catalog order
func Match(rules []Rule, ctx MatchContext) []Rule {
	var matched []Rule
	for _, rule := range rules {
		if Matches(rule, ctx) {
			matched = append(matched, rule)
		}
	}
	return matched
}

// Matches reports whether a single rule fires for ctx
func Matches(rule Rule, ctx MatchContext) bool {
	if !rule.Enabled {
		return false
	}
	if ctx.TriggerType != "" && rule.TriggerType != ctx.TriggerType {
		return false
	}

	cond := rule.Conditions
	if cond.TargetType != ctx.Audience {
		return false
	}

	if cond.MinRating != nil || cond.MaxRating != nil {
		if ctx.Rating == nil {
			return false
		}
		if cond.MinRating != nil && *ctx.Rating < *cond.MinRating {
			return false
		}
		if cond.MaxRating != nil && *ctx.Rating > *cond.MaxRating {
			return false
		}
	}

	if !boolHolds(cond.HasReservation, ctx.HasReservation) {
		return false
	}
	if !boolHolds(cond.HasLineConnected, ctx.HasLineConnected) {
		return false
	}

	for flag, want := range cond.Flags {
		got, ok := ctx.Flags[flag]
		if !ok || got != want {
			return false
		}
	}

	return true
}

func boolHolds(want, got *bool) bool {
	if want == nil {
		return true
	}
	return got != nil && *got == *want
}
