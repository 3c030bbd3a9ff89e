package database

import (
	"github.com/alexnthnz/tutoring-automation/internal/automation"
)

// applyAnnotations folds flag and template annotations into the record view
func applyAnnotations(rec *automation.Record, anns []automation.Annotation) {
	for _, ann := range anns {
		switch ann.Kind {
		case automation.AnnotationFlag:
			rec.Flagged = true
			rec.FlagNote = ann.Value
		case automation.AnnotationTemplate:
			rec.TemplateSourceID = ann.Value
		}
	}
}

func applyStatusChange(rec *automation.Record, change automation.StatusChange) {
	rec.Status = change.To
	switch change.To {
	case automation.StatusSent, automation.StatusFailed:
		rec.ErrorMessage = change.ErrorMessage
		if change.ExternalID != "" {
			rec.ExternalID = change.ExternalID
		}
		rec.SentAt = change.At
	case automation.StatusDelivered:
		at := change.At
		rec.DeliveredAt = &at
	}
}

func matchesFilter(rec *automation.Record, f automation.RecordFilter) bool {
	if f.RuleID != "" && rec.RuleID != f.RuleID {
		return false
	}
	if f.RecipientID != "" && rec.RecipientID != f.RecipientID {
		return false
	}
	if f.Channel != "" && rec.Channel != f.Channel {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Flagged != nil && rec.Flagged != *f.Flagged {
		return false
	}
	return true
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cloneRecord(rec *automation.Record) *automation.Record {
	out := *rec
	if rec.Bindings != nil {
		out.Bindings = make(map[string]string, len(rec.Bindings))
		for k, v := range rec.Bindings {
			out.Bindings[k] = v
		}
	}
	if rec.DeliveredAt != nil {
		at := *rec.DeliveredAt
		out.DeliveredAt = &at
	}
	return &out
}

func cloneRule(r automation.Rule) automation.Rule {
	out := r
	out.Channels = append([]automation.Channel(nil), r.Channels...)
	out.Message.Variables = append([]string(nil), r.Message.Variables...)

	c := r.Conditions
	if c.MinRating != nil {
		v := *c.MinRating
		out.Conditions.MinRating = &v
	}
	if c.MaxRating != nil {
		v := *c.MaxRating
		out.Conditions.MaxRating = &v
	}
	if c.HasReservation != nil {
		v := *c.HasReservation
		out.Conditions.HasReservation = &v
	}
	if c.HasLineConnected != nil {
		v := *c.HasLineConnected
		out.Conditions.HasLineConnected = &v
	}
	if c.Flags != nil {
		out.Conditions.Flags = make(map[string]bool, len(c.Flags))
		for k, v := range c.Flags {
			out.Conditions.Flags[k] = v
		}
	}

	if r.Schedule.Calendar != nil {
		cal := *r.Schedule.Calendar
		if cal.Custom != nil {
			custom := automation.CustomCalendar{
				Weekdays:  append([]string(nil), cal.Custom.Weekdays...),
				MonthDays: append([]int(nil), cal.Custom.MonthDays...),
				Dates:     append([]string(nil), cal.Custom.Dates...),
			}
			cal.Custom = &custom
		}
		out.Schedule.Calendar = &cal
	}
	return out
}

func cloneTemplate(t automation.Template) automation.Template {
	out := t
	out.Variables = append([]string(nil), t.Variables...)
	if t.Examples != nil {
		out.Examples = make(map[string]string, len(t.Examples))
		for k, v := range t.Examples {
			out.Examples[k] = v
		}
	}
	return out
}
