package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alexnthnz/tutoring-automation/internal/monitoring"
)

// DefaultHorizon bounds how far ahead calendar schedules are expanded
const DefaultHorizon = 48 * time.Hour

// Scheduler turns a matched rule into delivery intents
type Scheduler struct {
	guard    OccurrenceGuard
	horizon  time.Duration
	location *time.Location
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithHorizon sets the calendar look-ahead horizon
func WithHorizon(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.horizon = d
		}
	}
}

// WithLocation sets the time zone calendar times of day are interpreted in
func WithLocation(loc *time.Location) SchedulerOption {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithSchedulerMetrics records suppressed duplicates
func WithSchedulerMetrics(m *monitoring.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a new scheduler
func NewScheduler(guard OccurrenceGuard, logger *zap.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		guard:    guard,
		horizon:  DefaultHorizon,
		location: time.UTC,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleRequest is one matched (rule, recipient) pair with its resolved message content
type ScheduleRequest struct {
	Rule      Rule
	Trigger   Trigger
	Recipient Recipient
	Title     string
	Body      string
}

// ScheduleResult holds the intents produced for one request
type ScheduleResult struct {
	Intents    []*Intent
	Duplicates int
}

// Schedule produces one intent per firing time not yet claimed by an earlier
// run. Firing times in the past are kept as they are; the dispatcher sends
// them right away.
func (s *Scheduler) Schedule(ctx context.Context, req ScheduleRequest) (*ScheduleResult, error) {
	occurredAt := req.Trigger.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	times, err := FiringTimes(req.Rule.Schedule, occurredAt, s.horizon, s.location)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", req.Rule.ID, err)
	}

	result := &ScheduleResult{}
	bindings := resolveBindings(req.Trigger, req.Recipient)

	for _, firedAt := range times {
		key := OccurrenceKey(req.Rule.ID, req.Recipient.ID, firedAt)

		claimed, err := s.guard.Claim(ctx, key)
		if err != nil {
			return result, fmt.Errorf("failed to claim occurrence %s: %w", key, err)
		}
		if !claimed {
			result.Duplicates++
			s.metrics.RecordDuplicateOccurrence(string(req.Rule.TriggerType))
			s.logger.Debug("Occurrence already scheduled",
				zap.String("rule_id", req.Rule.ID),
				zap.String("occurrence_key", key),
			)
			continue
		}

		result.Intents = append(result.Intents, &Intent{
			ID:            uuid.New().String(),
			RuleID:        req.Rule.ID,
			TriggerType:   req.Rule.TriggerType,
			OccurrenceKey: key,
			RecipientID:   req.Recipient.ID,
			Addresses:     copyAddresses(req.Recipient.Addresses),
			FiredAt:       firedAt,
			Channels:      append([]Channel(nil), req.Rule.Channels...),
			TemplateID:    req.Rule.Message.TemplateID,
			Title:         req.Title,
			Body:          req.Body,
			Bindings:      copyBindings(bindings),
		})
	}

	return result, nil
}

// resolveBindings captures variable values at intent creation time.
// Recipient variables override trigger variables; built-ins fill gaps only.
func resolveBindings(trigger Trigger, recipient Recipient) map[string]string {
	out := make(map[string]string, len(trigger.Variables)+len(recipient.Variables)+2)
	for k, v := range trigger.Variables {
		out[k] = v
	}
	for k, v := range recipient.Variables {
		out[k] = v
	}
	if _, ok := out["name"]; !ok && recipient.Name != "" {
		out["name"] = recipient.Name
	}
	if _, ok := out["recipientId"]; !ok {
		out["recipientId"] = recipient.ID
	}
	return out
}

func copyBindings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyAddresses(in map[Channel]string) map[Channel]string {
	if in == nil {
		return nil
	}
	out := make(map[Channel]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
