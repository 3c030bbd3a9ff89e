package automation

import (
	"time"
)

// TriggerType classifies the event class that activates a rule
type TriggerType string

const (
	TriggerReminder     TriggerType = "reminder"
	TriggerNotification TriggerType = "notification"
	TriggerReport       TriggerType = "report"
)

// Audience is the kind of person a rule targets
type Audience string

const (
	AudienceStudent Audience = "student"
	AudienceTeacher Audience = "teacher"
	AudienceStaff   Audience = "staff"
	AudienceAdmin   Audience = "admin"
)

// Channel is one delivery medium
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
	ChannelChat  Channel = "chat"
)

// ScheduleKind selects how a matched rule is turned into intents
type ScheduleKind string

const (
	ScheduleImmediate ScheduleKind = "immediate"
	ScheduleDelay     ScheduleKind = "delay"
	ScheduleCalendar  ScheduleKind = "scheduled"
)

// Frequency of a calendar schedule
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCustom  Frequency = "custom"
)

// DeliveryStatus represents the status of a delivery record
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// RunStatus is the outcome of one rule evaluation inside an orchestrator run
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

// Conditions are the declarative predicates of a rule. Nil fields impose no constraint.
type Conditions struct {
	TargetType       Audience        `json:"target_type" yaml:"target_type" validate:"required,oneof=student teacher staff admin"`
	MinRating        *float64        `json:"min_rating,omitempty" yaml:"min_rating,omitempty"`
	MaxRating        *float64        `json:"max_rating,omitempty" yaml:"max_rating,omitempty"`
	HasReservation   *bool           `json:"has_reservation,omitempty" yaml:"has_reservation,omitempty"`
	HasLineConnected *bool           `json:"has_line_connected,omitempty" yaml:"has_line_connected,omitempty"`
	Flags            map[string]bool `json:"flags,omitempty" yaml:"flags,omitempty"`
}

// CustomCalendar is the occurrence predicate of a custom schedule: a day
// qualifies when it matches any listed weekday, day of month or date.
type CustomCalendar struct {
	Weekdays  []string `json:"weekdays,omitempty" yaml:"weekdays,omitempty" validate:"dive,oneof=sunday monday tuesday wednesday thursday friday saturday"`
	MonthDays []int    `json:"month_days,omitempty" yaml:"month_days,omitempty" validate:"dive,min=1,max=31"`
	Dates     []string `json:"dates,omitempty" yaml:"dates,omitempty" validate:"dive,datetime=2006-01-02"`
}

// Calendar describes a recurring schedule
type Calendar struct {
	Frequency  Frequency       `json:"frequency" yaml:"frequency" validate:"required,oneof=daily weekly monthly custom"`
	Time       string          `json:"time,omitempty" yaml:"time,omitempty" validate:"omitempty,datetime=15:04"`
	Weekday    string          `json:"weekday,omitempty" yaml:"weekday,omitempty" validate:"omitempty,oneof=sunday monday tuesday wednesday thursday friday saturday"`
	DayOfMonth int             `json:"day_of_month,omitempty" yaml:"day_of_month,omitempty" validate:"omitempty,min=1,max=31"`
	Custom     *CustomCalendar `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// Schedule is one of immediate, fixed delay or calendar
type Schedule struct {
	Kind       ScheduleKind `json:"kind" yaml:"kind" validate:"required,oneof=immediate delay scheduled"`
	DelayHours float64      `json:"delay_hours,omitempty" yaml:"delay_hours,omitempty" validate:"gte=0"`
	Calendar   *Calendar    `json:"calendar,omitempty" yaml:"calendar,omitempty"`
}

// Message is the title and body a rule sends, either inline or by template id
type Message struct {
	TemplateID string   `json:"template_id,omitempty" yaml:"template_id,omitempty"`
	Title      string   `json:"title,omitempty" yaml:"title,omitempty"`
	Body       string   `json:"body,omitempty" yaml:"body,omitempty"`
	Variables  []string `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// Rule represents an automation rule
type Rule struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name" validate:"required"`
	TriggerType TriggerType `json:"trigger_type" yaml:"trigger_type" validate:"required,oneof=reminder notification report"`
	Conditions  Conditions  `json:"conditions" yaml:"conditions"`
	Schedule    Schedule    `json:"schedule" yaml:"schedule"`
	Message     Message     `json:"message" yaml:"message"`
	Channels    []Channel   `json:"channels" yaml:"channels" validate:"required,min=1,dive,oneof=email push sms chat"`
	Enabled     bool        `json:"enabled" yaml:"enabled"`
	CreatedAt   time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time   `json:"updated_at" yaml:"-"`
}

// Template represents a reusable message template
type Template struct {
	ID        string            `json:"id" yaml:"id"`
	Name      string            `json:"name" yaml:"name" validate:"required"`
	Type      TriggerType       `json:"type" yaml:"type" validate:"required,oneof=reminder notification report"`
	Title     string            `json:"title" yaml:"title"`
	Content   string            `json:"content" yaml:"content" validate:"required"`
	Variables []string          `json:"variables" yaml:"variables"`
	Examples  map[string]string `json:"examples,omitempty" yaml:"examples,omitempty"`
	CreatedAt time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt time.Time         `json:"updated_at" yaml:"-"`
}

// Attributes are the facts about an audience member that conditions test
type Attributes struct {
	Rating           *float64        `json:"rating,omitempty"`
	HasReservation   *bool           `json:"has_reservation,omitempty"`
	HasLineConnected *bool           `json:"has_line_connected,omitempty"`
	Flags            map[string]bool `json:"flags,omitempty"`
}

// Recipient is one person a trigger concerns, with resolved channel addresses
type Recipient struct {
	ID         string             `json:"id" validate:"required"`
	Name       string             `json:"name,omitempty"`
	Addresses  map[Channel]string `json:"addresses,omitempty"`
	Attributes Attributes         `json:"attributes"`
	Variables  map[string]string  `json:"variables,omitempty"`
}

// Trigger is the event record that starts an orchestrator run
type Trigger struct {
	ID          string            `json:"id,omitempty"`
	TriggerType TriggerType       `json:"trigger_type"`
	Audience    Audience          `json:"audience"`
	Attributes  Attributes        `json:"attributes"`
	Variables   map[string]string `json:"variables,omitempty"`
	Recipients  []Recipient       `json:"recipients"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// Intent is a scheduled, not yet sent delivery obligation
type Intent struct {
	ID            string             `json:"id"`
	RuleID        string             `json:"rule_id"`
	TriggerType   TriggerType        `json:"trigger_type"`
	OccurrenceKey string             `json:"occurrence_key"`
	RecipientID   string             `json:"recipient_id"`
	Addresses     map[Channel]string `json:"addresses,omitempty"`
	FiredAt       time.Time          `json:"fired_at"`
	Channels      []Channel          `json:"channels"`
	TemplateID    string             `json:"template_id,omitempty"`
	Title         string             `json:"title"`
	Body          string             `json:"body"`
	Bindings      map[string]string  `json:"bindings"`
}

// Record is one ledger entry: a single delivery attempt on one channel
type Record struct {
	ID               string            `json:"id"`
	RuleID           string            `json:"rule_id"`
	TriggerType      TriggerType       `json:"trigger_type"`
	IntentID         string            `json:"intent_id"`
	OccurrenceKey    string            `json:"occurrence_key"`
	RecipientID      string            `json:"recipient_id"`
	Channel          Channel           `json:"channel"`
	Address          string            `json:"address,omitempty"`
	TemplateID       string            `json:"template_id,omitempty"`
	Title            string            `json:"title"`
	Body             string            `json:"body"`
	Bindings         map[string]string `json:"bindings,omitempty"`
	Status           DeliveryStatus    `json:"status"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	ExternalID       string            `json:"external_id,omitempty"`
	ResendOf         string            `json:"resend_of,omitempty"`
	TemplateSourceID string            `json:"template_source_id,omitempty"`
	Flagged          bool              `json:"flagged"`
	FlagNote         string            `json:"flag_note,omitempty"`
	SentAt           time.Time         `json:"sent_at"`
	DeliveredAt      *time.Time        `json:"delivered_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// RunLog summarises one rule's evaluation within an orchestrator run
type RunLog struct {
	ID              string      `json:"id"`
	RunID           string      `json:"run_id"`
	TriggerID       string      `json:"trigger_id,omitempty"`
	RuleID          string      `json:"rule_id"`
	TriggerType     TriggerType `json:"trigger_type"`
	TargetCount     int         `json:"target_count"`
	SentCount       int         `json:"sent_count"`
	ErrorCount      int         `json:"error_count"`
	DeferredCount   int         `json:"deferred_count"`
	DuplicateCount  int         `json:"duplicate_count"`
	ExecutionTimeMs int64       `json:"execution_time_ms"`
	Status          RunStatus   `json:"status"`
	Error           string      `json:"error,omitempty"`
	StartedAt       time.Time   `json:"started_at"`
}

// AnnotationKind distinguishes record annotations
type AnnotationKind string

const (
	AnnotationFlag     AnnotationKind = "flag"
	AnnotationTemplate AnnotationKind = "template"
)

// Annotation is appended beside a record without changing its delivery status
type Annotation struct {
	RecordID  string         `json:"record_id"`
	Kind      AnnotationKind `json:"kind"`
	Value     string         `json:"value"`
	CreatedAt time.Time      `json:"created_at"`
}

// StatusChange is a guarded transition of a record's status
type StatusChange struct {
	From         DeliveryStatus
	To           DeliveryStatus
	ErrorMessage string
	ExternalID   string
	At           time.Time
}

// RecordFilter selects records for the message history view.
// A zero Limit returns every matching record.
type RecordFilter struct {
	RuleID      string
	RecipientID string
	Channel     Channel
	Status      DeliveryStatus
	Flagged     *bool
	Limit       int
	Offset      int
}

// CanTransition reports whether a record may move from one status to another
func CanTransition(from, to DeliveryStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusSent || to == StatusFailed
	case StatusSent:
		return to == StatusDelivered
	default:
		return false
	}
}

func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed:
		return true
	}
	return false
}
