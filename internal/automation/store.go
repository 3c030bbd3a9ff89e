package automation

import (
	"context"
	"time"
)

// LedgerStore persists delivery records, run logs and record annotations.
// Records are only ever appended; the single mutation is a guarded status
// change that fails with ErrInvalidTransition when the current status is not
// the expected one.
type LedgerStore interface {
	AppendRecord(ctx context.Context, rec *Record) error
	// AppendResend appends rec (with ResendOf set) unless the original already
	// has a pending, sent or delivered resend. It reports whether rec was stored.
	AppendResend(ctx context.Context, rec *Record) (bool, error)
	UpdateStatus(ctx context.Context, id string, change StatusChange) error
	GetRecord(ctx context.Context, id string) (*Record, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]*Record, int, error)
	// ListResendTips returns failed records that have no resend of their own
	ListResendTips(ctx context.Context) ([]*Record, error)
	AddAnnotation(ctx context.Context, ann Annotation) error
	AppendRunLog(ctx context.Context, log *RunLog) error
	ListRunLogs(ctx context.Context, limit, offset int) ([]*RunLog, int, error)
}

// OccurrenceGuard claims occurrence keys so a (rule, occurrence) pair is
// scheduled at most once across overlapping runs.
type OccurrenceGuard interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// ClaimPruner drops occurrence claims taken before a cutoff. Guards whose
// claims expire on their own do not implement it.
type ClaimPruner interface {
	PruneClaims(ctx context.Context, before time.Time) (int64, error)
}

// IntentQueue holds intents whose FiredAt lies in the future.
// PopDue may return intents together with an error when it stopped part way;
// the returned intents are no longer queued and must still be handled.
type IntentQueue interface {
	Push(ctx context.Context, intent *Intent) error
	PopDue(ctx context.Context, now time.Time, limit int) ([]*Intent, error)
	Len(ctx context.Context) (int64, error)
}

// CatalogSource yields a frozen view of the rule and template catalogs
type CatalogSource interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Snapshot is an immutable read of the catalogs taken at the start of a run
type Snapshot struct {
	Rules     []Rule
	Templates map[string]Template
	TakenAt   time.Time
}

// Rule looks up a rule by id
func (s *Snapshot) Rule(id string) (Rule, bool) {
	for _, r := range s.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// Template looks up a template by id
func (s *Snapshot) Template(id string) (Template, bool) {
	t, ok := s.Templates[id]
	return t, ok
}

// ResolveMessage returns the title and body content a rule sends
func (s *Snapshot) ResolveMessage(rule Rule) (title, body string, err error) {
	if rule.Message.TemplateID == "" {
		return rule.Message.Title, rule.Message.Body, nil
	}
	tmpl, ok := s.Template(rule.Message.TemplateID)
	if !ok {
		return "", "", ErrTemplateNotFound
	}
	title = tmpl.Title
	if rule.Message.Title != "" {
		title = rule.Message.Title
	}
	return title, tmpl.Content, nil
}

// Transport sends one rendered message over one channel
type Transport interface {
	Send(ctx context.Context, msg OutboundMessage) (*SendReceipt, error)
	Channel() Channel
}

// TransportSet looks up the transport registered for a channel
type TransportSet interface {
	Transport(channel Channel) (Transport, bool)
}

// OutboundMessage is what a transport receives
type OutboundMessage struct {
	RecordID    string
	RecipientID string
	Channel     Channel
	Address     string
	Title       string
	Body        string
	Metadata    map[string]string
}

// SendReceipt is returned by a transport that accepted a message
type SendReceipt struct {
	ExternalID string
}
