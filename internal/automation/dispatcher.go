package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alexnthnz/tutoring-automation/internal/monitoring"
	"github.com/alexnthnz/tutoring-automation/internal/template"
)

// DefaultChannelTimeout bounds a single transport call when no per-channel timeout is set
const DefaultChannelTimeout = 10 * time.Second

// Dispatcher renders intents and sends them through every requested channel
type Dispatcher struct {
	transports TransportSet
	ledger     LedgerStore
	timeouts   map[Channel]time.Duration
	now        func() time.Time
	metrics    *monitoring.Metrics
	logger     *zap.Logger
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithChannelTimeout sets the send timeout for one channel
func WithChannelTimeout(ch Channel, d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeouts[ch] = d
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) DispatcherOption {
	return func(disp *Dispatcher) { disp.now = now }
}

// WithDispatcherMetrics records deliveries and channel latency
func WithDispatcherMetrics(m *monitoring.Metrics) DispatcherOption {
	return func(disp *Dispatcher) { disp.metrics = m }
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(transports TransportSet, ledger LedgerStore, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		transports: transports,
		ledger:     ledger,
		timeouts:   make(map[Channel]time.Duration),
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchResult is the settled outcome of one intent
type DispatchResult struct {
	IntentID string
	Records  []*Record
	Sent     int
	Failed   int
}

// Dispatch renders the intent once and sends it on every channel concurrently.
// Exactly one record is appended per channel. Channel failures are recorded,
// not returned; the error is non-nil only when the ledger could not be written.
func (d *Dispatcher) Dispatch(ctx context.Context, intent *Intent) (*DispatchResult, error) {
	result := &DispatchResult{IntentID: intent.ID}

	title, body, renderErr := renderIntent(intent)
	if renderErr != nil {
		d.logger.Warn("Failed to render intent",
			zap.String("intent_id", intent.ID),
			zap.String("rule_id", intent.RuleID),
			zap.Error(renderErr),
		)
	}

	records := make([]*Record, len(intent.Channels))
	var wg sync.WaitGroup

	for i, ch := range intent.Channels {
		rec := d.newRecord(intent, ch, title, body)
		records[i] = rec

		if renderErr != nil {
			rec.Status = StatusFailed
			rec.ErrorMessage = renderErr.Error()
			d.metrics.RecordDeliveryFailure(string(ch), "missing_variable")
			continue
		}

		wg.Add(1)
		go func(rec *Record) {
			defer wg.Done()
			externalID, err := d.send(ctx, rec)
			rec.SentAt = d.now()
			if err != nil {
				rec.Status = StatusFailed
				rec.ErrorMessage = err.Error()
				return
			}
			rec.Status = StatusSent
			rec.ExternalID = externalID
		}(rec)
	}
	wg.Wait()

	var errs []error
	for _, rec := range records {
		if err := d.ledger.AppendRecord(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("failed to append record for channel %s: %w", rec.Channel, err))
			continue
		}
		d.metrics.RecordDelivery(string(rec.Channel), string(rec.Status))
		result.Records = append(result.Records, rec)
		if rec.Status == StatusSent {
			result.Sent++
		} else {
			result.Failed++
		}
	}

	d.logger.Info("Intent dispatched",
		zap.String("intent_id", intent.ID),
		zap.String("rule_id", intent.RuleID),
		zap.String("recipient_id", intent.RecipientID),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
	)

	return result, errors.Join(errs...)
}

// Redeliver sends a pending resend record on its single channel and settles it
func (d *Dispatcher) Redeliver(ctx context.Context, rec *Record) (*Record, error) {
	if rec.Status != StatusPending {
		return nil, fmt.Errorf("record %s is %s: %w", rec.ID, rec.Status, ErrInvalidTransition)
	}

	externalID, sendErr := d.send(ctx, rec)
	change := StatusChange{From: StatusPending, At: d.now()}
	if sendErr != nil {
		change.To = StatusFailed
		change.ErrorMessage = sendErr.Error()
	} else {
		change.To = StatusSent
		change.ExternalID = externalID
	}

	if err := d.ledger.UpdateStatus(ctx, rec.ID, change); err != nil {
		return nil, fmt.Errorf("failed to settle resend %s: %w", rec.ID, err)
	}
	d.metrics.RecordDelivery(string(rec.Channel), string(change.To))

	settled := *rec
	settled.Status = change.To
	settled.ErrorMessage = change.ErrorMessage
	settled.ExternalID = change.ExternalID
	settled.SentAt = change.At
	return &settled, nil
}

// send performs one transport call under the channel's timeout
func (d *Dispatcher) send(ctx context.Context, rec *Record) (string, error) {
	if rec.Address == "" {
		d.metrics.RecordDeliveryFailure(string(rec.Channel), "no_address")
		return "", &TransportError{Channel: rec.Channel, Reason: "recipient has no address for this channel"}
	}
	transport, ok := d.transports.Transport(rec.Channel)
	if !ok {
		d.metrics.RecordDeliveryFailure(string(rec.Channel), "unsupported_channel")
		return "", &TransportError{Channel: rec.Channel, Reason: "unsupported channel type: " + string(rec.Channel)}
	}

	timeout := d.timeouts[rec.Channel]
	if timeout <= 0 {
		timeout = DefaultChannelTimeout
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	receipt, err := transport.Send(sendCtx, OutboundMessage{
		RecordID:    rec.ID,
		RecipientID: rec.RecipientID,
		Channel:     rec.Channel,
		Address:     rec.Address,
		Title:       rec.Title,
		Body:        rec.Body,
		Metadata: map[string]string{
			"rule_id":   rec.RuleID,
			"record_id": rec.ID,
		},
	})
	d.metrics.RecordChannelDuration(string(rec.Channel), time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			d.metrics.RecordDeliveryFailure(string(rec.Channel), "timeout")
			return "", NewTimeoutError(rec.Channel, timeout)
		}
		d.metrics.RecordDeliveryFailure(string(rec.Channel), "transport_error")
		d.logger.Warn("Channel send failed",
			zap.String("record_id", rec.ID),
			zap.String("channel", string(rec.Channel)),
			zap.Error(err),
		)
		return "", err
	}

	if receipt == nil {
		return "", nil
	}
	return receipt.ExternalID, nil
}

func (d *Dispatcher) newRecord(intent *Intent, ch Channel, title, body string) *Record {
	now := d.now()
	return &Record{
		ID:            uuid.New().String(),
		RuleID:        intent.RuleID,
		TriggerType:   intent.TriggerType,
		IntentID:      intent.ID,
		OccurrenceKey: intent.OccurrenceKey,
		RecipientID:   intent.RecipientID,
		Channel:       ch,
		Address:       intent.Addresses[ch],
		TemplateID:    intent.TemplateID,
		Title:         title,
		Body:          body,
		Bindings:      copyBindings(intent.Bindings),
		Status:        StatusPending,
		SentAt:        now,
		CreatedAt:     now,
	}
}

func renderIntent(intent *Intent) (string, string, error) {
	title, err := template.Render(intent.Title, intent.Bindings)
	if err != nil {
		return "", "", err
	}
	body, err := template.Render(intent.Body, intent.Bindings)
	if err != nil {
		return "", "", err
	}
	return title, body, nil
}
