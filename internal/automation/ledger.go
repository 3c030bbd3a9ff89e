package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alexnthnz/tutoring-automation/internal/monitoring"
	"github.com/alexnthnz/tutoring-automation/internal/template"
)

// Redeliverer sends one pending resend record
type Redeliverer interface {
	Redeliver(ctx context.Context, rec *Record) (*Record, error)
}

// TemplateCreator is the configuration store write used by save-as-template
type TemplateCreator interface {
	CreateTemplate(ctx context.Context, tmpl Template) (*Template, error)
}

// Ledger exposes the delivery history and its append-only operations
type Ledger struct {
	store       LedgerStore
	redeliverer Redeliverer
	catalog     CatalogSource
	templates   TemplateCreator
	concurrency int
	now         func() time.Time
	metrics     *monitoring.Metrics
	logger      *zap.Logger
}

// LedgerConfig wires the ledger's collaborators
type LedgerConfig struct {
	Store       LedgerStore
	Redeliverer Redeliverer
	Catalog     CatalogSource
	Templates   TemplateCreator
	Concurrency int
	Now         func() time.Time
	Metrics     *monitoring.Metrics
	Logger      *zap.Logger
}

// NewLedger creates a new ledger service
func NewLedger(cfg LedgerConfig) *Ledger {
	l := &Ledger{
		store:       cfg.Store,
		redeliverer: cfg.Redeliverer,
		catalog:     cfg.Catalog,
		templates:   cfg.Templates,
		concurrency: cfg.Concurrency,
		now:         cfg.Now,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
	if l.concurrency <= 0 {
		l.concurrency = 4
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	return l
}

// ResendResult describes the outcome of a resend request
type ResendResult struct {
	Original *Record `json:"original"`
	Resend   *Record `json:"resend,omitempty"`
	Created  bool    `json:"created"`
}

// BulkResendResult summarises a resend-all-failed pass
type BulkResendResult struct {
	Processed int       `json:"processed"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Resends   []*Record `json:"resends"`
}

// Resend retries a failed record on its single channel. Records that are not
// failed, or that already have a live resend, are left alone.
func (l *Ledger) Resend(ctx context.Context, id string) (*ResendResult, error) {
	return l.resend(ctx, id, "single")
}

func (l *Ledger) resend(ctx context.Context, id, mode string) (*ResendResult, error) {
	original, err := l.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &ResendResult{Original: original}
	if original.Status != StatusFailed {
		return result, nil
	}

	now := l.now()
	rec := &Record{
		ID:            uuid.New().String(),
		RuleID:        original.RuleID,
		TriggerType:   original.TriggerType,
		IntentID:      original.IntentID,
		OccurrenceKey: original.OccurrenceKey,
		RecipientID:   original.RecipientID,
		Channel:       original.Channel,
		Address:       original.Address,
		TemplateID:    original.TemplateID,
		Title:         original.Title,
		Body:          original.Body,
		Bindings:      copyBindings(original.Bindings),
		Status:        StatusPending,
		ResendOf:      original.ID,
		SentAt:        now,
		CreatedAt:     now,
	}

	var renderErr error
	if rec.Body == "" {
		rec.Title, rec.Body, renderErr = l.rerender(ctx, original)
	}

	inserted, err := l.store.AppendResend(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to append resend of %s: %w", id, err)
	}
	if !inserted {
		return result, nil
	}
	l.metrics.RecordResend(mode)
	result.Created = true

	if renderErr != nil {
		change := StatusChange{From: StatusPending, To: StatusFailed, ErrorMessage: renderErr.Error(), At: l.now()}
		if err := l.store.UpdateStatus(ctx, rec.ID, change); err != nil {
			return nil, fmt.Errorf("failed to settle resend %s: %w", rec.ID, err)
		}
		rec.Status = StatusFailed
		rec.ErrorMessage = change.ErrorMessage
		result.Resend = rec
		return result, nil
	}

	settled, err := l.redeliverer.Redeliver(ctx, rec)
	if err != nil {
		return nil, err
	}
	result.Resend = settled

	l.logger.Info("Record resent",
		zap.String("record_id", original.ID),
		zap.String("resend_id", settled.ID),
		zap.String("channel", string(settled.Channel)),
		zap.String("status", string(settled.Status)),
	)
	return result, nil
}

// rerender rebuilds a message whose first rendering failed, using the
// bindings captured on the original record and the rule's current message.
func (l *Ledger) rerender(ctx context.Context, original *Record) (string, string, error) {
	if l.catalog == nil {
		return "", "", fmt.Errorf("no catalog to re-render record %s", original.ID)
	}
	snap, err := l.catalog.Snapshot(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to read catalog: %w", err)
	}
	rule, ok := snap.Rule(original.RuleID)
	if !ok {
		return "", "", fmt.Errorf("rule %s no longer exists", original.RuleID)
	}
	titleSrc, bodySrc, err := snap.ResolveMessage(rule)
	if err != nil {
		return "", "", err
	}
	title, err := template.Render(titleSrc, original.Bindings)
	if err != nil {
		return "", "", err
	}
	body, err := template.Render(bodySrc, original.Bindings)
	if err != nil {
		return "", "", err
	}
	return title, body, nil
}

// ResendAllFailed retries every failed record that has not been resent yet.
// Running it twice with no new failures in between processes nothing the second time.
func (l *Ledger) ResendAllFailed(ctx context.Context) (*BulkResendResult, error) {
	tips, err := l.store.ListResendTips(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed records: %w", err)
	}

	result := &BulkResendResult{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, l.concurrency)

	for _, tip := range tips {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := l.resend(ctx, id, "bulk")

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				l.logger.Error("Bulk resend failed", zap.String("record_id", id), zap.Error(err))
				result.Skipped++
				return
			}
			if !res.Created {
				result.Skipped++
				return
			}
			result.Processed++
			result.Resends = append(result.Resends, res.Resend)
			if res.Resend.Status == StatusFailed {
				result.Failed++
			} else {
				result.Sent++
			}
		}(tip.ID)
	}
	wg.Wait()

	l.logger.Info("Bulk resend finished",
		zap.Int("processed", result.Processed),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
	)
	return result, ctx.Err()
}

// FlagError marks a record for human follow-up. The delivery status is untouched.
func (l *Ledger) FlagError(ctx context.Context, id, note string) (*Record, error) {
	if _, err := l.store.GetRecord(ctx, id); err != nil {
		return nil, err
	}
	if err := l.store.AddAnnotation(ctx, Annotation{
		RecordID:  id,
		Kind:      AnnotationFlag,
		Value:     note,
		CreatedAt: l.now(),
	}); err != nil {
		return nil, fmt.Errorf("failed to flag record %s: %w", id, err)
	}
	return l.store.GetRecord(ctx, id)
}

// SaveAsTemplate stores a record's rendered text as a new template. The text
// is saved literally; variables are not re-extracted.
func (l *Ledger) SaveAsTemplate(ctx context.Context, id, name string) (*Template, error) {
	if l.templates == nil {
		return nil, fmt.Errorf("template store not configured")
	}
	rec, err := l.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Body == "" {
		return nil, NewConfigError("content", "record %s has no rendered content", id)
	}

	kind := rec.TriggerType
	if kind == "" {
		kind = TriggerNotification
	}
	created, err := l.templates.CreateTemplate(ctx, Template{
		Name:    name,
		Type:    kind,
		Title:   rec.Title,
		Content: rec.Body,
	})
	if err != nil {
		return nil, err
	}

	if err := l.store.AddAnnotation(ctx, Annotation{
		RecordID:  id,
		Kind:      AnnotationTemplate,
		Value:     created.ID,
		CreatedAt: l.now(),
	}); err != nil {
		l.logger.Error("Failed to link template to record",
			zap.String("record_id", id),
			zap.String("template_id", created.ID),
			zap.Error(err),
		)
	}
	return created, nil
}

// ApplyReceipt records an asynchronous delivery confirmation from a transport
func (l *Ledger) ApplyReceipt(ctx context.Context, id string, status DeliveryStatus) (*Record, error) {
	if status != StatusDelivered {
		return nil, fmt.Errorf("receipt status %q: %w", status, ErrInvalidTransition)
	}
	rec, err := l.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(rec.Status, status) {
		return nil, fmt.Errorf("record %s is %s: %w", id, rec.Status, ErrInvalidTransition)
	}
	if err := l.store.UpdateStatus(ctx, id, StatusChange{From: rec.Status, To: status, At: l.now()}); err != nil {
		return nil, err
	}
	l.metrics.RecordReceipt(string(rec.Channel))
	return l.store.GetRecord(ctx, id)
}

// GetRecord returns one record with its annotations applied
func (l *Ledger) GetRecord(ctx context.Context, id string) (*Record, error) {
	return l.store.GetRecord(ctx, id)
}

// ListRecords returns a page of records, most recent first, and the total count
func (l *Ledger) ListRecords(ctx context.Context, filter RecordFilter) ([]*Record, int, error) {
	return l.store.ListRecords(ctx, filter)
}

// ListRunLogs returns a page of run logs, most recent first, and the total count
func (l *Ledger) ListRunLogs(ctx context.Context, limit, offset int) ([]*RunLog, int, error) {
	return l.store.ListRunLogs(ctx, limit, offset)
}

// ChannelStats aggregates the records of one channel
type ChannelStats struct {
	Total        int     `json:"total"`
	Pending      int     `json:"pending"`
	Sent         int     `json:"sent"`
	Delivered    int     `json:"delivered"`
	Failed       int     `json:"failed"`
	SuccessRate  float64 `json:"success_rate"`
	DeliveryRate float64 `json:"delivery_rate"`
}

// Stats is the aggregate read model of the ledger
type Stats struct {
	TotalRecords   int                       `json:"total_records"`
	TotalSent      int                       `json:"total_sent"`
	TotalDelivered int                       `json:"total_delivered"`
	TotalFailed    int                       `json:"total_failed"`
	TotalPending   int                       `json:"total_pending"`
	Resends        int                       `json:"resends"`
	Flagged        int                       `json:"flagged"`
	Channels       map[Channel]*ChannelStats `json:"channels"`
	TriggerTypes   map[TriggerType]int       `json:"trigger_types"`
}

// Stats scans the ledger and computes delivery statistics.
// Sent counts include delivered records.
func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	records, _, err := l.store.ListRecords(ctx, RecordFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger: %w", err)
	}
	return ComputeStats(records), nil
}

// ComputeStats aggregates a set of records
func ComputeStats(records []*Record) *Stats {
	stats := &Stats{
		Channels:     make(map[Channel]*ChannelStats),
		TriggerTypes: make(map[TriggerType]int),
	}

	for _, rec := range records {
		cs, ok := stats.Channels[rec.Channel]
		if !ok {
			cs = &ChannelStats{}
			stats.Channels[rec.Channel] = cs
		}
		stats.TotalRecords++
		cs.Total++
		stats.TriggerTypes[rec.TriggerType]++
		if rec.ResendOf != "" {
			stats.Resends++
		}
		if rec.Flagged {
			stats.Flagged++
		}

		switch rec.Status {
		case StatusPending:
			stats.TotalPending++
			cs.Pending++
		case StatusSent:
			stats.TotalSent++
			cs.Sent++
		case StatusDelivered:
			stats.TotalSent++
			stats.TotalDelivered++
			cs.Sent++
			cs.Delivered++
		case StatusFailed:
			stats.TotalFailed++
			cs.Failed++
		}
	}

	for _, cs := range stats.Channels {
		if cs.Total > 0 {
			cs.SuccessRate = float64(cs.Sent) / float64(cs.Total)
		}
		if cs.Sent > 0 {
			cs.DeliveryRate = float64(cs.Delivered) / float64(cs.Sent)
		}
	}
	return stats
}
