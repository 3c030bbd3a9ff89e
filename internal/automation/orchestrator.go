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
)

// DefaultDispatchConcurrency bounds the intents dispatched at once by one run
const DefaultDispatchConcurrency = 8

// IntentDispatcher settles one intent across its channels
type IntentDispatcher interface {
	Dispatch(ctx context.Context, intent *Intent) (*DispatchResult, error)
}

// Orchestrator evaluates the rule catalog for a trigger and drives the
// resulting intents through scheduling and dispatch
type Orchestrator struct {
	catalog     CatalogSource
	scheduler   *Scheduler
	dispatcher  IntentDispatcher
	ledger      LedgerStore
	deferred    IntentQueue
	guard       OccurrenceGuard
	concurrency int
	now         func() time.Time
	metrics     *monitoring.Metrics
	logger      *zap.Logger
}

// OrchestratorConfig wires the orchestrator's collaborators
type OrchestratorConfig struct {
	Catalog     CatalogSource
	Scheduler   *Scheduler
	Dispatcher  IntentDispatcher
	Ledger      LedgerStore
	Deferred    IntentQueue
	Guard       OccurrenceGuard
	Concurrency int
	Now         func() time.Time
	Metrics     *monitoring.Metrics
	Logger      *zap.Logger
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Catalog == nil || cfg.Scheduler == nil || cfg.Dispatcher == nil || cfg.Ledger == nil {
		return nil, errors.New("orchestrator requires a catalog, scheduler, dispatcher and ledger")
	}
	if cfg.Deferred == nil {
		return nil, errors.New("orchestrator requires a deferred intent queue")
	}
	o := &Orchestrator{
		catalog:     cfg.Catalog,
		scheduler:   cfg.Scheduler,
		dispatcher:  cfg.Dispatcher,
		ledger:      cfg.Ledger,
		deferred:    cfg.Deferred,
		guard:       cfg.Guard,
		concurrency: cfg.Concurrency,
		now:         cfg.Now,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
	if o.concurrency <= 0 {
		o.concurrency = DefaultDispatchConcurrency
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o, nil
}

// RunResult summarises one orchestrator invocation
type RunResult struct {
	RunID      string    `json:"run_id"`
	TriggerID  string    `json:"trigger_id,omitempty"`
	Status     RunStatus `json:"status"`
	Logs       []*RunLog `json:"logs"`
	Records    []*Record `json:"records"`
	Dispatched int       `json:"dispatched"`
	Deferred   int       `json:"deferred"`
	Duplicates int       `json:"duplicates"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
}

// ruleRun accumulates one rule's counters during a run
type ruleRun struct {
	rule    Rule
	started time.Time
	log     *RunLog
	errs    []error
}

type pendingIntent struct {
	run    *ruleRun
	intent *Intent
}

// Run evaluates every enabled rule against every recipient of the trigger.
// Due intents are dispatched before Run returns; future ones are deferred.
// Delivery failures end up in the ledger, not in the returned error.
//
// Occurrence keys derive from trigger.OccurredAt. A zero value is stamped with
// the current time, so callers that may replay a trigger must set it.
func (o *Orchestrator) Run(ctx context.Context, trigger Trigger) (*RunResult, error) {
	start := o.now()
	if trigger.ID == "" {
		trigger.ID = uuid.New().String()
	}
	if trigger.OccurredAt.IsZero() {
		trigger.OccurredAt = start
	}

	result := &RunResult{
		RunID:     uuid.New().String(),
		TriggerID: trigger.ID,
		Status:    RunSuccess,
	}

	snap, err := o.catalog.Snapshot(ctx)
	if err != nil {
		result.Status = RunFailed
		runLog := &RunLog{
			ID:              uuid.New().String(),
			RunID:           result.RunID,
			TriggerID:       trigger.ID,
			TriggerType:     trigger.TriggerType,
			Status:          RunFailed,
			Error:           err.Error(),
			ExecutionTimeMs: o.now().Sub(start).Milliseconds(),
			StartedAt:       start,
		}
		if logErr := o.ledger.AppendRunLog(ctx, runLog); logErr != nil {
			o.logger.Error("Failed to append run log", zap.Error(logErr))
		}
		result.Logs = append(result.Logs, runLog)
		o.metrics.RecordRuleRun(string(trigger.TriggerType), string(RunFailed))
		o.logger.Error("Failed to read rule catalog",
			zap.String("run_id", result.RunID),
			zap.String("trigger_id", trigger.ID),
			zap.Error(err),
		)
		return result, fmt.Errorf("failed to read rule catalog: %w", err)
	}

	var runs []*ruleRun
	var due []pendingIntent

	for _, rule := range snap.Rules {
		if !rule.Enabled {
			continue
		}
		if trigger.TriggerType != "" && rule.TriggerType != trigger.TriggerType {
			continue
		}

		rr := &ruleRun{
			rule:    rule,
			started: o.now(),
			log: &RunLog{
				ID:          uuid.New().String(),
				RunID:       result.RunID,
				TriggerID:   trigger.ID,
				RuleID:      rule.ID,
				TriggerType: rule.TriggerType,
			},
		}
		runs = append(runs, rr)
		due = append(due, o.scheduleRule(ctx, snap, trigger, rr)...)
	}

	o.dispatchAll(ctx, due, result)

	for _, rr := range runs {
		rr.log.StartedAt = rr.started
		rr.log.ExecutionTimeMs = o.now().Sub(rr.started).Milliseconds()
		rr.log.Status = ruleStatus(rr)
		if len(rr.errs) > 0 {
			rr.log.Error = errors.Join(rr.errs...).Error()
		}
		if err := o.ledger.AppendRunLog(ctx, rr.log); err != nil {
			o.logger.Error("Failed to append run log",
				zap.String("rule_id", rr.rule.ID),
				zap.Error(err),
			)
		}
		o.metrics.RecordRuleRun(string(rr.rule.TriggerType), string(rr.log.Status))
		result.Logs = append(result.Logs, rr.log)
		result.Deferred += rr.log.DeferredCount
		result.Duplicates += rr.log.DuplicateCount
	}

	elapsed := o.now().Sub(start)
	o.metrics.RecordRunDuration(elapsed.Seconds())
	o.logger.Info("Automation run finished",
		zap.String("run_id", result.RunID),
		zap.String("trigger_id", trigger.ID),
		zap.String("trigger_type", string(trigger.TriggerType)),
		zap.Int("rules", len(runs)),
		zap.Int("dispatched", result.Dispatched),
		zap.Int("deferred", result.Deferred),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
		zap.Duration("elapsed", elapsed),
	)

	return result, ctx.Err()
}

// scheduleRule matches one rule against every recipient and returns the due intents.
// Future intents are pushed to the deferred queue.
func (o *Orchestrator) scheduleRule(ctx context.Context, snap *Snapshot, trigger Trigger, rr *ruleRun) []pendingIntent {
	var due []pendingIntent
	now := o.now()

	for _, recipient := range trigger.Recipients {
		if !Matches(rr.rule, NewMatchContext(trigger, recipient)) {
			continue
		}
		rr.log.TargetCount++

		title, body, err := snap.ResolveMessage(rr.rule)
		if err != nil {
			rr.log.ErrorCount++
			rr.errs = append(rr.errs, fmt.Errorf("recipient %s: %w", recipient.ID, err))
			continue
		}

		sched, err := o.scheduler.Schedule(ctx, ScheduleRequest{
			Rule:      rr.rule,
			Trigger:   trigger,
			Recipient: recipient,
			Title:     title,
			Body:      body,
		})
		if err != nil {
			rr.log.ErrorCount++
			rr.errs = append(rr.errs, err)
			o.logger.Error("Failed to schedule rule",
				zap.String("rule_id", rr.rule.ID),
				zap.String("recipient_id", recipient.ID),
				zap.Error(err),
			)
		}
		if sched == nil {
			continue
		}
		rr.log.DuplicateCount += sched.Duplicates

		for _, intent := range sched.Intents {
			if !intent.FiredAt.After(now) {
				due = append(due, pendingIntent{run: rr, intent: intent})
				continue
			}
			if err := o.deferred.Push(ctx, intent); err != nil {
				rr.log.ErrorCount++
				rr.errs = append(rr.errs, fmt.Errorf("failed to defer intent: %w", err))
				o.release(intent)
				continue
			}
			rr.log.DeferredCount++
		}
	}
	return due
}

// dispatchAll settles the due intents with bounded concurrency. Intents not
// started before ctx ends give back their occurrence claim so a later run can
// schedule them again.
func (o *Orchestrator) dispatchAll(ctx context.Context, due []pendingIntent, result *RunResult) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, o.concurrency)

	for i, p := range due {
		select {
		case <-ctx.Done():
			for _, rest := range due[i:] {
				o.release(rest.intent)
			}
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(p pendingIntent) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := o.dispatcher.Dispatch(ctx, p.intent)

			mu.Lock()
			defer mu.Unlock()
			result.Dispatched++
			if err != nil {
				appended := 0
				if res != nil {
					appended = len(res.Records)
				}
				p.run.log.ErrorCount += len(p.intent.Channels) - appended
				p.run.errs = append(p.run.errs, err)
			}
			if res == nil {
				return
			}
			result.Records = append(result.Records, res.Records...)
			result.Sent += res.Sent
			result.Failed += res.Failed
			p.run.log.SentCount += res.Sent
			p.run.log.ErrorCount += res.Failed
		}(p)
	}
	wg.Wait()
}

func (o *Orchestrator) release(intent *Intent) {
	if o.guard == nil {
		return
	}
	if err := o.guard.Release(context.Background(), intent.OccurrenceKey); err != nil {
		o.logger.Warn("Failed to release occurrence claim",
			zap.String("occurrence_key", intent.OccurrenceKey),
			zap.Error(err),
		)
	}
}

// ruleStatus is failed when the rule could not be evaluated for anyone and
// skipped when it produced no work at all
func ruleStatus(rr *ruleRun) RunStatus {
	log := rr.log
	switch {
	case len(rr.errs) > 0 && log.SentCount == 0 && log.DeferredCount == 0:
		return RunFailed
	case log.SentCount == 0 && log.ErrorCount == 0 && log.DeferredCount == 0:
		return RunSkipped
	}
	return RunSuccess
}
