package automation

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/tutoring-automation/internal/monitoring"
)

// Poller dispatches deferred intents once their firing time has come
type Poller struct {
	queue       IntentQueue
	catalog     CatalogSource
	dispatcher  IntentDispatcher
	interval    time.Duration
	batchSize   int
	concurrency int
	now         func() time.Time
	metrics     *monitoring.Metrics
	logger      *zap.Logger

	pruner         ClaimPruner
	claimRetention time.Duration
	lastPrune      time.Time
}

// claimPruneInterval is how often Run sweeps old occurrence claims
const claimPruneInterval = time.Hour

// PollerConfig wires the poller's collaborators
type PollerConfig struct {
	Queue       IntentQueue
	Catalog     CatalogSource
	Dispatcher  IntentDispatcher
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	Now         func() time.Time
	Metrics     *monitoring.Metrics
	Logger      *zap.Logger

	// Pruner, when set, has claims older than ClaimRetention removed
	// periodically. ClaimRetention must exceed the scheduling horizon.
	Pruner         ClaimPruner
	ClaimRetention time.Duration
}

// NewPoller creates a new deferred intent poller
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Queue == nil || cfg.Catalog == nil || cfg.Dispatcher == nil {
		return nil, errors.New("poller requires a queue, catalog and dispatcher")
	}
	p := &Poller{
		queue:       cfg.Queue,
		catalog:     cfg.Catalog,
		dispatcher:  cfg.Dispatcher,
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		now:         cfg.Now,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,

		pruner:         cfg.Pruner,
		claimRetention: cfg.ClaimRetention,
	}
	if p.claimRetention <= 0 {
		p.claimRetention = 2 * DefaultHorizon
	}
	if p.interval <= 0 {
		p.interval = 30 * time.Second
	}
	if p.batchSize <= 0 {
		p.batchSize = 100
	}
	if p.concurrency <= 0 {
		p.concurrency = DefaultDispatchConcurrency
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p, nil
}

// TickResult counts what one poll did
type TickResult struct {
	Dispatched int `json:"dispatched"`
	Dropped    int `json:"dropped"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
}

// Tick pops every due intent and dispatches it. Intents whose rule was
// deleted or disabled after scheduling are dropped.
func (p *Poller) Tick(ctx context.Context) (*TickResult, error) {
	result := &TickResult{}

	intents, popErr := p.queue.PopDue(ctx, p.now(), p.batchSize)
	if len(intents) == 0 {
		if popErr != nil {
			return nil, popErr
		}
		p.updateGauge(ctx)
		return result, nil
	}

	snap, err := p.catalog.Snapshot(ctx)
	if err != nil {
		p.requeue(intents)
		return nil, errors.Join(popErr, err)
	}

	var live []*Intent
	for _, intent := range intents {
		rule, ok := snap.Rule(intent.RuleID)
		if !ok || !rule.Enabled {
			result.Dropped++
			p.logger.Info("Dropping deferred intent of inactive rule",
				zap.String("intent_id", intent.ID),
				zap.String("rule_id", intent.RuleID),
			)
			continue
		}
		live = append(live, intent)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := []error{popErr}
	sem := make(chan struct{}, p.concurrency)

	for i, intent := range live {
		select {
		case <-ctx.Done():
			p.requeue(live[i:])
			wg.Wait()
			return result, errors.Join(popErr, ctx.Err())
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(intent *Intent) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := p.dispatcher.Dispatch(ctx, intent)

			mu.Lock()
			defer mu.Unlock()
			result.Dispatched++
			if err != nil {
				errs = append(errs, err)
			}
			if res != nil {
				result.Sent += res.Sent
				result.Failed += res.Failed
			}
		}(intent)
	}
	wg.Wait()

	p.updateGauge(ctx)
	return result, errors.Join(errs...)
}

// Run polls until ctx is done
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("Deferred intent poller started", zap.Duration("interval", p.interval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Deferred intent poller stopped")
			return nil
		case <-ticker.C:
			res, err := p.Tick(ctx)
			if err != nil {
				p.logger.Error("Deferred intent poll failed", zap.Error(err))
			}
			if res != nil && (res.Dispatched > 0 || res.Dropped > 0) {
				p.logger.Info("Deferred intents processed",
					zap.Int("dispatched", res.Dispatched),
					zap.Int("dropped", res.Dropped),
					zap.Int("sent", res.Sent),
					zap.Int("failed", res.Failed),
				)
			}
			if p.pruner != nil && p.now().Sub(p.lastPrune) >= claimPruneInterval {
				p.lastPrune = p.now()
				n, err := p.PruneClaims(ctx)
				if err != nil {
					p.logger.Error("Failed to prune occurrence claims", zap.Error(err))
				} else if n > 0 {
					p.logger.Info("Pruned occurrence claims", zap.Int64("count", n))
				}
			}
		}
	}
}

// PruneClaims removes occurrence claims older than the retention window.
// Every intent derived from such a claim has fired by then.
func (p *Poller) PruneClaims(ctx context.Context) (int64, error) {
	if p.pruner == nil {
		return 0, nil
	}
	return p.pruner.PruneClaims(ctx, p.now().Add(-p.claimRetention))
}

// requeue puts intents back so the next tick picks them up
func (p *Poller) requeue(intents []*Intent) {
	for _, intent := range intents {
		if err := p.queue.Push(context.Background(), intent); err != nil {
			p.logger.Error("Failed to requeue deferred intent",
				zap.String("intent_id", intent.ID),
				zap.Error(err),
			)
		}
	}
}

func (p *Poller) updateGauge(ctx context.Context) {
	n, err := p.queue.Len(ctx)
	if err != nil {
		return
	}
	p.metrics.SetDeferredIntents(float64(n))
}
