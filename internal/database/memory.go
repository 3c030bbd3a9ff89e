package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
)

var (
	_ automation.LedgerStore     = (*MemoryStore)(nil)
	_ automation.OccurrenceGuard = (*MemoryStore)(nil)
	_ automation.CatalogSource   = (*MemoryStore)(nil)
	_ automation.ClaimPruner     = (*MemoryStore)(nil)
)

// MemoryStore keeps the ledger, the catalogs and occurrence claims in process.
// Every value handed in or out is a deep copy.
type MemoryStore struct {
	mu sync.RWMutex

	records     []*automation.Record
	byID        map[string]*automation.Record
	resends     map[string][]string
	annotations map[string][]automation.Annotation
	runLogs     []*automation.RunLog

	rules     map[string]automation.Rule
	ruleOrder []string
	templates map[string]automation.Template

	claims map[string]time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:        make(map[string]*automation.Record),
		resends:     make(map[string][]string),
		annotations: make(map[string][]automation.Annotation),
		rules:       make(map[string]automation.Rule),
		templates:   make(map[string]automation.Template),
		claims:      make(map[string]time.Time),
	}
}

// AppendRecord appends a new delivery record
func (s *MemoryStore) AppendRecord(ctx context.Context, rec *automation.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(rec)
}

func (s *MemoryStore) appendLocked(rec *automation.Record) error {
	if _, exists := s.byID[rec.ID]; exists {
		return fmt.Errorf("record %s already exists", rec.ID)
	}
	stored := cloneRecord(rec)
	s.records = append(s.records, stored)
	s.byID[stored.ID] = stored
	if stored.ResendOf != "" {
		s.resends[stored.ResendOf] = append(s.resends[stored.ResendOf], stored.ID)
	}
	return nil
}

// AppendResend appends rec unless its original is not failed or already has a live resend
func (s *MemoryStore) AppendResend(ctx context.Context, rec *automation.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.byID[rec.ResendOf]
	if !ok {
		return false, fmt.Errorf("record %s: %w", rec.ResendOf, automation.ErrNotFound)
	}
	if original.Status != automation.StatusFailed {
		return false, nil
	}
	for _, childID := range s.resends[original.ID] {
		if s.byID[childID].Status != automation.StatusFailed {
			return false, nil
		}
	}
	if err := s.appendLocked(rec); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateStatus applies a guarded status transition
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, change automation.StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("record %s: %w", id, automation.ErrNotFound)
	}
	if rec.Status != change.From || !automation.CanTransition(change.From, change.To) {
		return fmt.Errorf("record %s is %s, cannot move to %s: %w", id, rec.Status, change.To, automation.ErrInvalidTransition)
	}
	applyStatusChange(rec, change)
	return nil
}

// GetRecord returns a record with its annotations applied
func (s *MemoryStore) GetRecord(ctx context.Context, id string) (*automation.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, automation.ErrNotFound)
	}
	return s.viewLocked(rec), nil
}

// ListRecords returns matching records, most recent first
func (s *MemoryStore) ListRecords(ctx context.Context, filter automation.RecordFilter) ([]*automation.Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*automation.Record
	for i := len(s.records) - 1; i >= 0; i-- {
		view := s.viewLocked(s.records[i])
		if matchesFilter(view, filter) {
			matched = append(matched, view)
		}
	}
	return paginate(matched, filter.Limit, filter.Offset), len(matched), nil
}

// ListResendTips returns failed records that have not been resent, oldest first
func (s *MemoryStore) ListResendTips(ctx context.Context) ([]*automation.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tips []*automation.Record
	for _, rec := range s.records {
		if rec.Status == automation.StatusFailed && len(s.resends[rec.ID]) == 0 {
			tips = append(tips, s.viewLocked(rec))
		}
	}
	return tips, nil
}

// AddAnnotation appends an annotation beside a record
func (s *MemoryStore) AddAnnotation(ctx context.Context, ann automation.Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[ann.RecordID]; !ok {
		return fmt.Errorf("record %s: %w", ann.RecordID, automation.ErrNotFound)
	}
	s.annotations[ann.RecordID] = append(s.annotations[ann.RecordID], ann)
	return nil
}

// AppendRunLog appends a run log
func (s *MemoryStore) AppendRunLog(ctx context.Context, log *automation.RunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *log
	s.runLogs = append(s.runLogs, &stored)
	return nil
}

// ListRunLogs returns run logs, most recent first
func (s *MemoryStore) ListRunLogs(ctx context.Context, limit, offset int) ([]*automation.RunLog, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]*automation.RunLog, 0, len(s.runLogs))
	for i := len(s.runLogs) - 1; i >= 0; i-- {
		l := *s.runLogs[i]
		logs = append(logs, &l)
	}
	return paginate(logs, limit, offset), len(logs), nil
}

// Claim reserves an occurrence key. It reports false if the key was already taken.
func (s *MemoryStore) Claim(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.claims[key]; taken {
		return false, nil
	}
	s.claims[key] = time.Now()
	return true, nil
}

// Release gives an occurrence key back
func (s *MemoryStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.claims, key)
	return nil
}

// PruneClaims drops claims taken before the given time
func (s *MemoryStore) PruneClaims(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, at := range s.claims {
		if at.Before(before) {
			delete(s.claims, key)
			n++
		}
	}
	return n, nil
}

// SaveRule inserts or replaces a rule
func (s *MemoryStore) SaveRule(ctx context.Context, rule automation.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; !exists {
		s.ruleOrder = append(s.ruleOrder, rule.ID)
	}
	s.rules[rule.ID] = cloneRule(rule)
	return nil
}

// GetRule returns a rule by id
func (s *MemoryStore) GetRule(ctx context.Context, id string) (*automation.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, automation.ErrNotFound)
	}
	out := cloneRule(rule)
	return &out, nil
}

// ListRules returns every rule in creation order
func (s *MemoryStore) ListRules(ctx context.Context) ([]automation.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rulesLocked(), nil
}

// DeleteRule removes a rule. Ledger entries referring to it are kept.
func (s *MemoryStore) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("rule %s: %w", id, automation.ErrNotFound)
	}
	delete(s.rules, id)
	for i, rid := range s.ruleOrder {
		if rid == id {
			s.ruleOrder = append(s.ruleOrder[:i], s.ruleOrder[i+1:]...)
			break
		}
	}
	return nil
}

// SaveTemplate inserts or replaces a template
func (s *MemoryStore) SaveTemplate(ctx context.Context, tmpl automation.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.templates[tmpl.ID] = cloneTemplate(tmpl)
	return nil
}

// GetTemplate returns a template by id
func (s *MemoryStore) GetTemplate(ctx context.Context, id string) (*automation.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tmpl, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, automation.ErrNotFound)
	}
	out := cloneTemplate(tmpl)
	return &out, nil
}

// ListTemplates returns every template ordered by name
func (s *MemoryStore) ListTemplates(ctx context.Context) ([]automation.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]automation.Template, 0, len(s.templates))
	for _, tmpl := range s.templates {
		out = append(out, cloneTemplate(tmpl))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// DeleteTemplate removes a template
func (s *MemoryStore) DeleteTemplate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[id]; !ok {
		return fmt.Errorf("template %s: %w", id, automation.ErrNotFound)
	}
	delete(s.templates, id)
	return nil
}

// Snapshot returns a frozen copy of both catalogs taken under one lock
func (s *MemoryStore) Snapshot(ctx context.Context) (*automation.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &automation.Snapshot{
		Rules:     s.rulesLocked(),
		Templates: make(map[string]automation.Template, len(s.templates)),
		TakenAt:   time.Now(),
	}
	for id, tmpl := range s.templates {
		snap.Templates[id] = cloneTemplate(tmpl)
	}
	return snap, nil
}

func (s *MemoryStore) rulesLocked() []automation.Rule {
	out := make([]automation.Rule, 0, len(s.ruleOrder))
	for _, id := range s.ruleOrder {
		out = append(out, cloneRule(s.rules[id]))
	}
	return out
}

func (s *MemoryStore) viewLocked(rec *automation.Record) *automation.Record {
	view := cloneRecord(rec)
	applyAnnotations(view, s.annotations[rec.ID])
	return view
}

// MemoryIntentQueue keeps deferred intents ordered by firing time
type MemoryIntentQueue struct {
	mu      sync.Mutex
	intents []*automation.Intent
}

var _ automation.IntentQueue = (*MemoryIntentQueue)(nil)

// NewMemoryIntentQueue creates an empty queue
func NewMemoryIntentQueue() *MemoryIntentQueue {
	return &MemoryIntentQueue{}
}

// Push adds an intent
func (q *MemoryIntentQueue) Push(ctx context.Context, intent *automation.Intent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored := *intent
	i := sort.Search(len(q.intents), func(i int) bool {
		return q.intents[i].FiredAt.After(stored.FiredAt)
	})
	q.intents = append(q.intents, nil)
	copy(q.intents[i+1:], q.intents[i:])
	q.intents[i] = &stored
	return nil
}

// PopDue removes and returns up to limit intents whose firing time is not after now
func (q *MemoryIntentQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]*automation.Intent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for n < len(q.intents) && !q.intents[n].FiredAt.After(now) {
		if limit > 0 && n == limit {
			break
		}
		n++
	}
	due := make([]*automation.Intent, n)
	copy(due, q.intents[:n])
	q.intents = q.intents[n:]
	return due, nil
}

// Len returns the number of waiting intents
func (q *MemoryIntentQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.intents)), nil
}
