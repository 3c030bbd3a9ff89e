package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
)

// SQLIntentQueue keeps deferred intents in the deferred_intents table so
// they survive a restart together with the occurrence claims
type SQLIntentQueue struct {
	store  *SQLStore
	logger *zap.Logger
}

var _ automation.IntentQueue = (*SQLIntentQueue)(nil)

// IntentQueue returns the deferred intent queue stored beside the ledger
func (s *SQLStore) IntentQueue(logger *zap.Logger) *SQLIntentQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLIntentQueue{store: s, logger: logger}
}

// Push adds an intent. Pushing an intent id twice keeps the first copy.
func (q *SQLIntentQueue) Push(ctx context.Context, intent *automation.Intent) error {
	payload, err := marshalJSON(intent)
	if err != nil {
		return fmt.Errorf("failed to encode intent: %w", err)
	}
	s := q.store
	_, err = s.db.ExecContext(ctx, s.rebind(s.insertIgnore("deferred_intents", "id, rule_id, fire_at, payload", 4)),
		intent.ID, intent.RuleID, intent.FiredAt.UTC(), payload)
	if err != nil {
		return fmt.Errorf("failed to store deferred intent: %w", err)
	}
	return nil
}

// PopDue removes and returns up to limit intents whose firing time is not after now.
// Rows deleted by a concurrent poller are skipped. Undecodable rows are
// logged and removed.
func (q *SQLIntentQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]*automation.Intent, error) {
	s := q.store
	query := "SELECT id, payload FROM deferred_intents WHERE fire_at <= ? ORDER BY fire_at, id"
	args := []any{now.UTC()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	type row struct {
		id      string
		payload []byte
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read deferred intents: %w", err)
	}
	var candidates []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan deferred intent: %w", err)
		}
		candidates = append(candidates, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read deferred intents: %w", err)
	}

	due := make([]*automation.Intent, 0, len(candidates))
	for _, c := range candidates {
		res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM deferred_intents WHERE id = ?"), c.id)
		if err != nil {
			if len(due) > 0 {
				// the rest stays queued for the next poll
				q.logger.Warn("Stopped popping deferred intents", zap.Int("popped", len(due)), zap.Error(err))
				return due, nil
			}
			return nil, fmt.Errorf("failed to pop deferred intent: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			continue
		}

		var intent automation.Intent
		if err := json.Unmarshal(c.payload, &intent); err != nil {
			q.logger.Error("Discarding undecodable deferred intent", zap.String("intent_id", c.id), zap.Error(err))
			continue
		}
		due = append(due, &intent)
	}
	return due, nil
}

// Len returns the number of waiting intents
func (q *SQLIntentQueue) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := q.store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM deferred_intents").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count deferred intents: %w", err)
	}
	return n, nil
}
