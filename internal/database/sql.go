package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
	"github.com/alexnthnz/tutoring-automation/internal/config"
)

var (
	_ automation.LedgerStore     = (*SQLStore)(nil)
	_ automation.OccurrenceGuard = (*SQLStore)(nil)
	_ automation.CatalogSource   = (*SQLStore)(nil)
	_ automation.ClaimPruner     = (*SQLStore)(nil)
)

// SQLStore persists the ledger, the catalogs and occurrence claims in
// PostgreSQL or SQLite
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore opens the database described by cfg
func NewSQLStore(cfg config.DatabaseConfig) (*SQLStore, error) {
	return OpenSQLStore(cfg.Driver, cfg.DSN())
}

// OpenSQLStore opens a store for driver "postgres" or "sqlite3"
func OpenSQLStore(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "postgres":
	case "sqlite3":
		if dir := filepath.Dir(dsn); dir != "." && !strings.HasPrefix(dsn, ":memory:") {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite3" {
		// SQLite allows one writer at a time
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLStore{db: db, driver: driver}, nil
}

// InitSchema initializes the database schema
func (s *SQLStore) InitSchema(ctx context.Context) error {
	jsonType, tsType := "JSONB", "TIMESTAMPTZ"
	if s.driver == "sqlite3" {
		jsonType, tsType = "TEXT", "DATETIME"
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS automation_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		conditions %[1]s NOT NULL,
		schedule %[1]s NOT NULL,
		message %[1]s NOT NULL,
		channels %[1]s NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at %[2]s NOT NULL,
		updated_at %[2]s NOT NULL
	);

	CREATE TABLE IF NOT EXISTS message_templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		variables %[1]s,
		examples %[1]s,
		created_at %[2]s NOT NULL,
		updated_at %[2]s NOT NULL
	);

	CREATE TABLE IF NOT EXISTS delivery_records (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		trigger_type TEXT NOT NULL DEFAULT '',
		intent_id TEXT NOT NULL DEFAULT '',
		occurrence_key TEXT NOT NULL DEFAULT '',
		recipient_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		template_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		bindings %[1]s,
		status TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		external_id TEXT NOT NULL DEFAULT '',
		resend_of TEXT REFERENCES delivery_records(id),
		sent_at %[2]s NOT NULL,
		delivered_at %[2]s,
		created_at %[2]s NOT NULL
	);

	CREATE TABLE IF NOT EXISTS record_annotations (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL REFERENCES delivery_records(id),
		kind TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		created_at %[2]s NOT NULL
	);

	CREATE TABLE IF NOT EXISTS automation_run_logs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		trigger_id TEXT NOT NULL DEFAULT '',
		rule_id TEXT NOT NULL DEFAULT '',
		trigger_type TEXT NOT NULL DEFAULT '',
		target_count INTEGER NOT NULL DEFAULT 0,
		sent_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		deferred_count INTEGER NOT NULL DEFAULT 0,
		duplicate_count INTEGER NOT NULL DEFAULT 0,
		execution_time_ms BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		started_at %[2]s NOT NULL
	);

	CREATE TABLE IF NOT EXISTS occurrence_claims (
		occurrence_key TEXT PRIMARY KEY,
		claimed_at %[2]s NOT NULL
	);

	CREATE TABLE IF NOT EXISTS deferred_intents (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		fire_at %[2]s NOT NULL,
		payload %[1]s NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_delivery_records_rule_id ON delivery_records(rule_id);
	CREATE INDEX IF NOT EXISTS idx_delivery_records_recipient_id ON delivery_records(recipient_id);
	CREATE INDEX IF NOT EXISTS idx_delivery_records_status ON delivery_records(status);
	CREATE INDEX IF NOT EXISTS idx_delivery_records_created_at ON delivery_records(created_at);
	CREATE INDEX IF NOT EXISTS idx_delivery_records_resend_of ON delivery_records(resend_of);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_delivery_records_live_resend
		ON delivery_records(resend_of)
		WHERE resend_of IS NOT NULL AND status IN ('pending', 'sent', 'delivered');
	CREATE INDEX IF NOT EXISTS idx_record_annotations_record_id ON record_annotations(record_id);
	CREATE INDEX IF NOT EXISTS idx_run_logs_started_at ON automation_run_logs(started_at);
	CREATE INDEX IF NOT EXISTS idx_occurrence_claims_claimed_at ON occurrence_claims(claimed_at);
	CREATE INDEX IF NOT EXISTS idx_deferred_intents_fire_at ON deferred_intents(fire_at);
	`, jsonType, tsType)

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the connection
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for PostgreSQL
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// insertIgnore returns an INSERT that silently skips unique violations
func (s *SQLStore) insertIgnore(table, columns string, n int) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
	if s.driver == "sqlite3" {
		return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)", table, columns, placeholders)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING", table, columns, placeholders)
}

const recordColumns = `id, rule_id, trigger_type, intent_id, occurrence_key, recipient_id, channel, address,
	template_id, title, body, bindings, status, error_message, external_id, resend_of, sent_at, delivered_at, created_at`

func recordArgs(rec *automation.Record) ([]any, error) {
	bindings, err := marshalJSON(rec.Bindings)
	if err != nil {
		return nil, err
	}
	var resendOf any
	if rec.ResendOf != "" {
		resendOf = rec.ResendOf
	}
	var deliveredAt any
	if rec.DeliveredAt != nil {
		deliveredAt = rec.DeliveredAt.UTC()
	}
	return []any{
		rec.ID, rec.RuleID, string(rec.TriggerType), rec.IntentID, rec.OccurrenceKey, rec.RecipientID,
		string(rec.Channel), rec.Address, rec.TemplateID, rec.Title, rec.Body, bindings,
		string(rec.Status), rec.ErrorMessage, rec.ExternalID, resendOf,
		rec.SentAt.UTC(), deliveredAt, rec.CreatedAt.UTC(),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*automation.Record, error) {
	var (
		rec         automation.Record
		triggerType string
		channel     string
		status      string
		bindings    []byte
		resendOf    sql.NullString
		deliveredAt sql.NullTime
	)
	if err := row.Scan(
		&rec.ID, &rec.RuleID, &triggerType, &rec.IntentID, &rec.OccurrenceKey, &rec.RecipientID,
		&channel, &rec.Address, &rec.TemplateID, &rec.Title, &rec.Body, &bindings,
		&status, &rec.ErrorMessage, &rec.ExternalID, &resendOf,
		&rec.SentAt, &deliveredAt, &rec.CreatedAt,
	); err != nil {
		return nil, err
	}
	rec.TriggerType = automation.TriggerType(triggerType)
	rec.Channel = automation.Channel(channel)
	rec.Status = automation.DeliveryStatus(status)
	rec.ResendOf = resendOf.String
	if deliveredAt.Valid {
		at := deliveredAt.Time
		rec.DeliveredAt = &at
	}
	if err := unmarshalJSON(bindings, &rec.Bindings); err != nil {
		return nil, err
	}
	return &rec, nil
}

// AppendRecord appends a new delivery record
func (s *SQLStore) AppendRecord(ctx context.Context, rec *automation.Record) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("INSERT INTO delivery_records (%s) VALUES (%s)",
		recordColumns, strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", "))
	if _, err := s.db.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

// AppendResend appends rec unless its original is not failed or already has a
// live resend. The partial unique index on resend_of settles concurrent calls.
func (s *SQLStore) AppendResend(ctx context.Context, rec *automation.Record) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT status FROM delivery_records WHERE id = ?"), rec.ResendOf).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("record %s: %w", rec.ResendOf, automation.ErrNotFound)
	}
	if err != nil {
		return false, err
	}
	if automation.DeliveryStatus(status) != automation.StatusFailed {
		return false, nil
	}

	args, err := recordArgs(rec)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(s.insertIgnore("delivery_records", recordColumns, len(args))), args...)
	if err != nil {
		return false, fmt.Errorf("failed to insert resend: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateStatus applies a guarded status transition
func (s *SQLStore) UpdateStatus(ctx context.Context, id string, change automation.StatusChange) error {
	if !automation.CanTransition(change.From, change.To) {
		return fmt.Errorf("cannot move record %s from %s to %s: %w", id, change.From, change.To, automation.ErrInvalidTransition)
	}

	var (
		res sql.Result
		err error
	)
	if change.To == automation.StatusDelivered {
		res, err = s.db.ExecContext(ctx, s.rebind(
			`UPDATE delivery_records SET status = ?, delivered_at = ? WHERE id = ? AND status = ?`),
			string(change.To), change.At.UTC(), id, string(change.From))
	} else {
		res, err = s.db.ExecContext(ctx, s.rebind(
			`UPDATE delivery_records
			SET status = ?, error_message = ?, external_id = CASE WHEN ? = '' THEN external_id ELSE ? END, sent_at = ?
			WHERE id = ? AND status = ?`),
			string(change.To), change.ErrorMessage, change.ExternalID, change.ExternalID, change.At.UTC(), id, string(change.From))
	}
	if err != nil {
		return fmt.Errorf("failed to update record status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.getRecordRow(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("record %s is not %s: %w", id, change.From, automation.ErrInvalidTransition)
}

func (s *SQLStore) getRecordRow(ctx context.Context, id string) (*automation.Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+recordColumns+" FROM delivery_records WHERE id = ?"), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, automation.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return rec, nil
}

// GetRecord returns a record with its annotations applied
func (s *SQLStore) GetRecord(ctx context.Context, id string) (*automation.Record, error) {
	rec, err := s.getRecordRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.loadAnnotations(ctx, []*automation.Record{rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListRecords returns matching records, most recent first
func (s *SQLStore) ListRecords(ctx context.Context, filter automation.RecordFilter) ([]*automation.Record, int, error) {
	var where []string
	var args []any
	if filter.RuleID != "" {
		where = append(where, "r.rule_id = ?")
		args = append(args, filter.RuleID)
	}
	if filter.RecipientID != "" {
		where = append(where, "r.recipient_id = ?")
		args = append(args, filter.RecipientID)
	}
	if filter.Channel != "" {
		where = append(where, "r.channel = ?")
		args = append(args, string(filter.Channel))
	}
	if filter.Status != "" {
		where = append(where, "r.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Flagged != nil {
		exists := "EXISTS (SELECT 1 FROM record_annotations a WHERE a.record_id = r.id AND a.kind = 'flag')"
		if !*filter.Flagged {
			exists = "NOT " + exists
		}
		where = append(where, exists)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM delivery_records r"+clause), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count records: %w", err)
	}

	query := "SELECT " + prefixColumns("r", recordColumns) + " FROM delivery_records r" + clause +
		" ORDER BY r.created_at DESC, r.id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, max(filter.Offset, 0))
	} else if filter.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		if s.driver == "postgres" {
			query = strings.Replace(query, "LIMIT -1 ", "", 1)
		}
		args = append(args, filter.Offset)
	}

	records, err := s.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// ListResendTips returns failed records that have not been resent, oldest first
func (s *SQLStore) ListResendTips(ctx context.Context) ([]*automation.Record, error) {
	query := "SELECT " + prefixColumns("r", recordColumns) + ` FROM delivery_records r
		WHERE r.status = 'failed'
		AND NOT EXISTS (SELECT 1 FROM delivery_records c WHERE c.resend_of = r.id)
		ORDER BY r.created_at, r.id`
	return s.queryRecords(ctx, query)
}

func (s *SQLStore) queryRecords(ctx context.Context, query string, args ...any) ([]*automation.Record, error) {
	records, err := s.scanRecords(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if err := s.loadAnnotations(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

// scanRecords reads the whole result set and releases the connection before returning
func (s *SQLStore) scanRecords(ctx context.Context, query string, args ...any) ([]*automation.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := []*automation.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// annotationBatch bounds the ids bound into one annotation query, well under
// the SQLite and PostgreSQL parameter limits
const annotationBatch = 500

func (s *SQLStore) loadAnnotations(ctx context.Context, records []*automation.Record) error {
	byID := make(map[string]*automation.Record, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	anns := make(map[string][]automation.Annotation)
	for start := 0; start < len(records); start += annotationBatch {
		batch := records[start:min(start+annotationBatch, len(records))]
		if err := s.queryAnnotations(ctx, batch, anns); err != nil {
			return err
		}
	}
	for id, list := range anns {
		applyAnnotations(byID[id], list)
	}
	return nil
}

func (s *SQLStore) queryAnnotations(ctx context.Context, records []*automation.Record, into map[string][]automation.Annotation) error {
	args := make([]any, 0, len(records))
	for _, rec := range records {
		args = append(args, rec.ID)
	}

	query := "SELECT record_id, kind, value, created_at FROM record_annotations WHERE record_id IN (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ") + ") ORDER BY created_at, id"
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to query annotations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ann automation.Annotation
		var kind string
		if err := rows.Scan(&ann.RecordID, &kind, &ann.Value, &ann.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan annotation: %w", err)
		}
		ann.Kind = automation.AnnotationKind(kind)
		into[ann.RecordID] = append(into[ann.RecordID], ann)
	}
	return rows.Err()
}

// AddAnnotation appends an annotation beside a record
func (s *SQLStore) AddAnnotation(ctx context.Context, ann automation.Annotation) error {
	if _, err := s.getRecordRow(ctx, ann.RecordID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO record_annotations (id, record_id, kind, value, created_at) VALUES (?, ?, ?, ?, ?)`),
		uuid.New().String(), ann.RecordID, string(ann.Kind), ann.Value, ann.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert annotation: %w", err)
	}
	return nil
}

// AppendRunLog appends a run log
func (s *SQLStore) AppendRunLog(ctx context.Context, log *automation.RunLog) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO automation_run_logs
		(id, run_id, trigger_id, rule_id, trigger_type, target_count, sent_count, error_count,
		deferred_count, duplicate_count, execution_time_ms, status, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		log.ID, log.RunID, log.TriggerID, log.RuleID, string(log.TriggerType), log.TargetCount, log.SentCount,
		log.ErrorCount, log.DeferredCount, log.DuplicateCount, log.ExecutionTimeMs, string(log.Status),
		log.Error, log.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert run log: %w", err)
	}
	return nil
}

// ListRunLogs returns run logs, most recent first
func (s *SQLStore) ListRunLogs(ctx context.Context, limit, offset int) ([]*automation.RunLog, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM automation_run_logs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count run logs: %w", err)
	}

	query := `SELECT id, run_id, trigger_id, rule_id, trigger_type, target_count, sent_count, error_count,
		deferred_count, duplicate_count, execution_time_ms, status, error, started_at
		FROM automation_run_logs ORDER BY started_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, max(offset, 0))
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query run logs: %w", err)
	}
	defer rows.Close()

	logs := []*automation.RunLog{}
	for rows.Next() {
		var l automation.RunLog
		var triggerType, status string
		if err := rows.Scan(&l.ID, &l.RunID, &l.TriggerID, &l.RuleID, &triggerType, &l.TargetCount, &l.SentCount,
			&l.ErrorCount, &l.DeferredCount, &l.DuplicateCount, &l.ExecutionTimeMs, &status, &l.Error, &l.StartedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan run log: %w", err)
		}
		l.TriggerType = automation.TriggerType(triggerType)
		l.Status = automation.RunStatus(status)
		logs = append(logs, &l)
	}
	return logs, total, rows.Err()
}

// Claim reserves an occurrence key. It reports false if the key was already taken.
func (s *SQLStore) Claim(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(s.insertIgnore("occurrence_claims", "occurrence_key, claimed_at", 2)),
		key, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim occurrence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release gives an occurrence key back
func (s *SQLStore) Release(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM occurrence_claims WHERE occurrence_key = ?"), key)
	return err
}

// PruneClaims drops claims taken before the given time
func (s *SQLStore) PruneClaims(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM occurrence_claims WHERE claimed_at < ?"), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune occurrence claims: %w", err)
	}
	return res.RowsAffected()
}

const ruleColumns = "id, name, trigger_type, conditions, schedule, message, channels, enabled, created_at, updated_at"

// SaveRule inserts or replaces a rule
func (s *SQLStore) SaveRule(ctx context.Context, rule automation.Rule) error {
	conditions, err := marshalJSON(rule.Conditions)
	if err != nil {
		return err
	}
	schedule, err := marshalJSON(rule.Schedule)
	if err != nil {
		return err
	}
	message, err := marshalJSON(rule.Message)
	if err != nil {
		return err
	}
	channels, err := marshalJSON(rule.Channels)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO automation_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			trigger_type = excluded.trigger_type,
			conditions = excluded.conditions,
			schedule = excluded.schedule,
			message = excluded.message,
			channels = excluded.channels,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`),
		rule.ID, rule.Name, string(rule.TriggerType), conditions, schedule, message, channels,
		rule.Enabled, rule.CreatedAt.UTC(), rule.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

func scanRule(row rowScanner) (automation.Rule, error) {
	var (
		rule                                    automation.Rule
		triggerType                             string
		conditions, schedule, message, channels []byte
	)
	if err := row.Scan(&rule.ID, &rule.Name, &triggerType, &conditions, &schedule, &message, &channels,
		&rule.Enabled, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
		return rule, err
	}
	rule.TriggerType = automation.TriggerType(triggerType)
	for _, f := range []struct {
		data []byte
		dst  any
	}{
		{conditions, &rule.Conditions},
		{schedule, &rule.Schedule},
		{message, &rule.Message},
		{channels, &rule.Channels},
	} {
		if err := unmarshalJSON(f.data, f.dst); err != nil {
			return rule, err
		}
	}
	return rule, nil
}

// GetRule returns a rule by id
func (s *SQLStore) GetRule(ctx context.Context, id string) (*automation.Rule, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+ruleColumns+" FROM automation_rules WHERE id = ?"), id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, automation.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rule: %w", err)
	}
	return &rule, nil
}

// ListRules returns every rule in creation order
func (s *SQLStore) ListRules(ctx context.Context) ([]automation.Rule, error) {
	return listRules(ctx, s.db)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listRules(ctx context.Context, q queryer) ([]automation.Rule, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+ruleColumns+" FROM automation_rules ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	rules := []automation.Rule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// DeleteRule removes a rule. Ledger entries referring to it are kept.
func (s *SQLStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM automation_rules WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return expectOne(res, "rule", id)
}

const templateColumns = "id, name, type, title, content, variables, examples, created_at, updated_at"

// SaveTemplate inserts or replaces a template
func (s *SQLStore) SaveTemplate(ctx context.Context, tmpl automation.Template) error {
	variables, err := marshalJSON(tmpl.Variables)
	if err != nil {
		return err
	}
	examples, err := marshalJSON(tmpl.Examples)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO message_templates (`+templateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			title = excluded.title,
			content = excluded.content,
			variables = excluded.variables,
			examples = excluded.examples,
			updated_at = excluded.updated_at`),
		tmpl.ID, tmpl.Name, string(tmpl.Type), tmpl.Title, tmpl.Content, variables, examples,
		tmpl.CreatedAt.UTC(), tmpl.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

func scanTemplate(row rowScanner) (automation.Template, error) {
	var (
		tmpl                automation.Template
		kind                string
		variables, examples []byte
	)
	if err := row.Scan(&tmpl.ID, &tmpl.Name, &kind, &tmpl.Title, &tmpl.Content, &variables, &examples,
		&tmpl.CreatedAt, &tmpl.UpdatedAt); err != nil {
		return tmpl, err
	}
	tmpl.Type = automation.TriggerType(kind)
	if err := unmarshalJSON(variables, &tmpl.Variables); err != nil {
		return tmpl, err
	}
	if err := unmarshalJSON(examples, &tmpl.Examples); err != nil {
		return tmpl, err
	}
	return tmpl, nil
}

// GetTemplate returns a template by id
func (s *SQLStore) GetTemplate(ctx context.Context, id string) (*automation.Template, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+templateColumns+" FROM message_templates WHERE id = ?"), id)
	tmpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, automation.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}
	return &tmpl, nil
}

// ListTemplates returns every template ordered by name
func (s *SQLStore) ListTemplates(ctx context.Context) ([]automation.Template, error) {
	return listTemplates(ctx, s.db)
}

func listTemplates(ctx context.Context, q queryer) ([]automation.Template, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+templateColumns+" FROM message_templates ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	templates := []automation.Template{}
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, tmpl)
	}
	return templates, rows.Err()
}

// DeleteTemplate removes a template
func (s *SQLStore) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM message_templates WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	return expectOne(res, "template", id)
}

// Snapshot reads both catalogs inside one transaction
func (s *SQLStore) Snapshot(ctx context.Context) (*automation.Snapshot, error) {
	var opts *sql.TxOptions
	if s.driver == "postgres" {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback()

	rules, err := listRules(ctx, tx)
	if err != nil {
		return nil, err
	}
	templates, err := listTemplates(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	snap := &automation.Snapshot{
		Rules:     rules,
		Templates: make(map[string]automation.Template, len(templates)),
		TakenAt:   time.Now(),
	}
	for _, tmpl := range templates {
		snap.Templates[tmpl.ID] = tmpl
	}
	return snap, nil
}

func expectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, automation.ErrNotFound)
	}
	return nil
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode column: %w", err)
	}
	return string(data), nil
}

func unmarshalJSON(data []byte, dst any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}
