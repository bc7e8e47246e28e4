// Package trace records one span per message's delivery lifecycle in
// SQLite: sent, delivered/failed/dead_lettered, with enough metadata to
// reconstruct a conversation's path without ever storing payload contents.
//
// Called by: relay core, message receiver.
package trace

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const createTableSQL = `
CREATE TABLE IF NOT EXISTS message_traces (
	message_id              TEXT PRIMARY KEY,
	trace_id                TEXT NOT NULL,
	span_id                 TEXT NOT NULL,
	parent_span_id          TEXT,
	subject                 TEXT NOT NULL,
	from_endpoint           TEXT NOT NULL,
	to_endpoint             TEXT NOT NULL,
	status                  TEXT NOT NULL DEFAULT 'pending',
	budget_hops_used        INTEGER,
	budget_ttl_remaining_ms INTEGER,
	sent_at                 INTEGER NOT NULL,
	delivered_at            INTEGER,
	processed_at            INTEGER,
	error                   TEXT
);
CREATE INDEX IF NOT EXISTS idx_message_traces_trace_id ON message_traces(trace_id);
CREATE INDEX IF NOT EXISTS idx_message_traces_subject ON message_traces(subject);
CREATE INDEX IF NOT EXISTS idx_message_traces_sent_at ON message_traces(sent_at DESC);
CREATE INDEX IF NOT EXISTS idx_message_traces_dead_lettered ON message_traces(status) WHERE status = 'dead_lettered';
`

// Canonical rejection-error substrings, matched with LIKE against the
// error column to aggregate budget-rejection counters.
const (
	SubstringHopLimit   = "hop_limit_exceeded"
	SubstringTTLExpired = "ttl_expired"
	SubstringCycle      = "cycle_detected"
	SubstringBudgetGone = "budget_exhausted"
)

// Span is one row of message_traces.
type Span struct {
	MessageID           string
	TraceID              string
	SpanID               string
	ParentSpanID         sql.NullString
	Subject              string
	FromEndpoint         string
	ToEndpoint           string
	Status               string
	BudgetHopsUsed       sql.NullInt64
	BudgetTTLRemainingMs sql.NullInt64
	SentAt               int64
	DeliveredAt          sql.NullInt64
	ProcessedAt          sql.NullInt64
	Error                sql.NullString
}

// SpanUpdate holds the columns UpdateSpan should set; nil fields are left
// untouched.
type SpanUpdate struct {
	Status      *string
	DeliveredAt *int64
	ProcessedAt *int64
	Error       *string
}

// Metrics is the aggregate view returned by GetMetrics.
type Metrics struct {
	TotalMessages        int
	DeliveredCount       int
	FailedCount          int
	DeadLetteredCount    int
	AvgDeliveryLatencyMs float64
	P95DeliveryLatencyMs float64
	ActiveEndpoints      int
	BudgetRejections     BudgetRejectionCounts
}

// BudgetRejectionCounts tallies the four canonical rejection reasons.
type BudgetRejectionCounts struct {
	HopLimitExceeded int
	TTLExpired       int
	CycleDetected    int
	BudgetExhausted  int
}

// Store wraps a SQLite-backed message_traces table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("trace: failed to open %s: %w", path, err)
	}

	for _, p := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("trace: failed to set pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("trace: failed to read user_version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}
	if _, err := s.db.Exec(createTableSQL); err != nil {
		return fmt.Errorf("trace: failed to create schema: %w", err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version=%d", schemaVersion)); err != nil {
		return fmt.Errorf("trace: failed to bump user_version: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertSpan records a new span, usually at status='pending' or 'sent'.
func (s *Store) InsertSpan(span Span) error {
	_, err := s.db.Exec(
		`INSERT INTO message_traces
			(message_id, trace_id, span_id, parent_span_id, subject, from_endpoint, to_endpoint,
			 status, budget_hops_used, budget_ttl_remaining_ms, sent_at, delivered_at, processed_at, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		span.MessageID, span.TraceID, span.SpanID, span.ParentSpanID, span.Subject, span.FromEndpoint, span.ToEndpoint,
		span.Status, span.BudgetHopsUsed, span.BudgetTTLRemainingMs, span.SentAt, span.DeliveredAt, span.ProcessedAt, span.Error,
	)
	if err != nil {
		return fmt.Errorf("trace: insertSpan %s failed: %w", span.MessageID, err)
	}
	return nil
}

// UpdateSpan applies only the non-nil fields of u to the row for messageID.
func (s *Store) UpdateSpan(messageID string, u SpanUpdate) error {
	setClauses := make([]string, 0, 4)
	args := make([]interface{}, 0, 5)

	if u.Status != nil {
		setClauses = append(setClauses, "status = ?")
		args = append(args, *u.Status)
	}
	if u.DeliveredAt != nil {
		setClauses = append(setClauses, "delivered_at = ?")
		args = append(args, *u.DeliveredAt)
	}
	if u.ProcessedAt != nil {
		setClauses = append(setClauses, "processed_at = ?")
		args = append(args, *u.ProcessedAt)
	}
	if u.Error != nil {
		setClauses = append(setClauses, "error = ?")
		args = append(args, *u.Error)
	}
	if len(setClauses) == 0 {
		return nil
	}

	query := "UPDATE message_traces SET "
	for i, clause := range setClauses {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += " WHERE message_id = ?"
	args = append(args, messageID)

	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("trace: updateSpan %s failed: %w", messageID, err)
	}
	return nil
}

// GetSpanByMessageID returns the span for messageID, or nil if none exists.
func (s *Store) GetSpanByMessageID(messageID string) (*Span, error) {
	row := s.db.QueryRow(
		`SELECT message_id, trace_id, span_id, parent_span_id, subject, from_endpoint, to_endpoint,
		        status, budget_hops_used, budget_ttl_remaining_ms, sent_at, delivered_at, processed_at, error
		 FROM message_traces WHERE message_id = ?`, messageID,
	)
	span, err := scanSpan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trace: getSpanByMessageId %s failed: %w", messageID, err)
	}
	return span, nil
}

// GetTrace returns every span sharing traceID, ordered by sent_at ascending.
func (s *Store) GetTrace(traceID string) ([]Span, error) {
	rows, err := s.db.Query(
		`SELECT message_id, trace_id, span_id, parent_span_id, subject, from_endpoint, to_endpoint,
		        status, budget_hops_used, budget_ttl_remaining_ms, sent_at, delivered_at, processed_at, error
		 FROM message_traces WHERE trace_id = ? ORDER BY sent_at ASC`, traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("trace: getTrace %s failed: %w", traceID, err)
	}
	defer rows.Close()

	var spans []Span
	for rows.Next() {
		span, err := scanSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("trace: getTrace %s scan failed: %w", traceID, err)
		}
		spans = append(spans, *span)
	}
	return spans, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSpan(row rowScanner) (*Span, error) {
	var span Span
	err := row.Scan(
		&span.MessageID, &span.TraceID, &span.SpanID, &span.ParentSpanID, &span.Subject, &span.FromEndpoint, &span.ToEndpoint,
		&span.Status, &span.BudgetHopsUsed, &span.BudgetTTLRemainingMs, &span.SentAt, &span.DeliveredAt, &span.ProcessedAt, &span.Error,
	)
	if err != nil {
		return nil, err
	}
	return &span, nil
}

// GetMetrics computes the aggregate delivery-health view (spec §4.3).
func (s *Store) GetMetrics() (*Metrics, error) {
	m := &Metrics{}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM message_traces`).Scan(&m.TotalMessages); err != nil {
		return nil, fmt.Errorf("trace: getMetrics total failed: %w", err)
	}
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM message_traces WHERE status IN ('delivered', 'processed')`,
	).Scan(&m.DeliveredCount); err != nil {
		return nil, fmt.Errorf("trace: getMetrics deliveredCount failed: %w", err)
	}
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM message_traces WHERE status = 'failed'`,
	).Scan(&m.FailedCount); err != nil {
		return nil, fmt.Errorf("trace: getMetrics failedCount failed: %w", err)
	}
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM message_traces WHERE status = 'dead_lettered'`,
	).Scan(&m.DeadLetteredCount); err != nil {
		return nil, fmt.Errorf("trace: getMetrics deadLetteredCount failed: %w", err)
	}
	if err := s.db.QueryRow(
		`SELECT COUNT(DISTINCT to_endpoint) FROM message_traces WHERE status != 'dead_lettered'`,
	).Scan(&m.ActiveEndpoints); err != nil {
		return nil, fmt.Errorf("trace: getMetrics activeEndpoints failed: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRow(
		`SELECT AVG(delivered_at - sent_at) FROM message_traces WHERE delivered_at IS NOT NULL`,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("trace: getMetrics avgDeliveryLatencyMs failed: %w", err)
	}
	m.AvgDeliveryLatencyMs = avg.Float64

	p95, err := s.p95DeliveryLatency()
	if err != nil {
		return nil, err
	}
	m.P95DeliveryLatencyMs = p95

	rejections, err := s.budgetRejectionCounts()
	if err != nil {
		return nil, err
	}
	m.BudgetRejections = *rejections

	return m, nil
}

// p95DeliveryLatency computes the 95th percentile via an offset query over
// the ordered set of delivered spans, per spec §4.3.
func (s *Store) p95DeliveryLatency() (float64, error) {
	rows, err := s.db.Query(
		`SELECT (delivered_at - sent_at) AS latency FROM message_traces
		 WHERE delivered_at IS NOT NULL ORDER BY latency ASC`,
	)
	if err != nil {
		return 0, fmt.Errorf("trace: p95DeliveryLatencyMs failed: %w", err)
	}
	defer rows.Close()

	var latencies []int64
	for rows.Next() {
		var l int64
		if err := rows.Scan(&l); err != nil {
			return 0, fmt.Errorf("trace: p95DeliveryLatencyMs scan failed: %w", err)
		}
		latencies = append(latencies, l)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(latencies) == 0 {
		return 0, nil
	}

	idx := int(float64(len(latencies)) * 0.95)
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	return float64(latencies[idx]), nil
}

func (s *Store) budgetRejectionCounts() (*BudgetRejectionCounts, error) {
	counts := &BudgetRejectionCounts{}
	fields := []struct {
		substring string
		dest      *int
	}{
		{SubstringHopLimit, &counts.HopLimitExceeded},
		{SubstringTTLExpired, &counts.TTLExpired},
		{SubstringCycle, &counts.CycleDetected},
		{SubstringBudgetGone, &counts.BudgetExhausted},
	}
	for _, f := range fields {
		if err := s.db.QueryRow(
			`SELECT COUNT(*) FROM message_traces WHERE error LIKE '%' || ? || '%'`, f.substring,
		).Scan(f.dest); err != nil {
			return nil, fmt.Errorf("trace: budgetRejections %s failed: %w", f.substring, err)
		}
	}
	return counts, nil
}
