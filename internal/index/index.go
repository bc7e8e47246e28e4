// Package index maintains a secondary SQLite index over messages living in
// the maildir, for queries the filesystem layout can't answer efficiently
// (by sender, by subject, by endpoint, rate-limit window counts). The index
// is authoritative for queries but not for existence: Rebuild can always
// reconstruct it from the maildir.
//
// Called by: relay core, ratelimit, backpressure, console.
package index

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tenzoki/relay/internal/maildir"
)

const schemaVersion = 1

const createTableSQL = `
CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	subject       TEXT NOT NULL,
	sender        TEXT NOT NULL,
	endpoint_hash TEXT NOT NULL,
	status        TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	ttl           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_sender_created ON messages(sender, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_endpoint_hash ON messages(endpoint_hash);
`

// Message is one row of the messages table.
type Message struct {
	ID           string
	Subject      string
	Sender       string
	EndpointHash string
	Status       string
	CreatedAt    string
	TTL          int64
}

// Metrics is the aggregate view returned by GetMetrics.
type Metrics struct {
	TotalMessages int
	ByStatus      map[string]int
	BySubject     []SubjectCount
}

// SubjectCount is one entry of Metrics.BySubject, sorted descending by Count.
type SubjectCount struct {
	Subject string
	Count   int
}

// Index wraps a SQLite-backed messages table opened in WAL mode.
type Index struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path, applies
// pragmas for durability/concurrency (spec §4.2: WAL, synchronous=NORMAL,
// busy_timeout>=5s), and runs forward-only migrations gated on
// PRAGMA user_version.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("index: failed to open %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("index: failed to set pragma %q: %w", p, err)
		}
	}

	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) migrate() error {
	var version int
	if err := idx.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("index: failed to read user_version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}
	if _, err := idx.db.Exec(createTableSQL); err != nil {
		return fmt.Errorf("index: failed to create schema: %w", err)
	}
	if _, err := idx.db.Exec(fmt.Sprintf("PRAGMA user_version=%d", schemaVersion)); err != nil {
		return fmt.Errorf("index: failed to bump user_version: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// InsertMessage is idempotent (INSERT OR REPLACE): re-indexing the same
// filename id simply overwrites the row.
func (idx *Index) InsertMessage(m Message) error {
	_, err := idx.db.Exec(
		`INSERT OR REPLACE INTO messages (id, subject, sender, endpoint_hash, status, created_at, ttl)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Subject, m.Sender, m.EndpointHash, m.Status, m.CreatedAt, m.TTL,
	)
	if err != nil {
		return fmt.Errorf("index: insertMessage %s failed: %w", m.ID, err)
	}
	return nil
}

// UpdateStatus sets status for id. Used on claim/complete/fail transitions.
func (idx *Index) UpdateStatus(id, status string) error {
	_, err := idx.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("index: updateStatus %s failed: %w", id, err)
	}
	return nil
}

// DeleteMessage removes a row, e.g. after Complete.
func (idx *Index) DeleteMessage(id string) error {
	_, err := idx.db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("index: deleteMessage %s failed: %w", id, err)
	}
	return nil
}

// GetMessage returns the row for id, or nil if none exists.
func (idx *Index) GetMessage(id string) (*Message, error) {
	row := idx.db.QueryRow(
		`SELECT id, subject, sender, endpoint_hash, status, created_at, ttl FROM messages WHERE id = ?`, id,
	)
	var m Message
	if err := row.Scan(&m.ID, &m.Subject, &m.Sender, &m.EndpointHash, &m.Status, &m.CreatedAt, &m.TTL); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("index: getMessage %s failed: %w", id, err)
	}
	return &m, nil
}

// GetBySubject returns rows for subject ordered created_at DESC.
func (idx *Index) GetBySubject(subject string) ([]Message, error) {
	return idx.queryMessages(
		`SELECT id, subject, sender, endpoint_hash, status, created_at, ttl FROM messages WHERE subject = ? ORDER BY created_at DESC`,
		subject,
	)
}

// GetByEndpoint returns rows for endpointHash ordered created_at DESC.
func (idx *Index) GetByEndpoint(endpointHash string) ([]Message, error) {
	return idx.queryMessages(
		`SELECT id, subject, sender, endpoint_hash, status, created_at, ttl FROM messages WHERE endpoint_hash = ? ORDER BY created_at DESC`,
		endpointHash,
	)
}

func (idx *Index) queryMessages(query string, args ...interface{}) ([]Message, error) {
	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: query failed: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Subject, &m.Sender, &m.EndpointHash, &m.Status, &m.CreatedAt, &m.TTL); err != nil {
			return nil, fmt.Errorf("index: scan failed: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountSenderInWindow counts messages from sender created at or after
// windowStartISO. Used by the rate limiter's sliding window.
func (idx *Index) CountSenderInWindow(sender, windowStartISO string) (int, error) {
	var count int
	err := idx.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE sender = ? AND created_at >= ?`,
		sender, windowStartISO,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("index: countSenderInWindow %s failed: %w", sender, err)
	}
	return count, nil
}

// CountNewByEndpoint counts status='new' rows for endpointHash. Used by the
// backpressure gate.
func (idx *Index) CountNewByEndpoint(endpointHash string) (int, error) {
	var count int
	err := idx.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE endpoint_hash = ? AND status = 'new'`,
		endpointHash,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("index: countNewByEndpoint %s failed: %w", endpointHash, err)
	}
	return count, nil
}

// DeleteExpired removes rows whose TTL has passed nowMs.
func (idx *Index) DeleteExpired(nowMs int64) (int64, error) {
	res, err := idx.db.Exec(`DELETE FROM messages WHERE ttl < ?`, nowMs)
	if err != nil {
		return 0, fmt.Errorf("index: deleteExpired failed: %w", err)
	}
	return res.RowsAffected()
}

// GetMetrics returns the aggregate view over the current table contents.
func (idx *Index) GetMetrics() (*Metrics, error) {
	m := &Metrics{ByStatus: make(map[string]int)}

	if err := idx.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&m.TotalMessages); err != nil {
		return nil, fmt.Errorf("index: getMetrics total failed: %w", err)
	}

	statusRows, err := idx.db.Query(`SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("index: getMetrics byStatus failed: %w", err)
	}
	defer statusRows.Close()
	for statusRows.Next() {
		var status string
		var count int
		if err := statusRows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("index: getMetrics byStatus scan failed: %w", err)
		}
		m.ByStatus[status] = count
	}
	if err := statusRows.Err(); err != nil {
		return nil, err
	}

	subjectRows, err := idx.db.Query(`SELECT subject, COUNT(*) FROM messages GROUP BY subject`)
	if err != nil {
		return nil, fmt.Errorf("index: getMetrics bySubject failed: %w", err)
	}
	defer subjectRows.Close()
	for subjectRows.Next() {
		var sc SubjectCount
		if err := subjectRows.Scan(&sc.Subject, &sc.Count); err != nil {
			return nil, fmt.Errorf("index: getMetrics bySubject scan failed: %w", err)
		}
		m.BySubject = append(m.BySubject, sc)
	}
	if err := subjectRows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(m.BySubject, func(i, j int) bool { return m.BySubject[i].Count > m.BySubject[j].Count })

	return m, nil
}

// Rebuild truncates the table and repopulates it by scanning every
// endpoint's new/, cur/, failed/ directories on disk, using the maildir
// filename id (not envelope.ID) as messages.id — the same identifier
// RelayCore indexes under during normal operation.
func (idx *Index) Rebuild(store *maildir.Store, endpointHashToSubject map[string]string) error {
	if _, err := idx.db.Exec(`DELETE FROM messages`); err != nil {
		return fmt.Errorf("index: rebuild truncate failed: %w", err)
	}

	boxes := []struct {
		box    maildir.Box
		status string
		list   func(*maildir.Store, string) ([]string, error)
	}{
		{maildir.BoxNew, "new", (*maildir.Store).ListNew},
		{maildir.BoxCur, "cur", (*maildir.Store).ListCurrent},
		{maildir.BoxFailed, "failed", (*maildir.Store).ListFailed},
	}

	for hash, subject := range endpointHashToSubject {
		for _, b := range boxes {
			ids, err := b.list(store, hash)
			if err != nil {
				return fmt.Errorf("index: rebuild listing %s/%s failed: %w", hash, b.status, err)
			}
			for _, id := range ids {
				env, err := store.ReadEnvelope(hash, b.box, id)
				if err != nil {
					return fmt.Errorf("index: rebuild reading %s/%s/%s failed: %w", hash, b.box, id, err)
				}
				if env == nil {
					continue
				}
				if err := idx.InsertMessage(Message{
					ID:           id,
					Subject:      subject,
					Sender:       env.From,
					EndpointHash: hash,
					Status:       b.status,
					CreatedAt:    env.CreatedAt.UTC().Format(time.RFC3339Nano),
					TTL:          env.Budget.TTL,
				}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
