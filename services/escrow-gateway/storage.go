package escrowgateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"valyra/core/types"
)

// SQLiteStore manages idempotency keys, the audit log and the event index.
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex
	changed chan struct{}
}

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps event sequencing and ":memory:" databases
	// consistent across callers.
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db, changed: make(chan struct{})}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            principal TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(principal, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            principal TEXT,
            request_id TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL,
            escrow_id INTEGER,
            offer_id INTEGER,
            payload TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS events_escrow ON events(escrow_id, sequence);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

func (s *SQLiteStore) LookupIdempotency(ctx context.Context, principal, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE principal = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, principal, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

func (s *SQLiteStore) SaveIdempotency(ctx context.Context, principal, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(principal, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, principal, key, requestHash, status, body, time.Now().UTC())
	return err
}

// AuditEntry is one row of the mutation audit trail.
type AuditEntry struct {
	ID             int64           `json:"id"`
	Principal      string          `json:"principal,omitempty"`
	RequestID      string          `json:"requestId,omitempty"`
	Method         string          `json:"method"`
	Path           string          `json:"path"`
	RequestBody    json.RawMessage `json:"request,omitempty"`
	ResponseStatus int             `json:"status"`
	ResponseBody   json.RawMessage `json:"response,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

func (s *SQLiteStore) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO audit_log(principal, request_id, method, path, request_body, response_status, response_body, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.Principal, entry.RequestID, entry.Method, entry.Path, []byte(entry.RequestBody), entry.ResponseStatus, []byte(entry.ResponseBody), entry.Timestamp)
	return err
}

// RecentAudit returns up to limit audit entries, newest first.
func (s *SQLiteStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	const query = `SELECT id, principal, request_id, method, path, request_body, response_status, response_body, occurred_at FROM audit_log ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			entry                AuditEntry
			principal, requestID sql.NullString
			reqBody, respBody    []byte
		)
		if err := rows.Scan(&entry.ID, &principal, &requestID, &entry.Method, &entry.Path, &reqBody, &entry.ResponseStatus, &respBody, &entry.Timestamp); err != nil {
			return nil, err
		}
		entry.Principal = principal.String
		entry.RequestID = requestID.String
		entry.RequestBody = rawJSON(reqBody)
		entry.ResponseBody = rawJSON(respBody)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// IndexedEvent is a notification as materialised by the event index.
type IndexedEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// EventQuery selects a window of the event index.
type EventQuery struct {
	After    uint64
	Limit    int
	EscrowID uint64
}

// AppendEvent stores evt and returns its sequence number. Sequences are
// assigned in call order and never reused.
func (s *SQLiteStore) AppendEvent(ctx context.Context, evt *types.Event, at time.Time) (uint64, error) {
	if evt == nil {
		return 0, errors.New("nil event")
	}
	payload, err := json.Marshal(evt.Attributes)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	const stmt = `INSERT INTO events(type, escrow_id, offer_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, evt.Type, optionalID(evt, "escrowId"), optionalID(evt, "offerId"), string(payload), at.UTC())
	if err != nil {
		return 0, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
	return uint64(seq), nil
}

// EventsChanged returns a channel that is closed by the next AppendEvent.
func (s *SQLiteStore) EventsChanged() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Events returns indexed events after q.After in sequence order.
func (s *SQLiteStore) Events(ctx context.Context, q EventQuery) ([]IndexedEvent, error) {
	limit := q.Limit
	if limit <= 0 || limit > maxEventPage {
		limit = maxEventPage
	}
	query := `SELECT sequence, type, payload, created_at FROM events WHERE sequence > ?`
	args := []any{int64(q.After)}
	if q.EscrowID != 0 {
		query += ` AND escrow_id = ?`
		args = append(args, int64(q.EscrowID))
	}
	query += ` ORDER BY sequence ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]IndexedEvent, 0, limit)
	for rows.Next() {
		var (
			evt     IndexedEvent
			seq     int64
			payload string
		)
		if err := rows.Scan(&seq, &evt.Type, &payload, &evt.CreatedAt); err != nil {
			return nil, err
		}
		evt.Sequence = uint64(seq)
		if err := json.Unmarshal([]byte(payload), &evt.Attributes); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", seq, err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// LatestSequence returns the highest assigned event sequence, or zero.
func (s *SQLiteStore) LatestSequence(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events`).Scan(&seq); err != nil {
		return 0, err
	}
	return uint64(seq.Int64), nil
}

const maxEventPage = 500

func optionalID(evt *types.Event, key string) any {
	raw := evt.Attr(key)
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil
	}
	return int64(id)
}

func rawJSON(data []byte) json.RawMessage {
	if len(data) == 0 || !json.Valid(data) {
		return nil
	}
	return json.RawMessage(data)
}
