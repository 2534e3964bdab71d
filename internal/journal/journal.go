// Package journal persists the delivery outcome of guaranteed events
// and error reports so operators can answer "did the user ever see
// this" after the fact. The rest of the best-effort volume stays out
// of the database.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var ErrNotFound = errors.New("journal entry not found")

// Entry is one recorded delivery outcome.
type Entry struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	UserID    string         `json:"user_id,omitempty"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	Delivered bool           `json:"delivered"`
	Attempts  int            `json:"attempts"`
	CreatedAt time.Time      `json:"created_at"`
}

// Stats aggregates recorded outcomes.
type Stats struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

type Journal struct {
	db *sql.DB

	nowFn func() time.Time
}

type Option func(*Journal)

func WithClock(nowFn func() time.Time) Option {
	return func(j *Journal) {
		if nowFn != nil {
			j.nowFn = nowFn
		}
	}
}

func New(db *sql.DB, opts ...Option) *Journal {
	j := &Journal{
		db:    db,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	return j
}

// Append records one outcome. A missing ID gets a fresh ULID; a zero
// CreatedAt gets the journal clock.
func (j *Journal) Append(ctx context.Context, entry Entry) (Entry, error) {
	if strings.TrimSpace(entry.ThreadID) == "" {
		return Entry{}, fmt.Errorf("thread id is required")
	}
	if strings.TrimSpace(entry.Kind) == "" {
		return Entry{}, fmt.Errorf("kind is required")
	}
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = j.nowFn().UTC()
	}
	payloadJSON, err := encodeJSON(entry.Payload)
	if err != nil {
		return Entry{}, fmt.Errorf("encode payload: %w", err)
	}
	err = execWithRetry(ctx, j.db, `
		INSERT INTO deliveries (id, thread_id, user_id, kind, payload, delivered, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.ThreadID, nullString(entry.UserID), entry.Kind, payloadJSON, boolInt(entry.Delivered), entry.Attempts, entry.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Entry{}, fmt.Errorf("insert delivery: %w", err)
	}
	return entry, nil
}

// Recent returns up to limit entries for a thread, newest first.
func (j *Journal) Recent(ctx context.Context, threadID string, limit int) ([]Entry, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, fmt.Errorf("thread id is required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, thread_id, user_id, kind, payload, delivered, attempts, created_at
		FROM deliveries WHERE thread_id = ? ORDER BY created_at DESC LIMIT ?
	`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

// Get returns one entry by id.
func (j *Journal) Get(ctx context.Context, id string) (Entry, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT id, thread_id, user_id, kind, payload, delivered, attempts, created_at
		FROM deliveries WHERE id = ?
	`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Stats returns delivered/failed totals across all threads.
func (j *Journal) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := j.db.QueryRowContext(ctx, `
		SELECT
		  COALESCE(SUM(CASE WHEN delivered = 1 THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN delivered = 0 THEN 1 ELSE 0 END), 0)
		FROM deliveries
	`).Scan(&stats.Delivered, &stats.Failed)
	if err != nil {
		return Stats{}, fmt.Errorf("journal stats: %w", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var userID, payloadStr sql.NullString
	var delivered int
	var createdAtStr string
	if err := row.Scan(&e.ID, &e.ThreadID, &userID, &e.Kind, &payloadStr, &delivered, &e.Attempts, &createdAtStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scan delivery: %w", err)
	}
	e.UserID = userID.String
	e.Payload = decodeJSONMap(payloadStr.String)
	e.Delivered = delivered == 1
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	return e, nil
}

func execWithRetry(ctx context.Context, db *sql.DB, query string, args ...any) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		_, err = db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		if !isBusyError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(25*(attempt+1)) * time.Millisecond):
		}
	}
	return err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func encodeJSON(v map[string]any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
