package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"iot-door/internal/store"
)

// AccessLogStore implements store.AccessLogStore on the access_logs table.
type AccessLogStore struct {
	db *sql.DB
}

func NewAccessLogStore(db *sql.DB) *AccessLogStore {
	return &AccessLogStore{db: db}
}

func (s *AccessLogStore) InsertAccessLog(ctx context.Context, e *store.AccessLogEntry) error {
	if e.ID == "" || e.CreatedAt.IsZero() {
		return fmt.Errorf("access log entry needs id and created_at")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO access_logs(id, user_id, method, status, created_at_ns)
VALUES (?, ?, ?, ?, ?);
`, e.ID, e.UserID, e.Method, e.Status, e.CreatedAt.UTC().UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("access log %s: %w", e.ID, store.ErrConflict)
		}
		return fmt.Errorf("InsertAccessLog: %w", err)
	}
	return nil
}

func (s *AccessLogStore) RecentAccessLogs(ctx context.Context, limit int) ([]store.AccessLogEntry, error) {
	if limit <= 0 {
		return s.AllAccessLogs(ctx)
	}
	return s.query(ctx, `
SELECT id, user_id, method, status, created_at_ns
FROM access_logs
ORDER BY created_at_ns DESC, id DESC
LIMIT ?;
`, limit)
}

func (s *AccessLogStore) AllAccessLogs(ctx context.Context) ([]store.AccessLogEntry, error) {
	return s.query(ctx, `
SELECT id, user_id, method, status, created_at_ns
FROM access_logs
ORDER BY created_at_ns DESC, id DESC;
`)
}

func (s *AccessLogStore) query(ctx context.Context, q string, args ...any) ([]store.AccessLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query access_logs: %w", err)
	}
	defer rows.Close()

	out := []store.AccessLogEntry{}
	for rows.Next() {
		var (
			e  store.AccessLogEntry
			ns int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Method, &e.Status, &ns); err != nil {
			return nil, fmt.Errorf("scan access_logs: %w", err)
		}
		e.CreatedAt = time.Unix(0, ns).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate access_logs: %w", err)
	}
	return out, nil
}
