package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"iot-door/internal/queue"
)

// Access log statuses written by this service.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// AccessLog fronts an AccessLogStore with row-insert notifications.
// Every successful insert is delivered to each subscriber at least once.
type AccessLog struct {
	backend AccessLogStore

	mu   sync.Mutex
	subs []*queue.Unbounded[AccessLogEntry]
	now  func() time.Time
}

// NewAccessLog wraps backend.
func NewAccessLog(backend AccessLogStore) *AccessLog {
	return &AccessLog{backend: backend, now: time.Now}
}

// Insert assigns an id and creation time if missing, writes the entry, and
// notifies subscribers. On error nothing is notified.
func (a *AccessLog) Insert(ctx context.Context, entry AccessLogEntry) (AccessLogEntry, error) {
	if entry.Method == "" {
		return AccessLogEntry{}, fmt.Errorf("access log method is required")
	}
	if entry.Status == "" {
		entry.Status = StatusSuccess
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = a.now().UTC()
	}
	if err := a.backend.InsertAccessLog(ctx, &entry); err != nil {
		return AccessLogEntry{}, fmt.Errorf("insert access log: %w", err)
	}

	a.mu.Lock()
	for _, q := range a.subs {
		q.Push(entry)
	}
	a.mu.Unlock()
	return entry, nil
}

func (a *AccessLog) Recent(ctx context.Context, limit int) ([]AccessLogEntry, error) {
	return a.backend.RecentAccessLogs(ctx, limit)
}

func (a *AccessLog) All(ctx context.Context) ([]AccessLogEntry, error) {
	return a.backend.AllAccessLogs(ctx)
}

// Subscribe returns a stream of newly inserted entries and a cancel func.
// The stream never blocks the inserter.
func (a *AccessLog) Subscribe() (<-chan AccessLogEntry, func()) {
	q := queue.New[AccessLogEntry]()
	a.mu.Lock()
	a.subs = append(a.subs, q)
	a.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			a.mu.Lock()
			for i, s := range a.subs {
				if s == q {
					a.subs = append(a.subs[:i], a.subs[i+1:]...)
					break
				}
			}
			a.mu.Unlock()
			q.Close()
		})
	}
	return q.Out(), cancel
}

// IsAlert reports whether an entry is a successful emergency access.
// Both fields are matched case-insensitively by containment.
func IsAlert(e AccessLogEntry) bool {
	return strings.Contains(strings.ToLower(e.Method), "emergency") &&
		strings.Contains(strings.ToLower(e.Status), "success")
}
