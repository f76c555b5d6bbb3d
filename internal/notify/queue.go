// Package notify implements the per-subject bounded notification
// queues. Queues are a delivery optimization, not a record of truth:
// contents are intentionally lost on restart, and a drain is
// at-most-once delivery.
package notify

import (
	"encoding/json"
	"sync"
	"time"

	"idrelay/internal/platform/metrics"
)

// Kind classifies a notification for the consumer.
type Kind string

const (
	KindCacheUpdated Kind = "cache-updated"
	KindStatsUpdated Kind = "stats-updated"
	KindSystemAlert  Kind = "system-alert"
)

// normalize maps unknown kinds to system-alert rather than rejecting.
func normalize(k Kind) Kind {
	switch k {
	case KindCacheUpdated, KindStatsUpdated, KindSystemAlert:
		return k
	default:
		return KindSystemAlert
	}
}

// Item is one pending notification owned by exactly one subject queue.
type Item struct {
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Manager owns every subject queue. All operations are safe for
// concurrent use; append-then-trim and return-then-clear each run
// under one lock acquisition.
type Manager struct {
	mu      sync.Mutex
	queues  map[string][]Item
	cap     int
	metrics *metrics.Metrics
}

// NewManager creates a queue manager with the given per-subject cap.
func NewManager(queueCap int, m *metrics.Metrics) *Manager {
	if queueCap <= 0 {
		queueCap = 100
	}
	return &Manager{
		queues:  make(map[string][]Item),
		cap:     queueCap,
		metrics: m,
	}
}

// Enqueue appends an item to the subject's queue, normalizing unknown
// kinds and defaulting a zero timestamp to now, then trims the queue
// to the newest cap entries.
func (m *Manager) Enqueue(subjectKey string, kind Kind, payload json.RawMessage, ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}
	item := Item{Kind: normalize(kind), Payload: payload, Timestamp: ts}

	m.mu.Lock()
	q := append(m.queues[subjectKey], item)
	if over := len(q) - m.cap; over > 0 {
		q = q[over:]
		m.metrics.NotificationsDropped.Add(float64(over))
	}
	m.queues[subjectKey] = q
	m.mu.Unlock()

	m.metrics.NotificationsEnqueued.Inc()
}

// Drain returns a copy of the subject's queue and clears it in the
// same critical section. A positive limit returns only the most recent
// limit items; everything is cleared either way.
func (m *Manager) Drain(subjectKey string, limit int) []Item {
	m.mu.Lock()
	q := m.queues[subjectKey]
	delete(m.queues, subjectKey)
	m.mu.Unlock()

	if len(q) == 0 {
		return nil
	}
	if limit > 0 && len(q) > limit {
		q = q[len(q)-limit:]
	}
	out := make([]Item, len(q))
	copy(out, q)
	m.metrics.NotificationsDrained.Add(float64(len(out)))
	return out
}

// Broadcast enqueues the same notification onto every live queue.
func (m *Manager) Broadcast(kind Kind, payload json.RawMessage) {
	m.mu.Lock()
	subjects := make([]string, 0, len(m.queues))
	for subject := range m.queues {
		subjects = append(subjects, subject)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, subject := range subjects {
		m.Enqueue(subject, kind, payload, now)
	}
}

// Pending reports the queue length for a subject without draining it.
func (m *Manager) Pending(subjectKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[subjectKey])
}
