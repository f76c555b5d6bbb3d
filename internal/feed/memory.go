package feed

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Source used by tests and local development.
// Publish pushes to every matching subscriber; Set backs point reads.
type Memory struct {
	mu     sync.Mutex
	values map[string][]byte
	subs   []memorySub
	// ReadDelay simulates slow point reads; reads taking longer than
	// the caller's timeout resolve to nil like the real feed.
	ReadDelay time.Duration
}

type memorySub struct {
	prefix string
	ch     chan Event
	done   <-chan struct{}
}

// NewMemory creates an empty in-memory feed.
func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

// Subscribe registers a subscriber for events under the path prefix.
func (m *Memory) Subscribe(ctx context.Context, path string) (<-chan Event, error) {
	ch := make(chan Event, 64)
	m.mu.Lock()
	m.subs = append(m.subs, memorySub{prefix: strings.Trim(path, "/"), ch: ch, done: ctx.Done()})
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, sub := range m.subs {
			if sub.ch == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// ReadOnce returns the stored value, or nil after the timeout when a
// ReadDelay is configured to exceed it.
func (m *Memory) ReadOnce(ctx context.Context, path string, timeout time.Duration) ([]byte, error) {
	if m.ReadDelay > 0 && m.ReadDelay >= timeout {
		select {
		case <-time.After(timeout):
			return nil, nil
		case <-ctx.Done():
			return nil, nil
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.values[strings.Trim(path, "/")]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// Set stores a value for subsequent point reads.
func (m *Memory) Set(path string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[strings.Trim(path, "/")] = value
}

// Publish fans an event out to every subscriber whose prefix matches.
// Slow subscribers with a full buffer miss the event rather than block.
func (m *Memory) Publish(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.Trim(ev.Key, "/")
	for _, sub := range m.subs {
		if !strings.HasPrefix(key, sub.prefix) {
			continue
		}
		select {
		case <-sub.done:
		case sub.ch <- ev:
		default:
		}
	}
}
