package store

import (
	"context"
	"sync"

	"idrelay/internal/identity/models"
)

// MirrorMemory is an in-memory Mirror used in tests and when no
// Postgres URL is configured. FailWrites makes every write return an
// error so callers' degrade-and-log paths can be exercised.
type MirrorMemory struct {
	mu         sync.Mutex
	records    map[string]models.IdentityRecord
	counters   map[string]int64
	upserts    int
	FailWrites error
}

// NewMirrorMemory creates an empty in-memory mirror.
func NewMirrorMemory() *MirrorMemory {
	return &MirrorMemory{
		records:  make(map[string]models.IdentityRecord),
		counters: make(map[string]int64),
	}
}

func (m *MirrorMemory) UpsertRecord(_ context.Context, rec models.IdentityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	for key, other := range m.records {
		if key != rec.Key && other.SearchKey == rec.SearchKey {
			delete(m.records, key)
		}
	}
	m.records[rec.Key] = rec
	m.upserts++
	return nil
}

func (m *MirrorMemory) DeleteRecord(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	delete(m.records, key)
	return nil
}

func (m *MirrorMemory) BulkLoadRecords(_ context.Context) ([]models.IdentityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.IdentityRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out, nil
}

func (m *MirrorMemory) UpsertCounter(_ context.Context, name string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.counters[name] = value
	return nil
}

func (m *MirrorMemory) LoadCounters(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out, nil
}

// Record returns the mirrored record for a stable key.
func (m *MirrorMemory) Record(key string) (models.IdentityRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	return rec, ok
}

// Counter returns a persisted counter value.
func (m *MirrorMemory) Counter(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// UpsertCount reports how many record writes succeeded.
func (m *MirrorMemory) UpsertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}
