// Package store holds the canonical in-memory record store and the
// durable mirror implementations behind it.
package store

import (
	"sort"
	"sync"

	"idrelay/internal/identity/models"
)

// InMemory is the canonical record store: a mutex-guarded map indexed
// by SearchKey, with a secondary index by stable Key for rename
// detection. Upsert replaces entries wholesale; callers construct the
// merged record first.
type InMemory struct {
	mu          sync.RWMutex
	bySearchKey map[string]models.IdentityRecord
	searchKeyOf map[string]string // stable key -> current search key
}

// NewInMemory creates an empty record store.
func NewInMemory() *InMemory {
	return &InMemory{
		bySearchKey: make(map[string]models.IdentityRecord),
		searchKeyOf: make(map[string]string),
	}
}

// Upsert inserts or wholesale-replaces the entry at rec.SearchKey.
// If the subject already lives under a different search key, that old
// entry is removed in the same critical section so no reader ever
// observes a permanent duplicate. A search key is owned by exactly one
// subject: when rec takes over a key held by a different subject, the
// displaced subject is evicted entirely and returned so the caller can
// reconcile downstream state.
func (s *InMemory) Upsert(rec models.IdentityRecord) (models.IdentityRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.searchKeyOf[rec.Key]; ok && old != rec.SearchKey {
		delete(s.bySearchKey, old)
	}
	var displaced models.IdentityRecord
	var evicted bool
	if prev, ok := s.bySearchKey[rec.SearchKey]; ok && prev.Key != rec.Key {
		displaced, evicted = prev, true
		if s.searchKeyOf[prev.Key] == rec.SearchKey {
			delete(s.searchKeyOf, prev.Key)
		}
	}
	s.bySearchKey[rec.SearchKey] = rec
	s.searchKeyOf[rec.Key] = rec.SearchKey
	return displaced, evicted
}

// Get returns the record at the given search key.
func (s *InMemory) Get(searchKey string) (models.IdentityRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.bySearchKey[searchKey]
	return rec, ok
}

// GetByKey returns the record for a stable subject key.
func (s *InMemory) GetByKey(key string) (models.IdentityRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sk, ok := s.searchKeyOf[key]
	if !ok {
		return models.IdentityRecord{}, false
	}
	rec, ok := s.bySearchKey[sk]
	return rec, ok
}

// Remove deletes the entry at the given search key and reports whether
// anything was removed.
func (s *InMemory) Remove(searchKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bySearchKey[searchKey]
	if !ok {
		return false
	}
	delete(s.bySearchKey, searchKey)
	if s.searchKeyOf[rec.Key] == searchKey {
		delete(s.searchKeyOf, rec.Key)
	}
	return true
}

// Snapshot returns a copy of all live records ordered by SearchKey.
// The ordering keeps index rebuilds deterministic.
func (s *InMemory) Snapshot() []models.IdentityRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.IdentityRecord, 0, len(s.bySearchKey))
	for _, rec := range s.bySearchKey {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SearchKey < out[j].SearchKey })
	return out
}

// Len reports the number of live records.
func (s *InMemory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySearchKey)
}
