// Package service implements the reconciliation engine: it turns the
// unordered, duplicate-prone change stream from the source feed into
// monotonically-improving canonical records, and keeps the fuzzy index
// and durable mirror consistent with them.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"idrelay/internal/events"
	"idrelay/internal/feed"
	"idrelay/internal/identity/models"
	"idrelay/internal/identity/store"
	"idrelay/internal/notify"
	"idrelay/internal/platform/metrics"
	"idrelay/internal/search"
	dErrors "idrelay/pkg/domainerrors"
)

// Feed path prefixes. Identity change events arrive under
// identityPrefix; late-arriving secondary keys are fetched from
// secondaryPrefix by point read.
const (
	identityPrefix  = "identities"
	secondaryPrefix = "secondary_keys"
)

// changePayload is the decoded value of one identity change event.
type changePayload struct {
	Label        string `json:"label"`
	SecondaryKey string `json:"secondary_key,omitempty"`
}

// Engine owns all mutations to the record store. The feed loop and the
// admin write path funnel through the same apply logic under one
// mutex, so rename's remove+insert pair is atomic for readers.
type Engine struct {
	records *store.InMemory
	mirror  *store.WriteBehind
	direct  store.Mirror
	source  feed.Source
	queues  *notify.Manager
	fanout  *events.Publisher

	livenessWindow   time.Duration
	syncCooldown     time.Duration
	pointReadTimeout time.Duration
	searchOpts       search.Options

	mu       sync.Mutex
	lastSync time.Time
	index    atomic.Pointer[search.Index]

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithFanout attaches the Kafka fanout publisher.
func WithFanout(p *events.Publisher) Option {
	return func(e *Engine) { e.fanout = p }
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Config carries the reconciliation tuning knobs.
type Config struct {
	LivenessWindow   time.Duration
	SyncCooldown     time.Duration
	PointReadTimeout time.Duration
}

// New wires the engine. The record store, mirror, source and queue
// manager are required.
func New(records *store.InMemory, writeBehind *store.WriteBehind, direct store.Mirror,
	source feed.Source, queues *notify.Manager, cfg Config, searchOpts search.Options,
	logger *slog.Logger, m *metrics.Metrics, opts ...Option) (*Engine, error) {
	if records == nil || writeBehind == nil || direct == nil || source == nil || queues == nil {
		return nil, fmt.Errorf("record store, mirror, source and queue manager are required")
	}
	e := &Engine{
		records:          records,
		mirror:           writeBehind,
		direct:           direct,
		source:           source,
		queues:           queues,
		livenessWindow:   cfg.LivenessWindow,
		syncCooldown:     cfg.SyncCooldown,
		pointReadTimeout: cfg.PointReadTimeout,
		searchOpts:       searchOpts,
		logger:           logger,
		metrics:          m,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.index.Store(search.Build(nil, searchOpts))
	return e, nil
}

// Seed loads mirrored records into the store and builds the first
// index. Called once at startup before the feed loop starts.
func (e *Engine) Seed(ctx context.Context) error {
	recs, err := e.direct.BulkLoadRecords(ctx)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "seeding from mirror")
	}
	for _, rec := range recs {
		e.records.Upsert(rec)
	}
	e.rebuildIndex()
	e.logger.Info("record store seeded from mirror", "records", len(recs))
	return nil
}

// Run subscribes to the identity change stream and reconciles events
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	stream, err := e.source.Subscribe(ctx, identityPrefix)
	if err != nil {
		return fmt.Errorf("subscribe identity feed: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream:
			if !ok {
				return ctx.Err()
			}
			e.handleFeedEvent(ctx, ev)
		}
	}
}

// handleFeedEvent applies one pushed change. Feed events are filtered
// for liveness and coalesced inside the sync cooldown; the next event
// or the periodic pass captures whatever a coalesced event carried.
func (e *Engine) handleFeedEvent(ctx context.Context, ev feed.Event) {
	subjectKey := lastSegment(ev.Key)
	if subjectKey == "" {
		return
	}

	now := e.now()
	if ev.EventTime.IsZero() || now.Sub(ev.EventTime) > e.livenessWindow {
		e.metrics.EventsStale.Inc()
		e.logger.Debug("dropping stale feed event",
			"subject", subjectKey, "event_time", ev.EventTime)
		return
	}

	e.mu.Lock()
	inCooldown := !e.lastSync.IsZero() && now.Sub(e.lastSync) < e.syncCooldown
	e.mu.Unlock()
	if inCooldown {
		e.metrics.EventsCoalesced.Inc()
		return
	}

	var payload changePayload
	if err := json.Unmarshal(ev.Value, &payload); err != nil {
		e.logger.Warn("malformed identity payload", "subject", subjectKey, "error", err)
		return
	}

	// Late secondary keys require a follow-up point read. It is bounded
	// and resolves to nothing on timeout; ingestion never stalls on it.
	secondary := payload.SecondaryKey
	if secondary == "" {
		if _, known := e.records.GetByKey(subjectKey); !known {
			secondary = e.fetchSecondaryKey(ctx, subjectKey)
		}
	}

	if _, err := e.apply(subjectKey, payload.Label, secondary, ev.EventTime); err != nil {
		e.logger.Warn("feed event rejected", "subject", subjectKey, "error", err)
		return
	}
	e.metrics.EventsIngested.Inc()
}

// Register is the administrative write path: immediate, cooldown-free,
// idempotent. It shares the rename and carry-over logic with the feed
// path so the two writers cannot diverge.
func (e *Engine) Register(ctx context.Context, subjectKey, label string) (models.IdentityRecord, error) {
	if strings.TrimSpace(subjectKey) == "" {
		return models.IdentityRecord{}, dErrors.New(dErrors.CodeBadRequest, "subject key is required")
	}
	if strings.TrimSpace(label) == "" {
		return models.IdentityRecord{}, dErrors.New(dErrors.CodeBadRequest, "label is required")
	}
	return e.apply(subjectKey, label, "", e.now())
}

// apply merges one accepted mutation into the canonical record and
// performs the full downstream sync: store upsert, index rebuild,
// asynchronous mirror write, notification, fanout.
func (e *Engine) apply(subjectKey, label, secondaryKey string, seen time.Time) (models.IdentityRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, known := e.records.GetByKey(subjectKey)

	if label == "" {
		if !known {
			return models.IdentityRecord{}, dErrors.New(dErrors.CodeBadRequest, "label is required for unknown subjects")
		}
		label = existing.DisplayLabel
	}
	searchKey := models.NormalizeSearchKey(label)
	if searchKey == "" {
		return models.IdentityRecord{}, dErrors.New(dErrors.CodeBadRequest, "label normalizes to empty")
	}

	// Carry fields over across renames: a secondary key learned before
	// the rename was observed must survive it.
	if secondaryKey == "" && known {
		secondaryKey = existing.SecondaryKey
	}
	if known && seen.Before(existing.LastSeen) {
		seen = existing.LastSeen
	}

	rec := models.IdentityRecord{
		Key:          subjectKey,
		DisplayLabel: label,
		SearchKey:    searchKey,
		SecondaryKey: secondaryKey,
		LastSeen:     seen,
	}

	if known && existing.SearchKey != searchKey {
		e.logger.Info("subject renamed",
			"subject", subjectKey, "from", existing.SearchKey, "to", searchKey)
	}
	// Last writer owns a contested search key. The displaced subject is
	// evicted and its mirror row removed before the takeover write so
	// the unique search key index never wedges the write-behind worker.
	// The subject reappears on its own next feed event or registration.
	if displaced, ok := e.records.Upsert(rec); ok {
		e.logger.Warn("search key taken over, displaced subject evicted",
			"search_key", searchKey, "displaced", displaced.Key, "subject", subjectKey)
		e.mirror.EnqueueDelete(displaced.Key)
	}
	e.syncDownstreamLocked(rec)
	return rec, nil
}

// Invalidate is the explicit administrative cache removal, the only
// deletion path. Absence from the feed never deletes a record.
func (e *Engine) Invalidate(ctx context.Context, searchKey string) error {
	searchKey = models.NormalizeSearchKey(searchKey)

	e.mu.Lock()
	rec, ok := e.records.Get(searchKey)
	if !ok {
		e.mu.Unlock()
		return dErrors.Newf(dErrors.CodeNotFound, "no record at %q", searchKey)
	}
	e.records.Remove(searchKey)
	e.rebuildIndexLocked()
	e.mu.Unlock()

	if err := e.direct.DeleteRecord(ctx, rec.Key); err != nil {
		e.logger.Warn("mirror delete failed", "key", rec.Key, "error", err)
	}
	e.fanout.Emit(ctx, events.TypeRecordInvalidated, rec.Key, nil)
	return nil
}

// Lookup returns the record at an exact search key.
func (e *Engine) Lookup(searchKey string) (models.IdentityRecord, error) {
	rec, ok := e.records.Get(models.NormalizeSearchKey(searchKey))
	if !ok {
		return models.IdentityRecord{}, dErrors.Newf(dErrors.CodeNotFound, "no record at %q", searchKey)
	}
	return rec, nil
}

// SearchResult is one ranked search hit. Exact marks the record-store
// hit that precedes all fuzzy matches.
type SearchResult struct {
	Record   models.IdentityRecord `json:"record"`
	Exact    bool                  `json:"exact"`
	Distance float64               `json:"distance"`
}

// Search resolves a query with exact-match precedence: a record-store
// hit at the normalized query comes first and is never duplicated by
// the fuzzy matches that fill the remaining slots.
func (e *Engine) Search(text string, limit int) []SearchResult {
	if limit <= 0 {
		limit = 10
	}
	var out []SearchResult

	exactKey := models.NormalizeSearchKey(text)
	if rec, ok := e.records.Get(exactKey); ok {
		out = append(out, SearchResult{Record: rec, Exact: true})
	}

	for _, m := range e.index.Load().Query(text, limit) {
		if len(out) >= limit {
			break
		}
		if m.Record.SearchKey == exactKey {
			continue
		}
		out = append(out, SearchResult{Record: m.Record, Distance: m.Distance})
	}
	return out
}

// RecordCount reports the live record count; it is the canonical
// definition of the totalRecords statistic.
func (e *Engine) RecordCount() int {
	return e.records.Len()
}

func (e *Engine) fetchSecondaryKey(ctx context.Context, subjectKey string) string {
	val, err := e.source.ReadOnce(ctx, secondaryPrefix+"/"+subjectKey, e.pointReadTimeout)
	if err != nil {
		e.logger.Warn("secondary key read failed", "subject", subjectKey, "error", err)
		return ""
	}
	if val == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(val, &s); err == nil {
		return s
	}
	return string(val)
}

// syncDownstreamLocked runs the full downstream sync for an accepted
// mutation. Caller holds e.mu.
func (e *Engine) syncDownstreamLocked(rec models.IdentityRecord) {
	e.rebuildIndexLocked()
	e.mirror.Enqueue(rec)

	payload, _ := json.Marshal(map[string]string{
		"key":        rec.Key,
		"search_key": rec.SearchKey,
	})
	e.queues.Enqueue(rec.Key, notify.KindCacheUpdated, payload, e.now())
	e.fanout.Emit(context.Background(), events.TypeRecordUpdated, rec.Key, payload)

	e.lastSync = e.now()
}

func (e *Engine) rebuildIndexLocked() {
	e.index.Store(search.Build(e.records.Snapshot(), e.searchOpts))
	e.metrics.IndexRebuilds.Inc()
}

// rebuildIndex is the unlocked variant used during seeding, before the
// feed loop exists.
func (e *Engine) rebuildIndex() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rebuildIndexLocked()
}

func lastSegment(path string) string {
	path = strings.Trim(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
