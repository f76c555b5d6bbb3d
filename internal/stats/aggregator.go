// Package stats maintains the cached aggregate counters. Two writers
// share the snapshot: incremental bumps from notification events and
// the scheduled full refresh. Last writer wins per counter; there is
// no merge.
package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"idrelay/internal/feed"
	"idrelay/internal/identity/store"
	"idrelay/internal/platform/metrics"
)

// CounterTotalRecords is canonically the size of the record store, not
// any feed-side count.
const CounterTotalRecords = "totalRecords"

// activityPrefix is the feed path carrying explicit notification
// events; the last path segment names the counter to bump.
const activityPrefix = "activity"

// Snapshot is the client-visible statistics view. Partial marks a
// refresh that timed out before all collections reported; counts are
// then a lower bound, not exact.
type Snapshot struct {
	Counters    map[string]int64 `json:"counters"`
	LastUpdated time.Time        `json:"last_updated"`
	Partial     bool             `json:"partial"`
}

// Collection maps one feed path to a named counter. The value at the
// path is counted: JSON arrays and objects by element, numbers as-is.
type Collection struct {
	Counter string
	Path    string
}

// Aggregator owns the shared snapshot.
type Aggregator struct {
	source      feed.Source
	mirror      store.Mirror
	collections []Collection
	recordCount func() int
	timeout     time.Duration

	mu       sync.Mutex
	counters map[string]int64
	updated  time.Time
	partial  bool

	logger  *slog.Logger
	metrics *metrics.Metrics

	// onUpdate, when set, observes every snapshot produced by Refresh.
	onUpdate func(Snapshot)
}

// OnUpdate registers a callback invoked after each full refresh, e.g.
// to broadcast a stats-updated notification. Must be set before Run.
func (a *Aggregator) OnUpdate(fn func(Snapshot)) {
	a.onUpdate = fn
}

// New creates an aggregator. recordCount supplies the canonical
// totalRecords value from the record store.
func New(source feed.Source, mirror store.Mirror, collections []Collection,
	recordCount func() int, timeout time.Duration,
	logger *slog.Logger, m *metrics.Metrics) *Aggregator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Aggregator{
		source:      source,
		mirror:      mirror,
		collections: collections,
		recordCount: recordCount,
		timeout:     timeout,
		counters:    make(map[string]int64),
		logger:      logger,
		metrics:     m,
	}
}

// SeedFromMirror loads persisted counters so restarts do not zero the
// incremental statistics.
func (a *Aggregator) SeedFromMirror(ctx context.Context) {
	persisted, err := a.mirror.LoadCounters(ctx)
	if err != nil {
		a.logger.Warn("loading persisted counters failed", "error", err)
		return
	}
	a.mu.Lock()
	for name, value := range persisted {
		a.counters[name] = value
	}
	if len(persisted) > 0 {
		a.updated = time.Now()
	}
	a.mu.Unlock()
}

// GetCached returns the last computed snapshot immediately.
func (a *Aggregator) GetCached() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := Snapshot{
		Counters:    make(map[string]int64, len(a.counters)),
		LastUpdated: a.updated,
		Partial:     a.partial,
	}
	for k, v := range a.counters {
		out.Counters[k] = v
	}
	return out
}

// Bump increments one named counter and immediately persists it to the
// mirror. Persistence failure is logged and otherwise ignored.
func (a *Aggregator) Bump(ctx context.Context, name string) {
	a.mu.Lock()
	a.counters[name]++
	value := a.counters[name]
	a.updated = time.Now()
	a.mu.Unlock()

	if err := a.mirror.UpsertCounter(ctx, name, value); err != nil {
		a.logger.Warn("persisting counter failed", "counter", name, "error", err)
	}
}

// Refresh recomputes all counters with parallel point reads. It always
// resolves within the configured timeout: collections that do not
// report in time contribute zero and the snapshot is flagged partial.
func (a *Aggregator) Refresh(ctx context.Context) Snapshot {
	rctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var mu sync.Mutex
	counts := make(map[string]int64, len(a.collections))
	partial := false

	g, gctx := errgroup.WithContext(rctx)
	for _, col := range a.collections {
		g.Go(func() error {
			val, err := a.source.ReadOnce(gctx, col.Path, a.timeout)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				a.logger.Warn("stats point read failed", "path", col.Path, "error", err)
				counts[col.Counter] += 0
				partial = true
			case val == nil:
				counts[col.Counter] += 0
				partial = true
			default:
				counts[col.Counter] += countValue(val)
			}
			return nil
		})
	}
	// Goroutines never return errors; Wait is purely a join and each
	// read is bounded, so this cannot outlive the timeout by more than
	// scheduling noise.
	_ = g.Wait()

	counts[CounterTotalRecords] = int64(a.recordCount())

	a.mu.Lock()
	for name, value := range counts {
		a.counters[name] = value
	}
	a.updated = time.Now()
	a.partial = partial
	snap := Snapshot{
		Counters:    make(map[string]int64, len(a.counters)),
		LastUpdated: a.updated,
		Partial:     a.partial,
	}
	for k, v := range a.counters {
		snap.Counters[k] = v
	}
	a.mu.Unlock()

	if partial {
		a.logger.Warn("statistics refresh degraded, returning partial counts")
		a.metrics.StatsRefreshes.WithLabelValues("partial").Inc()
	} else {
		a.metrics.StatsRefreshes.WithLabelValues("complete").Inc()
	}
	if a.onUpdate != nil {
		a.onUpdate(snap)
	}
	return snap
}

// RunActivity consumes explicit notification events from the feed and
// bumps the named counter for each, persisting it immediately.
func (a *Aggregator) RunActivity(ctx context.Context) error {
	stream, err := a.source.Subscribe(ctx, activityPrefix)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream:
			if !ok {
				return ctx.Err()
			}
			name := ev.Key
			if i := strings.LastIndexByte(name, '/'); i >= 0 {
				name = name[i+1:]
			}
			if name == "" || name == activityPrefix {
				continue
			}
			a.Bump(ctx, name)
		}
	}
}

// Run refreshes on the given interval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Refresh(ctx)
		}
	}
}

// FlushToMirror persists every counter, used at shutdown.
func (a *Aggregator) FlushToMirror(ctx context.Context) {
	snap := a.GetCached()
	for name, value := range snap.Counters {
		if err := a.mirror.UpsertCounter(ctx, name, value); err != nil {
			a.logger.Warn("flushing counter failed", "counter", name, "error", err)
		}
	}
}

// countValue interprets a raw feed value as a count: numbers directly,
// arrays and objects by element count, anything else as one present
// entry.
func countValue(raw []byte) int64 {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		return int64(len(arr))
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		return int64(len(obj))
	}
	return 1
}
