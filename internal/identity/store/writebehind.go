package store

import (
	"context"
	"log/slog"
	"time"

	"idrelay/internal/identity/models"
	"idrelay/internal/platform/metrics"
)

// writeTimeout bounds each individual mirror write so a stalled
// database cannot wedge the worker.
const writeTimeout = 5 * time.Second

// mirrorOp is one queued mirror mutation. remove deletes the row for
// rec.Key instead of upserting it.
type mirrorOp struct {
	rec    models.IdentityRecord
	remove bool
}

// WriteBehind decouples ingestion from the durable mirror: writes are
// queued on a bounded channel and applied by a single goroutine, in
// enqueue order. A full queue drops the write with a warning; ingestion
// never blocks on the mirror and failures are never retried inline.
type WriteBehind struct {
	mirror  Mirror
	inbox   chan mirrorOp
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewWriteBehind creates a write-behind worker with the given queue size.
func NewWriteBehind(mirror Mirror, size int, logger *slog.Logger, m *metrics.Metrics) *WriteBehind {
	if size <= 0 {
		size = 256
	}
	return &WriteBehind{
		mirror:  mirror,
		inbox:   make(chan mirrorOp, size),
		logger:  logger,
		metrics: m,
	}
}

// Enqueue queues a record for mirroring. Never blocks.
func (w *WriteBehind) Enqueue(rec models.IdentityRecord) {
	w.enqueue(mirrorOp{rec: rec})
}

// EnqueueDelete queues removal of the mirror row for a stable key.
// Never blocks.
func (w *WriteBehind) EnqueueDelete(key string) {
	w.enqueue(mirrorOp{rec: models.IdentityRecord{Key: key}, remove: true})
}

func (w *WriteBehind) enqueue(op mirrorOp) {
	select {
	case w.inbox <- op:
	default:
		w.metrics.MirrorWritesDropped.Inc()
		w.logger.Warn("mirror write-behind queue full, dropping write", "key", op.rec.Key)
	}
}

// Run consumes queued writes until ctx is cancelled, then drains what
// remains so shutdown flushes outstanding state.
func (w *WriteBehind) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case op := <-w.inbox:
			w.apply(op)
		}
	}
}

func (w *WriteBehind) drain() {
	for {
		select {
		case op := <-w.inbox:
			w.apply(op)
		default:
			return
		}
	}
}

func (w *WriteBehind) apply(op mirrorOp) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if op.remove {
		if err := w.mirror.DeleteRecord(ctx, op.rec.Key); err != nil {
			w.metrics.MirrorWriteFailures.Inc()
			w.logger.Warn("mirror delete failed", "key", op.rec.Key, "error", err)
		}
		return
	}
	if err := w.mirror.UpsertRecord(ctx, op.rec); err != nil {
		w.metrics.MirrorWriteFailures.Inc()
		w.logger.Warn("mirror upsert failed", "key", op.rec.Key, "error", err)
	}
}
