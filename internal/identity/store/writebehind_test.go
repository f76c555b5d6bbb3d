package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"idrelay/internal/platform/metrics"
)

func newTestMetrics() *metrics.Metrics {
	return metrics.NewWith(prometheus.NewRegistry())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWriteBehindAppliesWrites(t *testing.T) {
	mirror := NewMirrorMemory()
	wb := NewWriteBehind(mirror, 8, discardLogger(), newTestMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		wb.Run(ctx)
		close(done)
	}()

	wb.Enqueue(record("pub1", "alice"))
	wb.Enqueue(record("pub2", "bob"))

	require.Eventually(t, func() bool {
		return mirror.UpsertCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestWriteBehindDrainsOnShutdown(t *testing.T) {
	mirror := NewMirrorMemory()
	wb := NewWriteBehind(mirror, 8, discardLogger(), newTestMetrics())

	// Queue before the worker starts, then cancel immediately: the
	// shutdown drain must still flush everything.
	wb.Enqueue(record("pub1", "alice"))
	wb.Enqueue(record("pub2", "bob"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	wb.Run(ctx)

	require.Equal(t, 2, mirror.UpsertCount())
}

func TestWriteBehindLogsFailuresAndContinues(t *testing.T) {
	mirror := NewMirrorMemory()
	mirror.FailWrites = errors.New("mirror down")
	m := newTestMetrics()
	wb := NewWriteBehind(mirror, 8, discardLogger(), m)

	wb.Enqueue(record("pub1", "alice"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	wb.Run(ctx)

	require.Equal(t, 0, mirror.UpsertCount())
	require.Equal(t, float64(1), promtestutil.ToFloat64(m.MirrorWriteFailures))
}

func TestWriteBehindAppliesDeletesInOrder(t *testing.T) {
	mirror := NewMirrorMemory()
	wb := NewWriteBehind(mirror, 8, discardLogger(), newTestMetrics())

	wb.Enqueue(record("pubA", "bob"))
	wb.EnqueueDelete("pubA")
	wb.Enqueue(record("pubB", "bob"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	wb.Run(ctx)

	_, ok := mirror.Record("pubA")
	require.False(t, ok, "queued delete must remove the earlier upsert")
	rec, ok := mirror.Record("pubB")
	require.True(t, ok)
	require.Equal(t, "bob", rec.SearchKey)
}

func TestWriteBehindDropsWhenFull(t *testing.T) {
	mirror := NewMirrorMemory()
	m := newTestMetrics()
	wb := NewWriteBehind(mirror, 1, discardLogger(), m)

	// No worker running: second enqueue overflows the queue.
	wb.Enqueue(record("pub1", "alice"))
	wb.Enqueue(record("pub2", "bob"))

	require.Equal(t, float64(1), promtestutil.ToFloat64(m.MirrorWritesDropped))
}
