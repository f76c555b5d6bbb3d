//go:build integration

package feed_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"idrelay/internal/feed"
	"idrelay/internal/platform/config"
	"idrelay/pkg/testutil/containers"
)

func newRedisSource(t *testing.T) (*feed.RedisSource, *containers.RedisContainer) {
	t.Helper()
	rc := containers.NewRedisContainer(t)
	source, err := feed.NewRedis(config.RedisConfig{
		URL:          rc.URL,
		PoolSize:     4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = source.Close() })
	return source, rc
}

func TestRedisSubscribeDeliversEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	source, rc := newRedisSource(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := source.Subscribe(ctx, "identities")
	require.NoError(t, err)

	eventTime := time.Now().UTC().Truncate(time.Millisecond)
	payload, err := json.Marshal(map[string]any{
		"value":      map[string]string{"label": "alice"},
		"event_time": eventTime,
	})
	require.NoError(t, err)
	require.NoError(t, rc.Client.Publish(ctx, "identities:pub1", payload).Err())

	select {
	case ev := <-stream:
		require.Equal(t, "identities/pub1", ev.Key)
		require.JSONEq(t, `{"label":"alice"}`, string(ev.Value))
		require.True(t, ev.EventTime.Equal(eventTime))
	case <-time.After(5 * time.Second):
		t.Fatal("expected a feed event")
	}
}

func TestRedisReadOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	source, rc := newRedisSource(t)
	ctx := context.Background()

	require.NoError(t, rc.Client.Set(ctx, "secondary_keys:pub1", `"enc1"`, 0).Err())

	val, err := source.ReadOnce(ctx, "secondary_keys/pub1", time.Second)
	require.NoError(t, err)
	require.Equal(t, `"enc1"`, string(val))

	val, err = source.ReadOnce(ctx, "secondary_keys/missing", time.Second)
	require.NoError(t, err)
	require.Nil(t, val, "absent keys resolve to no data, not an error")
}
