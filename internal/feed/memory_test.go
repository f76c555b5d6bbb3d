package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryPublishMatchesPrefix(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := m.Subscribe(ctx, "identities")
	require.NoError(t, err)

	m.Publish(Event{Key: "identities/pub1", Value: []byte(`{}`), EventTime: time.Now()})
	m.Publish(Event{Key: "rooms/room1", Value: []byte(`{}`), EventTime: time.Now()})

	select {
	case ev := <-stream:
		require.Equal(t, "identities/pub1", ev.Key)
	case <-time.After(time.Second):
		t.Fatal("expected the identities event")
	}
	select {
	case ev := <-stream:
		t.Fatalf("unexpected event %q", ev.Key)
	default:
	}
}

func TestMemorySubscribeClosesOnCancel(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := m.Subscribe(ctx, "identities")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-stream:
		require.False(t, ok, "channel must close on cancellation")
	case <-time.After(time.Second):
		t.Fatal("channel did not close")
	}
}

func TestMemoryReadOnce(t *testing.T) {
	m := NewMemory()
	m.Set("secondary_keys/pub1", []byte(`"enc1"`))

	val, err := m.ReadOnce(context.Background(), "secondary_keys/pub1", time.Second)
	require.NoError(t, err)
	require.Equal(t, `"enc1"`, string(val))

	val, err = m.ReadOnce(context.Background(), "secondary_keys/missing", time.Second)
	require.NoError(t, err)
	require.Nil(t, val)
}

func TestMemoryReadOnceTimesOut(t *testing.T) {
	m := NewMemory()
	m.ReadDelay = time.Second
	m.Set("secondary_keys/pub1", []byte(`"enc1"`))

	start := time.Now()
	val, err := m.ReadOnce(context.Background(), "secondary_keys/pub1", 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, val, "a slow read resolves to no data")
	require.Less(t, time.Since(start), 500*time.Millisecond)
}
