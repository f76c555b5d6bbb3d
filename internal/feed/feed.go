// Package feed defines the port to the external source feed: an
// eventually-consistent, key-addressed store that pushes change
// notifications and answers point reads with a bounded timeout.
//
// The feed's replication and conflict protocol are opaque here. Events
// may arrive out of order, duplicated, or partial; the reconciliation
// engine owns making sense of them.
package feed

import (
	"context"
	"time"
)

// Event is one pushed change notification. Each event carries enough
// information to be processed independently and idempotently.
type Event struct {
	// Key addresses the changed entry. Paths are hierarchical strings
	// ("identities/<subject>"); the relay treats them as opaque beyond
	// the leading segment.
	Key string
	// Value is the raw payload at the key, typically JSON.
	Value []byte
	// EventTime is the activity timestamp carried by the event. Zero
	// means the feed supplied none; such events fail the liveness
	// filter downstream.
	EventTime time.Time
}

// Source is the consumption contract against the external feed.
type Source interface {
	// Subscribe streams change events under the given path prefix until
	// ctx is cancelled. The returned channel closes on cancellation.
	Subscribe(ctx context.Context, path string) (<-chan Event, error)

	// ReadOnce performs a single point read. It returns (nil, nil) when
	// the key is absent or the timeout elapses: a missing value is not
	// an error at this boundary, it is "no additional data".
	ReadOnce(ctx context.Context, path string, timeout time.Duration) ([]byte, error)
}
