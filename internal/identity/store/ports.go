package store

import (
	"context"

	"idrelay/internal/identity/models"
)

// Mirror is the durable write-behind target for canonical records and
// persisted counters. Failures at this boundary are logged by callers
// and never propagated to clients; the mirror is read only at startup.
type Mirror interface {
	// UpsertRecord persists one record keyed by its stable Key.
	UpsertRecord(ctx context.Context, rec models.IdentityRecord) error

	// DeleteRecord removes the rows for a stable key. Used only by
	// explicit administrative cache invalidation.
	DeleteRecord(ctx context.Context, key string) error

	// BulkLoadRecords returns every mirrored record, used to seed the
	// record store at startup.
	BulkLoadRecords(ctx context.Context) ([]models.IdentityRecord, error)

	// UpsertCounter persists one named statistics counter.
	UpsertCounter(ctx context.Context, name string, value int64) error

	// LoadCounters returns all persisted counters.
	LoadCounters(ctx context.Context) (map[string]int64, error)
}
