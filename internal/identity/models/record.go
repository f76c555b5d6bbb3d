// Package models holds the identity domain types shared by the store,
// the reconciliation engine, and the transport layer.
package models

import (
	"strings"
	"time"
)

// IdentityRecord is one addressable subject in the relay's canonical
// cache. Records are indexed by SearchKey, not by Key: the stable
// identifier can be looked up, but all uniqueness rules apply to the
// normalized searchable label.
type IdentityRecord struct {
	// Key is the stable unique identifier for the subject, e.g. a
	// public key. It never changes for the lifetime of the subject.
	Key string `json:"key"`
	// DisplayLabel is the mutable human-readable name.
	DisplayLabel string `json:"display_label"`
	// SearchKey is the normalized, case-folded form of the searchable
	// label. Unique among live records.
	SearchKey string `json:"search_key"`
	// SecondaryKey is optional and commonly arrives after the record
	// itself (e.g. an encryption public key fetched by follow-up read).
	SecondaryKey string `json:"secondary_key,omitempty"`
	// LastSeen is the last observed activity timestamp for the subject.
	LastSeen time.Time `json:"last_seen"`
}

// NormalizeSearchKey folds a human-readable label into its canonical
// lookup form. Both the feed path and the admin path must agree on
// this, otherwise renames would leave stale duplicates behind.
func NormalizeSearchKey(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
