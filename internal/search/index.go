// Package search builds the fuzzy lookup structure over identity
// records. Indexes are immutable: every rebuild produces a fresh Index
// from a full record snapshot and the owner swaps it in atomically.
// Full rebuilds trade CPU for simplicity; record counts are bounded in
// the thousands and the bottleneck is feed I/O, not index builds.
package search

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"idrelay/internal/identity/models"
)

// Options tune match scoring. The search key dominates the display
// label; similarity below Threshold is not a match.
type Options struct {
	SearchKeyWeight float64
	LabelWeight     float64
	Threshold       float64
	MinQueryLength  int
}

// DefaultOptions mirrors the production configuration defaults.
func DefaultOptions() Options {
	return Options{
		SearchKeyWeight: 0.7,
		LabelWeight:     0.3,
		Threshold:       0.3,
		MinQueryLength:  2,
	}
}

// Match is one ranked result. Distance is in [0,1], lower is better.
type Match struct {
	Record   models.IdentityRecord
	Distance float64
}

type entry struct {
	record    models.IdentityRecord
	searchKey string
	label     string
}

// Index is an immutable snapshot of the searchable record set.
type Index struct {
	opts    Options
	entries []entry
}

// Build constructs an index from a record snapshot. The snapshot order
// does not matter; queries sort deterministically.
func Build(records []models.IdentityRecord, opts Options) *Index {
	entries := make([]entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, entry{
			record:    rec,
			searchKey: strings.ToLower(rec.SearchKey),
			label:     strings.ToLower(rec.DisplayLabel),
		})
	}
	return &Index{opts: opts, entries: entries}
}

// Len reports how many records are indexed.
func (ix *Index) Len() int {
	return len(ix.entries)
}

// Query returns up to limit matches ordered by ascending distance,
// ties broken by search key. Identical input and index state always
// produce identical output. Queries shorter than the minimum length
// return nothing.
func (ix *Index) Query(text string, limit int) []Match {
	q := strings.ToLower(strings.TrimSpace(text))
	if len([]rune(q)) < ix.opts.MinQueryLength || limit <= 0 {
		return nil
	}

	maxDistance := 1 - ix.opts.Threshold
	matches := make([]Match, 0, len(ix.entries))
	for _, e := range ix.entries {
		d := ix.opts.SearchKeyWeight*normalizedDistance(q, e.searchKey) +
			ix.opts.LabelWeight*normalizedDistance(q, e.label)
		if d > maxDistance {
			continue
		}
		matches = append(matches, Match{Record: e.record, Distance: d})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].Record.SearchKey < matches[j].Record.SearchKey
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// normalizedDistance maps Levenshtein distance into [0,1] relative to
// the longer string, with a discount when one string contains the
// other so prefix queries rank usefully.
func normalizedDistance(a, b string) float64 {
	if a == b {
		return 0
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 0
	}
	d := float64(levenshtein.ComputeDistance(a, b)) / float64(longest)
	if strings.Contains(b, a) || strings.Contains(a, b) {
		d /= 2
	}
	if d > 1 {
		d = 1
	}
	return d
}
