// Package recall implements the Recall operation (§4.12): a thin wrapper
// around IndexBackend.Query that normalises the result into a stable
// RecallResult shape and resolves each match's archive path through the
// ledger, so a caller never has to know the index backend's own id
// scheme.
//
// Grounded on the teacher's query-path helpers in internal/index paired
// with the ledger lookup pattern already established in
// internal/ledger.Store.FindByHash — here keyed by projection id instead
// of content hash.
package recall

import (
	"context"
	"fmt"

	"github.com/octoreflex/moon-watchd/internal/index"
	"github.com/octoreflex/moon-watchd/internal/ledger"
)

// Match is one ranked recall hit.
type Match struct {
	ArchivePath string            `json:"archive_path"`
	Snippet     string            `json:"snippet"`
	Score       float64           `json:"score"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Result is the output of a Recall query (RecallResult in §3).
type Result struct {
	Query       string  `json:"query"`
	Matches     []Match `json:"matches"`
	OK          bool    `json:"ok"`
	GeneratedAt int64   `json:"generated_at"`
}

// Recaller answers recall queries against a configured collection.
type Recaller struct {
	Backend    index.Backend
	Ledger     *ledger.Store
	Collection string
}

// New builds a Recaller.
func New(backend index.Backend, store *ledger.Store, collection string) *Recaller {
	return &Recaller{Backend: backend, Ledger: store, Collection: collection}
}

// Query runs query against the index backend, resolves each match's
// archive path through the ledger, and wraps the result. An empty match
// set is not a failure: OK is true and Matches is an empty (non-nil)
// slice.
func (r *Recaller) Query(ctx context.Context, query string, limit int, nowUnix int64) (Result, error) {
	qr, err := r.Backend.Query(ctx, r.Collection, query, limit)
	if err != nil {
		return Result{}, fmt.Errorf("recall: query: %w", err)
	}

	matches := make([]Match, 0, len(qr.Matches))
	for _, m := range qr.Matches {
		archivePath := m.ArchivePath
		if archivePath == "" {
			archivePath = r.resolveArchivePath(m.ProjectionID)
		}
		matches = append(matches, Match{
			ArchivePath: archivePath,
			Snippet:     excerpt(m.Metadata["snippet"], 280),
			Score:       m.Score,
			Metadata:    m.Metadata,
		})
	}

	return Result{
		Query:       query,
		Matches:     matches,
		OK:          true,
		GeneratedAt: nowUnix,
	}, nil
}

// resolveArchivePath looks up a ledger record whose basename matches the
// backend's projection id and returns its projection path. Backends are
// expected to use the archive basename (without extension) as their
// projection id; a miss returns the empty string rather than an error,
// since a stale index entry referencing a since-deleted archive is not
// itself a query failure.
func (r *Recaller) resolveArchivePath(projectionID string) string {
	if r.Ledger == nil || projectionID == "" {
		return ""
	}
	var found string
	_ = r.Ledger.Iter(func(rec ledger.Record) error {
		if rec.Basename == projectionID {
			found = rec.ProjectionPath
		}
		return nil
	}, nil)
	return found
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
