// Package remote defines the contract a remote document store must satisfy.
// The repository treats the remote store as authoritative and only relies on
// the primitives declared here.
package remote

import (
	"context"
	"errors"
)

// ErrWatchUnsupported is returned by Watch when the store offers no
// live-update primitive. Callers fall back to one-shot fetches.
var ErrWatchUnsupported = errors.New("remote: watch not supported")

// Snapshot is one document as the remote store currently sees it.
type Snapshot struct {
	ID     string
	Fields map[string]any
}

// Operator enumerates supported filter comparisons.
type Operator string

// OperatorEquals is the only comparison the repository issues.
const OperatorEquals Operator = "=="

// Filter narrows a collection query by one field comparison.
type Filter struct {
	Field string
	Op    Operator
	Value any
}

// Store exposes doc/collection/query primitives of a remote document store.
// Implementations must return classified errors (see errors.go) so the
// repository can distinguish quota exhaustion and permission failures from
// plain unavailability.
type Store interface {
	// GetDoc fetches a single document. The boolean reports existence;
	// a missing document is not an error.
	GetDoc(ctx context.Context, collection, id string) (map[string]any, bool, error)

	// SetDoc writes a document. With merge set, unnamed fields are preserved;
	// otherwise the document is replaced.
	SetDoc(ctx context.Context, collection, id string, fields map[string]any, merge bool) error

	// DeleteDoc removes a document permanently.
	DeleteDoc(ctx context.Context, collection, id string) error

	// GetDocs queries a collection. A non-positive limit means no ceiling.
	GetDocs(ctx context.Context, collection string, filters []Filter, limit int) ([]Snapshot, error)

	// Watch opens a live-update channel: onNext receives the full matching
	// document set on every change, onError receives mid-stream failures.
	// The returned function cancels the watch and is safe to call once.
	// Stores without a live-update primitive return ErrWatchUnsupported.
	Watch(ctx context.Context, collection string, filters []Filter, onNext func([]Snapshot), onError func(error)) (func(), error)
}

// MatchesFilters reports whether a field map satisfies every filter. Shared by
// store implementations that filter in memory.
func MatchesFilters(fields map[string]any, filters []Filter) bool {
	for _, filter := range filters {
		if filter.Op != OperatorEquals {
			return false
		}
		if fields[filter.Field] != filter.Value {
			return false
		}
	}
	return true
}
