// Package store defines the data-store contract the query service
// depends on. Any engine offering filter, geo-containment, grouping,
// bucketing, bounded traversal, sort, limit and projection satisfies
// it; adapters live in subpackages.
package store

import (
	"context"
	"errors"

	"github.com/bikenow/ridestats/internal/pipeline"
)

// Document is one loosely typed result record.
type Document map[string]any

// Store executes a pipeline against a named collection. Execution
// errors are wrapped in ErrStore; a traversal that would exceed its
// depth bound fails closed with ErrTraversalDepth.
type Store interface {
	Aggregate(ctx context.Context, collection string, p pipeline.Pipeline) ([]Document, error)
}

var (
	// ErrStore marks connectivity, timeout and query-execution
	// failures. Always a server error; detail is logged, never sent
	// to clients.
	ErrStore = errors.New("store error")

	// ErrTraversalDepth marks a bike-path traversal that tripped its
	// recursion guard. Treated like ErrStore at the HTTP boundary.
	ErrTraversalDepth = errors.New("traversal depth exceeded")

	// ErrBadPipeline marks a pipeline the adapter cannot translate.
	// Builders never produce one from validated input, so reaching it
	// indicates a programming error.
	ErrBadPipeline = errors.New("unsupported pipeline")
)
