package engine

import (
	"context"

	"github.com/apache/arrow/go/v15/arrow"
)

// BatchReader streams a result set as a sequence of Arrow record batches.
// Readers are single-use and not safe for concurrent use.
type BatchReader interface {
	// Schema returns the schema shared by all batches in the stream.
	Schema() *arrow.Schema
	// Next returns the next record batch, or io.EOF once the result set is
	// exhausted. The caller must Release each returned record.
	Next() (arrow.Record, error)
	// Close releases the underlying cursor. Safe to call more than once.
	Close() error
}

// Engine executes SQL queries and streams their results as Arrow batches.
// Implementations must support concurrent Execute calls, one per worker.
type Engine interface {
	// Execute runs the query and returns a reader over its result batches.
	// The reader's schema is available immediately, before any batch is read.
	Execute(ctx context.Context, sql string) (BatchReader, error)
	// Close shuts the engine down. In-flight readers become invalid.
	Close() error
}
