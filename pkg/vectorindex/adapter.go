// Package vectorindex is the Vector Index Adapter: a thin, swappable
// interface over a Postgres/pgvector-backed embedding store, plus the
// filesystem scanner that keeps it populated by turning unindexed or
// stale files into curiosity questions.
package vectorindex

import (
	"context"
	"time"

	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

// Adapter is the vector store boundary every scan/query caller depends
// on. PgvectorAdapter is the one concrete implementation; the interface
// exists so tests and any future backend swap don't need to touch
// callers.
type Adapter interface {
	// Upsert writes doc, idempotent by (collection, id).
	Upsert(ctx context.Context, doc model.VectorDoc) error
	// Query returns the topK nearest documents in collection to
	// embedding by cosine distance.
	Query(ctx context.Context, collection string, embedding []float32, topK int) ([]model.VectorDoc, error)
	// IsStale reports whether path's indexed copy in collection is
	// missing or older than mtime.
	IsStale(ctx context.Context, collection, path string, mtime time.Time) (bool, error)
	// GetIndexedFiles returns every indexed path in collection mapped to
	// its recorded modification time.
	GetIndexedFiles(ctx context.Context, collection string) (map[string]time.Time, error)
}
