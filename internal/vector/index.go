// Package vector provides vector record storage and similarity search.
package vector

import (
	"context"
	"errors"

	"github.com/hyperjump/kotae/internal/models"
)

// ErrDimensionMismatch is returned when a vector's dimensionality does not
// match the index. A change of embedding model invalidates the whole index
// and requires a full reindex.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// ErrIndexWrite is returned when records cannot be written to the index.
// Callers roll back any partial state for the affected document.
var ErrIndexWrite = errors.New("vector index write failed")

// Index defines vector record storage and similarity search keyed by document.
type Index interface {
	// UpsertDocument atomically replaces all records for a document.
	// Concurrent searches see either the previous record set or the new
	// one, never a mix.
	UpsertDocument(ctx context.Context, documentID string, records []models.VectorRecord) error
	// Search returns the top-k records by cosine similarity, descending,
	// ties broken by insertion order.
	Search(ctx context.Context, query []float32, k int) ([]*Result, error)
	// DeleteDocument removes all records for a document. Deleting a
	// document with no records is a no-op.
	DeleteDocument(ctx context.Context, documentID string) error
	Save(path string) error
	Load(path string) error
	Size() int
	Close() error
}

// Result is a single search hit.
type Result struct {
	Record models.VectorRecord
	Score  float64 // cosine similarity for normalized vectors (inner product)
}
