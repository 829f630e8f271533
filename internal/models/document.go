// Package models defines core data structures for documents, chunks, and answers.
package models

import "time"

// DocumentState is the lifecycle state of a document.
type DocumentState string

const (
	// StateUploaded means the raw file is stored but not yet processed.
	StateUploaded DocumentState = "uploaded"
	// StateProcessing means an ingest or reindex is in flight.
	StateProcessing DocumentState = "processing"
	// StateIndexed means the document's chunks are searchable.
	StateIndexed DocumentState = "indexed"
	// StateFailed means ingestion failed; chunks are not searchable.
	StateFailed DocumentState = "failed"
	// StateDeleted is terminal; index entries are purged.
	StateDeleted DocumentState = "deleted"
)

// Document represents a document's lifecycle record.
type Document struct {
	ID         string        `json:"id" db:"id"`
	Filename   string        `json:"filename" db:"filename"`
	ByteSize   int64         `json:"byte_size" db:"byte_size"`
	State      DocumentState `json:"state" db:"state"`
	ChunkCount int           `json:"chunk_count" db:"chunk_count"`
	LastError  string        `json:"last_error,omitempty" db:"last_error"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at" db:"updated_at"`
}

// DocumentChunk is one overlapping text window of a document.
// Index values are contiguous starting at 0 within a document generation.
type DocumentChunk struct {
	ID          string    `json:"id" db:"id"`
	DocumentID  string    `json:"document_id" db:"document_id"`
	Index       int       `json:"chunk_index" db:"chunk_index"`
	Content     string    `json:"content" db:"content"`
	StartOffset int       `json:"start_offset" db:"start_offset"`
	EndOffset   int       `json:"end_offset" db:"end_offset"`
	Embedding   []float32 `json:"-" db:"-"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// VectorRecord is the unit stored in the vector index.
type VectorRecord struct {
	ChunkID     string
	DocumentID  string
	Vector      []float32
	Content     string
	StartOffset int
	EndOffset   int
}
