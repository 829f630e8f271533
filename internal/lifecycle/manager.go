// Package lifecycle coordinates document ingestion, reindexing, and deletion
// across storage, the embedding gateway, and the vector index.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/chunker"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/storage"
	"github.com/hyperjump/kotae/internal/vector"
)

var (
	// ErrDocumentBusy is returned when an ingest, reindex, or delete is already
	// in flight for the document.
	ErrDocumentBusy = errors.New("document busy")
	// ErrDocumentNotFound is returned for operations on unknown or deleted documents.
	ErrDocumentNotFound = errors.New("document not found")
)

// Embedder is the slice of the embedding gateway the manager needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Manager owns document state transitions. All mutations of a document are
// serialized per document ID; a second caller gets ErrDocumentBusy instead of
// queueing.
type Manager struct {
	store    storage.Storage
	index    vector.Index
	embedder Embedder
	chunking config.ChunkingConfig
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	gen atomic.Uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a lifecycle manager.
func NewManager(store storage.Storage, index vector.Index, embedder Embedder, chunking config.ChunkingConfig, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		index:    index,
		embedder: embedder,
		chunking: chunking,
		logger:   zap.NewNop(),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IngestOption overrides per-call ingestion settings.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	chunkSize    int
	chunkOverlap int
}

// WithChunking overrides the configured chunk size and overlap for one call.
func WithChunking(size, overlap int) IngestOption {
	return func(o *ingestOptions) {
		o.chunkSize = size
		o.chunkOverlap = overlap
	}
}

// tryLock acquires the per-document mutex without blocking. The returned
// function releases it. ErrDocumentBusy when another operation holds it.
func (m *Manager) tryLock(docID string) (func(), error) {
	m.mu.Lock()
	lock, ok := m.locks[docID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[docID] = lock
	}
	m.mu.Unlock()

	if !lock.TryLock() {
		return nil, fmt.Errorf("document %s: %w", docID, ErrDocumentBusy)
	}
	return lock.Unlock, nil
}

func (m *Manager) newChunker(opts []IngestOption) (*chunker.Chunker, error) {
	o := ingestOptions{
		chunkSize:    m.chunking.ChunkSize,
		chunkOverlap: m.chunking.ChunkOverlap,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return chunker.New(o.chunkSize, o.chunkOverlap)
}

// Ingest processes a new document: chunk, embed, index, persist. doc.ID may
// be empty, in which case one is generated. On success the document is
// indexed; on any failure it is marked failed with the error recorded, and
// the index holds no records for it.
func (m *Manager) Ingest(ctx context.Context, doc *models.Document, text string, opts ...IngestOption) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	unlock, err := m.tryLock(doc.ID)
	if err != nil {
		return err
	}
	defer unlock()

	doc.State = models.StateUploaded
	if err := m.store.CreateDocument(ctx, doc); err != nil {
		return fmt.Errorf("create document: %w", err)
	}

	// Chunk config is validated before the document enters processing and
	// before any embedding call is made.
	ck, err := m.newChunker(opts)
	if err != nil {
		m.markFailed(ctx, doc, err)
		return err
	}

	doc.State = models.StateProcessing
	if err := m.store.UpdateDocument(ctx, doc); err != nil {
		return fmt.Errorf("update document: %w", err)
	}

	chunks, records, err := m.buildGeneration(ctx, doc.ID, text, ck)
	if err != nil {
		m.markFailed(ctx, doc, err)
		return err
	}

	if err := m.index.UpsertDocument(ctx, doc.ID, records); err != nil {
		m.markFailed(ctx, doc, err)
		return err
	}
	if err := m.store.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		// Keep index and metadata consistent: a failed ingest leaves no
		// searchable records behind.
		_ = m.index.DeleteDocument(ctx, doc.ID)
		m.markFailed(ctx, doc, err)
		return fmt.Errorf("persist chunks: %w", err)
	}

	doc.State = models.StateIndexed
	doc.ChunkCount = len(chunks)
	doc.LastError = ""
	if err := m.store.UpdateDocument(ctx, doc); err != nil {
		// The document never became indexed, so nothing of this attempt may
		// stay searchable or persisted.
		_ = m.index.DeleteDocument(ctx, doc.ID)
		_ = m.store.DeleteChunksByDocumentID(ctx, doc.ID)
		doc.ChunkCount = 0
		m.markFailed(ctx, doc, err)
		return fmt.Errorf("update document: %w", err)
	}
	m.logger.Info("document indexed",
		zap.String("document_id", doc.ID),
		zap.String("filename", doc.Filename),
		zap.Int("chunks", len(chunks)),
	)
	return nil
}

// Reindex rebuilds a document's chunks and vectors from text and atomically
// replaces the previous generation. The old generation stays searchable until
// the swap; any failure before the swap leaves it untouched, with the error
// recorded on the document.
func (m *Manager) Reindex(ctx context.Context, docID, text string, opts ...IngestOption) (*models.Document, error) {
	unlock, err := m.tryLock(docID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := m.getLive(ctx, docID)
	if err != nil {
		return nil, err
	}

	ck, err := m.newChunker(opts)
	if err != nil {
		m.recordError(ctx, doc, err)
		return doc, err
	}

	chunks, records, err := m.buildGeneration(ctx, docID, text, ck)
	if err != nil {
		m.recordError(ctx, doc, err)
		return doc, err
	}

	if err := m.index.UpsertDocument(ctx, docID, records); err != nil {
		m.recordError(ctx, doc, err)
		return doc, err
	}
	if err := m.store.ReplaceChunks(ctx, docID, chunks); err != nil {
		m.recordError(ctx, doc, err)
		return doc, fmt.Errorf("persist chunks: %w", err)
	}

	doc.State = models.StateIndexed
	doc.ChunkCount = len(chunks)
	doc.LastError = ""
	if err := m.store.UpdateDocument(ctx, doc); err != nil {
		// The swap already happened and the new generation is live; the
		// document stays indexed with the metadata failure annotated.
		doc.LastError = err.Error()
		m.logger.Error("reindexed but metadata update failed",
			zap.String("document_id", docID),
			zap.Error(err),
		)
		return doc, fmt.Errorf("update document: %w", err)
	}
	m.logger.Info("document reindexed",
		zap.String("document_id", docID),
		zap.Int("chunks", len(chunks)),
	)
	return doc, nil
}

// Delete removes the document from the index and purges its chunks. The
// metadata record is kept with state deleted. Idempotent on the index side;
// deleting an unknown document returns ErrDocumentNotFound.
func (m *Manager) Delete(ctx context.Context, docID string) error {
	unlock, err := m.tryLock(docID)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := m.getLive(ctx, docID)
	if err != nil {
		return err
	}

	if err := m.index.DeleteDocument(ctx, docID); err != nil {
		return fmt.Errorf("delete from index: %w", err)
	}
	if err := m.store.DeleteChunksByDocumentID(ctx, docID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	doc.State = models.StateDeleted
	doc.ChunkCount = 0
	if err := m.store.UpdateDocument(ctx, doc); err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	m.logger.Info("document deleted", zap.String("document_id", docID))
	return nil
}

// Status returns the document's lifecycle record, or ErrDocumentNotFound.
func (m *Manager) Status(ctx context.Context, docID string) (*models.Document, error) {
	return m.getLive(ctx, docID)
}

// List returns non-deleted documents, newest first.
func (m *Manager) List(ctx context.Context, offset, limit int) ([]*models.Document, error) {
	return m.store.ListDocuments(ctx, offset, limit)
}

// buildGeneration chunks text, embeds every chunk through the gateway, and
// returns the chunk rows and vector records for a fresh generation. Nothing
// is written anywhere; the caller performs the swap.
func (m *Manager) buildGeneration(ctx context.Context, docID, text string, ck *chunker.Chunker) ([]*models.DocumentChunk, []models.VectorRecord, error) {
	gen := m.gen.Add(1)
	chunks := ck.Split(docID, text).All()
	for _, chunk := range chunks {
		chunk.ID = fmt.Sprintf("%s:%d:%d", docID, gen, chunk.Index)
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}
	vecs, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vecs) != len(chunks) {
		return nil, nil, fmt.Errorf("embedding returned %d vectors for %d chunks", len(vecs), len(chunks))
	}

	records := make([]models.VectorRecord, len(chunks))
	for i, chunk := range chunks {
		chunk.Embedding = vecs[i]
		records[i] = models.VectorRecord{
			ChunkID:     chunk.ID,
			DocumentID:  docID,
			Vector:      vecs[i],
			Content:     chunk.Content,
			StartOffset: chunk.StartOffset,
			EndOffset:   chunk.EndOffset,
		}
	}
	return chunks, records, nil
}

// getLive fetches a document, mapping missing and deleted records to
// ErrDocumentNotFound.
func (m *Manager) getLive(ctx context.Context, docID string) (*models.Document, error) {
	doc, err := m.store.GetDocument(ctx, docID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("document %s: %w", docID, ErrDocumentNotFound)
		}
		return nil, err
	}
	if doc.State == models.StateDeleted {
		return nil, fmt.Errorf("document %s: %w", docID, ErrDocumentNotFound)
	}
	return doc, nil
}

// markFailed flips the document to failed and records the cause.
func (m *Manager) markFailed(ctx context.Context, doc *models.Document, cause error) {
	doc.State = models.StateFailed
	doc.LastError = cause.Error()
	if err := m.store.UpdateDocument(ctx, doc); err != nil {
		m.logger.Error("failed to record ingest failure",
			zap.String("document_id", doc.ID),
			zap.Error(err),
		)
	}
	m.logger.Warn("ingest failed",
		zap.String("document_id", doc.ID),
		zap.Error(cause),
	)
}

// recordError annotates a reindex failure without changing the document's
// state: the previous generation is still indexed and searchable.
func (m *Manager) recordError(ctx context.Context, doc *models.Document, cause error) {
	doc.LastError = cause.Error()
	if err := m.store.UpdateDocument(ctx, doc); err != nil {
		m.logger.Error("failed to record reindex failure",
			zap.String("document_id", doc.ID),
			zap.Error(err),
		)
	}
	m.logger.Warn("reindex failed, previous generation kept",
		zap.String("document_id", doc.ID),
		zap.Error(cause),
	)
}
