// Package retrieval answers similarity queries against the vector index.
package retrieval

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/vector"
)

// ErrInvalidTopK is returned when the requested result count is below 1.
var ErrInvalidTopK = errors.New("top_k must be at least 1")

// Embedder is the single-text slice of the embedding gateway.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the read-only slice of the vector index.
type Searcher interface {
	Search(ctx context.Context, query []float32, k int) ([]*vector.Result, error)
}

// Engine embeds a question and returns the most similar indexed passages.
// Retrieval is a pure read: it never mutates the index or document state.
type Engine struct {
	embedder      Embedder
	index         Searcher
	topKDefault   int
	minSimilarity float64
	logger        *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a retrieval engine from the configured defaults.
func NewEngine(embedder Embedder, index Searcher, cfg config.RetrievalConfig, opts ...Option) *Engine {
	e := &Engine{
		embedder:      embedder,
		index:         index,
		topKDefault:   cfg.TopKDefault,
		minSimilarity: cfg.MinSimilarity,
		logger:        zap.NewNop(),
	}
	if e.topKDefault < 1 {
		e.topKDefault = 5
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Retrieve embeds the question and returns up to topK passages sorted by
// descending similarity. topK of 0 means the configured default; below 0 (or
// an explicit value below 1) is ErrInvalidTopK. Results under the minimum
// similarity floor are discarded when a floor is configured.
func (e *Engine) Retrieve(ctx context.Context, question string, topK int) ([]models.RetrievedPassage, error) {
	if topK == 0 {
		topK = e.topKDefault
	}
	if topK < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTopK, topK)
	}

	queryVec, err := e.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	results, err := e.index.Search(ctx, queryVec, topK)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	passages := make([]models.RetrievedPassage, 0, len(results))
	for _, r := range results {
		if e.minSimilarity > 0 && r.Score < e.minSimilarity {
			continue
		}
		passages = append(passages, models.RetrievedPassage{
			ChunkID:     r.Record.ChunkID,
			DocumentID:  r.Record.DocumentID,
			Content:     r.Record.Content,
			Score:       r.Score,
			StartOffset: r.Record.StartOffset,
			EndOffset:   r.Record.EndOffset,
		})
	}
	e.logger.Debug("retrieved passages",
		zap.Int("top_k", topK),
		zap.Int("returned", len(passages)),
	)
	return passages, nil
}
