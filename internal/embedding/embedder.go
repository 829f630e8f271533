// Package embedding provides text embedding capability providers and the
// batching, retrying gateway that ingestion and retrieval call through.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperjump/kotae/internal/config"
)

// ErrUnavailable is returned when the embedding capability cannot produce
// vectors, after transient failures have been retried to exhaustion.
// Callers must treat it as an ingestion or query failure; vectors are never
// silently dropped.
var ErrUnavailable = errors.New("embedding capability unavailable")

// ErrTransient marks provider failures worth retrying (timeouts, rate limits,
// 5xx). The gateway retries these with backoff; anything else fails fast.
var ErrTransient = errors.New("transient embedding failure")

// Embedder produces vector embeddings for text. All vectors from one
// configuration share a fixed dimensionality.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// NewEmbedder creates the provider selected by cfg.Provider.
// Supported providers: "openai" (OpenAI-compatible REST), "ollama"
// (native API), "onnx" (local model, requires CGO), "mock" (deterministic,
// for tests).
func NewEmbedder(cfg config.EmbeddingConfig) (Embedder, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIEmbedder(cfg)
	case "ollama":
		return NewOllamaEmbedder(cfg)
	case "onnx":
		return NewONNXEmbedder(cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens)
	case "mock":
		return NewMockEmbedder(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (supported: openai, ollama, onnx, mock)", cfg.Provider)
	}
}
