// Package generation produces answers from retrieved context via an external
// text-completion capability.
package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperjump/kotae/internal/config"
)

var (
	// ErrUnavailable is returned when the generation capability cannot produce
	// an answer (exhausted retries, quota, malformed response). Never replaced
	// by a fallback answer.
	ErrUnavailable = errors.New("generation unavailable")
	// ErrTransient marks provider failures worth retrying (rate limits, server
	// errors, network faults).
	ErrTransient = errors.New("transient generation failure")
)

// Generator is the text-completion capability. Providers classify retryable
// failures with ErrTransient; the orchestrator owns retry policy.
type Generator interface {
	Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
}

// NewGenerator selects a generation provider from cfg at startup.
func NewGenerator(cfg config.GenerationConfig) (Generator, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIGenerator(cfg)
	case "ollama":
		return NewOllamaGenerator(cfg), nil
	case "mock":
		return &MockGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown generation provider: %q", cfg.Provider)
	}
}
