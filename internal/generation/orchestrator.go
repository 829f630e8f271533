package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/models"
)

const maxBackoff = 5 * time.Second

// Orchestrator turns a question and retrieved passages into an answer with
// citations. It owns the prompt budget, the retry policy, and the per-call
// timeout; the provider only completes prompts.
type Orchestrator struct {
	gen             Generator
	maxTokens       int
	temperature     float64
	maxContextChars int
	timeout         time.Duration
	attempts        int
	backoffBase     time.Duration
	logger          *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates an orchestrator over gen using generation and retry
// settings from config.
func NewOrchestrator(gen Generator, genCfg config.GenerationConfig, retryCfg config.RetryConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gen:             gen,
		maxTokens:       genCfg.MaxTokens,
		temperature:     genCfg.Temperature,
		maxContextChars: genCfg.MaxContextChars,
		timeout:         genCfg.Timeout,
		attempts:        retryCfg.Attempts,
		backoffBase:     retryCfg.BackoffBase,
		logger:          zap.NewNop(),
	}
	if o.attempts <= 0 {
		o.attempts = 1
	}
	if o.backoffBase <= 0 {
		o.backoffBase = 200 * time.Millisecond
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Answer builds a bounded prompt from the passages and completes it. Passages
// are dropped whole from the lowest-similarity end until the context fits the
// configured budget; citations cover exactly the passages that made it into
// the prompt. Provider failure surfaces as ErrUnavailable, never as a
// fabricated answer.
func (o *Orchestrator) Answer(ctx context.Context, question string, passages []models.RetrievedPassage) (*models.Answer, error) {
	included := o.fitContext(passages)
	prompt := buildPrompt(question, included)

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	var text string
	var lastErr error
	for attempt := 0; attempt < o.attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoffDelay(o.backoffBase, attempt-1)); err != nil {
				return nil, err
			}
			o.logger.Debug("generation retry",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", o.attempts),
			)
		}
		out, err := o.gen.Complete(ctx, prompt, o.maxTokens, o.temperature)
		if err == nil {
			text = out
			lastErr = nil
			break
		}
		if !errors.Is(err, ErrTransient) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, o.attempts, lastErr)
	}

	citations := make([]models.Citation, len(included))
	for i, p := range included {
		citations[i] = models.Citation{
			DocumentID:  p.DocumentID,
			ChunkID:     p.ChunkID,
			StartOffset: p.StartOffset,
			EndOffset:   p.EndOffset,
			Score:       p.Score,
		}
	}
	return &models.Answer{Text: text, Citations: citations}, nil
}

// fitContext drops passages from the lowest-similarity end (the tail of the
// score-ordered slice) until the formatted context fits maxContextChars.
// Passages are never truncated mid-passage.
func (o *Orchestrator) fitContext(passages []models.RetrievedPassage) []models.RetrievedPassage {
	if o.maxContextChars <= 0 {
		return passages
	}
	included := passages
	for len(included) > 0 && contextLength(included) > o.maxContextChars {
		included = included[:len(included)-1]
	}
	if len(included) < len(passages) {
		o.logger.Debug("context trimmed to fit budget",
			zap.Int("retrieved", len(passages)),
			zap.Int("included", len(included)),
		)
	}
	return included
}

func contextLength(passages []models.RetrievedPassage) int {
	n := 0
	for _, p := range passages {
		n += len(passageBlock(p))
	}
	return n
}

func passageBlock(p models.RetrievedPassage) string {
	return fmt.Sprintf("[Source: %s @%d-%d]\n%s", p.DocumentID, p.StartOffset, p.EndOffset, p.Content)
}

// buildPrompt lays out instructions, the tagged context passages, and the
// question.
func buildPrompt(question string, passages []models.RetrievedPassage) string {
	var b strings.Builder
	b.WriteString("Answer the question using only the information in the context below.\n\n")
	b.WriteString("CONTEXT:\n")
	if len(passages) == 0 {
		b.WriteString("(no relevant passages found)\n")
	}
	for i, p := range passages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(passageBlock(p))
	}
	b.WriteString("\n\nQUESTION:\n")
	b.WriteString(question)
	b.WriteString("\n\nINSTRUCTIONS:\n")
	b.WriteString("1. Use only the information from the context above.\n")
	b.WriteString("2. If the context does not contain the answer, say so explicitly.\n")
	b.WriteString("3. Be precise and concise.\n")
	b.WriteString("4. Mention the source when it is relevant.\n\n")
	b.WriteString("ANSWER:")
	return b.String()
}

// backoffDelay is the delay before retry number attempt+1: base << attempt,
// capped at maxBackoff.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base << attempt
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
