package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/pkg/utils"
)

const maxBackoff = 5 * time.Second

// Gateway wraps a provider with bounded batching, rate limiting, and
// bounded retry with exponential backoff. Ingestion and retrieval go through
// the gateway, never the provider directly. Every vector leaving the gateway
// is L2-normalized, so index inner products are cosine similarities no matter
// what the provider returns.
type Gateway struct {
	provider    Embedder
	batchSize   int
	attempts    int
	backoffBase time.Duration
	limiter     *rate.Limiter
	cache       *Cache
	logger      *zap.Logger // optional; when set, logs retry events
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithLogger sets a logger for debug output (retries, batch sizes).
func WithLogger(l *zap.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway wraps provider using the batch, retry, and rate-limit settings
// from cfg. RequestsPerMinute of zero means no rate ceiling.
func NewGateway(provider Embedder, embCfg config.EmbeddingConfig, retryCfg config.RetryConfig, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		provider:    provider,
		batchSize:   embCfg.BatchSize,
		attempts:    retryCfg.Attempts,
		backoffBase: retryCfg.BackoffBase,
		cache:       NewCache(embCfg.CacheSize),
	}
	if g.batchSize <= 0 {
		g.batchSize = 32
	}
	if g.attempts <= 0 {
		g.attempts = 1
	}
	if g.backoffBase <= 0 {
		g.backoffBase = 200 * time.Millisecond
	}
	if embCfg.RequestsPerMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(float64(embCfg.RequestsPerMinute)/60.0), 1)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Embed returns the embedding for a single text (queries), using the cache
// when available.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := g.cache.Get(text); ok {
		return cached, nil
	}
	var vec []float32
	err := g.withRetry(ctx, func(ctx context.Context) error {
		v, err := g.provider.Embed(ctx, text)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	utils.NormalizeL2(vec)
	g.cache.Set(text, vec)
	return vec, nil
}

// EmbedBatch embeds texts in bounded batches. The returned vectors correspond
// positionally to the inputs. Any batch failing after retries fails the whole
// call; partial results are never returned.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += g.batchSize {
		end := start + g.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]
		var batchVecs [][]float32
		err := g.withRetry(ctx, func(ctx context.Context) error {
			v, err := g.provider.EmbedBatch(ctx, batch)
			if err != nil {
				return err
			}
			if len(v) != len(batch) {
				return fmt.Errorf("provider returned %d vectors for %d inputs", len(v), len(batch))
			}
			batchVecs = v
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, v := range batchVecs {
			utils.NormalizeL2(v)
		}
		vecs = append(vecs, batchVecs...)
	}
	return vecs, nil
}

// withRetry runs call, retrying transient failures with exponential backoff up
// to the attempt limit. The rate limiter is consulted before every attempt so
// retries also respect the request ceiling. On exhaustion the last error is
// wrapped in ErrUnavailable.
func (g *Gateway) withRetry(ctx context.Context, call func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < g.attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoffDelay(g.backoffBase, attempt-1)); err != nil {
				return err
			}
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		err := call(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTransient) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		lastErr = err
		if g.logger != nil {
			g.logger.Debug("embedding retry",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", g.attempts),
				zap.Error(err),
			)
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, g.attempts, lastErr)
}

// Dimensions returns the provider's embedding dimension.
func (g *Gateway) Dimensions() int {
	return g.provider.Dimensions()
}

// Close closes the underlying provider.
func (g *Gateway) Close() error {
	return g.provider.Close()
}

// backoffDelay is the delay before retry number attempt+1: base << attempt,
// capped at maxBackoff. Pure function of the attempt count.
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

// sleepCtx sleeps for d or until ctx is cancelled.
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
