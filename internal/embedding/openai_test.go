package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyperjump/kotae/internal/config"
)

func newTestOpenAIEmbedder(t *testing.T, baseURL string, dims int) *OpenAIEmbedder {
	t.Helper()
	t.Setenv("TEST_EMBED_KEY", "sk-test")
	e, err := NewOpenAIEmbedder(config.EmbeddingConfig{
		BaseURL:    baseURL,
		APIKeyEnv:  "TEST_EMBED_KEY",
		Model:      "test-model",
		Dimensions: dims,
	})
	if err != nil {
		t.Fatalf("NewOpenAIEmbedder: %v", err)
	}
	return e
}

func TestOpenAIEmbedder_Batch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		// Answer out of order to verify positional reassembly.
		out := struct {
			Data []item `json:"data"`
		}{}
		for i := len(req.Input) - 1; i >= 0; i-- {
			out.Data = append(out.Data, item{Index: i, Embedding: []float32{float32(i), 1}})
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	e := newTestOpenAIEmbedder(t, srv.URL, 2)
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	for i, v := range vecs {
		if v[0] != float32(i) {
			t.Errorf("vector %d = %v, not positionally matched", i, v)
		}
	}
}

func TestOpenAIEmbedder_RateLimitIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := newTestOpenAIEmbedder(t, srv.URL, 2)
	_, err := e.EmbedBatch(context.Background(), []string{"a"})
	if !errors.Is(err, ErrTransient) {
		t.Errorf("429 should be transient, got %v", err)
	}
}

func TestOpenAIEmbedder_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	e := newTestOpenAIEmbedder(t, srv.URL, 2)
	_, err := e.EmbedBatch(context.Background(), []string{"a"})
	if err == nil || errors.Is(err, ErrTransient) {
		t.Errorf("400 should be a permanent error, got %v", err)
	}
}

func TestOpenAIEmbedder_DimensionValidated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"index": 0, "embedding": []float32{1, 2, 3}}},
		})
	}))
	defer srv.Close()

	e := newTestOpenAIEmbedder(t, srv.URL, 2)
	if _, err := e.EmbedBatch(context.Background(), []string{"a"}); err == nil {
		t.Error("expected dimension mismatch error")
	}
}

func TestMockEmbedder_Deterministic(t *testing.T) {
	e := NewMockEmbedder(16)
	ctx := context.Background()
	a, _ := e.Embed(ctx, "same text")
	b, _ := e.Embed(ctx, "same text")
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("mock embedder should be deterministic")
		}
	}
	var sum float64
	for _, v := range a {
		sum += float64(v * v)
	}
	if sum < 0.99 || sum > 1.01 {
		t.Errorf("mock embedding norm^2 = %f, want ~1", sum)
	}
}
