package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyperjump/kotae/internal/config"
)

func newOpenAITestGenerator(t *testing.T, handler http.HandlerFunc) *OpenAIGenerator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Setenv("TEST_GEN_KEY", "secret")
	g, err := NewOpenAIGenerator(config.GenerationConfig{
		BaseURL:   srv.URL,
		Model:     "test-model",
		APIKeyEnv: "TEST_GEN_KEY",
	})
	if err != nil {
		t.Fatalf("NewOpenAIGenerator: %v", err)
	}
	return g
}

func TestOpenAIGeneratorComplete(t *testing.T) {
	var gotAuth string
	var gotBody struct {
		Model       string        `json:"model"`
		Messages    []chatMessage `json:"messages"`
		MaxTokens   int           `json:"max_tokens"`
		Temperature float64       `json:"temperature"`
	}
	g := newOpenAITestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "  hello  "}},
			},
		})
	})

	out, err := g.Complete(context.Background(), "prompt text", 100, 0.7)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "hello" {
		t.Errorf("out = %q, want trimmed hello", out)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotBody.Model != "test-model" || gotBody.MaxTokens != 100 || gotBody.Temperature != 0.7 {
		t.Errorf("request body = %+v", gotBody)
	}
	if len(gotBody.Messages) != 2 || gotBody.Messages[1].Content != "prompt text" {
		t.Errorf("messages = %+v", gotBody.Messages)
	}
}

func TestOpenAIGeneratorRateLimitIsTransient(t *testing.T) {
	g := newOpenAITestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	if _, err := g.Complete(context.Background(), "p", 10, 0); !errors.Is(err, ErrTransient) {
		t.Errorf("err = %v, want ErrTransient", err)
	}
}

func TestOpenAIGeneratorClientErrorIsPermanent(t *testing.T) {
	g := newOpenAITestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	_, err := g.Complete(context.Background(), "p", 10, 0)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrTransient) {
		t.Errorf("client error should not be transient: %v", err)
	}
}
