package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/vector"
)

// stubEmbedder maps known texts to fixed vectors.
type stubEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0}, nil
}

func newTestEngine(t *testing.T, cfg config.RetrievalConfig, emb *stubEmbedder) (*Engine, *vector.MemoryIndex) {
	t.Helper()
	idx, err := vector.NewMemoryIndex(2)
	if err != nil {
		t.Fatalf("NewMemoryIndex: %v", err)
	}
	return NewEngine(emb, idx, cfg), idx
}

func seedIndex(t *testing.T, idx *vector.MemoryIndex) {
	t.Helper()
	err := idx.UpsertDocument(context.Background(), "d1", []models.VectorRecord{
		{ChunkID: "d1:1:0", DocumentID: "d1", Content: "close match", Vector: []float32{1, 0}, StartOffset: 0, EndOffset: 11},
		{ChunkID: "d1:1:1", DocumentID: "d1", Content: "partial match", Vector: []float32{0.7, 0.7}, StartOffset: 12, EndOffset: 25},
		{ChunkID: "d1:1:2", DocumentID: "d1", Content: "unrelated", Vector: []float32{0, 1}, StartOffset: 26, EndOffset: 35},
	})
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
}

func TestRetrieveOrdersByScore(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	eng, idx := newTestEngine(t, config.RetrievalConfig{TopKDefault: 5}, emb)
	seedIndex(t, idx)

	passages, err := eng.Retrieve(context.Background(), "q", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(passages) != 3 {
		t.Fatalf("got %d passages, want 3", len(passages))
	}
	if passages[0].Content != "close match" {
		t.Errorf("top passage = %q, want close match", passages[0].Content)
	}
	for i := 1; i < len(passages); i++ {
		if passages[i].Score > passages[i-1].Score {
			t.Errorf("passages not sorted descending at %d", i)
		}
	}
}

func TestRetrieveRespectsTopK(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	eng, idx := newTestEngine(t, config.RetrievalConfig{TopKDefault: 5}, emb)
	seedIndex(t, idx)

	passages, err := eng.Retrieve(context.Background(), "q", 1)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(passages) != 1 {
		t.Errorf("got %d passages, want 1", len(passages))
	}
}

func TestRetrieveZeroMeansDefault(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	eng, idx := newTestEngine(t, config.RetrievalConfig{TopKDefault: 2}, emb)
	seedIndex(t, idx)

	passages, err := eng.Retrieve(context.Background(), "q", 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(passages) != 2 {
		t.Errorf("got %d passages, want 2 (config default)", len(passages))
	}
}

func TestRetrieveInvalidTopK(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	eng, _ := newTestEngine(t, config.RetrievalConfig{TopKDefault: 5}, emb)

	if _, err := eng.Retrieve(context.Background(), "q", -1); !errors.Is(err, ErrInvalidTopK) {
		t.Errorf("err = %v, want ErrInvalidTopK", err)
	}
}

func TestRetrieveSimilarityFloor(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	eng, idx := newTestEngine(t, config.RetrievalConfig{TopKDefault: 5, MinSimilarity: 0.5}, emb)
	seedIndex(t, idx)

	passages, err := eng.Retrieve(context.Background(), "q", 5)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	// "unrelated" scores 0.0 against the query and must be filtered.
	for _, p := range passages {
		if p.Score < 0.5 {
			t.Errorf("passage %q below floor with score %f", p.Content, p.Score)
		}
	}
	if len(passages) != 2 {
		t.Errorf("got %d passages, want 2 above the floor", len(passages))
	}
}

func TestRetrieveEmbeddingFailure(t *testing.T) {
	emb := &stubEmbedder{err: errors.New("provider down")}
	eng, idx := newTestEngine(t, config.RetrievalConfig{TopKDefault: 5}, emb)
	seedIndex(t, idx)

	if _, err := eng.Retrieve(context.Background(), "q", 3); err == nil {
		t.Error("Retrieve should surface embedding failure")
	}
}

func TestRetrieveEmptyIndex(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	eng, _ := newTestEngine(t, config.RetrievalConfig{TopKDefault: 5}, emb)

	passages, err := eng.Retrieve(context.Background(), "q", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(passages) != 0 {
		t.Errorf("got %d passages from empty index, want 0", len(passages))
	}
}
