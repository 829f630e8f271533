package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/embedding"
	"github.com/hyperjump/kotae/internal/generation"
	"github.com/hyperjump/kotae/internal/lifecycle"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/retrieval"
	"github.com/hyperjump/kotae/internal/storage"
	"github.com/hyperjump/kotae/internal/vector"
)

const testDims = 8

// failingEmbedder simulates a permanently down embedding provider.
type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("provider down")
}
func (failingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("provider down")
}
func (failingEmbedder) Dimensions() int { return testDims }
func (failingEmbedder) Close() error    { return nil }

func newTestServer(t *testing.T, provider embedding.Embedder, genResponse string) *httptest.Server {
	t.Helper()
	tmp := t.TempDir()
	cfg := &config.Config{
		Storage: config.StorageConfig{
			DatabasePath: filepath.Join(tmp, "kotae.db"),
			UploadDir:    filepath.Join(tmp, "uploads"),
		},
		Chunking:  config.ChunkingConfig{ChunkSize: 500, ChunkOverlap: 50},
		Embedding: config.EmbeddingConfig{Provider: "mock", Dimensions: testDims, BatchSize: 32, CacheSize: 16},
		Retrieval: config.RetrievalConfig{TopKDefault: 5},
		Generation: config.GenerationConfig{
			Provider:        "mock",
			MaxContextChars: 12000,
		},
		Retry: config.RetryConfig{Attempts: 2, BackoffBase: time.Millisecond},
	}

	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		t.Fatalf("NewSQLiteStorage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	idx, err := vector.NewMemoryIndex(testDims)
	if err != nil {
		t.Fatalf("NewMemoryIndex: %v", err)
	}

	gateway := embedding.NewGateway(provider, cfg.Embedding, cfg.Retry)
	manager := lifecycle.NewManager(store, idx, gateway, cfg.Chunking)
	retriever := retrieval.NewEngine(gateway, idx, cfg.Retrieval)
	answerer := generation.NewOrchestrator(&generation.MockGenerator{Response: genResponse}, cfg.Generation, cfg.Retry)

	s := NewServer(manager, retriever, answerer, store, idx, cfg, zap.NewNop())
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestUploadAndAsk(t *testing.T) {
	srv := newTestServer(t, embedding.NewMockEmbedder(testDims),
		"Employees get 20 vacation days per year.")

	resp := postJSON(t, srv.URL+"/api/v1/documents", uploadRequest{
		Filename:     "handbook.txt",
		Text:         "Employees receive 20 vacation days per year.",
		ChunkSize:    10,
		ChunkOverlap: 2,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d, want 201", resp.StatusCode)
	}
	doc := decode[models.Document](t, resp)
	if doc.State != models.StateIndexed || doc.ChunkCount != 1 {
		t.Fatalf("document = %+v, want indexed with 1 chunk", doc)
	}

	resp = postJSON(t, srv.URL+"/api/v1/ask", models.Question{
		Text: "How many vacation days do employees get?",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ask status = %d, want 200", resp.StatusCode)
	}
	answer := decode[struct {
		Answer    string                    `json:"answer"`
		Citations []models.Citation         `json:"citations"`
		Passages  []models.RetrievedPassage `json:"passages"`
	}](t, resp)
	if !strings.Contains(answer.Answer, "20") {
		t.Errorf("answer = %q, want mention of 20", answer.Answer)
	}
	if len(answer.Passages) != 1 || !strings.Contains(answer.Passages[0].Content, "20 vacation days") {
		t.Errorf("passages = %+v, want the handbook sentence", answer.Passages)
	}
	if len(answer.Citations) != 1 || answer.Citations[0].DocumentID != doc.ID {
		t.Errorf("citations = %+v", answer.Citations)
	}
}

func TestUploadMultipart(t *testing.T) {
	srv := newTestServer(t, embedding.NewMockEmbedder(testDims), "ok")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "notes.md")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write([]byte("# Notes\n\nRemote work is allowed two days per week."))
	_ = mw.Close()

	resp, err := http.Post(srv.URL+"/api/v1/documents", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	doc := decode[models.Document](t, resp)
	if doc.Filename != "notes.md" || doc.State != models.StateIndexed {
		t.Errorf("document = %+v", doc)
	}
}

func TestUploadInvalidChunkConfig(t *testing.T) {
	srv := newTestServer(t, embedding.NewMockEmbedder(testDims), "ok")
	resp := postJSON(t, srv.URL+"/api/v1/documents", uploadRequest{
		Filename:     "f.txt",
		Text:         "some text",
		ChunkSize:    5,
		ChunkOverlap: 10,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUploadEmbeddingUnavailable(t *testing.T) {
	srv := newTestServer(t, failingEmbedder{}, "ok")
	resp := postJSON(t, srv.URL+"/api/v1/documents", uploadRequest{
		Filename: "f.txt",
		Text:     "some text",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestAskEmbeddingUnavailable(t *testing.T) {
	srv := newTestServer(t, failingEmbedder{}, "ok")
	resp := postJSON(t, srv.URL+"/api/v1/ask", models.Question{Text: "anything?"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestAskInvalidTopK(t *testing.T) {
	srv := newTestServer(t, embedding.NewMockEmbedder(testDims), "ok")
	resp := postJSON(t, srv.URL+"/api/v1/ask", models.Question{Text: "q", TopK: -1})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetMissingDocument(t *testing.T) {
	srv := newTestServer(t, embedding.NewMockEmbedder(testDims), "ok")
	resp, err := http.Get(srv.URL + "/api/v1/documents/ghost")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteDocumentFlow(t *testing.T) {
	srv := newTestServer(t, embedding.NewMockEmbedder(testDims), "ok")

	resp := postJSON(t, srv.URL+"/api/v1/documents", uploadRequest{Filename: "f.txt", Text: "text"})
	doc := decode[models.Document](t, resp)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/documents/"+doc.ID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", delResp.StatusCode)
	}

	getResp, err := http.Get(srv.URL + "/api/v1/documents/" + doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", getResp.StatusCode)
	}
}

func TestReindexEndpoint(t *testing.T) {
	srv := newTestServer(t, embedding.NewMockEmbedder(testDims), "ok")

	resp := postJSON(t, srv.URL+"/api/v1/documents", uploadRequest{Filename: "f.txt", Text: "persisted body"})
	doc := decode[models.Document](t, resp)

	reResp := postJSON(t, srv.URL+fmt.Sprintf("/api/v1/documents/%s/reindex", doc.ID), uploadRequest{})
	if reResp.StatusCode != http.StatusOK {
		t.Fatalf("reindex status = %d, want 200", reResp.StatusCode)
	}
	updated := decode[models.Document](t, reResp)
	if updated.State != models.StateIndexed || updated.ChunkCount != 1 {
		t.Errorf("after reindex: %+v", updated)
	}
}

func TestReindexMissingDocument(t *testing.T) {
	srv := newTestServer(t, embedding.NewMockEmbedder(testDims), "ok")
	resp := postJSON(t, srv.URL+"/api/v1/documents/ghost/reindex", uploadRequest{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListDocuments(t *testing.T) {
	srv := newTestServer(t, embedding.NewMockEmbedder(testDims), "ok")
	postJSON(t, srv.URL+"/api/v1/documents", uploadRequest{Filename: "a.txt", Text: "aaa"}).Body.Close()
	postJSON(t, srv.URL+"/api/v1/documents", uploadRequest{Filename: "b.txt", Text: "bbb"}).Body.Close()

	resp, err := http.Get(srv.URL + "/api/v1/documents")
	if err != nil {
		t.Fatal(err)
	}
	out := decode[struct {
		Documents []models.Document `json:"documents"`
	}](t, resp)
	if len(out.Documents) != 2 {
		t.Errorf("got %d documents, want 2", len(out.Documents))
	}
}

func TestHealthAndStatus(t *testing.T) {
	srv := newTestServer(t, embedding.NewMockEmbedder(testDims), "ok")

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}

	postJSON(t, srv.URL+"/api/v1/documents", uploadRequest{Filename: "a.txt", Text: "one two"}).Body.Close()
	stResp, err := http.Get(srv.URL + "/api/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	status := decode[struct {
		Documents       int64 `json:"documents"`
		Chunks          int64 `json:"chunks"`
		VectorIndexSize int   `json:"vector_index_size"`
	}](t, stResp)
	if status.Documents != 1 || status.Chunks != 1 || status.VectorIndexSize != 1 {
		t.Errorf("status = %+v", status)
	}
}
