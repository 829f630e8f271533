package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/chunker"
	"github.com/hyperjump/kotae/internal/embedding"
	"github.com/hyperjump/kotae/internal/generation"
	"github.com/hyperjump/kotae/internal/lifecycle"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/retrieval"
)

// uploadRequest is the JSON body for text uploads. File uploads use multipart
// form data with a "file" field instead.
type uploadRequest struct {
	Filename     string `json:"filename"`
	Text         string `json:"text"`
	ChunkSize    int    `json:"chunk_size,omitempty"`
	ChunkOverlap int    `json:"chunk_overlap,omitempty"`
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	var (
		filename string
		content  []byte
		req      uploadRequest
	)
	contentType := r.Header.Get("Content-Type")
	if len(contentType) >= 19 && contentType[:19] == "multipart/form-data" {
		file, header, err := r.FormFile("file")
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "missing file field")
			return
		}
		defer file.Close()
		content, err = io.ReadAll(file)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "failed to read file")
			return
		}
		filename = header.Filename
		req.ChunkSize, _ = strconv.Atoi(r.FormValue("chunk_size"))
		req.ChunkOverlap, _ = strconv.Atoi(r.FormValue("chunk_overlap"))
	} else {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Text == "" {
			s.respondError(w, http.StatusBadRequest, "text is required")
			return
		}
		filename = req.Filename
		if filename == "" {
			filename = "untitled.txt"
		}
		content = []byte(req.Text)
	}

	text, err := s.extractor.ExtractBytes(content, filepath.Ext(filename))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "extraction failed: "+err.Error())
		return
	}

	doc := &models.Document{Filename: filename, ByteSize: int64(len(content))}
	var opts []lifecycle.IngestOption
	if req.ChunkSize > 0 || req.ChunkOverlap > 0 {
		opts = append(opts, lifecycle.WithChunking(req.ChunkSize, req.ChunkOverlap))
	}
	if err := s.manager.Ingest(r.Context(), doc, text, opts...); err != nil {
		s.logger.Error("ingest failed", zap.String("filename", filename), zap.Error(err))
		s.respondError(w, errorStatus(err), err.Error())
		return
	}
	s.saveUpload(doc, content)
	s.respondJSON(w, http.StatusCreated, doc)
}

// saveUpload keeps the raw upload so the document can be reindexed later.
// Failure to save is logged, not surfaced: the document is already indexed.
func (s *Server) saveUpload(doc *models.Document, content []byte) {
	dir := s.config.Storage.UploadDir
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.logger.Warn("failed to create upload dir", zap.Error(err))
		return
	}
	path := filepath.Join(dir, doc.ID+filepath.Ext(doc.Filename))
	if err := os.WriteFile(path, content, 0644); err != nil {
		s.logger.Warn("failed to save upload", zap.String("path", path), zap.Error(err))
	}
}

func (s *Server) handleReindexDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.manager.Status(r.Context(), id)
	if err != nil {
		s.respondError(w, errorStatus(err), err.Error())
		return
	}

	path := filepath.Join(s.config.Storage.UploadDir, id+filepath.Ext(doc.Filename))
	text, err := s.extractor.Extract(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.respondError(w, http.StatusNotFound, "source file no longer available")
			return
		}
		s.respondError(w, http.StatusInternalServerError, "extraction failed: "+err.Error())
		return
	}

	var req uploadRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	var opts []lifecycle.IngestOption
	if req.ChunkSize > 0 || req.ChunkOverlap > 0 {
		opts = append(opts, lifecycle.WithChunking(req.ChunkSize, req.ChunkOverlap))
	}

	updated, err := s.manager.Reindex(r.Context(), id, text, opts...)
	if err != nil {
		s.logger.Error("reindex failed", zap.String("document_id", id), zap.Error(err))
		s.respondError(w, errorStatus(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.manager.Status(r.Context(), id)
	if err != nil {
		s.respondError(w, errorStatus(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete document request", zap.String("id", id))
	if err := s.manager.Delete(r.Context(), id); err != nil {
		s.respondError(w, errorStatus(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	docs, err := s.manager.List(r.Context(), offset, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var q models.Question
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if q.Text == "" {
		s.respondError(w, http.StatusBadRequest, "question is required")
		return
	}
	s.logger.Debug("ask request", zap.String("question", q.Text), zap.Int("top_k", q.TopK))

	passages, err := s.retriever.Retrieve(r.Context(), q.Text, q.TopK)
	if err != nil {
		s.logger.Error("retrieval failed", zap.Error(err))
		s.respondError(w, errorStatus(err), err.Error())
		return
	}
	answer, err := s.answerer.Answer(r.Context(), q.Text, passages)
	if err != nil {
		s.logger.Error("generation failed", zap.Error(err))
		s.respondError(w, errorStatus(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"answer":    answer.Text,
		"citations": answer.Citations,
		"passages":  passages,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docCount, err := s.storage.CountDocuments(ctx)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	chunkCount, err := s.storage.CountChunks(ctx)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"documents":         docCount,
		"chunks":            chunkCount,
		"vector_index_size": s.index.Size(),
		"config": map[string]any{
			"chunk_size":           s.config.Chunking.ChunkSize,
			"chunk_overlap":        s.config.Chunking.ChunkOverlap,
			"embedding_provider":   s.config.Embedding.Provider,
			"embedding_dimensions": s.config.Embedding.Dimensions,
			"generation_provider":  s.config.Generation.Provider,
			"top_k_default":        s.config.Retrieval.TopKDefault,
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorStatus maps pipeline errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrDocumentBusy):
		return http.StatusConflict
	case errors.Is(err, chunker.ErrInvalidChunkConfig), errors.Is(err, retrieval.ErrInvalidTopK):
		return http.StatusBadRequest
	case errors.Is(err, embedding.ErrUnavailable), errors.Is(err, generation.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
