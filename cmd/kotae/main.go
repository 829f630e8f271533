// Package main is the Kotae CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/embedding"
	"github.com/hyperjump/kotae/internal/extract"
	"github.com/hyperjump/kotae/internal/fileid"
	"github.com/hyperjump/kotae/internal/generation"
	"github.com/hyperjump/kotae/internal/lifecycle"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/retrieval"
	"github.com/hyperjump/kotae/internal/server"
	"github.com/hyperjump/kotae/internal/storage"
	"github.com/hyperjump/kotae/internal/vector"
	"github.com/hyperjump/kotae/internal/watcher"
	"github.com/hyperjump/kotae/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/kotae/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks
// for config.yaml in the current directory (for development); if that exists
// it is used. Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "ingest":
		runIngest()
	case "ask":
		runAsk()
	case "delete":
		runDelete()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("kotae version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	flags := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := flags.String("config", defaultConfigPath, "config file path")
	debug := flags.Bool("debug", false, "enable debug logging (file events, retries, etc.)")
	_ = flags.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger, debugMode)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	extractor := extract.NewExtractor()
	watchOpts := []watcher.Option{}
	if debugMode {
		watchOpts = append(watchOpts, watcher.WithLogger(logger))
	}
	watchSvc := watcher.New(
		cfg.Watch.Directories,
		cfg.Watch.Extensions,
		func(path string) {
			if err := ingestFile(context.Background(), components, extractor, path); err != nil {
				logger.Warn("watch ingest failed", zap.String("path", path), zap.Error(err))
			}
		},
		func(path string) {
			err := components.Manager.Delete(context.Background(), fileid.FileDocID(path))
			if err != nil && !isNotFound(err) {
				logger.Warn("watch delete failed", zap.String("path", path), zap.Error(err))
			}
		},
		watchOpts...,
	)
	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if len(cfg.Watch.Directories) > 0 {
		if err := watchSvc.Start(watchCtx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
		watchSvc.SyncExistingFiles()
	}

	srv := server.NewServer(
		components.Manager,
		components.Retriever,
		components.Answerer,
		components.Storage,
		components.Index,
		cfg,
		logger,
	)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	if cfg.Storage.VectorIndexPath != "" {
		if err := components.Index.Save(cfg.Storage.VectorIndexPath); err != nil {
			logger.Warn("vector index save failed",
				zap.String("path", cfg.Storage.VectorIndexPath), zap.Error(err))
		}
	}
	watchSvc.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

// ingestFile ingests or reindexes a file from disk using its path-derived ID.
func ingestFile(ctx context.Context, c *Components, extractor *extract.Extractor, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	text, err := extractor.Extract(abs)
	if err != nil {
		return err
	}
	docID := fileid.FileDocID(abs)
	if _, err := c.Manager.Status(ctx, docID); err == nil {
		_, err = c.Manager.Reindex(ctx, docID, text)
		return err
	} else if !isNotFound(err) {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}
	doc := &models.Document{
		ID:       docID,
		Filename: filepath.Base(abs),
		ByteSize: info.Size(),
	}
	return c.Manager.Ingest(ctx, doc, text)
}

func isNotFound(err error) bool {
	return errors.Is(err, lifecycle.ErrDocumentNotFound)
}

func runIngest() {
	flags := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := flags.String("config", defaultConfigPath, "config file path")
	_ = flags.Parse(os.Args[2:])

	if flags.NArg() < 1 {
		fmt.Println("Usage: kotae ingest [flags] <file-or-directory>")
		os.Exit(1)
	}
	path := flags.Arg(0)

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	components, err := initializeComponents(cfg, logger, cfg.Debug)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	ctx := context.Background()
	extractor := extract.NewExtractor()
	info, err := os.Stat(path)
	if err != nil {
		fmt.Printf("Failed to stat path: %v\n", err)
		os.Exit(1)
	}
	count := 0
	if info.IsDir() {
		exts := cfg.Watch.Extensions
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			if !matchesExtension(p, exts) {
				return nil
			}
			if ingErr := ingestFile(ctx, components, extractor, p); ingErr != nil {
				fmt.Printf("Skipped %s: %v\n", p, ingErr)
				return nil
			}
			count++
			return nil
		})
		if err != nil {
			fmt.Printf("Ingesting directory failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Ingested %d file(s) from %s\n", count, path)
	} else {
		if err := ingestFile(ctx, components, extractor, path); err != nil {
			fmt.Printf("Ingestion failed: %v\n", err)
			os.Exit(1)
		}
		abs, _ := filepath.Abs(path)
		fmt.Printf("Document ingested: %s\n", fileid.FileDocID(abs))
	}

	if cfg.Storage.VectorIndexPath != "" {
		if err := components.Index.Save(cfg.Storage.VectorIndexPath); err != nil {
			fmt.Printf("Warning: vector index save failed: %v\n", err)
		}
	}
}

func matchesExtension(path string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if strings.ToLower(e) == ext || "."+strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

type askResponse struct {
	Answer    string                    `json:"answer"`
	Citations []models.Citation         `json:"citations"`
	Passages  []models.RetrievedPassage `json:"passages"`
}

func runAsk() {
	flags := flag.NewFlagSet("ask", flag.ExitOnError)
	configPath := flags.String("config", defaultConfigPath, "config file path")
	serverURL := flags.String("server", "http://localhost:8080", "server URL (empty = answer directly without a running server)")
	topK := flags.Int("top-k", 0, "number of passages to retrieve (0 = config default)")
	outputFormat := flags.String("output", "text", "output format: text or json")
	_ = flags.Parse(os.Args[2:])

	if flags.NArg() < 1 {
		fmt.Println("Usage: kotae ask [flags] <question>")
		os.Exit(1)
	}
	question := strings.TrimSpace(strings.Join(flags.Args(), " "))
	if question == "" {
		fmt.Println("Usage: kotae ask [flags] <question>")
		os.Exit(1)
	}

	var resp askResponse
	if *serverURL != "" {
		res, err := askViaHTTP(*serverURL, question, *topK)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Ask failed: %v\n", err)
			os.Exit(1)
		}
		resp = *res
	} else {
		cfg, _, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		logger, err := utils.NewLogger(cfg.Debug)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
			os.Exit(1)
		}
		defer logger.Sync()
		components, err := initializeComponents(cfg, logger, cfg.Debug)
		if err != nil {
			logger.Fatal("Failed to initialize", zap.Error(err))
		}
		defer components.Close()

		ctx := context.Background()
		passages, err := components.Retriever.Retrieve(ctx, question, *topK)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Retrieval failed: %v\n", err)
			os.Exit(1)
		}
		answer, err := components.Answerer.Answer(ctx, question, passages)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Generation failed: %v\n", err)
			os.Exit(1)
		}
		resp = askResponse{Answer: answer.Text, Citations: answer.Citations, Passages: passages}
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	case "text":
		fmt.Println(resp.Answer)
		if len(resp.Citations) > 0 {
			fmt.Println()
			fmt.Println("Sources:")
			for _, c := range resp.Citations {
				fmt.Printf("  %s @%d-%d (score %.3f)\n", c.DocumentID, c.StartOffset, c.EndOffset, c.Score)
			}
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

func askViaHTTP(serverURL, question string, topK int) (*askResponse, error) {
	body, err := json.Marshal(models.Question{Text: question, TopK: topK})
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(serverURL+"/api/v1/ask", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var out askResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func runDelete() {
	flags := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := flags.String("config", defaultConfigPath, "config file path")
	_ = flags.Parse(os.Args[2:])

	if flags.NArg() < 1 {
		fmt.Println("Usage: kotae delete [flags] <document-id>")
		os.Exit(1)
	}
	docID := flags.Arg(0)

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	components, err := initializeComponents(cfg, logger, cfg.Debug)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	if err := components.Manager.Delete(context.Background(), docID); err != nil {
		fmt.Printf("Deletion failed: %v\n", err)
		os.Exit(1)
	}
	if cfg.Storage.VectorIndexPath != "" {
		if err := components.Index.Save(cfg.Storage.VectorIndexPath); err != nil {
			fmt.Printf("Warning: vector index save failed: %v\n", err)
		}
	}
	fmt.Printf("Document deleted: %s\n", docID)
}

// statusResponse is the shape of GET /api/v1/status.
type statusResponse struct {
	Documents       int64          `json:"documents"`
	Chunks          int64          `json:"chunks"`
	VectorIndexSize int            `json:"vector_index_size"`
	Config          map[string]any `json:"config,omitempty"`
}

func runStatus() {
	flags := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := flags.String("config", defaultConfigPath, "config file path")
	serverURL := flags.String("server", "http://localhost:8080", "server URL (empty = use direct storage)")
	outputFormat := flags.String("output", "text", "output format: text or json")
	_ = flags.Parse(os.Args[2:])

	var status statusResponse
	if *serverURL != "" {
		res, err := statusViaHTTP(*serverURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
		status = *res
	} else {
		cfg, _, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		logger, err := utils.NewLogger(cfg.Debug)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
			os.Exit(1)
		}
		defer logger.Sync()
		components, err := initializeComponents(cfg, logger, cfg.Debug)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
			os.Exit(1)
		}
		defer components.Close()
		ctx := context.Background()
		docCount, err := components.Storage.CountDocuments(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Count documents failed: %v\n", err)
			os.Exit(1)
		}
		chunkCount, err := components.Storage.CountChunks(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Count chunks failed: %v\n", err)
			os.Exit(1)
		}
		status = statusResponse{
			Documents:       docCount,
			Chunks:          chunkCount,
			VectorIndexSize: components.Index.Size(),
			Config: map[string]any{
				"chunk_size":           cfg.Chunking.ChunkSize,
				"chunk_overlap":        cfg.Chunking.ChunkOverlap,
				"embedding_provider":   cfg.Embedding.Provider,
				"embedding_dimensions": cfg.Embedding.Dimensions,
				"generation_provider":  cfg.Generation.Provider,
				"top_k_default":        cfg.Retrieval.TopKDefault,
			},
		}
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	case "text":
		fmt.Printf("documents:          %d\n", status.Documents)
		fmt.Printf("chunks:             %d\n", status.Chunks)
		fmt.Printf("vector_index_size:  %d\n", status.VectorIndexSize)
		if len(status.Config) > 0 {
			fmt.Println()
			fmt.Println("# configuration")
			for _, key := range []string{"embedding_provider", "embedding_dimensions", "generation_provider", "chunk_size", "chunk_overlap", "top_k_default"} {
				if v, ok := status.Config[key]; ok {
					fmt.Printf("%-20s %v\n", key+":", v)
				}
			}
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

func statusViaHTTP(serverURL string) (*statusResponse, error) {
	resp, err := http.Get(serverURL + "/api/v1/status")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var s statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &s, nil
}

// Components holds initialized services.
type Components struct {
	Storage   storage.Storage
	Gateway   *embedding.Gateway
	Index     vector.Index
	Manager   *lifecycle.Manager
	Retriever *retrieval.Engine
	Answerer  *generation.Orchestrator
}

func (c *Components) Close() {
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
	if c.Gateway != nil {
		_ = c.Gateway.Close()
	}
	if c.Index != nil {
		_ = c.Index.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger, debug bool) (*Components, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	provider, err := embedding.NewEmbedder(cfg.Embedding)
	if err != nil {
		// Only the local ONNX runtime gets a mock fallback (it needs cgo and
		// a model file on disk). A misconfigured hosted provider is a startup
		// error; degrading to mock vectors would silently corrupt the index.
		if cfg.Embedding.Provider != "onnx" {
			_ = store.Close()
			return nil, fmt.Errorf("embedding provider %q: %w", cfg.Embedding.Provider, err)
		}
		logger.Warn("local embedding runtime unavailable, falling back to mock",
			zap.Error(err))
		provider = embedding.NewMockEmbedder(cfg.Embedding.Dimensions)
	}
	gatewayOpts := []embedding.GatewayOption{}
	if debug {
		gatewayOpts = append(gatewayOpts, embedding.WithLogger(logger))
	}
	gateway := embedding.NewGateway(provider, cfg.Embedding, cfg.Retry, gatewayOpts...)

	index, err := vector.NewMemoryIndex(cfg.Embedding.Dimensions)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	if cfg.Storage.VectorIndexPath != "" {
		if loadErr := index.Load(cfg.Storage.VectorIndexPath); loadErr != nil {
			logger.Warn("vector index load skipped (reindex to rebuild)",
				zap.String("path", cfg.Storage.VectorIndexPath), zap.Error(loadErr))
		}
	}

	manager := lifecycle.NewManager(store, index, gateway, cfg.Chunking, lifecycle.WithLogger(logger))
	retriever := retrieval.NewEngine(gateway, index, cfg.Retrieval, retrieval.WithLogger(logger))

	gen, err := generation.NewGenerator(cfg.Generation)
	if err != nil {
		_ = store.Close()
		_ = gateway.Close()
		return nil, fmt.Errorf("generation provider %q: %w", cfg.Generation.Provider, err)
	}
	answerer := generation.NewOrchestrator(gen, cfg.Generation, cfg.Retry, generation.WithLogger(logger))

	return &Components{
		Storage:   store,
		Gateway:   gateway,
		Index:     index,
		Manager:   manager,
		Retriever: retriever,
		Answerer:  answerer,
	}, nil
}

func printUsage() {
	fmt.Println(`kotae - Document question answering over your own files

Usage:
  kotae server [flags]             Start the HTTP server
  kotae ingest [flags] <path>      Ingest a file or directory
  kotae ask [flags] <question>     Ask a question over ingested documents
  kotae delete [flags] <id>        Delete a document
  kotae status [flags]             Show pipeline/storage status
  kotae version                    Show version
  kotae help                       Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/kotae/config.yaml)
  --debug            Enable debug logging (file events, retries, etc.)

Ask Flags:
  --config string    Config file path (for direct mode)
  --server string    Server URL (default: http://localhost:8080). Use --server "" for direct mode.
  --top-k int        Number of passages to retrieve (0 = config default)
  --output string    Output format: text or json (default: text)

Ingest Flags:
  --config string    Config file path

Status Flags:
  --config string    Config file path (for direct mode)
  --server string    Server URL (default: http://localhost:8080). Use --server "" for direct mode.
  --output string    Output format: text or json (default: text)

Examples:
  kotae server
  kotae ingest handbook.pdf
  kotae ask "How many vacation days do employees get?"
  kotae ask --top-k 3 --output json "What is the remote work policy?"
  kotae delete file:3b4c...
  kotae status`)
}
