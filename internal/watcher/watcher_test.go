package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWatcher_FileEventAndExtensionFilter(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	var files []string
	onFile := func(path string) {
		mu.Lock()
		files = append(files, path)
		mu.Unlock()
	}

	w := New([]string{dir}, []string{".txt"}, onFile, nil, WithDebounce(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "doc.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "skip.bin"), []byte("raw"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(files)
		mu.Unlock()
		if n >= 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(files) < 1 {
		t.Fatal("expected a callback for doc.txt")
	}
	for _, f := range files {
		if filepath.Base(f) != "doc.txt" {
			t.Errorf("unexpected callback for %s", f)
		}
	}
}

func TestWatcher_SyncExistingFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "old.md"), []byte("existing"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "old.bin"), []byte("existing"), 0644); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var files []string
	w := New([]string{dir}, []string{".md"}, func(path string) {
		mu.Lock()
		files = append(files, path)
		mu.Unlock()
	}, nil)

	w.SyncExistingFiles()

	mu.Lock()
	defer mu.Unlock()
	if len(files) != 1 || filepath.Base(files[0]) != "old.md" {
		t.Errorf("synced files = %v, want only old.md", files)
	}
}

func TestWatcher_StartCreatesMissingDirs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "drop")
	w := New([]string{dir}, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("drop directory should exist: %v", err)
	}
}

func TestMatchExtension(t *testing.T) {
	tests := []struct {
		path       string
		extensions []string
		want       bool
	}{
		{"/a/b.txt", []string{".txt"}, true},
		{"/a/b.TXT", []string{".txt"}, true},
		{"/a/b.md", []string{".txt"}, false},
		{"/a/b.pdf", []string{"txt", "pdf"}, true},
		{"/a/b", nil, true},
		{"/a/b", []string{}, true},
	}
	for _, tt := range tests {
		if got := matchExtension(tt.path, tt.extensions); got != tt.want {
			t.Errorf("matchExtension(%q, %v) = %v, want %v", tt.path, tt.extensions, got, tt.want)
		}
	}
}
