// Package fileid derives a stable document ID from a file path, so watched
// files map to the same document across ingest, reindex, and delete.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

const prefix = "file:"

// FileDocID returns a deterministic document ID for the given path.
// The path is cleaned first so equivalent spellings yield the same ID.
func FileDocID(path string) string {
	normalized := filepath.Clean(path)
	hash := sha256.Sum256([]byte(normalized))
	return prefix + hex.EncodeToString(hash[:])
}
