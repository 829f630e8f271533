package vector

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hyperjump/kotae/internal/models"
)

// MemoryIndex is an in-memory vector index using brute-force inner product
// search over normalized vectors. Records are grouped by document, and a
// document's record set is always replaced as a whole under the write lock,
// so readers never observe a mix of two generations.
type MemoryIndex struct {
	dimensions int
	docs       map[string][]entry
	nextSeq    uint64
	mu         sync.RWMutex
}

// entry pairs a record with its insertion sequence for stable tie-breaking.
type entry struct {
	record models.VectorRecord
	seq    uint64
}

// NewMemoryIndex creates an in-memory vector index with the given dimension.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{
		dimensions: dimensions,
		docs:       make(map[string][]entry),
	}, nil
}

// UpsertDocument atomically replaces all records for documentID. Validation
// happens before any mutation so a failed call leaves the index unchanged.
func (m *MemoryIndex) UpsertDocument(ctx context.Context, documentID string, records []models.VectorRecord) error {
	for i, rec := range records {
		if len(rec.Vector) != m.dimensions {
			return fmt.Errorf("%w: record %d has %d dimensions, index expects %d",
				ErrDimensionMismatch, i, len(rec.Vector), m.dimensions)
		}
		if rec.ChunkID == "" || rec.DocumentID != documentID {
			return fmt.Errorf("%w: record %d has invalid identity", ErrIndexWrite, i)
		}
	}
	entries := make([]entry, len(records))
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, rec := range records {
		vec := make([]float32, m.dimensions)
		copy(vec, rec.Vector)
		rec.Vector = vec
		entries[i] = entry{record: rec, seq: m.nextSeq}
		m.nextSeq++
	}
	m.docs[documentID] = entries
	return nil
}

// Search returns the top-k records by inner product (cosine similarity for
// normalized vectors), descending. Ties are broken by insertion order.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int) ([]*Result, error) {
	if len(query) != m.dimensions {
		return nil, fmt.Errorf("%w: query has %d dimensions, index expects %d",
			ErrDimensionMismatch, len(query), m.dimensions)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 {
		return nil, nil
	}
	type scored struct {
		ent   entry
		score float64
	}
	var scores []scored
	for _, entries := range m.docs {
		for _, ent := range entries {
			var dot float64
			for j := 0; j < m.dimensions; j++ {
				dot += float64(query[j] * ent.record.Vector[j])
			}
			scores = append(scores, scored{ent: ent, score: dot})
		}
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].ent.seq < scores[j].ent.seq
	})
	if k > len(scores) {
		k = len(scores)
	}
	results := make([]*Result, k)
	for i := 0; i < k; i++ {
		results[i] = &Result{Record: scores[i].ent.record, Score: scores[i].score}
	}
	return results, nil
}

// DeleteDocument removes all records for documentID. Idempotent.
func (m *MemoryIndex) DeleteDocument(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, documentID)
	return nil
}

// Size returns the number of records in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, entries := range m.docs {
		n += len(entries)
	}
	return n
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}

// Save persists the index to path. Directory is created if needed.
// Format: dimension (4), doc count (4), then per document: id, record count
// (4), and per record: chunk id, content, start (4), end (4), vector.
// Strings are length-prefixed (4 bytes).
func (m *MemoryIndex) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer f.Close()
	if err := binary.Write(f, binary.LittleEndian, uint32(m.dimensions)); err != nil {
		return fmt.Errorf("write dimensions: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(len(m.docs))); err != nil {
		return fmt.Errorf("write doc count: %w", err)
	}
	// Deterministic document order keeps save files diffable.
	docIDs := make([]string, 0, len(m.docs))
	for id := range m.docs {
		docIDs = append(docIDs, id)
	}
	sort.Strings(docIDs)
	for _, docID := range docIDs {
		entries := m.docs[docID]
		if err := writeString(f, docID); err != nil {
			return fmt.Errorf("write doc id: %w", err)
		}
		if err := binary.Write(f, binary.LittleEndian, uint32(len(entries))); err != nil {
			return fmt.Errorf("write record count: %w", err)
		}
		for _, ent := range entries {
			if err := writeString(f, ent.record.ChunkID); err != nil {
				return fmt.Errorf("write chunk id: %w", err)
			}
			if err := writeString(f, ent.record.Content); err != nil {
				return fmt.Errorf("write content: %w", err)
			}
			if err := binary.Write(f, binary.LittleEndian, uint32(ent.record.StartOffset)); err != nil {
				return fmt.Errorf("write start offset: %w", err)
			}
			if err := binary.Write(f, binary.LittleEndian, uint32(ent.record.EndOffset)); err != nil {
				return fmt.Errorf("write end offset: %w", err)
			}
			if _, err := f.Write(float32SliceToBytes(ent.record.Vector)); err != nil {
				return fmt.Errorf("write vector: %w", err)
			}
		}
	}
	return nil
}

// Load reads the index from path and replaces the in-memory contents.
// A dimension mismatch is refused: a changed embedding model invalidates the
// saved index and requires a full reindex. If the file does not exist, no
// error is returned and the index is unchanged.
func (m *MemoryIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	var dim, docCount uint32
	if err := binary.Read(f, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("read dimensions: %w", err)
	}
	if int(dim) != m.dimensions {
		return fmt.Errorf("%w: file has %d, index expects %d", ErrDimensionMismatch, dim, m.dimensions)
	}
	if err := binary.Read(f, binary.LittleEndian, &docCount); err != nil {
		return fmt.Errorf("read doc count: %w", err)
	}
	docs := make(map[string][]entry, docCount)
	var seq uint64
	vecBuf := make([]byte, m.dimensions*4)
	for i := uint32(0); i < docCount; i++ {
		docID, err := readString(f)
		if err != nil {
			return fmt.Errorf("read doc id: %w", err)
		}
		var recCount uint32
		if err := binary.Read(f, binary.LittleEndian, &recCount); err != nil {
			return fmt.Errorf("read record count: %w", err)
		}
		entries := make([]entry, 0, recCount)
		for j := uint32(0); j < recCount; j++ {
			chunkID, err := readString(f)
			if err != nil {
				return fmt.Errorf("read chunk id: %w", err)
			}
			content, err := readString(f)
			if err != nil {
				return fmt.Errorf("read content: %w", err)
			}
			var start, end uint32
			if err := binary.Read(f, binary.LittleEndian, &start); err != nil {
				return fmt.Errorf("read start offset: %w", err)
			}
			if err := binary.Read(f, binary.LittleEndian, &end); err != nil {
				return fmt.Errorf("read end offset: %w", err)
			}
			if _, err := io.ReadFull(f, vecBuf); err != nil {
				return fmt.Errorf("read vector: %w", err)
			}
			entries = append(entries, entry{
				record: models.VectorRecord{
					ChunkID:     chunkID,
					DocumentID:  docID,
					Content:     content,
					StartOffset: int(start),
					EndOffset:   int(end),
					Vector:      bytesToFloat32Slice(vecBuf),
				},
				seq: seq,
			})
			seq++
		}
		docs[docID] = entries
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = docs
	m.nextSeq = seq
	return nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
