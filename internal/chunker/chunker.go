// Package chunker splits document text into overlapping word-based passages.
package chunker

import (
	"errors"
	"unicode"

	"github.com/hyperjump/kotae/internal/models"
)

// ErrInvalidChunkConfig is returned when chunk size or overlap is out of range.
var ErrInvalidChunkConfig = errors.New("invalid chunk config: size must be positive and overlap < size")

// Chunker splits text into overlapping word windows. Splitting is
// deterministic: the same text and config always yield the same sequence,
// which reindexing relies on.
type Chunker struct {
	chunkSize    int
	chunkOverlap int
}

// New creates a chunker with the given size and overlap (in words).
// Returns ErrInvalidChunkConfig when size <= 0, overlap < 0, or overlap >= size.
func New(chunkSize, chunkOverlap int) (*Chunker, error) {
	if chunkSize <= 0 || chunkOverlap < 0 || chunkOverlap >= chunkSize {
		return nil, ErrInvalidChunkConfig
	}
	return &Chunker{chunkSize: chunkSize, chunkOverlap: chunkOverlap}, nil
}

// span is a word's byte range within the source text.
type span struct {
	start int
	end   int
}

// Sequence is a restartable iterator over a document's chunks.
// Chunk content is sliced from the source text on demand so very large
// documents do not hold a second copy per chunk ahead of time.
type Sequence struct {
	docID string
	text  string
	words []span
	step  int
	size  int
	pos   int
	index int
}

// Split returns a chunk sequence for text. Empty or whitespace-only text
// yields a sequence with no chunks, not an error.
func (c *Chunker) Split(docID, text string) *Sequence {
	return &Sequence{
		docID: docID,
		text:  text,
		words: wordSpans(text),
		step:  c.chunkSize - c.chunkOverlap,
		size:  c.chunkSize,
	}
}

// Next returns the next chunk, or nil and false when the sequence is exhausted.
func (s *Sequence) Next() (*models.DocumentChunk, bool) {
	if s.pos >= len(s.words) {
		return nil, false
	}
	end := s.pos + s.size
	if end > len(s.words) {
		end = len(s.words)
	}
	first := s.words[s.pos]
	last := s.words[end-1]
	chunk := &models.DocumentChunk{
		DocumentID:  s.docID,
		Index:       s.index,
		Content:     s.text[first.start:last.end],
		StartOffset: first.start,
		EndOffset:   last.end,
	}
	s.index++
	if end >= len(s.words) {
		s.pos = len(s.words)
	} else {
		s.pos += s.step
	}
	return chunk, true
}

// Reset rewinds the sequence to the first chunk.
func (s *Sequence) Reset() {
	s.pos = 0
	s.index = 0
}

// All collects the remaining chunks into a slice.
func (s *Sequence) All() []*models.DocumentChunk {
	var chunks []*models.DocumentChunk
	for {
		chunk, ok := s.Next()
		if !ok {
			return chunks
		}
		chunks = append(chunks, chunk)
	}
}

// wordSpans returns the byte ranges of whitespace-separated words in text.
func wordSpans(text string) []span {
	var spans []span
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, span{start: start, end: i})
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, span{start: start, end: len(text)})
	}
	return spans
}
