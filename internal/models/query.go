package models

// Question is a retrieval-augmented query. Ephemeral, never persisted.
type Question struct {
	Text string `json:"question"`
	TopK int    `json:"top_k,omitempty"`
}

// RetrievedPassage is one retrieved context passage with its similarity score.
type RetrievedPassage struct {
	ChunkID     string  `json:"chunk_id"`
	DocumentID  string  `json:"document_id"`
	Content     string  `json:"content"`
	Score       float64 `json:"score"`
	StartOffset int     `json:"start_offset"`
	EndOffset   int     `json:"end_offset"`
}

// Citation points at a passage that was part of the prompt for an answer.
type Citation struct {
	DocumentID  string  `json:"document_id"`
	ChunkID     string  `json:"chunk_id"`
	StartOffset int     `json:"start_offset"`
	EndOffset   int     `json:"end_offset"`
	Score       float64 `json:"score"`
}

// Answer is the generated response with citations for the passages
// actually included in the prompt.
type Answer struct {
	Text      string     `json:"answer"`
	Citations []Citation `json:"citations"`
}
