package rag

import "context"

// Document is one indexed text with its embedding.
type Document struct {
	ID        string
	Text      string
	Embedding []float32
}

// Hit is a search result. Score meaning depends on the search that produced it.
type Hit struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Store is a hybrid search backend holding named indexes.
type Store interface {
	// EnsureIndex creates index for vectors of dim dimensions unless it exists.
	EnsureIndex(ctx context.Context, index string, dim int) error
	// Add writes docs to index in one batch.
	Add(ctx context.Context, index string, docs []Document) error
	// KeywordSearch returns up to k documents matching any query term, best first.
	KeywordSearch(ctx context.Context, index, query string, k int) ([]Hit, error)
	// VectorSearch returns the k nearest documents to vector, nearest first.
	VectorSearch(ctx context.Context, index string, vector []float32, k int) ([]Hit, error)
}
