// Package rag builds hybrid (vector and keyword) search indexes over plain
// texts and queries them.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/duynguyendang/toolbridge/internal/config"
	apperrors "github.com/duynguyendang/toolbridge/pkg/common/errors"
	"github.com/google/uuid"
)

// rrfK damps the reciprocal rank fusion so top ranks do not dominate.
const rrfK = 60

// Embedder turns texts into vectors, one per text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Service struct {
	store    Store
	embedder Embedder
	alpha    float64
	topK     int
	timeout  time.Duration
	logger   *slog.Logger
}

func NewService(store Store, embedder Embedder, cfg config.SearchConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		embedder: embedder,
		alpha:    cfg.Alpha,
		topK:     max(cfg.TopK, 1),
		timeout:  cfg.Timeout,
		logger:   logger,
	}
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// NewHandle names a new index. Collisions are not checked.
func NewHandle() string {
	return fmt.Sprintf("RAG_%d", rand.IntN(1000000)+1)
}

// BuildIndex embeds texts, stores them in a new index and returns its handle.
func (s *Service) BuildIndex(ctx context.Context, texts []string) (string, error) {
	if len(texts) == 0 {
		return "", fmt.Errorf("%w: at least one document is required", apperrors.ErrInvalidInput)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return "", fmt.Errorf("failed to embed documents: %w", err)
	}
	if len(vectors) != len(texts) || len(vectors[0]) == 0 {
		return "", fmt.Errorf("%w: got %d embeddings for %d documents", apperrors.ErrUpstream, len(vectors), len(texts))
	}

	handle := NewHandle()
	if err := s.store.EnsureIndex(ctx, handle, len(vectors[0])); err != nil {
		return "", err
	}

	docs := make([]Document, len(texts))
	for i, text := range texts {
		docs[i] = Document{ID: uuid.NewString(), Text: text, Embedding: vectors[i]}
	}
	if err := s.store.Add(ctx, handle, docs); err != nil {
		return "", err
	}
	s.logger.Info("index built", "index", handle, "documents", len(docs))
	return handle, nil
}

// Query runs keyword and vector search against index and fuses the two
// rankings. k <= 0 uses the configured default.
func (s *Service) Query(ctx context.Context, index, query string, k int) ([]Hit, error) {
	if strings.TrimSpace(index) == "" || strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: index and query are required", apperrors.ErrInvalidInput)
	}
	if k <= 0 {
		k = s.topK
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: got %d embeddings for the query", apperrors.ErrUpstream, len(vectors))
	}

	// Over-fetch so fusion can promote documents ranked low by one search.
	candidates := 2 * k
	semantic, err := s.store.VectorSearch(ctx, index, vectors[0], candidates)
	if err != nil {
		return nil, err
	}
	lexical, err := s.store.KeywordSearch(ctx, index, query, candidates)
	if err != nil {
		return nil, err
	}

	hits := fuse(semantic, lexical, s.alpha)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// fuse merges two rankings by weighted reciprocal rank:
// alpha/(rrfK+rank in semantic) + (1-alpha)/(rrfK+rank in lexical).
func fuse(semantic, lexical []Hit, alpha float64) []Hit {
	byID := map[string]*Hit{}
	var order []string
	add := func(hits []Hit, weight float64) {
		for rank, h := range hits {
			fused, ok := byID[h.ID]
			if !ok {
				fused = &Hit{ID: h.ID, Text: h.Text}
				byID[h.ID] = fused
				order = append(order, h.ID)
			}
			if fused.Text == "" {
				fused.Text = h.Text
			}
			fused.Score += weight / float64(rrfK+rank+1)
		}
	}
	add(semantic, alpha)
	add(lexical, 1-alpha)

	out := make([]Hit, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
