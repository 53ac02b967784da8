// Package extract turns unstructured text into records whose shape is
// derived at request time from a natural-language schema description.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/duynguyendang/toolbridge/internal/config"
	apperrors "github.com/duynguyendang/toolbridge/pkg/common/errors"
	"github.com/duynguyendang/toolbridge/pkg/prompt"
	"github.com/duynguyendang/toolbridge/pkg/service/ai"
	"github.com/google/generative-ai-go/genai"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

// Record maps field names to extracted values.
type Record map[string]any

// Columns maps field names to one value per source text, in input order.
type Columns map[string][]any

// LLM is the part of the model client the extractor needs.
type LLM interface {
	CallFunction(ctx context.Context, p ai.Prompt, fn *genai.FunctionDeclaration) (map[string]any, error)
	GenerateJSON(ctx context.Context, p ai.Prompt, schema *genai.Schema) ([]byte, error)
}

type Extractor struct {
	llm         LLM
	concurrency int
	cache       *lru.Cache[string, Schema]
	logger      *slog.Logger

	definePrompt  *prompt.Prompt
	extractPrompt *prompt.Prompt
}

func NewExtractor(llm LLM, cfg config.ExtractConfig, logger *slog.Logger) (*Extractor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Extractor{
		llm:           llm,
		concurrency:   max(cfg.Concurrency, 1),
		logger:        logger,
		definePrompt:  prompt.MustBuiltin(prompt.DefineSchema),
		extractPrompt: prompt.MustBuiltin(prompt.Extract),
	}
	if cfg.SchemaCacheSize > 0 {
		cache, err := lru.New[string, Schema](cfg.SchemaCacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create schema cache: %w", err)
		}
		e.cache = cache
	}
	return e, nil
}

// DeriveSchema asks the model to declare the fields described by description.
func (e *Extractor) DeriveSchema(ctx context.Context, description string) (Schema, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return Schema{}, fmt.Errorf("%w: schema description is empty", apperrors.ErrInvalidInput)
	}
	if e.cache != nil {
		if s, ok := e.cache.Get(description); ok {
			return s, nil
		}
	}

	text, err := e.definePrompt.Execute(map[string]string{"Description": description})
	if err != nil {
		return Schema{}, err
	}
	args, err := e.llm.CallFunction(ctx, ai.Prompt{
		System:      e.definePrompt.Config.System,
		Text:        text,
		Temperature: e.definePrompt.Config.Temperature,
	}, defineSchemaDecl)
	if err != nil {
		return Schema{}, fmt.Errorf("failed to derive schema: %w", err)
	}
	fields, err := parseFields(args)
	if err != nil {
		return Schema{}, err
	}

	s := Schema{Description: description, Fields: fields}
	e.logger.Debug("derived schema", "description", description, "fields", s.names())
	if e.cache != nil {
		e.cache.Add(description, s)
	}
	return s, nil
}

// ExtractOne derives the schema and extracts a single record from text.
func (e *Extractor) ExtractOne(ctx context.Context, description, text string) (Record, error) {
	s, err := e.DeriveSchema(ctx, description)
	if err != nil {
		return nil, err
	}
	return e.Extract(ctx, s, text)
}

// ExtractMany derives the schema once and extracts one record per text. The
// records are merged column-wise: every field holds len(texts) values.
func (e *Extractor) ExtractMany(ctx context.Context, description string, texts []string) (Columns, error) {
	if len(texts) == 0 {
		return Columns{}, nil
	}
	s, err := e.DeriveSchema(ctx, description)
	if err != nil {
		return nil, err
	}

	records := make([]Record, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, text := range texts {
		g.Go(func() error {
			rec, err := e.Extract(gctx, s, text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return merge(s, records), nil
}

// Extract produces one record conforming to s. The model output is validated
// once; a mismatch is returned as a schema validation error.
func (e *Extractor) Extract(ctx context.Context, s Schema, text string) (Record, error) {
	body, err := e.extractPrompt.Execute(map[string]any{
		"Description": s.Description,
		"Fields":      s.Fields,
		"Text":        text,
	})
	if err != nil {
		return nil, err
	}
	raw, err := e.llm.GenerateJSON(ctx, ai.Prompt{
		System:      e.extractPrompt.Config.System,
		Text:        body,
		Temperature: e.extractPrompt.Config.Temperature,
	}, s.ResponseSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to extract record: %w", err)
	}
	return s.Validate(raw)
}

func merge(s Schema, records []Record) Columns {
	cols := make(Columns, len(s.Fields))
	for _, f := range s.Fields {
		values := make([]any, len(records))
		for i, rec := range records {
			values[i] = rec[f.Name]
		}
		cols[f.Name] = values
	}
	return cols
}
