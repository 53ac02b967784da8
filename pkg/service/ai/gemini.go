package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/duynguyendang/toolbridge/internal/config"
	apperrors "github.com/duynguyendang/toolbridge/pkg/common/errors"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// embedBatchSize is the largest batch the embedding endpoint accepts.
const embedBatchSize = 100

// Prompt is a single-turn request to the model.
type Prompt struct {
	System string
	Text   string
	// Temperature overrides the configured default when set.
	Temperature *float32
}

type GeminiService struct {
	client         *genai.Client
	modelName      string
	embeddingModel string
	temperature    float32
	timeout        time.Duration
	logger         *slog.Logger
}

func NewGeminiService(ctx context.Context, cfg config.GeminiConfig, logger *slog.Logger) (*GeminiService, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not found")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiService{
		client:         client,
		modelName:      cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		timeout:        cfg.Timeout,
		logger:         logger,
	}, nil
}

// Close cleans up resources.
func (s *GeminiService) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *GeminiService) model(p Prompt) *genai.GenerativeModel {
	model := s.client.GenerativeModel(s.modelName)
	temperature := s.temperature
	if p.Temperature != nil {
		temperature = *p.Temperature
	}
	model.SetTemperature(temperature)
	if p.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(p.System)}}
	}
	return model
}

func (s *GeminiService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// CallFunction forces the model to call fn and returns the call's arguments.
func (s *GeminiService) CallFunction(ctx context.Context, p Prompt, fn *genai.FunctionDeclaration) (map[string]any, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	model := s.model(p)
	model.Tools = []*genai.Tool{{FunctionDeclarations: []*genai.FunctionDeclaration{fn}}}
	model.ToolConfig = &genai.ToolConfig{
		FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode:                 genai.FunctionCallingAny,
			AllowedFunctionNames: []string{fn.Name},
		},
	}

	start := time.Now()
	resp, err := model.GenerateContent(ctx, genai.Text(p.Text))
	if err != nil {
		s.logger.Error("gemini function call failed", "function", fn.Name, "error", err)
		return nil, fmt.Errorf("%w: gemini request failed: %v", apperrors.ErrUpstream, err)
	}
	s.logger.Debug("gemini function call", "function", fn.Name, "duration", time.Since(start))

	return functionCallArgs(resp, fn.Name)
}

// GenerateJSON asks the model for a JSON document conforming to schema.
func (s *GeminiService) GenerateJSON(ctx context.Context, p Prompt, schema *genai.Schema) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	model := s.model(p)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = schema

	start := time.Now()
	resp, err := model.GenerateContent(ctx, genai.Text(p.Text))
	if err != nil {
		s.logger.Error("gemini json generation failed", "error", err)
		return nil, fmt.Errorf("%w: gemini request failed: %v", apperrors.ErrUpstream, err)
	}
	s.logger.Debug("gemini json generation", "duration", time.Since(start))

	text := responseText(resp)
	if text == "" {
		return nil, fmt.Errorf("%w: gemini returned empty response", apperrors.ErrUpstream)
	}
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("%w: gemini returned malformed JSON", apperrors.ErrUpstream)
	}
	return []byte(text), nil
}

// Embed returns one vector per text, in input order.
func (s *GeminiService) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	em := s.client.EmbeddingModel(s.embeddingModel)
	vectors := make([][]float32, 0, len(texts))
	for _, chunk := range chunkStrings(texts, embedBatchSize) {
		batch := em.NewBatch()
		for _, text := range chunk {
			batch.AddContent(genai.Text(text))
		}
		res, err := em.BatchEmbedContents(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("%w: embedding generation failed: %v", apperrors.ErrUpstream, err)
		}
		if len(res.Embeddings) != len(chunk) {
			return nil, fmt.Errorf("%w: expected %d embeddings, got %d", apperrors.ErrUpstream, len(chunk), len(res.Embeddings))
		}
		for _, e := range res.Embeddings {
			if e == nil || len(e.Values) == 0 {
				return nil, fmt.Errorf("%w: no embedding values returned", apperrors.ErrUpstream)
			}
			vectors = append(vectors, e.Values)
		}
	}
	return vectors, nil
}

func functionCallArgs(resp *genai.GenerateContentResponse, name string) (map[string]any, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("%w: gemini returned empty candidates", apperrors.ErrUpstream)
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		var call *genai.FunctionCall
		switch v := part.(type) {
		case genai.FunctionCall:
			call = &v
		case *genai.FunctionCall:
			call = v
		}
		if call != nil && call.Name == name {
			if call.Args == nil {
				return map[string]any{}, nil
			}
			return call.Args, nil
		}
	}
	return nil, fmt.Errorf("%w: gemini did not call %s", apperrors.ErrUpstream, name)
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(sb.String())
}

func chunkStrings(items []string, size int) [][]string {
	var chunks [][]string
	for len(items) > size {
		chunks = append(chunks, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		chunks = append(chunks, items)
	}
	return chunks
}
