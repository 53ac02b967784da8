package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/duynguyendang/toolbridge/internal/config"
	apperrors "github.com/duynguyendang/toolbridge/pkg/common/errors"
	"github.com/duynguyendang/toolbridge/pkg/service/ai"
	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockLLM struct {
	mock.Mock
}

func (m *MockLLM) CallFunction(ctx context.Context, p ai.Prompt, fn *genai.FunctionDeclaration) (map[string]any, error) {
	args := m.Called(ctx, p, fn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]any), args.Error(1)
}

func (m *MockLLM) GenerateJSON(ctx context.Context, p ai.Prompt, schema *genai.Schema) ([]byte, error) {
	args := m.Called(ctx, p, schema)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

var personFields = map[string]any{
	"fields": []any{
		map[string]any{"name": "name", "type": "string", "description": "full name"},
		map[string]any{"name": "age", "type": "int"},
	},
}

// fakeLLM answers extraction prompts with the person named in the text.
type fakeLLM struct {
	defineCalls  atomic.Int32
	extractCalls atomic.Int32
}

func (f *fakeLLM) CallFunction(_ context.Context, _ ai.Prompt, fn *genai.FunctionDeclaration) (map[string]any, error) {
	f.defineCalls.Add(1)
	if fn.Name != "define_schema" {
		return nil, errors.New("unexpected function")
	}
	return personFields, nil
}

func (f *fakeLLM) GenerateJSON(_ context.Context, p ai.Prompt, _ *genai.Schema) ([]byte, error) {
	f.extractCalls.Add(1)
	text := p.Text[strings.LastIndex(p.Text, "Text:")+len("Text:"):]
	name, age, _ := strings.Cut(strings.TrimSpace(text), " is ")
	age = strings.TrimSuffix(age, ".")
	return []byte(fmt.Sprintf(`{"name": %q, "age": %s}`, name, age)), nil
}

func newTestExtractor(t *testing.T, llm LLM, cacheSize int) *Extractor {
	t.Helper()
	e, err := NewExtractor(llm, config.ExtractConfig{Concurrency: 2, SchemaCacheSize: cacheSize}, nil)
	require.NoError(t, err)
	return e
}

func TestExtractOne(t *testing.T) {
	llm := new(MockLLM)
	llm.On("CallFunction", mock.Anything, mock.MatchedBy(func(p ai.Prompt) bool {
		return strings.Contains(p.Text, "name: str, age: int")
	}), defineSchemaDecl).Return(personFields, nil).Once()
	llm.On("GenerateJSON", mock.Anything, mock.MatchedBy(func(p ai.Prompt) bool {
		return strings.Contains(p.Text, "John is 30")
	}), mock.Anything).Return([]byte(`{"name": "John", "age": 30}`), nil).Once()

	e := newTestExtractor(t, llm, 8)
	rec, err := e.ExtractOne(context.Background(), "class Person: name: str, age: int", "John is 30")
	require.NoError(t, err)
	assert.Equal(t, Record{"name": "John", "age": float64(30)}, rec)
	llm.AssertExpectations(t)
}

func TestExtractOneSchemaValidationError(t *testing.T) {
	llm := new(MockLLM)
	llm.On("CallFunction", mock.Anything, mock.Anything, mock.Anything).Return(personFields, nil)
	llm.On("GenerateJSON", mock.Anything, mock.Anything, mock.Anything).
		Return([]byte(`{"name": "John", "age": "thirty"}`), nil).Once()

	e := newTestExtractor(t, llm, 0)
	_, err := e.ExtractOne(context.Background(), "name: str, age: int", "John is thirty")
	assert.ErrorIs(t, err, apperrors.ErrSchemaValidation)
	llm.AssertNumberOfCalls(t, "GenerateJSON", 1)
}

func TestExtractOneMissingField(t *testing.T) {
	llm := new(MockLLM)
	llm.On("CallFunction", mock.Anything, mock.Anything, mock.Anything).Return(personFields, nil)
	llm.On("GenerateJSON", mock.Anything, mock.Anything, mock.Anything).Return([]byte(`{"name": "John"}`), nil)

	e := newTestExtractor(t, llm, 0)
	_, err := e.ExtractOne(context.Background(), "name: str, age: int", "John")
	assert.ErrorIs(t, err, apperrors.ErrSchemaValidation)
}

func TestExtractOneNullIsAllowed(t *testing.T) {
	llm := new(MockLLM)
	llm.On("CallFunction", mock.Anything, mock.Anything, mock.Anything).Return(personFields, nil)
	llm.On("GenerateJSON", mock.Anything, mock.Anything, mock.Anything).
		Return([]byte(`{"name": "John", "age": null, "extra": true}`), nil)

	e := newTestExtractor(t, llm, 0)
	rec, err := e.ExtractOne(context.Background(), "name: str, age: int", "John")
	require.NoError(t, err)
	assert.Equal(t, Record{"name": "John", "age": nil}, rec)
}

func TestExtractUpstreamError(t *testing.T) {
	llm := new(MockLLM)
	llm.On("CallFunction", mock.Anything, mock.Anything, mock.Anything).Return(nil, apperrors.ErrUpstream)

	e := newTestExtractor(t, llm, 0)
	_, err := e.ExtractOne(context.Background(), "name: str", "John")
	assert.ErrorIs(t, err, apperrors.ErrUpstream)
}

func TestExtractEmptyDescription(t *testing.T) {
	e := newTestExtractor(t, &fakeLLM{}, 0)
	_, err := e.ExtractOne(context.Background(), "  ", "John")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestExtractManyPreservesOrder(t *testing.T) {
	llm := &fakeLLM{}
	e := newTestExtractor(t, llm, 8)

	texts := []string{"Ann is 31.", "Bob is 42.", "Cid is 53."}
	cols, err := e.ExtractMany(context.Background(), "name: str, age: int", texts)
	require.NoError(t, err)

	require.Len(t, cols, 2)
	for _, values := range cols {
		assert.Len(t, values, len(texts))
	}
	assert.Equal(t, []any{"Ann", "Bob", "Cid"}, cols["name"])
	assert.Equal(t, []any{float64(31), float64(42), float64(53)}, cols["age"])
	assert.Equal(t, int32(1), llm.defineCalls.Load())
	assert.Equal(t, int32(3), llm.extractCalls.Load())
}

func TestExtractManyEmpty(t *testing.T) {
	llm := &fakeLLM{}
	e := newTestExtractor(t, llm, 8)

	cols, err := e.ExtractMany(context.Background(), "name: str", nil)
	require.NoError(t, err)
	assert.Empty(t, cols)
	assert.Equal(t, int32(0), llm.defineCalls.Load())
}

func TestSchemaCache(t *testing.T) {
	llm := &fakeLLM{}
	e := newTestExtractor(t, llm, 8)

	for range 3 {
		_, err := e.ExtractOne(context.Background(), "name: str, age: int", "Ann is 31.")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), llm.defineCalls.Load())

	uncached := newTestExtractor(t, &fakeLLM{}, 0)
	for range 2 {
		_, err := uncached.DeriveSchema(context.Background(), "name: str")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), uncached.llm.(*fakeLLM).defineCalls.Load())
}

func TestParseFields(t *testing.T) {
	fields, err := parseFields(map[string]any{"fields": []any{
		map[string]any{"name": "tags", "type": "list"},
		map[string]any{"name": "score", "type": "Float"},
		map[string]any{"name": "tags", "type": "string"},
		map[string]any{"name": "ok", "type": "bool"},
	}})
	require.NoError(t, err)
	assert.Equal(t, []Field{
		{Name: "tags", Type: TypeArray},
		{Name: "score", Type: TypeNumber},
		{Name: "ok", Type: TypeBoolean},
	}, fields)

	_, err = parseFields(map[string]any{"fields": []any{map[string]any{"name": "when", "type": "datetime"}}})
	assert.ErrorIs(t, err, apperrors.ErrUpstream)

	_, err = parseFields(map[string]any{})
	assert.ErrorIs(t, err, apperrors.ErrUpstream)
}

func TestResponseSchema(t *testing.T) {
	s := Schema{Fields: []Field{{Name: "tags", Type: TypeArray}, {Name: "n", Type: TypeInteger}}}
	rs := s.ResponseSchema()
	assert.Equal(t, genai.TypeObject, rs.Type)
	assert.Equal(t, []string{"tags", "n"}, rs.Required)
	assert.Equal(t, genai.TypeArray, rs.Properties["tags"].Type)
	assert.Equal(t, genai.TypeString, rs.Properties["tags"].Items.Type)
	assert.Equal(t, genai.TypeInteger, rs.Properties["n"].Type)
}

func TestValidateArrayItemsUnchecked(t *testing.T) {
	s := Schema{Fields: []Field{{Name: "tags", Type: TypeArray}}}
	rec, err := s.Validate([]byte(`{"tags": [1, "two", {"three": 3}]}`))
	require.NoError(t, err)
	assert.Len(t, rec["tags"], 3)

	_, err = s.Validate([]byte(`{"tags": "one"}`))
	assert.ErrorIs(t, err, apperrors.ErrSchemaValidation)

	_, err = s.Validate([]byte(`not json`))
	assert.ErrorIs(t, err, apperrors.ErrSchemaValidation)
}
