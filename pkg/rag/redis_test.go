package rag

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	apperrors "github.com/duynguyendang/toolbridge/pkg/common/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywordQuery(t *testing.T) {
	assert.Equal(t, "@text:(hello|world|42)", keywordQuery("Hello, world! 42"))
	assert.Equal(t, "", keywordQuery(" -- "))
}

func TestVectorBytes(t *testing.T) {
	buf := vectorBytes([]float32{1, -0.5})
	require.Len(t, buf, 8)
	assert.Equal(t, float32(1), math.Float32frombits(binary.LittleEndian.Uint32(buf[0:])))
	assert.Equal(t, float32(-0.5), math.Float32frombits(binary.LittleEndian.Uint32(buf[4:])))
}

func TestParseSearchReply(t *testing.T) {
	reply := []any{
		int64(2),
		"RAG_7:doc-a", []any{"text", "first", "vscore", "0.25"},
		"RAG_7:doc-b", []any{"text", "second"},
	}
	hits, err := parseSearchReply("RAG_7", reply)
	require.NoError(t, err)
	assert.Equal(t, []Hit{
		{ID: "doc-a", Text: "first", Score: 0.75},
		{ID: "doc-b", Text: "second"},
	}, hits)

	hits, err = parseSearchReply("RAG_7", []any{int64(0)})
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = parseSearchReply("RAG_7", map[string]any{})
	assert.ErrorIs(t, err, apperrors.ErrUpstream)

	_, err = parseSearchReply("RAG_7", []any{int64(1), "RAG_7:x", "oops"})
	assert.ErrorIs(t, err, apperrors.ErrUpstream)
}

func TestSearchError(t *testing.T) {
	assert.ErrorIs(t, searchError("RAG_1", errors.New("RAG_1: no such index")), apperrors.ErrNotFound)
	assert.ErrorIs(t, searchError("RAG_1", errors.New("connection refused")), apperrors.ErrUpstream)
	assert.True(t, isUnknownIndex(errors.New("Unknown Index name")))
}
