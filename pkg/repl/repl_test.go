package repl

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/duynguyendang/toolbridge/pkg/rag"
	"github.com/duynguyendang/toolbridge/pkg/sandbox"
	"github.com/duynguyendang/toolbridge/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	cells []string
}

func (r *recordingRunner) Execute(_ context.Context, code string) (*sandbox.Execution, error) {
	r.cells = append(r.cells, code)
	if strings.Contains(code, "raise") {
		return &sandbox.Execution{Error: &sandbox.ExecutionError{
			Name:      "ValueError",
			Value:     "boom",
			Traceback: []string{"Traceback (most recent call last):"},
		}}, nil
	}
	return &sandbox.Execution{Items: []sandbox.Item{
		{Kind: sandbox.ItemStdout, Text: "ran\n"},
		{Kind: sandbox.ItemChart, Path: "charts/x/chart_0.png"},
		{Kind: sandbox.ItemResult, Data: map[string]any{"text/plain": "42"}},
	}}, nil
}

func (r *recordingRunner) UploadFile(_ context.Context, name string, _ []byte) (string, error) {
	return "uploads/" + name, nil
}

func (r *recordingRunner) UploadURL(context.Context, string) (string, error) {
	return "uploads/remote.csv", nil
}

type memIndex struct {
	docs []string
}

func (m *memIndex) BuildIndex(_ context.Context, texts []string) (string, error) {
	m.docs = texts
	return "RAG_9", nil
}

func (m *memIndex) Query(_ context.Context, index, query string, _ int) ([]rag.Hit, error) {
	var hits []rag.Hit
	for i, d := range m.docs {
		if strings.Contains(d, query) {
			hits = append(hits, rag.Hit{ID: index + "-" + string(rune('a'+i)), Text: d, Score: 0.5})
		}
	}
	return hits, nil
}

func run(t *testing.T, services server.Services, input string) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, Run(context.Background(), services, strings.NewReader(input), &out))
	return out.String()
}

func TestRunExecutesLinesAndBlocks(t *testing.T) {
	runner := &recordingRunner{}
	out := run(t, server.Services{Sandbox: runner}, "x = 1\nfor i in range(2):\n    print(i)\n\nexit\nprint('never')\n")

	assert.Equal(t, []string{"x = 1", "for i in range(2):\n    print(i)"}, runner.cells)
	assert.Contains(t, out, "ran\n")
	assert.Contains(t, out, "[chart saved to charts/x/chart_0.png]")
	assert.Contains(t, out, "42\n")
	assert.Contains(t, out, "Bye!")
}

func TestRunPrintsCellErrors(t *testing.T) {
	runner := &recordingRunner{}
	r := New(server.Services{Sandbox: runner}, &bytes.Buffer{})
	var out bytes.Buffer
	r.out = &out

	require.NoError(t, r.Run(context.Background(), strings.NewReader("raise ValueError('boom')\nok = 1\n:history\n")))
	assert.Contains(t, out.String(), "ValueError: boom")
	assert.Equal(t, []string{"ok = 1"}, r.session.History)
	assert.Contains(t, out.String(), "[1] ok = 1")
}

func TestRunWithoutSandbox(t *testing.T) {
	out := run(t, server.Services{}, "print(1)\n:ask anything\n:nope\n")
	assert.Contains(t, out, "Sandbox not configured")
	assert.Contains(t, out, "Error: sandbox not configured")
	assert.Contains(t, out, "Error: code assistant not configured")
	assert.Contains(t, out, "Unknown command :nope")
}

func TestReadAndIndexCommands(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.md")
	require.NoError(t, os.WriteFile(a, []byte("cats purr softly"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("dogs bark loudly"), 0o644))

	idx := &memIndex{}
	out := run(t, server.Services{Index: idx}, ":read "+a+"\n:index "+a+" "+b+"\n:query bark\n:read "+filepath.Join(dir, "c.exe")+"\n")

	assert.Contains(t, out, "cats purr softly")
	assert.Contains(t, out, "Indexed 2 documents as RAG_9")
	assert.Contains(t, out, "dogs bark loudly")
	assert.Contains(t, out, "unsupported file type")
}

func TestUploadTracksPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n"), 0o644))

	r := New(server.Services{Sandbox: &recordingRunner{}}, &bytes.Buffer{})
	require.NoError(t, r.Run(context.Background(), strings.NewReader(":upload "+path+"\n:upload https://example.com/remote.csv\n")))
	assert.Equal(t, []string{"uploads/data.csv", "uploads/remote.csv"}, r.session.Uploaded)
}

func TestSessionFeed(t *testing.T) {
	s := NewSession()

	_, ready := s.Feed("")
	assert.False(t, ready)

	cell, ready := s.Feed("print(1)  ")
	assert.True(t, ready)
	assert.Equal(t, "print(1)", cell)

	_, ready = s.Feed("if True:")
	assert.False(t, ready)
	assert.True(t, s.InBlock())
	_, ready = s.Feed("    x = 2")
	assert.False(t, ready)
	cell, ready = s.Feed("")
	assert.True(t, ready)
	assert.Equal(t, "if True:\n    x = 2", cell)
	assert.False(t, s.InBlock())
}

func TestSessionHistoryIsBounded(t *testing.T) {
	s := NewSession()
	for i := range maxHistory + 5 {
		s.AddCell(strings.Repeat("x", i+1))
	}
	assert.Len(t, s.History, maxHistory)
	assert.Equal(t, strings.Repeat("x", 6), s.History[0])
}
