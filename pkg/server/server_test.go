package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/duynguyendang/toolbridge/internal/config"
	apperrors "github.com/duynguyendang/toolbridge/pkg/common/errors"
	"github.com/duynguyendang/toolbridge/pkg/crawl"
	"github.com/duynguyendang/toolbridge/pkg/extract"
	"github.com/duynguyendang/toolbridge/pkg/rag"
	"github.com/duynguyendang/toolbridge/pkg/sandbox"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type MockExtractor struct {
	mock.Mock
}

func (m *MockExtractor) ExtractOne(ctx context.Context, description, text string) (extract.Record, error) {
	args := m.Called(ctx, description, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(extract.Record), args.Error(1)
}

func (m *MockExtractor) ExtractMany(ctx context.Context, description string, texts []string) (extract.Columns, error) {
	args := m.Called(ctx, description, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(extract.Columns), args.Error(1)
}

type fakeRunner struct {
	exec     *sandbox.Execution
	err      error
	code     string
	uploaded map[string][]byte
	urls     []string
}

func (f *fakeRunner) Execute(_ context.Context, code string) (*sandbox.Execution, error) {
	f.code = code
	return f.exec, f.err
}

func (f *fakeRunner) UploadFile(_ context.Context, name string, data []byte) (string, error) {
	if f.uploaded == nil {
		f.uploaded = map[string][]byte{}
	}
	f.uploaded[name] = data
	return "uploads/" + name, nil
}

func (f *fakeRunner) UploadURL(_ context.Context, rawURL string) (string, error) {
	if !strings.HasPrefix(rawURL, "http") {
		return "", fmt.Errorf("%w: bad url", apperrors.ErrInvalidInput)
	}
	f.urls = append(f.urls, rawURL)
	return "uploads/remote.csv", nil
}

type fakeAssistant struct {
	answer *sandbox.Answer
}

func (f *fakeAssistant) Run(context.Context, string, []string) (*sandbox.Answer, error) {
	return f.answer, nil
}

type fakeIndex struct {
	docs map[string][]string
}

func (f *fakeIndex) BuildIndex(_ context.Context, texts []string) (string, error) {
	if len(texts) == 0 {
		return "", fmt.Errorf("%w: no documents", apperrors.ErrInvalidInput)
	}
	if f.docs == nil {
		f.docs = map[string][]string{}
	}
	f.docs["RAG_42"] = texts
	return "RAG_42", nil
}

func (f *fakeIndex) Query(_ context.Context, index, query string, k int) ([]rag.Hit, error) {
	docs, ok := f.docs[index]
	if !ok {
		return nil, fmt.Errorf("%w: index %s", apperrors.ErrNotFound, index)
	}
	var hits []rag.Hit
	for i, d := range docs {
		if strings.Contains(d, query) {
			hits = append(hits, rag.Hit{ID: fmt.Sprint(i), Text: d, Score: 1})
		}
	}
	return hits, nil
}

type fakeScraper map[string]*crawl.Page

func (f fakeScraper) Scrape(_ context.Context, url string) (*crawl.Page, error) {
	if p, ok := f[url]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s failed", apperrors.ErrUpstream, url)
}

func newTestServer(services Services) *Server {
	cfg := config.Default().Server
	cfg.MaxUploadMB = 1
	return NewServer(services, cfg, nil, nil)
}

func do(srv *Server, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	srv.router.ServeHTTP(w, req)
	return w
}

func postJSON(srv *Server, path, body string) *httptest.ResponseRecorder {
	return do(srv, http.MethodPost, path, "application/json", []byte(body))
}

func multipartBody(t *testing.T, filename string, content []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthCheck(t *testing.T) {
	srv := newTestServer(Services{})

	w := do(srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(Services{})
	do(srv, http.MethodGet, "/health", "", nil)

	w := do(srv, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `toolbridge_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestUnconfiguredServices(t *testing.T) {
	srv := newTestServer(Services{})

	for _, path := range []string{"/crawl/", "/map/", "/struct_str/", "/struct_array/", "/code/", "/code/ask/", "/file_code/", "/rag/", "/rag/query/"} {
		w := postJSON(srv, path, `{}`)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
		assert.Equal(t, "Service not configured", decode[map[string]any](t, w)["error"], path)
	}
}

func TestStructStr(t *testing.T) {
	m := new(MockExtractor)
	m.On("ExtractOne", mock.Anything, "a person", "Alice is 30.").
		Return(extract.Record{"name": "Alice", "age": float64(30)}, nil)
	srv := newTestServer(Services{Extractor: m})

	w := postJSON(srv, "/struct_str/", `{"schema":"a person","data":"Alice is 30."}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, map[string]any{"name": "Alice", "age": float64(30)}, decode[map[string]any](t, w))
	m.AssertExpectations(t)
}

func TestStructStrRejectsNonString(t *testing.T) {
	m := new(MockExtractor)
	srv := newTestServer(Services{Extractor: m})

	w := postJSON(srv, "/struct_str/", `{"schema":"a person","data":["a","b"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(srv, "/struct_str/", `{"data":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	m.AssertNotCalled(t, "ExtractOne", mock.Anything, mock.Anything, mock.Anything)
}

func TestStructStrSchemaValidationFailure(t *testing.T) {
	m := new(MockExtractor)
	m.On("ExtractOne", mock.Anything, "a person", "x").
		Return(nil, fmt.Errorf("%w: age must be integer", apperrors.ErrSchemaValidation))
	srv := newTestServer(Services{Extractor: m})

	w := postJSON(srv, "/struct_str/", `{"schema":"a person","data":"x"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, decode[map[string]any](t, w)["detail"], "age must be integer")
}

func TestStructArray(t *testing.T) {
	m := new(MockExtractor)
	m.On("ExtractMany", mock.Anything, "a person", []string{"Alice is 30.", "Bob is 25."}).
		Return(extract.Columns{"name": {"Alice", "Bob"}}, nil)
	m.On("ExtractMany", mock.Anything, "a person", []string{"Carol is 40."}).
		Return(extract.Columns{"name": {"Carol"}}, nil)
	srv := newTestServer(Services{Extractor: m})

	w := postJSON(srv, "/struct_array/", `{"schema":"a person","data":["Alice is 30.","Bob is 25."]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, map[string]any{"name": []any{"Alice", "Bob"}}, decode[map[string]any](t, w))

	w = postJSON(srv, "/struct_array/", `{"schema":"a person","data":"Carol is 40."}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, map[string]any{"name": []any{"Carol"}}, decode[map[string]any](t, w))
	m.AssertExpectations(t)
}

func TestStructArrayRejectsBadData(t *testing.T) {
	srv := newTestServer(Services{Extractor: new(MockExtractor)})

	w := postJSON(srv, "/struct_array/", `{"schema":"a person","data":[1,2]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRead(t *testing.T) {
	srv := newTestServer(Services{})

	body, ct := multipartBody(t, "notes.txt", []byte("hello world"))
	w := do(srv, http.MethodPost, "/read/", ct, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, map[string]any{"filename": "notes.txt", "content": "hello world"}, decode[map[string]any](t, w))
}

func TestReadUnsupported(t *testing.T) {
	srv := newTestServer(Services{})

	body, ct := multipartBody(t, "archive.tar", []byte("data"))
	w := do(srv, http.MethodPost, "/read/", ct, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Unsupported file type", decode[map[string]any](t, w)["error"])

	body, ct = multipartBody(t, "README", []byte("data"))
	w = do(srv, http.MethodPost, "/read/", ct, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReadMalformed(t *testing.T) {
	srv := newTestServer(Services{})

	body, ct := multipartBody(t, "broken.txt", []byte{0xff, 0xfe, 0xfd})
	w := do(srv, http.MethodPost, "/read/", ct, body)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestReadMissingFile(t *testing.T) {
	srv := newTestServer(Services{})

	w := postJSON(srv, "/read/", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReadTooLarge(t *testing.T) {
	srv := newTestServer(Services{})

	body, ct := multipartBody(t, "big.txt", bytes.Repeat([]byte("a"), 3<<20))
	w := do(srv, http.MethodPost, "/read/", ct, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestCode(t *testing.T) {
	runner := &fakeRunner{exec: &sandbox.Execution{Items: []sandbox.Item{
		{Kind: sandbox.ItemStdout, Text: "hi\n"},
		{Kind: sandbox.ItemChart, Path: "charts/abc/chart_0.png"},
		{Kind: sandbox.ItemResult, Data: map[string]any{"text/plain": "2"}},
	}}}
	srv := newTestServer(Services{Sandbox: runner})

	w := postJSON(srv, "/code/", `{"code":"print('hi')"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `["hi\n","charts/abc/chart_0.png",{"text/plain":"2"}]`, w.Body.String())
	assert.Equal(t, "print('hi')", runner.code)
}

func TestCodeEmptyResult(t *testing.T) {
	srv := newTestServer(Services{Sandbox: &fakeRunner{exec: &sandbox.Execution{}}})

	w := postJSON(srv, "/code/", `{"code":"x = 1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestCodeError(t *testing.T) {
	runner := &fakeRunner{exec: &sandbox.Execution{Error: &sandbox.ExecutionError{
		Name:      "ValueError",
		Value:     "boom",
		Traceback: []string{"Traceback ..."},
	}}}
	srv := newTestServer(Services{Sandbox: runner})

	w := postJSON(srv, "/code/", `{"code":"raise ValueError('boom')"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"name":"ValueError","value":"boom","traceback":["Traceback ..."]}`, w.Body.String())
}

func TestCodeUpstreamFailure(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("%w: kernel died", apperrors.ErrUpstream)}
	srv := newTestServer(Services{Sandbox: runner})

	w := postJSON(srv, "/code/", `{"code":"1"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotContains(t, decode[map[string]any](t, w), "detail")
}

func TestCodeAsk(t *testing.T) {
	asst := &fakeAssistant{answer: &sandbox.Answer{
		Code:      "print(2)",
		Execution: &sandbox.Execution{Items: []sandbox.Item{{Kind: sandbox.ItemStdout, Text: "2\n"}}},
	}}
	srv := newTestServer(Services{Assistant: asst})

	w := postJSON(srv, "/code/ask/", `{"task":"print two"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"code":"print(2)","results":["2\n"]}`, w.Body.String())

	asst.answer = &sandbox.Answer{
		Code:      "1/0",
		Execution: &sandbox.Execution{Error: &sandbox.ExecutionError{Name: "ZeroDivisionError", Value: "division by zero"}},
	}
	w = postJSON(srv, "/code/ask/", `{"task":"divide"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"code":"1/0","error":{"name":"ZeroDivisionError","value":"division by zero","traceback":null}}`, w.Body.String())
}

func TestFileCodeUpload(t *testing.T) {
	runner := &fakeRunner{}
	srv := newTestServer(Services{Sandbox: runner})

	body, ct := multipartBody(t, "data.csv", []byte("a,b\n1,2\n"))
	w := do(srv, http.MethodPost, "/file_code/", ct, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "uploads/data.csv", decode[string](t, w))
	assert.Equal(t, []byte("a,b\n1,2\n"), runner.uploaded["data.csv"])
}

func TestFileCodeURL(t *testing.T) {
	runner := &fakeRunner{}
	srv := newTestServer(Services{Sandbox: runner})

	w := postJSON(srv, "/file_code/", `{"file":"https://example.com/remote.csv"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "uploads/remote.csv", decode[string](t, w))

	w = do(srv, http.MethodPost, "/file_code/", "application/x-www-form-urlencoded",
		[]byte("file=https%3A%2F%2Fexample.com%2Fother.csv"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"https://example.com/remote.csv", "https://example.com/other.csv"}, runner.urls)

	w = postJSON(srv, "/file_code/", `{"file":"not-a-url"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(srv, "/file_code/", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRAG(t *testing.T) {
	srv := newTestServer(Services{Index: &fakeIndex{}})

	w := postJSON(srv, "/rag/", `{"docs":["cats purr","dogs bark"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "RAG_42", decode[string](t, w))

	w = postJSON(srv, "/rag/query/", `{"index":"RAG_42","query":"bark","k":3}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	hits := decode[[]rag.Hit](t, w)
	require.Len(t, hits, 1)
	assert.Equal(t, "dogs bark", hits[0].Text)

	w = postJSON(srv, "/rag/query/", `{"index":"RAG_7","query":"bark"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRAGEmptyDocs(t *testing.T) {
	srv := newTestServer(Services{Index: &fakeIndex{}})

	w := postJSON(srv, "/rag/", `{"docs":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func newTestCrawler(pages fakeScraper) *crawl.Crawler {
	return crawl.NewCrawler(pages, config.Default().Crawl, nil, nil)
}

func TestCrawl(t *testing.T) {
	pages := fakeScraper{
		"https://example.com/": {Markdown: "root", Links: []string{
			"https://example.com/", "https://example.com/a", "https://example.com/gone", "https://example.com/b",
		}},
		"https://example.com/a": {Markdown: "page a"},
		"https://example.com/b": {Markdown: "page b"},
	}
	srv := newTestServer(Services{Crawler: newTestCrawler(pages)})

	w := postJSON(srv, "/crawl/", `{"url":"https://example.com/"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"root", "page a", "page b"}, decode[[]string](t, w))

	w = postJSON(srv, "/crawl/", `{"url":"https://example.com/","limit":1}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"root", "page a"}, decode[[]string](t, w))

	w = postJSON(srv, "/crawl/", `{"url":"https://example.com/","limit":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(srv, "/crawl/", `{"url":"https://missing.example.com/"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestMap(t *testing.T) {
	pages := fakeScraper{
		"https://example.com/":  {Links: []string{"https://example.com/a"}},
		"https://example.com/a": {},
	}
	srv := newTestServer(Services{Crawler: newTestCrawler(pages)})

	w := postJSON(srv, "/map/", `{"url":"https://example.com/"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"https://example.com/a"}, decode[[]string](t, w))

	w = postJSON(srv, "/map/", `{"url":"https://example.com/a"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = postJSON(srv, "/map/", `{"url":"not a url"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
