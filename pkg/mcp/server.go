package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/duynguyendang/toolbridge/pkg/common/errors"
	"github.com/duynguyendang/toolbridge/pkg/reader"
	"github.com/duynguyendang/toolbridge/pkg/server"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

const formatsURI = "toolbridge://formats"

// MCPServer exposes the tool backends over the Model Context Protocol.
type MCPServer struct {
	services server.Services
	logger   *slog.Logger
}

// New registers a tool for every configured backend. read_file and the
// formats resource are always available.
func New(services server.Services, version string, logger *slog.Logger) *mcpserver.MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := mcpserver.NewMCPServer(
		"toolbridge",
		version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithLogging(),
	)
	ms := &MCPServer{services: services, logger: logger}

	// --- Resources ---

	s.AddResource(
		mcp.NewResource(
			formatsURI,
			"Supported Formats",
			mcp.WithResourceDescription("File extensions accepted by read_file"),
			mcp.WithMIMEType("application/json"),
		),
		ms.handleFormats,
	)

	// --- Tools ---

	s.AddTool(
		mcp.NewTool(
			"read_file",
			mcp.WithDescription("Extract the text of a local document (pdf, docx, pptx, xlsx, csv, json, xml, html, md, txt)."),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path of the file to read")),
		),
		ms.handleReadFile,
	)

	if services.Crawler != nil {
		s.AddTool(
			mcp.NewTool(
				"crawl",
				mcp.WithDescription("Scrape a page as markdown, followed by the pages it links to."),
				mcp.WithString("url", mcp.Required(), mcp.Description("Absolute URL of the page")),
				mcp.WithNumber("limit", mcp.Description("Max number of linked pages (default 7)")),
			),
			ms.handleCrawl,
		)
		s.AddTool(
			mcp.NewTool(
				"map",
				mcp.WithDescription("List the links found on a page."),
				mcp.WithString("url", mcp.Required(), mcp.Description("Absolute URL of the page")),
			),
			ms.handleMap,
		)
	}

	if services.Extractor != nil {
		s.AddTool(
			mcp.NewTool(
				"struct_str",
				mcp.WithDescription("Extract one record from a text, shaped by a plain-language schema description."),
				mcp.WithString("schema", mcp.Required(), mcp.Description("What the record should contain")),
				mcp.WithString("data", mcp.Required(), mcp.Description("Text to extract from")),
			),
			ms.handleStructStr,
		)
		s.AddTool(
			mcp.NewTool(
				"struct_array",
				mcp.WithDescription("Extract one record per text and return them as columns."),
				mcp.WithString("schema", mcp.Required(), mcp.Description("What each record should contain")),
				mcp.WithArray("data", mcp.Required(), mcp.Description("Texts to extract from"), mcp.WithStringItems()),
			),
			ms.handleStructArray,
		)
	}

	if services.Sandbox != nil {
		s.AddTool(
			mcp.NewTool(
				"execute_python",
				mcp.WithDescription("Run Python in a stateful notebook kernel. Charts are saved and returned as paths."),
				mcp.WithString("code", mcp.Required(), mcp.Description("Python source of the cell")),
			),
			ms.handleExecutePython,
		)
		s.AddTool(
			mcp.NewTool(
				"upload_url",
				mcp.WithDescription("Download a file into the notebook's upload directory."),
				mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL of the file")),
			),
			ms.handleUploadURL,
		)
	}

	if services.Index != nil {
		s.AddTool(
			mcp.NewTool(
				"build_index",
				mcp.WithDescription("Index documents for hybrid keyword and vector search. Returns the index handle."),
				mcp.WithArray("docs", mcp.Required(), mcp.Description("Documents to index"), mcp.WithStringItems()),
			),
			ms.handleBuildIndex,
		)
		s.AddTool(
			mcp.NewTool(
				"query_index",
				mcp.WithDescription("Search an index built by build_index."),
				mcp.WithString("index", mcp.Required(), mcp.Description("Index handle")),
				mcp.WithString("query", mcp.Required(), mcp.Description("Search query")),
				mcp.WithNumber("k", mcp.Description("Max number of hits")),
			),
			ms.handleQueryIndex,
		)
	}

	return s
}

// Run serves the tools on Stdio until the input closes.
func Run(services server.Services, version string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	s := New(services, version, logger)
	logger.Info("Starting MCP server on Stdio")
	return mcpserver.ServeStdio(s)
}

// --- Resource Handlers ---

func (ms *MCPServer) handleFormats(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	jsonBytes, err := json.Marshal(reader.Extensions())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal formats: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(jsonBytes),
		},
	}, nil
}

// --- Tool Handlers ---

// toolError turns a failed call into a tool result so the model can see it.
func (ms *MCPServer) toolError(tool string, err error) *mcp.CallToolResult {
	appErr := apperrors.MapError(err)
	ms.logger.Warn("tool call failed", "tool", tool, "status", appErr.Code, "error", err)
	msg := fmt.Sprintf("%s failed: %v", tool, err)
	if appErr.Hint != "" {
		msg += " (" + appErr.Hint + ")"
	}
	return mcp.NewToolResultError(msg)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError("failed to marshal result"), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func stringArg(args map[string]any, name string) (string, bool) {
	v, ok := args[name].(string)
	return v, ok && strings.TrimSpace(v) != ""
}

func stringsArg(args map[string]any, name string) ([]string, bool) {
	raw, ok := args[name].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func intArg(args map[string]any, name string) (*int, bool) {
	v, ok := args[name]
	if !ok || v == nil {
		return nil, true
	}
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return nil, false
	}
	n := int(f)
	return &n, true
}

func (ms *MCPServer) handleReadFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, ok := stringArg(request.GetArguments(), "path")
	if !ok {
		return mcp.NewToolResultError("path argument required"), nil
	}
	path = filepath.Clean(path)

	// Reject unsupported types before touching the file.
	r, _, err := reader.ForFilename(filepath.Base(path))
	if err != nil {
		return ms.toolError("read_file", err), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ms.toolError("read_file", err), nil
	}
	content, err := r.ReadText(data)
	if err != nil {
		return ms.toolError("read_file", err), nil
	}
	return mcp.NewToolResultText(content), nil
}

func (ms *MCPServer) handleCrawl(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	url, ok := stringArg(args, "url")
	if !ok {
		return mcp.NewToolResultError("url argument required"), nil
	}
	requested, ok := intArg(args, "limit")
	if !ok {
		return mcp.NewToolResultError("limit must be an integer"), nil
	}
	limit, err := ms.services.Crawler.Limit(requested)
	if err != nil {
		return ms.toolError("crawl", err), nil
	}

	contents, err := ms.services.Crawler.Crawl(ctx, url, limit)
	if err != nil {
		return ms.toolError("crawl", err), nil
	}
	return jsonResult(contents)
}

func (ms *MCPServer) handleMap(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url, ok := stringArg(request.GetArguments(), "url")
	if !ok {
		return mcp.NewToolResultError("url argument required"), nil
	}

	links, err := ms.services.Crawler.MapLinks(ctx, url)
	if err != nil {
		return ms.toolError("map", err), nil
	}
	if len(links) == 0 {
		return mcp.NewToolResultText("No links found."), nil
	}
	return mcp.NewToolResultText(strings.Join(links, "\n")), nil
}

func (ms *MCPServer) handleStructStr(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	schema, ok1 := stringArg(args, "schema")
	data, ok2 := args["data"].(string)
	if !ok1 || !ok2 {
		return mcp.NewToolResultError("schema and data arguments required"), nil
	}

	record, err := ms.services.Extractor.ExtractOne(ctx, schema, data)
	if err != nil {
		return ms.toolError("struct_str", err), nil
	}
	return jsonResult(record)
}

func (ms *MCPServer) handleStructArray(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	schema, ok1 := stringArg(args, "schema")
	data, ok2 := stringsArg(args, "data")
	if !ok1 || !ok2 {
		return mcp.NewToolResultError("schema and data (list of strings) arguments required"), nil
	}

	columns, err := ms.services.Extractor.ExtractMany(ctx, schema, data)
	if err != nil {
		return ms.toolError("struct_array", err), nil
	}
	return jsonResult(columns)
}

func (ms *MCPServer) handleExecutePython(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, ok := stringArg(request.GetArguments(), "code")
	if !ok {
		return mcp.NewToolResultError("code argument required"), nil
	}

	exec, err := ms.services.Sandbox.Execute(ctx, code)
	if err != nil {
		return ms.toolError("execute_python", err), nil
	}
	if exec.Error != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s\n%s",
			exec.Error.Name, exec.Error.Value, strings.Join(exec.Error.Traceback, "\n"))), nil
	}
	if len(exec.Items) == 0 {
		return mcp.NewToolResultText("[]"), nil
	}
	return jsonResult(exec.Items)
}

func (ms *MCPServer) handleUploadURL(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url, ok := stringArg(request.GetArguments(), "url")
	if !ok {
		return mcp.NewToolResultError("url argument required"), nil
	}

	path, err := ms.services.Sandbox.UploadURL(ctx, url)
	if err != nil {
		return ms.toolError("upload_url", err), nil
	}
	return mcp.NewToolResultText(path), nil
}

func (ms *MCPServer) handleBuildIndex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docs, ok := stringsArg(request.GetArguments(), "docs")
	if !ok {
		return mcp.NewToolResultError("docs argument (list of strings) required"), nil
	}

	handle, err := ms.services.Index.BuildIndex(ctx, docs)
	if err != nil {
		return ms.toolError("build_index", err), nil
	}
	return mcp.NewToolResultText(handle), nil
}

func (ms *MCPServer) handleQueryIndex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	index, ok1 := stringArg(args, "index")
	query, ok2 := stringArg(args, "query")
	if !ok1 || !ok2 {
		return mcp.NewToolResultError("index and query arguments required"), nil
	}
	k, ok := intArg(args, "k")
	if !ok {
		return mcp.NewToolResultError("k must be an integer"), nil
	}
	n := 0
	if k != nil {
		n = *k
	}

	hits, err := ms.services.Index.Query(ctx, index, query, n)
	if err != nil {
		return ms.toolError("query_index", err), nil
	}
	return jsonResult(hits)
}
