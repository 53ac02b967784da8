package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/duynguyendang/toolbridge/internal/config"
	"github.com/duynguyendang/toolbridge/pkg/extract"
	"github.com/duynguyendang/toolbridge/pkg/rag"
	"github.com/duynguyendang/toolbridge/pkg/sandbox"
	"github.com/gin-gonic/gin"
)

// Extractor turns text into records.
type Extractor interface {
	ExtractOne(ctx context.Context, description, text string) (extract.Record, error)
	ExtractMany(ctx context.Context, description string, texts []string) (extract.Columns, error)
}

// CodeRunner executes cells and uploads files in the sandbox.
type CodeRunner interface {
	Execute(ctx context.Context, code string) (*sandbox.Execution, error)
	UploadFile(ctx context.Context, name string, data []byte) (string, error)
	UploadURL(ctx context.Context, rawURL string) (string, error)
}

// CodeAssistant writes and runs code for a natural-language task.
type CodeAssistant interface {
	Run(ctx context.Context, task string, files []string) (*sandbox.Answer, error)
}

// Indexer builds and queries hybrid search indexes.
type Indexer interface {
	BuildIndex(ctx context.Context, texts []string) (string, error)
	Query(ctx context.Context, index, query string, k int) ([]rag.Hit, error)
}

// Crawler scrapes pages and their links.
type Crawler interface {
	Limit(requested *int) (int, error)
	Crawl(ctx context.Context, url string, limit int) ([]string, error)
	MapLinks(ctx context.Context, url string) ([]string, error)
}

// Services are the backends behind the routes. A nil service makes its
// routes answer 503.
type Services struct {
	Extractor Extractor
	Sandbox   CodeRunner
	Assistant CodeAssistant
	Index     Indexer
	Crawler   Crawler
}

// Server holds the state for the REST API server.
type Server struct {
	services  Services
	maxUpload int64
	logger    *slog.Logger
	metrics   *Metrics
	router    *gin.Engine
}

// NewServer creates a new Server instance.
func NewServer(services Services, cfg config.ServerConfig, logger *slog.Logger, metrics *Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger), metrics.middleware())

	s := &Server{
		services:  services,
		maxUpload: cfg.MaxUploadMB << 20,
		logger:    logger,
		metrics:   metrics,
		router:    r,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router for use with an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	s.router.POST("/crawl/", s.handleCrawl)
	s.router.POST("/map/", s.handleMap)
	s.router.POST("/struct_str/", s.handleStructStr)
	s.router.POST("/struct_array/", s.handleStructArray)
	s.router.POST("/read/", s.handleRead)
	s.router.POST("/code/", s.handleCode)
	s.router.POST("/code/ask/", s.handleCodeAsk)
	s.router.POST("/file_code/", s.handleFileCode)
	s.router.POST("/rag/", s.handleRAG)
	s.router.POST("/rag/query/", s.handleRAGQuery)
}

// Health check
func (s *Server) healthCheck(c *gin.Context) {
	c.Status(http.StatusOK)
}
