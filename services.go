package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/duynguyendang/toolbridge/internal/config"
	"github.com/duynguyendang/toolbridge/pkg/crawl"
	"github.com/duynguyendang/toolbridge/pkg/extract"
	"github.com/duynguyendang/toolbridge/pkg/rag"
	"github.com/duynguyendang/toolbridge/pkg/sandbox"
	"github.com/duynguyendang/toolbridge/pkg/server"
	"github.com/duynguyendang/toolbridge/pkg/service/ai"
	"github.com/prometheus/client_golang/prometheus"
)

const hostedFirecrawl = "https://api.firecrawl.dev"

// buildServices wires every backend whose settings are present. A backend
// that cannot be built is left nil and logged; its routes answer 503.
func buildServices(ctx context.Context, cfg config.Config, logger *slog.Logger, metrics *server.Metrics) (server.Services, func()) {
	var (
		services server.Services
		closers  []func() error
	)
	httpClient := &http.Client{}

	var gemini *ai.GeminiService
	if cfg.Gemini.APIKey == "" {
		logger.Warn("GEMINI_API_KEY not set; extraction, code assistant and search are disabled")
	} else {
		g, err := ai.NewGeminiService(ctx, cfg.Gemini, logger)
		if err != nil {
			logger.Error("failed to create Gemini client", "error", err)
		} else {
			gemini = g
			closers = append(closers, g.Close)
		}
	}

	if gemini != nil {
		ext, err := extract.NewExtractor(gemini, cfg.Extract, logger)
		if err != nil {
			logger.Error("failed to create extractor", "error", err)
		} else {
			services.Extractor = ext
		}
	}

	if cfg.Sandbox.URL == "" {
		logger.Warn("sandbox url not set; code execution is disabled")
	} else {
		sb, err := sandbox.New(cfg.Sandbox, httpClient, logger)
		if err != nil {
			logger.Error("failed to create sandbox", "error", err)
		} else {
			services.Sandbox = sb
			closers = append(closers, sb.Close)
			if gemini != nil {
				services.Assistant = sandbox.NewAssistant(gemini, sb)
			}
		}
	}

	if gemini != nil && cfg.Search.Addr != "" {
		client := rag.NewRedisClient(cfg.Search.Addr, cfg.Search.Password, cfg.Search.DB)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not reachable yet; search calls will fail until it is", "addr", cfg.Search.Addr, "error", err)
		}
		closers = append(closers, client.Close)
		services.Index = rag.NewService(rag.NewRedisStore(client), gemini, cfg.Search, logger)
	}

	if cfg.Crawl.APIKey == "" && cfg.Crawl.URL == hostedFirecrawl {
		logger.Warn("FIRECRAWL_API_KEY not set; crawl and map are disabled")
	} else {
		fc, err := crawl.NewFirecrawlClient(cfg.Crawl.URL, cfg.Crawl.APIKey, httpClient)
		if err != nil {
			logger.Error("failed to create Firecrawl client", "error", err)
		} else {
			var skipped prometheus.Counter
			if metrics != nil {
				skipped = metrics.CrawlSkipped
			}
			services.Crawler = crawl.NewCrawler(fc, cfg.Crawl, logger, skipped)
		}
	}

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}
	return services, cleanup
}
