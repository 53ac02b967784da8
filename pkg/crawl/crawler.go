// Package crawl scrapes a page and a bounded number of the pages it links to.
package crawl

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/duynguyendang/toolbridge/internal/config"
	apperrors "github.com/duynguyendang/toolbridge/pkg/common/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

type Crawler struct {
	scraper      Scraper
	defaultLimit int
	maxLimit     int
	concurrency  int
	timeout      time.Duration
	logger       *slog.Logger
	skipped      prometheus.Counter
}

// NewCrawler builds a crawler. skipped counts linked pages that failed to
// scrape and may be nil.
func NewCrawler(scraper Scraper, cfg config.CrawlConfig, logger *slog.Logger, skipped prometheus.Counter) *Crawler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{
		scraper:      scraper,
		defaultLimit: cfg.DefaultLimit,
		maxLimit:     cfg.MaxLimit,
		concurrency:  max(cfg.Concurrency, 1),
		timeout:      cfg.Timeout,
		logger:       logger,
		skipped:      skipped,
	}
}

// Limit resolves a requested link limit: nil means the default, negative is
// rejected, and values above the maximum are capped.
func (c *Crawler) Limit(requested *int) (int, error) {
	if requested == nil {
		return c.defaultLimit, nil
	}
	if *requested < 0 {
		return 0, fmt.Errorf("%w: limit must not be negative", apperrors.ErrInvalidInput)
	}
	if c.maxLimit > 0 && *requested > c.maxLimit {
		return c.maxLimit, nil
	}
	return *requested, nil
}

func (c *Crawler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func validateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: %q is not an absolute URL", apperrors.ErrInvalidInput, raw)
	}
	return nil
}

// Crawl returns the content of target followed by the content of up to limit
// pages it links to, in link order. Links back to target are skipped. A linked
// page that fails to scrape is logged and left out; a failure on target itself
// fails the call.
func (c *Crawler) Crawl(ctx context.Context, target string, limit int) ([]string, error) {
	if err := validateURL(target); err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", apperrors.ErrInvalidInput)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	root, err := c.scraper.Scrape(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to scrape %s: %w", target, err)
	}

	links := make([]string, 0, limit)
	for _, link := range root.Links {
		if len(links) == limit {
			break
		}
		if link == target {
			continue
		}
		links = append(links, link)
	}

	pages := make([]*string, len(links))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, link := range links {
		g.Go(func() error {
			page, err := c.scraper.Scrape(ctx, link)
			if err != nil {
				c.logger.Warn("skipping linked page", "link", link, "error", err)
				if c.skipped != nil {
					c.skipped.Inc()
				}
				return nil
			}
			pages[i] = &page.Markdown
			return nil
		})
	}
	_ = g.Wait()

	contents := []string{root.Markdown}
	for _, p := range pages {
		if p != nil {
			contents = append(contents, *p)
		}
	}
	c.logger.Debug("crawl finished", "url", target, "links", len(links), "pages", len(contents))
	return contents, nil
}

// MapLinks returns the links found on target.
func (c *Crawler) MapLinks(ctx context.Context, target string) ([]string, error) {
	if err := validateURL(target); err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	page, err := c.scraper.Scrape(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to scrape %s: %w", target, err)
	}
	if page.Links == nil {
		return []string{}, nil
	}
	return page.Links, nil
}
