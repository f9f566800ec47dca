// Package maintenance holds operator actions that run outside the crawl
// loop: explicit retry of a visited URL and content backfill.
package maintenance

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/frontier-crawler/internal/crawler"
)

// RetryStore is what Retry needs from the durable store.
type RetryStore interface {
	DeletePage(ctx context.Context, url string) error
	Enqueue(ctx context.Context, links []crawler.Link) (int, error)
}

// Retry forgets the page recorded for rawURL and puts the URL back on the
// frontier. It reports whether a new frontier entry was created; false means
// the URL was already queued.
func Retry(ctx context.Context, store RetryStore, rawURL string) (bool, error) {
	target, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false, fmt.Errorf("retry %q: %w", rawURL, err)
	}
	host, err := crawler.Hostname(target)
	if err != nil {
		return false, fmt.Errorf("retry %q: %w", rawURL, err)
	}
	if err := store.DeletePage(ctx, target); err != nil && !errors.Is(err, crawler.ErrNotFound) {
		return false, fmt.Errorf("delete page: %w", err)
	}
	n, err := store.Enqueue(ctx, []crawler.Link{{URL: target, Host: host}})
	if err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}
	return n > 0, nil
}

// ContentFetcher re-downloads a page body. Per-page fetch failures are
// reported as *crawler.CrawlError.
type ContentFetcher interface {
	RefetchContent(ctx context.Context, page crawler.PageRecord) error
}

const backfillBatch = 50

// BackfillReport summarizes a Backfill run.
type BackfillReport struct {
	Scanned int `json:"scanned"`
	Stored  int `json:"stored"`
	Failed  int `json:"failed"`
}

// Backfill refetches bodies of html pages that have no stored content until
// limit pages are stored or the backlog is exhausted. The scan walks the
// backlog once, so pages that keep failing do not hold back newer ones.
// Per-page fetch failures are logged and counted; store errors and
// cancellation abort the run.
func Backfill(
	ctx context.Context,
	store crawler.PageStore,
	fetcher ContentFetcher,
	limit int,
	logger *zap.Logger,
) (BackfillReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = 100
	}
	var (
		report BackfillReport
		cursor crawler.ContentCursor
	)
	for report.Stored < limit {
		pages, err := store.MissingContent(ctx, cursor, backfillBatch)
		if err != nil {
			return report, fmt.Errorf("list pages missing content: %w", err)
		}
		if len(pages) == 0 {
			break
		}
		for _, page := range pages {
			if report.Stored >= limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return report, err
			}
			cursor = crawler.CursorAfter(page)
			report.Scanned++

			err := fetcher.RefetchContent(ctx, page)
			var ce *crawler.CrawlError
			switch {
			case err == nil:
				report.Stored++
			case errors.As(err, &ce):
				report.Failed++
				logger.Warn("backfill failed",
					zap.String("url", page.URL),
					zap.String("kind", string(ce.Kind)),
					zap.Int("status", ce.Status),
				)
			default:
				return report, fmt.Errorf("backfill %s: %w", page.URL, err)
			}
		}
	}
	return report, nil
}
