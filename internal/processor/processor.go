// Package processor fetches one URL, classifies the response and records
// exactly one page for it.
package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/frontier-crawler/internal/crawler"
	"github.com/JakeFAU/frontier-crawler/internal/metrics"
	"github.com/JakeFAU/frontier-crawler/internal/storage"
	"github.com/JakeFAU/frontier-crawler/internal/telemetry"
)

const defaultContentType = "text/html; charset=utf-8"

// Store is the slice of the durable store the processor touches.
type Store interface {
	crawler.PageStore
	Enqueue(ctx context.Context, links []crawler.Link) (int, error)
}

// Config controls Processor behavior.
type Config struct {
	BadExtensions []string
	// Topic receives a PageEvent for every stored html page.
	Topic string
	// ContentType is used when writing bodies to the blob store.
	ContentType string
}

// Deps are the collaborators a Processor needs. Store, Fetcher, Hasher, Clock
// and IDs are required; the rest may be nil.
type Deps struct {
	Store     Store
	Fetcher   crawler.Fetcher
	Headless  crawler.Fetcher
	Detector  crawler.HeadlessDetector
	Policy    crawler.Policy
	Blobs     crawler.BlobStore
	Publisher crawler.Publisher
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
}

// Result is what one Process call produced.
type Result struct {
	Page  crawler.PageRecord
	Links []crawler.Link
	// Enqueued counts links that were new to the frontier.
	Enqueued int
	// Superseded is set when a page for the URL already existed, so nothing
	// was fetched or written.
	Superseded bool
}

// Processor implements the fetch, classify and persist pipeline.
type Processor struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Processor.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Processor, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("processor requires a store")
	case deps.Fetcher == nil:
		return nil, errors.New("processor requires a fetcher")
	case deps.Hasher == nil, deps.Clock == nil, deps.IDs == nil:
		return nil, errors.New("processor requires a hasher, clock and id generator")
	}
	if cfg.BadExtensions == nil {
		cfg.BadExtensions = crawler.DefaultBadExtensions
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{deps: deps, cfg: cfg, logger: logger}, nil
}

// Process handles one URL. Fetch failures are recorded as an error page and
// returned as *crawler.CrawlError. A cancelled ctx yields crawler.ErrAborted
// with nothing written. Any other error comes from the store and means no
// progress is possible.
func (p *Processor) Process(ctx context.Context, rawURL string) (Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "processor.Process",
		trace.WithAttributes(attribute.String("crawler.url", rawURL)))
	defer span.End()

	pageURL, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		host, _ := crawler.Hostname(rawURL)
		return Result{}, p.recordFailure(ctx, rawURL, &crawler.CrawlError{
			Kind:    crawler.KindInvalidURL,
			Host:    host,
			URL:     rawURL,
			Status:  crawler.StatusNoResponse,
			Message: err.Error(),
			Err:     err,
		})
	}
	host, err := crawler.Hostname(pageURL)
	if err != nil {
		return Result{}, fmt.Errorf("derive host: %w", err)
	}

	visited, err := p.deps.Store.HasPage(ctx, pageURL)
	if err != nil {
		return Result{}, p.storeErr(ctx, "check page", err)
	}
	if visited {
		return p.requeueLinks(ctx, pageURL)
	}

	if crawler.HasBadExtension(pageURL, p.cfg.BadExtensions) {
		return Result{}, p.recordFailure(ctx, pageURL, &crawler.CrawlError{
			Kind:    crawler.KindBadExtension,
			Host:    host,
			URL:     pageURL,
			Status:  crawler.StatusNoResponse,
			Message: "filtered by file extension",
		})
	}

	if p.deps.Policy != nil {
		if err := p.deps.Policy.Wait(ctx, pageURL); err != nil {
			return Result{}, fmt.Errorf("%w: %v", crawler.ErrAborted, err)
		}
	}

	probe, err := p.fetch(ctx, pageURL, http.MethodHead)
	switch {
	case err == nil:
		if ct := probe.ContentType(); ct != "" && !crawler.IsHTML(ct) {
			return p.recordOther(ctx, pageURL, host, probe.StatusCode)
		}
	case headUnsupported(err):
		p.logger.Debug("head not supported, falling back to get", zap.String("url", pageURL))
	default:
		return Result{}, p.classify(ctx, pageURL, host, err)
	}

	resp, err := p.fetch(ctx, pageURL, http.MethodGet)
	if err != nil {
		return Result{}, p.classify(ctx, pageURL, host, err)
	}
	if !crawler.IsHTML(resp.ContentType()) {
		return p.recordOther(ctx, pageURL, host, resp.StatusCode)
	}
	resp = p.maybePromote(ctx, pageURL, resp)
	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("%w: %v", crawler.ErrAborted, ctx.Err())
	}

	return p.persistHTML(ctx, pageURL, host, resp)
}

// RefetchContent downloads the body of an already recorded html page and
// stores it. The page record itself is left untouched. Fetch failures come
// back as *crawler.CrawlError; any other error is from the store.
func (p *Processor) RefetchContent(ctx context.Context, page crawler.PageRecord) error {
	resp, err := p.fetch(ctx, page.URL, http.MethodGet)
	if err != nil {
		ce, abortErr := crawler.Classify(ctx, page.URL, page.Host, err)
		if abortErr != nil {
			return abortErr
		}
		return ce
	}
	if ct := resp.ContentType(); !crawler.IsHTML(ct) {
		return &crawler.CrawlError{
			Kind:    crawler.KindNotHTML,
			Host:    page.Host,
			URL:     page.URL,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("content type %q is not html", ct),
		}
	}
	_, err = p.saveContent(ctx, page, resp.Body)
	return err
}

func (p *Processor) fetch(ctx context.Context, pageURL, method string) (crawler.FetchResponse, error) {
	resp, err := p.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{URL: pageURL, Method: method})
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if method == http.MethodGet {
		metrics.ObserveFetch(pageURL, false, len(resp.Body), resp.Duration)
	}
	return resp, nil
}

func (p *Processor) maybePromote(ctx context.Context, pageURL string, resp crawler.FetchResponse) crawler.FetchResponse {
	if p.deps.Detector == nil || p.deps.Headless == nil || !p.deps.Detector.ShouldPromote(resp) {
		return resp
	}
	rendered, err := p.deps.Headless.Fetch(ctx, crawler.FetchRequest{URL: pageURL, Method: http.MethodGet})
	if err != nil {
		p.logger.Warn("headless promotion failed", zap.String("url", pageURL), zap.Error(err))
		return resp
	}
	rendered.UsedHeadless = true
	metrics.ObserveFetch(pageURL, true, len(rendered.Body), rendered.Duration)
	p.logger.Debug("headless promotion applied", zap.String("url", pageURL))
	return rendered
}

func (p *Processor) persistHTML(
	ctx context.Context,
	pageURL, host string,
	resp crawler.FetchResponse,
) (Result, error) {
	links, err := ExtractLinks(resp.Body, pageURL, resp.URL)
	if err != nil {
		p.logger.Warn("link extraction failed", zap.String("url", pageURL), zap.Error(err))
	}

	page, inserted, err := p.savePage(ctx, crawler.PageRecord{
		URL:    pageURL,
		Host:   host,
		Status: resp.StatusCode,
		Type:   crawler.PageTypeHTML,
		Links:  links,
	})
	if err != nil {
		return Result{}, err
	}
	if !inserted {
		return Result{Superseded: true}, nil
	}

	// The page is now the visited marker; its content and links must land
	// even if the worker is terminated from here on.
	committed := context.WithoutCancel(ctx)
	content, err := p.saveContent(committed, page, resp.Body)
	if err != nil {
		return Result{}, err
	}

	enqueued, err := p.deps.Store.Enqueue(committed, links)
	if err != nil {
		return Result{}, p.storeErr(committed, "enqueue links", err)
	}
	metrics.ObserveEnqueued(enqueued)

	p.publish(ctx, page, content, resp.UsedHeadless)
	p.logger.Debug("page stored",
		zap.String("url", pageURL),
		zap.Int("status", resp.StatusCode),
		zap.Int("links", len(links)),
		zap.Int("enqueued", enqueued),
	)
	return Result{Page: page, Links: links, Enqueued: enqueued}, nil
}

// requeueLinks re-offers the links of an already recorded html page. A
// process that died between saving the page and enqueueing its links leaves
// them only on the page record.
func (p *Processor) requeueLinks(ctx context.Context, pageURL string) (Result, error) {
	page, err := p.deps.Store.GetPage(ctx, pageURL)
	if err != nil {
		return Result{}, p.storeErr(ctx, "load page", err)
	}
	if page.Type != crawler.PageTypeHTML || len(page.Links) == 0 {
		return Result{Page: page, Superseded: true}, nil
	}
	enqueued, err := p.deps.Store.Enqueue(ctx, page.Links)
	if err != nil {
		return Result{}, p.storeErr(ctx, "requeue links", err)
	}
	if enqueued > 0 {
		metrics.ObserveEnqueued(enqueued)
		p.logger.Info("requeued links of recorded page", zap.String("url", pageURL), zap.Int("enqueued", enqueued))
	}
	return Result{Page: page, Links: page.Links, Enqueued: enqueued, Superseded: true}, nil
}

func (p *Processor) saveContent(ctx context.Context, page crawler.PageRecord, body []byte) (crawler.RawContent, error) {
	hash, err := p.deps.Hasher.Hash(body)
	if err != nil {
		return crawler.RawContent{}, fmt.Errorf("hash body: %w", err)
	}
	content := crawler.RawContent{PageID: page.ID, ContentHash: hash}
	if p.deps.Blobs != nil {
		uri, err := p.deps.Blobs.PutObject(ctx, storage.PagePath(page.Host, page.ID), p.cfg.ContentType, bytes.NewReader(body))
		if err != nil {
			return crawler.RawContent{}, p.storeErr(ctx, "put object", err)
		}
		content.BlobURI = uri
	} else {
		content.Data = body
	}
	if err := p.deps.Store.SaveContent(ctx, content); err != nil {
		return crawler.RawContent{}, p.storeErr(ctx, "save content", err)
	}
	return content, nil
}

func (p *Processor) publish(ctx context.Context, page crawler.PageRecord, content crawler.RawContent, headless bool) {
	if p.deps.Publisher == nil || p.cfg.Topic == "" {
		return
	}
	ev := crawler.PageEvent{
		PageID:    page.ID,
		URL:       page.URL,
		Host:      page.Host,
		Status:    page.Status,
		Type:      page.Type,
		LinkCount: len(page.Links),
		BlobURI:   content.BlobURI,
		Hash:      content.ContentHash,
		FetchedAt: page.FetchedAt,
		Headless:  headless,
	}
	if _, err := p.deps.Publisher.Publish(ctx, p.cfg.Topic, ev); err != nil {
		metrics.ObservePageEvent("error")
		p.logger.Warn("publish page event failed", zap.String("url", page.URL), zap.Error(err))
		return
	}
	metrics.ObservePageEvent("ok")
}

func (p *Processor) recordOther(ctx context.Context, pageURL, host string, status int) (Result, error) {
	page, inserted, err := p.savePage(ctx, crawler.PageRecord{
		URL:    pageURL,
		Host:   host,
		Status: status,
		Type:   crawler.PageTypeOther,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Page: page, Superseded: !inserted}, nil
}

func (p *Processor) classify(ctx context.Context, pageURL, host string, err error) error {
	ce, abortErr := crawler.Classify(ctx, pageURL, host, err)
	if abortErr != nil {
		return abortErr
	}
	return p.recordFailure(ctx, pageURL, ce)
}

// recordFailure writes the error page and returns ce, or the store error
// when the write failed.
func (p *Processor) recordFailure(ctx context.Context, pageURL string, ce *crawler.CrawlError) error {
	_, _, err := p.savePage(ctx, crawler.PageRecord{
		URL:     pageURL,
		Host:    ce.Host,
		Status:  ce.Status,
		Type:    crawler.PageTypeError,
		Message: ce.Message,
	})
	if err != nil {
		return err
	}
	p.logger.Info("crawl failed",
		zap.String("url", pageURL),
		zap.String("kind", string(ce.Kind)),
		zap.Int("status", ce.Status),
	)
	return ce
}

func (p *Processor) savePage(ctx context.Context, page crawler.PageRecord) (crawler.PageRecord, bool, error) {
	if ctx.Err() != nil {
		return page, false, fmt.Errorf("%w: %v", crawler.ErrAborted, ctx.Err())
	}
	id, err := p.deps.IDs.NewID()
	if err != nil {
		return page, false, fmt.Errorf("page id: %w", err)
	}
	page.ID = id
	page.FetchedAt = p.deps.Clock.Now()
	inserted, err := p.deps.Store.SavePage(ctx, page)
	if err != nil {
		return page, false, p.storeErr(ctx, "save page", err)
	}
	if inserted {
		metrics.ObservePage(string(page.Type), page.Status)
	}
	return page, inserted, nil
}

func (p *Processor) storeErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %v", crawler.ErrAborted, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func headUnsupported(err error) bool {
	var statusErr *crawler.HTTPStatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.StatusCode == http.StatusMethodNotAllowed || statusErr.StatusCode == http.StatusNotImplemented
}
