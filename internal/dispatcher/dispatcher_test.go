package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/frontier-crawler/internal/clock/fake"
	"github.com/JakeFAU/frontier-crawler/internal/crawler"
	"github.com/JakeFAU/frontier-crawler/internal/hash/sha256"
	"github.com/JakeFAU/frontier-crawler/internal/id/uuid"
	"github.com/JakeFAU/frontier-crawler/internal/processor"
	"github.com/JakeFAU/frontier-crawler/internal/store/sqlite"
	"github.com/JakeFAU/frontier-crawler/internal/worker"
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// siteFetcher serves canned pages; unknown URLs answer 404.
type siteFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	errs  map[string]error
	hits  map[string]int
}

func newSiteFetcher() *siteFetcher {
	return &siteFetcher{pages: map[string]string{}, errs: map[string]error{}, hits: map[string]int{}}
}

func (f *siteFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return crawler.FetchResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits[req.URL]++
	if err, ok := f.errs[req.URL]; ok {
		return crawler.FetchResponse{}, err
	}
	body, ok := f.pages[req.URL]
	if !ok {
		return crawler.FetchResponse{}, &crawler.HTTPStatusError{StatusCode: http.StatusNotFound}
	}
	resp := crawler.FetchResponse{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"text/html"}},
	}
	if req.Method == http.MethodGet {
		resp.Body = []byte(body)
	}
	return resp, nil
}

func (f *siteFetcher) Hits(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[url]
}

type fixture struct {
	store   *sqlite.Store
	clock   *fake.Clock
	fetcher *siteFetcher
	proc    *processor.Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := fake.New(testStart)
	store, err := sqlite.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "crawl.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	fetcher := newSiteFetcher()
	proc, err := processor.New(processor.Deps{
		Store:   store,
		Fetcher: fetcher,
		Hasher:  sha256.New(),
		Clock:   clk,
		IDs:     uuid.New(),
	}, processor.Config{}, zap.NewNop())
	require.NoError(t, err)
	return &fixture{store: store, clock: clk, fetcher: fetcher, proc: proc}
}

func (f *fixture) controller(cfg Config, proc worker.Processor) *Controller {
	if proc == nil {
		proc = f.proc
	}
	if cfg.IdleBackoff == 0 {
		cfg.IdleBackoff = 5 * time.Millisecond
	}
	return New(f.store, f.proc, worker.NewPool(proc, 4, zap.NewNop()), f.clock, cfg, zap.NewNop())
}

func (f *fixture) enqueue(t *testing.T, urls ...string) {
	t.Helper()
	var links []crawler.Link
	for _, u := range urls {
		host, err := crawler.Hostname(u)
		require.NoError(t, err)
		links = append(links, crawler.Link{URL: u, Host: host})
	}
	_, err := f.store.Enqueue(context.Background(), links)
	require.NoError(t, err)
}

func (f *fixture) stats(t *testing.T) crawler.Stats {
	t.Helper()
	stats, err := f.store.Stats(context.Background())
	require.NoError(t, err)
	return stats
}

type runResult struct {
	summary Summary
	err     error
}

func start(ctl *Controller) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		summary, err := ctl.Run(context.Background())
		done <- runResult{summary, err}
	}()
	return done
}

func wait(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop")
		return runResult{}
	}
}

func TestSeedingPopulatesFrontier(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fetcher.pages["https://a.test/"] = `<a href="https://a.test/x">x</a><a href="https://b.test/y">y</a>`

	ctl := f.controller(Config{Start: "https://a.test/"}, nil)
	ctl.Shutdown()
	summary, err := ctl.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, summary.ExitCode())
	require.Equal(t, StateStopped, ctl.State())

	page, err := f.store.GetPage(context.Background(), "https://a.test/")
	require.NoError(t, err)
	require.Equal(t, crawler.PageTypeHTML, page.Type)

	stats := f.stats(t)
	require.Equal(t, int64(1), stats.Pages)
	require.Equal(t, int64(2), stats.FrontierTotal)
	require.Zero(t, stats.FrontierClaimed)
}

func TestCrawlVisitsEveryDiscoveredURLOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fetcher.pages["https://a.test/"] = `<a href="/x">x</a><a href="https://b.test/y">y</a>`
	f.fetcher.pages["https://a.test/x"] = `<a href="/">home</a><a href="https://b.test/y">y</a>`
	f.fetcher.pages["https://b.test/y"] = `<a href="https://a.test/x">x</a>`

	ctl := f.controller(Config{Start: "https://a.test/"}, nil)
	done := start(ctl)

	require.Eventually(t, func() bool {
		s := f.stats(t)
		return s.Pages == 3 && s.FrontierTotal == 0
	}, 5*time.Second, 10*time.Millisecond)
	ctl.Shutdown()

	res := wait(t, done)
	require.NoError(t, res.err)
	require.False(t, res.summary.Forced)
	require.Equal(t, 3, res.summary.Processed)
	for _, u := range []string{"https://a.test/", "https://a.test/x", "https://b.test/y"} {
		require.Equal(t, 2, f.fetcher.Hits(u), "one HEAD and one GET for %s", u)
	}
}

func TestRateLimitedHostGoesOnCooldown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fetcher.errs["https://a.test/busy"] = &crawler.HTTPStatusError{
		StatusCode: http.StatusTooManyRequests,
		Headers:    http.Header{"Retry-After": []string{"120"}},
	}
	f.fetcher.pages["https://a.test/later"] = `<p>later</p>`
	f.enqueue(t, "https://a.test/busy")

	ctl := f.controller(Config{}, nil)
	done := start(ctl)
	require.Eventually(t, func() bool {
		hosts, err := f.store.ActiveHosts(context.Background())
		return err == nil && len(hosts) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Same host, queued after the 429: must wait for the cooldown.
	f.enqueue(t, "https://a.test/later")
	require.Eventually(t, func() bool { return f.stats(t).FrontierTotal == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.Zero(t, f.fetcher.Hits("https://a.test/later"))

	ctl.Shutdown()
	res := wait(t, done)
	require.NoError(t, res.err)
	require.Equal(t, 1, res.summary.Failed)
	require.Equal(t, 1, res.summary.Cooldowns)

	page, err := f.store.GetPage(context.Background(), "https://a.test/busy")
	require.NoError(t, err)
	require.Equal(t, crawler.PageTypeError, page.Type)
	require.Equal(t, http.StatusTooManyRequests, page.Status)

	active, err := f.store.Active(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "a.test", active[0].Host)
	require.Equal(t, testStart.Add(120*time.Second), active[0].ExpireAt)

	entry, err := f.store.ClaimNext(context.Background(), crawler.ClaimFilter{})
	require.NoError(t, err)
	require.Equal(t, "https://a.test/later", entry.URL, "busy entry removed, later entry kept")
}

func TestLimitToRestrictsClaims(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fetcher.pages["https://b.test/"] = `<p>b</p>`
	f.enqueue(t, "https://a.test/", "https://b.test/")

	ctl := f.controller(Config{LimitTo: "b.test"}, nil)
	done := start(ctl)
	require.Eventually(t, func() bool { return f.stats(t).Pages == 1 }, 5*time.Second, 10*time.Millisecond)
	ctl.Shutdown()
	require.NoError(t, wait(t, done).err)

	require.Zero(t, f.fetcher.Hits("https://a.test/"))
	require.Equal(t, int64(1), f.stats(t).FrontierTotal)
}

func TestStartupReleasesStaleClaims(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fetcher.pages["https://a.test/orphan"] = `<p>orphan</p>`
	f.enqueue(t, "https://a.test/orphan")
	claimed, err := f.store.ClaimNext(context.Background(), crawler.ClaimFilter{})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	ctl := f.controller(Config{}, nil)
	done := start(ctl)
	require.Eventually(t, func() bool { return f.stats(t).Pages == 1 }, 5*time.Second, 10*time.Millisecond)
	ctl.Shutdown()
	require.NoError(t, wait(t, done).err)
}

type blockingProcessor struct {
	started chan string
}

func (b *blockingProcessor) Process(ctx context.Context, url string) (processor.Result, error) {
	b.started <- url
	<-ctx.Done()
	return processor.Result{}, fmt.Errorf("%w: %v", crawler.ErrAborted, ctx.Err())
}

func TestDrainTimeoutForcesTermination(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enqueue(t, "https://a.test/slow")
	blocker := &blockingProcessor{started: make(chan string, 1)}

	ctl := f.controller(Config{DrainTimeout: 20 * time.Millisecond, KillGrace: time.Second}, blocker)
	done := start(ctl)
	require.Equal(t, "https://a.test/slow", <-blocker.started)

	ctl.Shutdown()
	res := wait(t, done)
	require.NoError(t, res.err)
	require.True(t, res.summary.Forced)
	require.Equal(t, 1, res.summary.ExitCode())
	require.Equal(t, int64(1), res.summary.Released)

	stats := f.stats(t)
	require.Equal(t, int64(1), stats.FrontierTotal, "aborted entry stays in the frontier")
	require.Zero(t, stats.FrontierClaimed, "and is released for the next run")
	require.Zero(t, stats.Pages)
}

// stubbornProcessor ignores termination until release is closed.
type stubbornProcessor struct {
	started chan string
	release chan struct{}
}

func (b *stubbornProcessor) Process(_ context.Context, url string) (processor.Result, error) {
	b.started <- url
	<-b.release
	return processor.Result{}, crawler.ErrAborted
}

func TestStopIsBoundedWhenWorkerIgnoresTermination(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enqueue(t, "https://a.test/stuck")
	stuck := &stubbornProcessor{started: make(chan string, 1), release: make(chan struct{})}
	t.Cleanup(func() { close(stuck.release) })

	ctl := f.controller(Config{DrainTimeout: 20 * time.Millisecond, KillGrace: 50 * time.Millisecond}, stuck)
	done := start(ctl)
	require.Equal(t, "https://a.test/stuck", <-stuck.started)

	ctl.Shutdown()
	res := wait(t, done)
	require.NoError(t, res.err)
	require.True(t, res.summary.Forced)
	require.Equal(t, int64(1), res.summary.Released)
	require.Equal(t, StateStopped, ctl.State())
}

func TestContextCancelDrainsGracefully(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	ctl := f.controller(Config{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := ctl.Run(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return ctl.State() == StateRunning }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop")
	}
	require.Equal(t, StateStopped, ctl.State())
}

type failingProcessor struct{}

func (failingProcessor) Process(context.Context, string) (processor.Result, error) {
	return processor.Result{}, errors.New("database unreachable")
}

func TestStoreFailureStopsCrawl(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enqueue(t, "https://a.test/")

	ctl := f.controller(Config{}, failingProcessor{})
	res := wait(t, start(ctl))
	require.Error(t, res.err)
	require.Equal(t, int64(1), f.stats(t).FrontierTotal, "entry kept for the next run")
	require.Zero(t, f.stats(t).FrontierClaimed)
}

func TestStoreUnavailableAtStartup(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.store.Close())

	_, err := f.controller(Config{}, nil).Run(context.Background())
	require.Error(t, err)
}

func TestSummaryExitCode(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, Summary{}.ExitCode())
	require.Equal(t, 1, Summary{Forced: true}.ExitCode())
}
