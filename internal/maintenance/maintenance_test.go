package maintenance

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/frontier-crawler/internal/clock/fake"
	"github.com/JakeFAU/frontier-crawler/internal/crawler"
	"github.com/JakeFAU/frontier-crawler/internal/store/sqlite"
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "crawl.db"), fake.New(testStart))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func savePage(t *testing.T, store *sqlite.Store, id, url string, typ crawler.PageType) {
	t.Helper()
	host, err := crawler.Hostname(url)
	require.NoError(t, err)
	_, err = store.SavePage(context.Background(), crawler.PageRecord{
		ID: id, URL: url, Host: host, Status: 500, Type: typ, FetchedAt: testStart,
	})
	require.NoError(t, err)
}

func TestRetryRequeuesVisitedURL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	savePage(t, store, "p1", "https://a.test/broken", crawler.PageTypeError)

	queued, err := Retry(ctx, store, "https://A.test/broken#x")
	require.NoError(t, err)
	require.True(t, queued)

	visited, err := store.HasPage(ctx, "https://a.test/broken")
	require.NoError(t, err)
	require.False(t, visited)

	queued, err = Retry(ctx, store, "https://a.test/broken")
	require.NoError(t, err)
	require.False(t, queued, "already queued")

	entry, err := store.ClaimNext(ctx, crawler.ClaimFilter{})
	require.NoError(t, err)
	require.Equal(t, "https://a.test/broken", entry.URL)
	require.Equal(t, "a.test", entry.Host)
}

func TestRetryRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	_, err := Retry(context.Background(), newStore(t), "ftp://a.test/file")
	require.Error(t, err)
}

type refetcher struct {
	store    *sqlite.Store
	fail     map[string]bool
	storeErr error
	got      []string
}

func (r *refetcher) RefetchContent(ctx context.Context, page crawler.PageRecord) error {
	r.got = append(r.got, page.URL)
	if r.storeErr != nil {
		return r.storeErr
	}
	if r.fail[page.URL] {
		return &crawler.CrawlError{Kind: crawler.KindHTTP, URL: page.URL, Status: 410, Message: "gone"}
	}
	return r.store.SaveContent(ctx, crawler.RawContent{PageID: page.ID, Data: []byte("<html/>"), ContentHash: "h"})
}

func TestBackfill(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	savePage(t, store, "p1", "https://a.test/one", crawler.PageTypeHTML)
	savePage(t, store, "p2", "https://a.test/two", crawler.PageTypeHTML)
	savePage(t, store, "p3", "https://a.test/err", crawler.PageTypeError)

	fetcher := &refetcher{store: store, fail: map[string]bool{"https://a.test/two": true}}
	report, err := Backfill(context.Background(), store, fetcher, 10, nil)
	require.NoError(t, err)
	require.Equal(t, BackfillReport{Scanned: 2, Stored: 1, Failed: 1}, report)
	require.Equal(t, []string{"https://a.test/one", "https://a.test/two"}, fetcher.got)

	missing, err := store.MissingContent(context.Background(), crawler.ContentCursor{}, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	require.Equal(t, "p2", missing[0].ID)
}

func TestBackfillSkipsPastFailingPages(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	fail := map[string]bool{}
	for i := 1; i <= backfillBatch+2; i++ {
		url := fmt.Sprintf("https://a.test/dead-%03d", i)
		savePage(t, store, fmt.Sprintf("p%03d", i), url, crawler.PageTypeHTML)
		fail[url] = true
	}
	savePage(t, store, "q1", "https://a.test/live-1", crawler.PageTypeHTML)
	savePage(t, store, "q2", "https://a.test/live-2", crawler.PageTypeHTML)
	savePage(t, store, "q3", "https://a.test/live-3", crawler.PageTypeHTML)

	fetcher := &refetcher{store: store, fail: fail}
	report, err := Backfill(context.Background(), store, fetcher, 2, nil)
	require.NoError(t, err)
	require.Equal(t, BackfillReport{Scanned: backfillBatch + 4, Stored: 2, Failed: backfillBatch + 2}, report)
	require.Equal(t, "https://a.test/live-2", fetcher.got[len(fetcher.got)-1])
}

func TestBackfillStopsOnStoreError(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	savePage(t, store, "p1", "https://a.test/one", crawler.PageTypeHTML)
	savePage(t, store, "p2", "https://a.test/two", crawler.PageTypeHTML)

	fetcher := &refetcher{store: store, storeErr: errors.New("disk full")}
	report, err := Backfill(context.Background(), store, fetcher, 10, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")
	require.Equal(t, BackfillReport{Scanned: 1}, report)
}
