package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/frontier-crawler/internal/crawler"
)

func TestNewValidatesParallelism(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1})
	require.Error(t, err)

	fetcher, err := New(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer fetcher.Close()
	require.NotNil(t, fetcher.slots)
	require.Equal(t, defaultNavigationTimeout, fetcher.cfg.NavigationTimeout)

	unlimited, err := New(Config{NavigationTimeout: time.Second})
	require.NoError(t, err)
	defer unlimited.Close()
	require.Nil(t, unlimited.slots)
	require.Equal(t, time.Second, unlimited.cfg.NavigationTimeout)
}

func TestFetchHonorsCanceledSlotWait(t *testing.T) {
	t.Parallel()

	fetcher, err := New(Config{MaxParallel: 1})
	require.NoError(t, err)
	defer fetcher.Close()
	require.True(t, fetcher.slots.TryAcquire(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = fetcher.Fetch(ctx, crawlerRequest("https://example.com"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	netHeaders := toNetworkHeaders(http.Header{"X-Test": {"a", "b"}, "X-One": {"c"}, "X-Empty": {}})
	require.Equal(t, []string{"a", "b"}, netHeaders["X-Test"])
	require.Equal(t, "c", netHeaders["X-One"])
	require.NotContains(t, netHeaders, "X-Empty")
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  429,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"Retry-After": "30"},
		},
	})
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://ads.example.com/frame"},
	})
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://example.com/app.js"},
	})

	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 429, status)
	require.Equal(t, "30", headers.Get("Retry-After"))
	require.Equal(t, "https://example.com/rendered", url)

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)

	_, _, url = newResponseMeta().snapshotWithFallbacks("https://req", "")
	require.Equal(t, "https://req", url)
}

func crawlerRequest(url string) crawler.FetchRequest {
	return crawler.FetchRequest{URL: url}
}
