package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/frontier-crawler/internal/crawler"
	"github.com/JakeFAU/frontier-crawler/internal/processor"
)

type processFunc func(ctx context.Context, url string) (processor.Result, error)

func (f processFunc) Process(ctx context.Context, url string) (processor.Result, error) {
	return f(ctx, url)
}

func entry(url string) crawler.FrontierEntry {
	return crawler.FrontierEntry{URL: url, Host: "a.test"}
}

func TestResultFor(t *testing.T) {
	t.Parallel()

	rateLimited := &crawler.CrawlError{Kind: crawler.KindRateLimited, Status: http.StatusTooManyRequests}
	tests := []struct {
		name string
		res  processor.Result
		err  error
		want Outcome
	}{
		{name: "success", res: processor.Result{Enqueued: 2}, want: OutcomeSuccess},
		{name: "superseded", res: processor.Result{Superseded: true}, want: OutcomeSuperseded},
		{name: "crawl error", err: fmt.Errorf("wrapped: %w", rateLimited), want: OutcomeFailed},
		{name: "aborted", err: fmt.Errorf("%w: context canceled", crawler.ErrAborted), want: OutcomeAborted},
		{name: "store", err: errors.New("connection refused"), want: OutcomeStoreError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ResultFor("https://a.test/", "a.test", tc.res, tc.err)
			require.Equal(t, tc.want, got.Outcome)
			require.Equal(t, "a.test", got.Host)
			if tc.want == OutcomeFailed {
				require.Same(t, rateLimited, got.CrawlErr)
			}
		})
	}
}

func TestPoolAdmissionControl(t *testing.T) {
	t.Parallel()

	pool := NewPool(processFunc(func(context.Context, string) (processor.Result, error) {
		return processor.Result{}, nil
	}), 2, zap.NewNop())

	require.True(t, pool.Reserve())
	require.True(t, pool.Reserve())
	require.False(t, pool.Reserve(), "limit reached")
	require.Equal(t, 2, pool.Outstanding())

	pool.Unreserve()
	require.Equal(t, 1, pool.Outstanding())
	require.True(t, pool.Reserve())
}

func TestPoolDeliversResults(t *testing.T) {
	t.Parallel()

	pool := NewPool(processFunc(func(_ context.Context, url string) (processor.Result, error) {
		return processor.Result{Enqueued: len(url)}, nil
	}), 1, nil)

	require.True(t, pool.Reserve())
	pool.Spawn(entry("https://a.test/x"))
	require.False(t, pool.Reserve(), "slot held until the result is consumed")

	select {
	case res := <-pool.Results():
		require.Equal(t, OutcomeSuccess, res.Outcome)
		require.Equal(t, "https://a.test/x", res.URL)
		require.Equal(t, int64(1), res.WorkerID)
	case <-time.After(time.Second):
		t.Fatal("no result")
	}
	pool.Done()
	require.Zero(t, pool.Outstanding())
	require.True(t, pool.Reserve())
}

func TestPoolTerminateAll(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	pool := NewPool(processFunc(func(ctx context.Context, _ string) (processor.Result, error) {
		close(started)
		<-ctx.Done()
		return processor.Result{}, fmt.Errorf("%w: %v", crawler.ErrAborted, ctx.Err())
	}), 3, nil)

	require.True(t, pool.Reserve())
	pool.Spawn(entry("https://a.test/slow"))
	<-started
	require.False(t, pool.Wait(20*time.Millisecond), "worker still running")

	pool.TerminateAll()
	require.True(t, pool.Wait(time.Second))
	res := <-pool.Results()
	require.Equal(t, OutcomeAborted, res.Outcome)
	require.ErrorIs(t, res.Err, crawler.ErrAborted)
	require.False(t, pool.Reserve(), "terminated pool admits nothing")
}

func TestPoolRecoversPanics(t *testing.T) {
	t.Parallel()

	pool := NewPool(processFunc(func(context.Context, string) (processor.Result, error) {
		panic("boom")
	}), 1, nil)

	require.True(t, pool.Reserve())
	pool.Spawn(entry("https://a.test/"))
	res := <-pool.Results()
	require.Equal(t, OutcomeAborted, res.Outcome)
	require.ErrorIs(t, res.Err, crawler.ErrAborted)
}
