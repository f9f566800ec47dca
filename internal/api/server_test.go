package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/frontier-crawler/internal/crawler"
	"github.com/JakeFAU/frontier-crawler/internal/dispatcher"
)

type fakeStore struct {
	mu        sync.Mutex
	pingErr   error
	stats     crawler.Stats
	cooldowns []crawler.CooldownEntry
	deleted   []string
	enqueued  []crawler.Link
}

func (s *fakeStore) Stats(context.Context) (crawler.Stats, error) { return s.stats, s.pingErr }
func (s *fakeStore) Ping(context.Context) error                   { return s.pingErr }

func (s *fakeStore) Active(context.Context) ([]crawler.CooldownEntry, error) {
	return s.cooldowns, s.pingErr
}

func (s *fakeStore) DeletePage(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, url)
	return crawler.ErrNotFound
}

func (s *fakeStore) Enqueue(_ context.Context, links []crawler.Link) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = append(s.enqueued, links...)
	return len(links), nil
}

type fakeController struct {
	mu      sync.Mutex
	stopped bool
	state   dispatcher.State
	summary dispatcher.Summary
}

func (c *fakeController) State() dispatcher.State     { return c.state }
func (c *fakeController) Summary() dispatcher.Summary { return c.summary }

func (c *fakeController) Shutdown() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

func serve(t *testing.T, s *Server, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	s := NewServer(store, nil, "", zap.NewNop())

	rec := serve(t, s, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(t, s, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	down := NewServer(&fakeStore{pingErr: errors.New("down")}, nil, "", nil)
	rec = serve(t, down, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeStore{}, nil, "", nil)
	serve(t, s, http.MethodGet, "/healthz", nil, nil)
	rec := serve(t, s, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestStatus(t *testing.T) {
	t.Parallel()

	store := &fakeStore{stats: crawler.Stats{FrontierTotal: 4, FrontierClaimed: 2, Pages: 10, ActiveCooldowns: 1}}
	ctl := &fakeController{state: dispatcher.StateRunning, summary: dispatcher.Summary{Processed: 7, Failed: 1}}
	s := NewServer(store, ctl, "", nil)

	rec := serve(t, s, http.MethodGet, "/v1/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, dispatcher.StateRunning, got.State)
	require.Equal(t, int64(10), got.Stats.Pages)
	require.Equal(t, 7, got.Summary.Processed)
}

func TestStatusWithoutController(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(&fakeStore{}, nil, "", nil), http.MethodGet, "/v1/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"state":"idle"`)
}

func TestCooldowns(t *testing.T) {
	t.Parallel()

	expire := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	store := &fakeStore{cooldowns: []crawler.CooldownEntry{{Host: "a.test", ExpireAt: expire}}}
	rec := serve(t, NewServer(store, nil, "", nil), http.MethodGet, "/v1/cooldowns", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Cooldowns []crawler.CooldownEntry `json:"cooldowns"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Cooldowns, 1)
	require.Equal(t, "a.test", got.Cooldowns[0].Host)
	require.True(t, expire.Equal(got.Cooldowns[0].ExpireAt))

	rec = serve(t, NewServer(&fakeStore{}, nil, "", nil), http.MethodGet, "/v1/cooldowns", nil, nil)
	require.JSONEq(t, `{"cooldowns":[]}`, rec.Body.String())
}

func TestRetry(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	s := NewServer(store, nil, "", nil)

	rec := serve(t, s, http.MethodPost, "/v1/retry", []byte(`{"url":"https://a.test/page#frag"}`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"https://a.test/page"}, store.deleted)
	require.Equal(t, []crawler.Link{{URL: "https://a.test/page", Host: "a.test"}}, store.enqueued)

	rec = serve(t, s, http.MethodPost, "/v1/retry", []byte(`{}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, s, http.MethodPost, "/v1/retry", []byte(`{"url":"mailto:x@a.test"}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	ctl := &fakeController{state: dispatcher.StateRunning}
	rec := serve(t, NewServer(&fakeStore{}, ctl, "", nil), http.MethodPost, "/v1/shutdown", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, ctl.stopped)

	rec = serve(t, NewServer(&fakeStore{}, nil, "", nil), http.MethodPost, "/v1/shutdown", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPIKey(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeStore{}, nil, "secret", nil)

	rec := serve(t, s, http.MethodGet, "/v1/status", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(t, s, http.MethodGet, "/v1/status", nil, map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, s, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, "probes stay open")
}

func TestListenAndServeStopsWithContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(&fakeStore{}, nil, "", nil).ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
