package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClaimConflict means the store's atomic claim lost a race; callers
	// treat it as "nothing claimed this round".
	ErrClaimConflict = errors.New("claim conflict")
	// ErrAborted marks a fetch interrupted by worker termination. Nothing is
	// persisted for an aborted fetch.
	ErrAborted = errors.New("fetch aborted")
)

// ErrorKind classifies crawl failures.
type ErrorKind string

// Crawl failure kinds.
const (
	KindBadExtension  ErrorKind = "bad_extension"
	KindInvalidURL    ErrorKind = "invalid_url"
	KindTransport     ErrorKind = "transport"
	KindHTTP          ErrorKind = "http"
	KindRateLimited   ErrorKind = "rate_limited"
	KindRobotsBlocked ErrorKind = "robots_blocked"
	KindNotHTML       ErrorKind = "not_html"
)

// HTTPStatusError is returned by fetchers when the server answered with a
// non-success status.
type HTTPStatusError struct {
	StatusCode int
	Headers    http.Header
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// ErrRobotsBlocked is returned by fetchers when robots.txt disallows a URL.
var ErrRobotsBlocked = errors.New("blocked by robots.txt")

// CrawlError carries enough of a failed fetch for the controller to decide on
// a cooldown.
type CrawlError struct {
	Kind    ErrorKind
	Host    string
	URL     string
	Status  int
	Message string
	Headers http.Header
	Err     error
}

func (e *CrawlError) Error() string {
	return fmt.Sprintf("crawl %s: %s (status %d): %s", e.URL, e.Kind, e.Status, e.Message)
}

func (e *CrawlError) Unwrap() error {
	return e.Err
}

// RateLimited reports whether the failure should put the host on cooldown.
func (e *CrawlError) RateLimited() bool {
	return e.Status == StatusTooManyRequests
}

// RetryAfter returns the server's Retry-After hint, or fallback when the
// header is absent or unparseable.
func (e *CrawlError) RetryAfter(now time.Time, fallback time.Duration) time.Duration {
	if e.Headers == nil {
		return fallback
	}
	return ParseRetryAfter(e.Headers.Get("Retry-After"), now, fallback)
}

// MaxRetryAfter caps any Retry-After hint.
const MaxRetryAfter = 30 * 24 * time.Hour

// ParseRetryAfter accepts delta-seconds or an HTTP date. The result never
// exceeds MaxRetryAfter.
func ParseRetryAfter(value string, now time.Time, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	// ParseInt saturates on overflow and reports ErrRange.
	if sec, err := strconv.ParseInt(value, 10, 64); (err == nil || errors.Is(err, strconv.ErrRange)) && sec >= 0 {
		if sec > int64(MaxRetryAfter/time.Second) {
			return MaxRetryAfter
		}
		return time.Duration(sec) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		switch {
		case d <= 0:
			return 0
		case d > MaxRetryAfter:
			return MaxRetryAfter
		}
		return d
	}
	return fallback
}

// Classify turns a fetch error into a CrawlError. Context cancellation of the
// caller yields ErrAborted instead, since nothing should be recorded.
func Classify(ctx context.Context, rawURL, host string, err error) (*CrawlError, error) {
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrAborted, err)
	}
	ce := &CrawlError{
		Host:    host,
		URL:     rawURL,
		Status:  StatusNoResponse,
		Message: err.Error(),
		Err:     err,
	}
	var statusErr *HTTPStatusError
	var netErr net.Error
	switch {
	case errors.As(err, &statusErr):
		ce.Status = statusErr.StatusCode
		ce.Headers = statusErr.Headers
		ce.Kind = KindHTTP
		if statusErr.StatusCode == StatusTooManyRequests {
			ce.Kind = KindRateLimited
		}
	case errors.Is(err, ErrRobotsBlocked):
		ce.Kind = KindRobotsBlocked
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		ce.Kind = KindTransport
		ce.Message = "timeout: " + err.Error()
	default:
		ce.Kind = KindTransport
	}
	return ce, nil
}
