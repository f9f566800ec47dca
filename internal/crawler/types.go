package crawler

import (
	"net/http"
	"time"
)

// PageType classifies the outcome persisted for a visited URL.
type PageType string

// Page types persisted in the page store.
const (
	PageTypeHTML  PageType = "html"
	PageTypeError PageType = "error"
	PageTypeOther PageType = "other"
)

// StatusNoResponse is recorded when no HTTP status was obtained (filtered URL,
// DNS/connection failure, timeout).
const StatusNoResponse = -100

// StatusTooManyRequests is the rate-limit signal that puts a host on cooldown.
const StatusTooManyRequests = http.StatusTooManyRequests

// DefaultCooldown applies when a rate-limited response carries no Retry-After hint.
const DefaultCooldown = 3600 * time.Second

// FrontierEntry is a discovered-but-unvisited URL.
type FrontierEntry struct {
	ID           int64     `json:"id"`
	URL          string    `json:"url"`
	Host         string    `json:"host"`
	DiscoveredAt time.Time `json:"discovered_at"`
	Claimed      bool      `json:"claimed"`
}

// Link is an outbound anchor found on a page.
type Link struct {
	SourceURL  string `json:"sourceUrl"`
	SourceHost string `json:"sourceHost"`
	Host       string `json:"host"`
	URL        string `json:"url"`
}

// PageRecord marks a URL as visited, successfully or not.
type PageRecord struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Host      string    `json:"host"`
	Status    int       `json:"status"`
	Type      PageType  `json:"type"`
	Links     []Link    `json:"links"`
	Message   string    `json:"message,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// ContentCursor resumes a MissingContent scan after the last page it
// returned. The zero value starts from the oldest page.
type ContentCursor struct {
	FetchedAt time.Time
	ID        string
}

// IsZero reports whether the cursor starts a fresh scan.
func (c ContentCursor) IsZero() bool {
	return c.ID == ""
}

// CursorAfter positions a scan just past page.
func CursorAfter(page PageRecord) ContentCursor {
	return ContentCursor{FetchedAt: page.FetchedAt, ID: page.ID}
}

// RawContent is the fetched body of an html page, kept apart from its record.
type RawContent struct {
	PageID      string
	Data        []byte
	BlobURI     string
	ContentHash string
}

// CooldownEntry excludes a host from claims until ExpireAt.
type CooldownEntry struct {
	Host     string    `json:"host"`
	ExpireAt time.Time `json:"expire_at"`
}

// ClaimFilter narrows which frontier entries ClaimNext may select.
type ClaimFilter struct {
	// Host restricts claims to a single hostname when non-empty.
	Host string
	// ExcludeHosts lists hosts currently on cooldown. The caller fills it;
	// the frontier has no view of the cooldown registry.
	ExcludeHosts []string
}

// Stats summarizes the durable store.
type Stats struct {
	FrontierTotal   int64 `json:"frontier_total"`
	FrontierClaimed int64 `json:"frontier_claimed"`
	Pages           int64 `json:"pages"`
	ActiveCooldowns int64 `json:"active_cooldowns"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Method  string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// ContentType returns the response Content-Type header.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// PageEvent is published once an html page and its content are stored.
type PageEvent struct {
	PageID    string    `json:"page_id"`
	URL       string    `json:"url"`
	Host      string    `json:"host"`
	Status    int       `json:"status"`
	Type      PageType  `json:"type"`
	LinkCount int       `json:"link_count"`
	BlobURI   string    `json:"blob_uri,omitempty"`
	Hash      string    `json:"hash"`
	FetchedAt time.Time `json:"fetched_at"`
	Headless  bool      `json:"headless"`
}
