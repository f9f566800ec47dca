package crawler

import (
	"context"
	"io"
	"time"
)

// Frontier is the durable, deduplicated queue of unvisited URLs.
type Frontier interface {
	// Enqueue inserts an unclaimed entry for every link whose URL has neither
	// a page record nor a frontier entry. It returns the number inserted.
	Enqueue(ctx context.Context, links []Link) (int, error)
	// ClaimNext atomically marks the oldest eligible unclaimed entry as
	// claimed. It returns nil when nothing is eligible. ClaimNext does not
	// consult the cooldown registry: callers pass the hosts to skip in
	// filter.ExcludeHosts, read from CooldownRegistry.ActiveHosts, since
	// cooldowns may live in a different store.
	ClaimNext(ctx context.Context, filter ClaimFilter) (*FrontierEntry, error)
	// Remove deletes every entry for url.
	Remove(ctx context.Context, url string) error
	// ReleaseAllClaims resets claimed entries to unclaimed.
	ReleaseAllClaims(ctx context.Context) (int64, error)
}

// PageStore persists page records and raw content.
type PageStore interface {
	// SavePage inserts the record unless one already exists for its URL. It
	// reports whether the insert happened.
	SavePage(ctx context.Context, page PageRecord) (bool, error)
	HasPage(ctx context.Context, url string) (bool, error)
	GetPage(ctx context.Context, url string) (PageRecord, error)
	// DeletePage removes the record and its content so the URL can be retried.
	DeletePage(ctx context.Context, url string) error
	SaveContent(ctx context.Context, content RawContent) error
	// MissingContent lists html pages with no stored body, oldest first,
	// starting after the cursor.
	MissingContent(ctx context.Context, after ContentCursor, limit int) ([]PageRecord, error)
}

// CooldownRegistry tracks hosts temporarily excluded from scheduling.
type CooldownRegistry interface {
	// Add starts a cooldown unless the host already has an active one. It
	// reports whether a new entry was created.
	Add(ctx context.Context, host string, d time.Duration) (bool, error)
	ActiveHosts(ctx context.Context) ([]string, error)
	Active(ctx context.Context) ([]CooldownEntry, error)
	// Sweep deletes expired entries and returns how many were removed.
	Sweep(ctx context.Context) (int64, error)
}

// Store is the complete durable state shared by the controller and workers.
type Store interface {
	Frontier
	PageStore
	CooldownRegistry
	Migrate(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes page events to downstream collaborators.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(resp FetchResponse) bool
}

// Policy gates outbound requests per host.
type Policy interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces page IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
