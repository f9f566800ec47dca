// Package postgres implements the crawler store on PostgreSQL using pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/frontier-crawler/internal/crawler"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store persists the frontier, page records, content and cooldowns.
type Store struct {
	pool  pool
	clock crawler.Clock
}

var _ crawler.Store = (*Store)(nil)

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config, clock crawler.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, clock)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, clock crawler.Clock) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &Store{pool: p, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}

// Enqueue inserts unseen links into the frontier.
func (s *Store) Enqueue(ctx context.Context, links []crawler.Link) (int, error) {
	if len(links) == 0 {
		return 0, nil
	}
	urls := make([]string, 0, len(links))
	hosts := make([]string, 0, len(links))
	for _, l := range links {
		urls = append(urls, l.URL)
		hosts = append(hosts, l.Host)
	}
	tag, err := s.pool.Exec(ctx, enqueueSQL, urls, hosts, s.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("enqueue links: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClaimNext marks the oldest eligible entry as claimed. Concurrent claimers
// skip rows locked by each other, so no entry is handed out twice.
func (s *Store) ClaimNext(ctx context.Context, filter crawler.ClaimFilter) (*crawler.FrontierEntry, error) {
	exclude := filter.ExcludeHosts
	if exclude == nil {
		exclude = []string{}
	}
	var entry crawler.FrontierEntry
	err := s.pool.QueryRow(ctx, claimSQL, filter.Host, exclude).Scan(
		&entry.ID,
		&entry.URL,
		&entry.Host,
		&entry.DiscoveredAt,
		&entry.Claimed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
			return nil, fmt.Errorf("%w: %s", crawler.ErrClaimConflict, pgErr.Message)
		}
		return nil, fmt.Errorf("claim frontier entry: %w", err)
	}
	return &entry, nil
}

// Remove deletes the frontier entry for url.
func (s *Store) Remove(ctx context.Context, url string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM frontier WHERE url = $1`, url); err != nil {
		return fmt.Errorf("remove frontier entry: %w", err)
	}
	return nil
}

// ReleaseAllClaims clears every claim flag.
func (s *Store) ReleaseAllClaims(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE frontier SET processing = FALSE WHERE processing = TRUE`)
	if err != nil {
		return 0, fmt.Errorf("release claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SavePage inserts a page record unless one exists for the URL.
func (s *Store) SavePage(ctx context.Context, page crawler.PageRecord) (bool, error) {
	if page.ID == "" {
		return false, fmt.Errorf("page id is required")
	}
	links := page.Links
	if links == nil {
		links = []crawler.Link{}
	}
	linksJSON, err := json.Marshal(links)
	if err != nil {
		return false, fmt.Errorf("marshal links: %w", err)
	}
	tag, err := s.pool.Exec(ctx, savePageSQL,
		page.ID,
		page.URL,
		page.Host,
		page.Status,
		string(page.Type),
		page.FetchedAt.UTC(),
		linksJSON,
		page.Message,
	)
	if err != nil {
		return false, fmt.Errorf("insert page: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// HasPage reports whether url has a page record.
func (s *Store) HasPage(ctx context.Context, url string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pages WHERE url = $1)`, url).Scan(&exists); err != nil {
		return false, fmt.Errorf("check page: %w", err)
	}
	return exists, nil
}

// GetPage loads the page record for url.
func (s *Store) GetPage(ctx context.Context, url string) (crawler.PageRecord, error) {
	var (
		page      crawler.PageRecord
		pageType  string
		linksJSON []byte
	)
	err := s.pool.QueryRow(ctx, getPageSQL, url).Scan(
		&page.ID,
		&page.URL,
		&page.Host,
		&page.Status,
		&pageType,
		&page.FetchedAt,
		&linksJSON,
		&page.Message,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.PageRecord{}, crawler.ErrNotFound
		}
		return crawler.PageRecord{}, fmt.Errorf("get page: %w", err)
	}
	page.Type = crawler.PageType(pageType)
	if len(linksJSON) > 0 {
		if err := json.Unmarshal(linksJSON, &page.Links); err != nil {
			return crawler.PageRecord{}, fmt.Errorf("decode links: %w", err)
		}
	}
	return page, nil
}

// DeletePage removes the record for url; content goes with it by cascade.
func (s *Store) DeletePage(ctx context.Context, url string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pages WHERE url = $1`, url)
	if err != nil {
		return fmt.Errorf("delete page: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// SaveContent upserts the raw body for a page.
func (s *Store) SaveContent(ctx context.Context, content crawler.RawContent) error {
	if content.PageID == "" {
		return fmt.Errorf("page id is required")
	}
	var blobURI *string
	if content.BlobURI != "" {
		blobURI = &content.BlobURI
	}
	_, err := s.pool.Exec(ctx, saveContentSQL,
		content.PageID,
		content.Data,
		blobURI,
		content.ContentHash,
		s.clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save content: %w", err)
	}
	return nil
}

// MissingContent lists html pages that have no stored body, ordered by
// (fetched_at, id) and starting after the cursor.
func (s *Store) MissingContent(
	ctx context.Context,
	after crawler.ContentCursor,
	limit int,
) ([]crawler.PageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	fetchedAt := after.FetchedAt
	if after.IsZero() {
		fetchedAt = time.Unix(0, 0).UTC()
	}
	rows, err := s.pool.Query(ctx, missingContentSQL, after.IsZero(), fetchedAt, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list missing content: %w", err)
	}
	defer rows.Close()

	var pages []crawler.PageRecord
	for rows.Next() {
		var (
			page     crawler.PageRecord
			pageType string
		)
		if err := rows.Scan(&page.ID, &page.URL, &page.Host, &page.Status, &pageType, &page.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		page.Type = crawler.PageType(pageType)
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return pages, nil
}

// Add starts a cooldown for host unless an unexpired one exists. An expired
// entry is overwritten.
func (s *Store) Add(ctx context.Context, host string, d time.Duration) (bool, error) {
	now := s.clock.Now().UTC()
	tag, err := s.pool.Exec(ctx, addCooldownSQL, host, now.Add(d), now)
	if err != nil {
		return false, fmt.Errorf("add cooldown: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ActiveHosts returns hosts whose cooldown has not expired.
func (s *Store) ActiveHosts(ctx context.Context) ([]string, error) {
	entries, err := s.Active(ctx)
	if err != nil {
		return nil, err
	}
	hosts := make([]string, 0, len(entries))
	for _, e := range entries {
		hosts = append(hosts, e.Host)
	}
	return hosts, nil
}

// Active returns unexpired cooldown entries ordered by expiry.
func (s *Store) Active(ctx context.Context) ([]crawler.CooldownEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT host, expire_at FROM cooldown WHERE expire_at > $1 ORDER BY expire_at, host`,
		s.clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list cooldowns: %w", err)
	}
	defer rows.Close()

	entries := []crawler.CooldownEntry{}
	for rows.Next() {
		var e crawler.CooldownEntry
		if err := rows.Scan(&e.Host, &e.ExpireAt); err != nil {
			return nil, fmt.Errorf("scan cooldown: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cooldowns: %w", err)
	}
	return entries, nil
}

// Sweep deletes expired cooldowns.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cooldown WHERE expire_at <= $1`, s.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep cooldowns: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats counts rows across the store.
func (s *Store) Stats(ctx context.Context) (crawler.Stats, error) {
	var st crawler.Stats
	err := s.pool.QueryRow(ctx, statsSQL, s.clock.Now().UTC()).Scan(
		&st.FrontierTotal,
		&st.FrontierClaimed,
		&st.Pages,
		&st.ActiveCooldowns,
	)
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("load stats: %w", err)
	}
	return st, nil
}
