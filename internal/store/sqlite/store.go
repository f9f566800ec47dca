// Package sqlite implements the crawler store on an embedded SQLite database.
// All access goes through a single connection, which serializes claims.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/frontier-crawler/internal/crawler"
)

// Store persists crawl state in a SQLite file.
type Store struct {
	db    *sqlx.DB
	clock crawler.Clock
}

var _ crawler.Store = (*Store)(nil)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

type frontierRow struct {
	ID           int64  `db:"id"`
	URL          string `db:"url"`
	Host         string `db:"host"`
	DiscoveredAt int64  `db:"discovered_at"`
	Processing   bool   `db:"processing"`
}

type pageRow struct {
	ID        string `db:"id"`
	URL       string `db:"url"`
	Host      string `db:"host"`
	Status    int    `db:"status"`
	Type      string `db:"type"`
	FetchedAt int64  `db:"fetched_at"`
	Links     string `db:"links"`
	Message   string `db:"message"`
}

type cooldownRow struct {
	Host     string `db:"host"`
	ExpireAt int64  `db:"expire_at"`
}

// Open opens (creating if needed) the database named by dsn. Accepted forms
// are "sqlite://path/to/file.db", "file:path?query" and a bare path.
func Open(ctx context.Context, dsn string, clock crawler.Clock) (*Store, error) {
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	path, source := driverSource(dsn)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite", source)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return &Store{db: db, clock: clock}, nil
}

func driverSource(dsn string) (string, string) {
	raw := strings.TrimPrefix(dsn, "sqlite://")
	raw = strings.TrimPrefix(raw, "file:")
	path, query, _ := strings.Cut(raw, "?")
	params := []string{"_pragma=busy_timeout(5000)", "_pragma=foreign_keys(1)"}
	if path != ":memory:" {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	if query != "" {
		params = append([]string{query}, params...)
	}
	return path, "file:" + path + "?" + strings.Join(params, "&")
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

// Enqueue inserts unseen links into the frontier in one transaction.
func (s *Store) Enqueue(ctx context.Context, links []crawler.Link) (int, error) {
	if len(links) == 0 {
		return 0, nil
	}
	now := s.clock.Now().UnixNano()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, enqueueSQL)
	if err != nil {
		return 0, fmt.Errorf("prepare enqueue: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	inserted := 0
	for _, l := range links {
		res, err := stmt.ExecContext(ctx, l.URL, l.Host, now, l.URL)
		if err != nil {
			return 0, fmt.Errorf("enqueue %s: %w", l.URL, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("enqueue rows affected: %w", err)
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit enqueue: %w", err)
	}
	return inserted, nil
}

// ClaimNext selects the oldest eligible entry and flips its claim flag in the
// same transaction. The update is guarded on the flag so a lost race surfaces
// as ErrClaimConflict rather than a double claim.
func (s *Store) ClaimNext(ctx context.Context, filter crawler.ClaimFilter) (*crawler.FrontierEntry, error) {
	query := `SELECT id, url, host, discovered_at, processing FROM frontier WHERE processing = 0`
	var args []any
	if filter.Host != "" {
		query += ` AND host = ?`
		args = append(args, filter.Host)
	}
	if len(filter.ExcludeHosts) > 0 {
		query += ` AND host NOT IN (?)`
		args = append(args, filter.ExcludeHosts)
	}
	query += ` ORDER BY discovered_at, id LIMIT 1`
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("build claim query: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row frontierRow
	if err := tx.GetContext(ctx, &row, tx.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select frontier entry: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE frontier SET processing = 1 WHERE id = ? AND processing = 0`, row.ID)
	if err != nil {
		return nil, fmt.Errorf("claim frontier entry: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, crawler.ErrClaimConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return &crawler.FrontierEntry{
		ID:           row.ID,
		URL:          row.URL,
		Host:         row.Host,
		DiscoveredAt: time.Unix(0, row.DiscoveredAt).UTC(),
		Claimed:      true,
	}, nil
}

// Remove deletes the frontier entry for url.
func (s *Store) Remove(ctx context.Context, url string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM frontier WHERE url = ?`, url); err != nil {
		return fmt.Errorf("remove frontier entry: %w", err)
	}
	return nil
}

// ReleaseAllClaims clears every claim flag.
func (s *Store) ReleaseAllClaims(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE frontier SET processing = 0 WHERE processing = 1`)
	if err != nil {
		return 0, fmt.Errorf("release claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release claims rows affected: %w", err)
	}
	return n, nil
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
	res, err := s.db.NamedExecContext(ctx, savePageSQL, pageRow{
		ID:        page.ID,
		URL:       page.URL,
		Host:      page.Host,
		Status:    page.Status,
		Type:      string(page.Type),
		FetchedAt: page.FetchedAt.UnixNano(),
		Links:     string(linksJSON),
		Message:   page.Message,
	})
	if err != nil {
		return false, fmt.Errorf("insert page: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert page rows affected: %w", err)
	}
	return n == 1, nil
}

// HasPage reports whether url has a page record.
func (s *Store) HasPage(ctx context.Context, url string) (bool, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM pages WHERE url = ?)`, url); err != nil {
		return false, fmt.Errorf("check page: %w", err)
	}
	return exists, nil
}

// GetPage loads the page record for url.
func (s *Store) GetPage(ctx context.Context, url string) (crawler.PageRecord, error) {
	var row pageRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, url, host, status, type, fetched_at, links, message FROM pages WHERE url = ?`, url)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return crawler.PageRecord{}, crawler.ErrNotFound
		}
		return crawler.PageRecord{}, fmt.Errorf("get page: %w", err)
	}
	return row.record()
}

func (r pageRow) record() (crawler.PageRecord, error) {
	page := crawler.PageRecord{
		ID:        r.ID,
		URL:       r.URL,
		Host:      r.Host,
		Status:    r.Status,
		Type:      crawler.PageType(r.Type),
		FetchedAt: time.Unix(0, r.FetchedAt).UTC(),
		Message:   r.Message,
	}
	if r.Links != "" {
		if err := json.Unmarshal([]byte(r.Links), &page.Links); err != nil {
			return crawler.PageRecord{}, fmt.Errorf("decode links: %w", err)
		}
	}
	return page, nil
}

// DeletePage removes the record for url and its content.
func (s *Store) DeletePage(ctx context.Context, url string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete page: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM content WHERE page_id IN (SELECT id FROM pages WHERE url = ?)`, url); err != nil {
		return fmt.Errorf("delete content: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE url = ?`, url)
	if err != nil {
		return fmt.Errorf("delete page: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return crawler.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete page: %w", err)
	}
	return nil
}

// SaveContent upserts the raw body for a page.
func (s *Store) SaveContent(ctx context.Context, content crawler.RawContent) error {
	if content.PageID == "" {
		return fmt.Errorf("page id is required")
	}
	var data any
	if len(content.Data) > 0 {
		data = content.Data
	}
	var blobURI sql.NullString
	if content.BlobURI != "" {
		blobURI = sql.NullString{String: content.BlobURI, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, saveContentSQL,
		content.PageID,
		data,
		blobURI,
		content.ContentHash,
		s.clock.Now().UnixNano(),
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
	var fetchedAt int64
	if !after.IsZero() {
		fetchedAt = after.FetchedAt.UnixNano()
	}
	var rows []pageRow
	err := s.db.SelectContext(ctx, &rows, missingContentSQL,
		after.IsZero(), fetchedAt, fetchedAt, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list missing content: %w", err)
	}
	pages := make([]crawler.PageRecord, 0, len(rows))
	for _, r := range rows {
		page, err := r.record()
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// Add starts a cooldown for host unless an unexpired one exists.
func (s *Store) Add(ctx context.Context, host string, d time.Duration) (bool, error) {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, addCooldownSQL, host, now.Add(d).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("add cooldown: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add cooldown rows affected: %w", err)
	}
	return n == 1, nil
}

// ActiveHosts returns hosts whose cooldown has not expired.
func (s *Store) ActiveHosts(ctx context.Context) ([]string, error) {
	hosts := []string{}
	if err := s.db.SelectContext(ctx, &hosts,
		`SELECT host FROM cooldown WHERE expire_at > ? ORDER BY expire_at, host`, s.clock.Now().UnixNano()); err != nil {
		return nil, fmt.Errorf("list cooldown hosts: %w", err)
	}
	return hosts, nil
}

// Active returns unexpired cooldown entries ordered by expiry.
func (s *Store) Active(ctx context.Context) ([]crawler.CooldownEntry, error) {
	var rows []cooldownRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT host, expire_at FROM cooldown WHERE expire_at > ? ORDER BY expire_at, host`, s.clock.Now().UnixNano()); err != nil {
		return nil, fmt.Errorf("list cooldowns: %w", err)
	}
	entries := make([]crawler.CooldownEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, crawler.CooldownEntry{Host: r.Host, ExpireAt: time.Unix(0, r.ExpireAt).UTC()})
	}
	return entries, nil
}

// Sweep deletes expired cooldowns.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cooldown WHERE expire_at <= ?`, s.clock.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep cooldowns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}
	return n, nil
}

// Stats counts rows across the store.
func (s *Store) Stats(ctx context.Context) (crawler.Stats, error) {
	var row struct {
		FrontierTotal   int64 `db:"frontier_total"`
		FrontierClaimed int64 `db:"frontier_claimed"`
		Pages           int64 `db:"pages"`
		ActiveCooldowns int64 `db:"active_cooldowns"`
	}
	if err := s.db.GetContext(ctx, &row, statsSQL, s.clock.Now().UnixNano()); err != nil {
		return crawler.Stats{}, fmt.Errorf("load stats: %w", err)
	}
	return crawler.Stats{
		FrontierTotal:   row.FrontierTotal,
		FrontierClaimed: row.FrontierClaimed,
		Pages:           row.Pages,
		ActiveCooldowns: row.ActiveCooldowns,
	}, nil
}
