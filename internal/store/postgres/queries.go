package postgres

var schema = []string{
	`CREATE TABLE IF NOT EXISTS frontier (
	id            BIGSERIAL PRIMARY KEY,
	url           TEXT NOT NULL UNIQUE,
	host          TEXT NOT NULL,
	discovered_at TIMESTAMPTZ NOT NULL,
	processing    BOOLEAN NOT NULL DEFAULT FALSE
)`,
	`CREATE INDEX IF NOT EXISTS frontier_host_processing_idx ON frontier (host, processing)`,
	`CREATE INDEX IF NOT EXISTS frontier_claim_order_idx ON frontier (processing, discovered_at, id)`,
	`CREATE TABLE IF NOT EXISTS pages (
	id         UUID PRIMARY KEY,
	url        TEXT NOT NULL UNIQUE,
	host       TEXT NOT NULL,
	status     INTEGER NOT NULL,
	type       TEXT NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL,
	links      JSONB NOT NULL DEFAULT '[]'::jsonb,
	message    TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS pages_host_idx ON pages (host)`,
	`CREATE TABLE IF NOT EXISTS content (
	page_id      UUID PRIMARY KEY REFERENCES pages (id) ON DELETE CASCADE,
	data         BYTEA,
	blob_uri     TEXT,
	content_hash TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS cooldown (
	host      TEXT PRIMARY KEY,
	expire_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS cooldown_expire_at_idx ON cooldown (expire_at)`,
}

const enqueueSQL = `
INSERT INTO frontier (url, host, discovered_at)
SELECT l.url, l.host, $3
FROM unnest($1::text[], $2::text[]) AS l(url, host)
WHERE NOT EXISTS (SELECT 1 FROM pages p WHERE p.url = l.url)
ON CONFLICT (url) DO NOTHING`

const claimSQL = `
UPDATE frontier SET processing = TRUE
WHERE processing = FALSE AND id = (
	SELECT id FROM frontier
	WHERE processing = FALSE
	  AND ($1 = '' OR host = $1)
	  AND NOT (host = ANY($2::text[]))
	ORDER BY discovered_at, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING id, url, host, discovered_at, processing`

const savePageSQL = `
INSERT INTO pages (id, url, host, status, type, fetched_at, links, message)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (url) DO NOTHING`

const getPageSQL = `
SELECT id::text, url, host, status, type, fetched_at, links, message
FROM pages WHERE url = $1`

const saveContentSQL = `
INSERT INTO content (page_id, data, blob_uri, content_hash, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (page_id) DO UPDATE
SET data = EXCLUDED.data, blob_uri = EXCLUDED.blob_uri, content_hash = EXCLUDED.content_hash`

const missingContentSQL = `
SELECT p.id::text, p.url, p.host, p.status, p.type, p.fetched_at
FROM pages p
LEFT JOIN content c ON c.page_id = p.id
WHERE p.type = 'html' AND (c.page_id IS NULL OR (c.data IS NULL AND c.blob_uri IS NULL))
  AND ($1::boolean OR (p.fetched_at, p.id::text) > ($2::timestamptz, $3::text))
ORDER BY p.fetched_at, p.id::text
LIMIT $4`

const addCooldownSQL = `
INSERT INTO cooldown (host, expire_at) VALUES ($1, $2)
ON CONFLICT (host) DO UPDATE SET expire_at = EXCLUDED.expire_at
WHERE cooldown.expire_at <= $3`

const statsSQL = `
SELECT
	(SELECT count(*) FROM frontier),
	(SELECT count(*) FROM frontier WHERE processing),
	(SELECT count(*) FROM pages),
	(SELECT count(*) FROM cooldown WHERE expire_at > $1)`
