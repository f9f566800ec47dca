package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS frontier (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	url           TEXT NOT NULL UNIQUE,
	host          TEXT NOT NULL,
	discovered_at INTEGER NOT NULL,
	processing    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS frontier_host_processing_idx ON frontier (host, processing);
CREATE INDEX IF NOT EXISTS frontier_claim_order_idx ON frontier (processing, discovered_at, id);

CREATE TABLE IF NOT EXISTS pages (
	id         TEXT PRIMARY KEY,
	url        TEXT NOT NULL UNIQUE,
	host       TEXT NOT NULL,
	status     INTEGER NOT NULL,
	type       TEXT NOT NULL,
	fetched_at INTEGER NOT NULL,
	links      TEXT NOT NULL DEFAULT '[]',
	message    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS pages_host_idx ON pages (host);

CREATE TABLE IF NOT EXISTS content (
	page_id      TEXT PRIMARY KEY REFERENCES pages (id) ON DELETE CASCADE,
	data         BLOB,
	blob_uri     TEXT,
	content_hash TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cooldown (
	host      TEXT PRIMARY KEY,
	expire_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS cooldown_expire_at_idx ON cooldown (expire_at);
`

const enqueueSQL = `
INSERT INTO frontier (url, host, discovered_at)
SELECT ?, ?, ?
WHERE NOT EXISTS (SELECT 1 FROM pages WHERE url = ?)
ON CONFLICT (url) DO NOTHING`

const savePageSQL = `
INSERT INTO pages (id, url, host, status, type, fetched_at, links, message)
VALUES (:id, :url, :host, :status, :type, :fetched_at, :links, :message)
ON CONFLICT (url) DO NOTHING`

const saveContentSQL = `
INSERT INTO content (page_id, data, blob_uri, content_hash, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (page_id) DO UPDATE
SET data = excluded.data, blob_uri = excluded.blob_uri, content_hash = excluded.content_hash`

const missingContentSQL = `
SELECT p.id, p.url, p.host, p.status, p.type, p.fetched_at, p.links, p.message
FROM pages p
LEFT JOIN content c ON c.page_id = p.id
WHERE p.type = 'html' AND (c.page_id IS NULL OR (c.data IS NULL AND c.blob_uri IS NULL))
  AND (? OR p.fetched_at > ? OR (p.fetched_at = ? AND p.id > ?))
ORDER BY p.fetched_at, p.id
LIMIT ?`

const addCooldownSQL = `
INSERT INTO cooldown (host, expire_at) VALUES (?, ?)
ON CONFLICT (host) DO UPDATE SET expire_at = excluded.expire_at
WHERE cooldown.expire_at <= ?`

const statsSQL = `
SELECT
	(SELECT count(*) FROM frontier) AS frontier_total,
	(SELECT count(*) FROM frontier WHERE processing = 1) AS frontier_claimed,
	(SELECT count(*) FROM pages) AS pages,
	(SELECT count(*) FROM cooldown WHERE expire_at > ?) AS active_cooldowns`
