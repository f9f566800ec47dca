// Package store opens the durable crawl store selected by configuration. The
// DSN scheme picks the backend; an optional Redis address moves cooldowns out
// of the database.
package store
