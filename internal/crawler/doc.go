// Package crawler defines the shared vocabulary of the crawl engine: frontier
// entries, page records, cooldowns, the store and fetcher contracts, the
// structured CrawlError taxonomy, and URL canonicalization.
package crawler
