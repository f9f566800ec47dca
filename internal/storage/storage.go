// Package storage selects where raw page bodies are kept. With no blob
// backend configured, bodies are stored inline in the content table.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	gcsclient "cloud.google.com/go/storage"

	"github.com/JakeFAU/frontier-crawler/internal/crawler"
	"github.com/JakeFAU/frontier-crawler/internal/storage/gcs"
	"github.com/JakeFAU/frontier-crawler/internal/storage/local"
	"github.com/JakeFAU/frontier-crawler/internal/storage/memory"
)

// Backend names.
const (
	BackendNone   = "none"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Config selects the blob backend.
type Config struct {
	Backend string
	Local   local.Config
	GCS     gcs.Config
}

// Open returns the configured BlobStore, or nil for BackendNone. The returned
// close func is never nil.
func Open(ctx context.Context, cfg Config) (crawler.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(cfg.Backend) {
	case "", BackendNone:
		return nil, noop, nil
	case BackendLocal:
		store, err := local.New(cfg.Local)
		if err != nil {
			return nil, noop, fmt.Errorf("open local blob store: %w", err)
		}
		return store, noop, nil
	case BackendMemory:
		return memory.NewBlobStore(), noop, nil
	case BackendGCS:
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcs.New(client, cfg.GCS)
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}

// PagePath is the object path for a page body.
func PagePath(host, pageID string) string {
	return path.Join("pages", host, pageID+".html")
}
