package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/frontier-crawler/internal/crawler"
	"github.com/JakeFAU/frontier-crawler/internal/store/postgres"
	redisstore "github.com/JakeFAU/frontier-crawler/internal/store/redis"
	"github.com/JakeFAU/frontier-crawler/internal/store/sqlite"
)

// Config selects and tunes the backend.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	Redis           redisstore.Config
}

// Backend names a store implementation.
type Backend string

// Supported backends.
const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

// BackendFor maps a DSN to its backend.
func BackendFor(dsn string) (Backend, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return BackendPostgres, nil
	case strings.HasPrefix(dsn, "sqlite://"), strings.HasPrefix(dsn, "file:"):
		return BackendSQLite, nil
	case dsn == "":
		return "", fmt.Errorf("store.dsn is required")
	default:
		return "", fmt.Errorf("unsupported store dsn %q", redactDSN(dsn))
	}
}

// Open connects to the configured backend. It does not run migrations.
func Open(ctx context.Context, cfg Config, clock crawler.Clock) (crawler.Store, error) {
	backend, err := BackendFor(cfg.DSN)
	if err != nil {
		return nil, err
	}
	var base crawler.Store
	switch backend {
	case BackendPostgres:
		base, err = postgres.New(ctx, postgres.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		}, clock)
	case BackendSQLite:
		base, err = sqlite.Open(ctx, cfg.DSN, clock)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Redis.Address == "" {
		return base, nil
	}
	cooldowns, err := redisstore.New(cfg.Redis, clock)
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	return WithCooldowns(base, cooldowns), nil
}

type cooldownCloser interface {
	crawler.CooldownRegistry
	Close() error
}

// splitStore serves the frontier and pages from one store and cooldowns
// from another.
type splitStore struct {
	crawler.Store
	cooldowns cooldownCloser
}

// WithCooldowns replaces the cooldown registry of base.
func WithCooldowns(base crawler.Store, cooldowns cooldownCloser) crawler.Store {
	return &splitStore{Store: base, cooldowns: cooldowns}
}

func (s *splitStore) Add(ctx context.Context, host string, d time.Duration) (bool, error) {
	return s.cooldowns.Add(ctx, host, d)
}

func (s *splitStore) ActiveHosts(ctx context.Context) ([]string, error) {
	return s.cooldowns.ActiveHosts(ctx)
}

func (s *splitStore) Active(ctx context.Context) ([]crawler.CooldownEntry, error) {
	return s.cooldowns.Active(ctx)
}

func (s *splitStore) Sweep(ctx context.Context) (int64, error) {
	return s.cooldowns.Sweep(ctx)
}

func (s *splitStore) Stats(ctx context.Context) (crawler.Stats, error) {
	st, err := s.Store.Stats(ctx)
	if err != nil {
		return crawler.Stats{}, err
	}
	active, err := s.cooldowns.Active(ctx)
	if err != nil {
		return crawler.Stats{}, err
	}
	st.ActiveCooldowns = int64(len(active))
	return st, nil
}

func (s *splitStore) Close() error {
	cerr := s.cooldowns.Close()
	if err := s.Store.Close(); err != nil {
		return err
	}
	return cerr
}

func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "@"); i >= 0 {
		if j := strings.Index(dsn, "://"); j >= 0 && j < i {
			return dsn[:j+3] + "***" + dsn[i:]
		}
	}
	return dsn
}
