// Package redis keeps host cooldowns in Redis so several crawler processes
// sharing one frontier honor each other's rate limits.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/frontier-crawler/internal/crawler"
)

// Config holds Redis connection configuration.
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// ErrEmptyAddress is returned when Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

const (
	connectionTimeout = 5 * time.Second
	scanBatch         = 256
)

// Cooldowns implements crawler.CooldownRegistry. Each host is one key whose
// value is the expiry in unix milliseconds and whose TTL matches it.
type Cooldowns struct {
	client *redis.Client
	prefix string
	clock  crawler.Clock
}

var _ crawler.CooldownRegistry = (*Cooldowns)(nil)

// New connects to Redis and verifies the connection.
func New(cfg Config, clock crawler.Clock) (*Cooldowns, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewWithClient(client, cfg.KeyPrefix, clock), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string, clock crawler.Clock) *Cooldowns {
	if prefix == "" {
		prefix = "crawler"
	}
	return &Cooldowns{client: client, prefix: prefix + ":cooldown:", clock: clock}
}

// Close closes the client.
func (c *Cooldowns) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

// Add starts a cooldown unless one is active. Redis drops expired keys, so
// SET NX overwrites them naturally.
func (c *Cooldowns) Add(ctx context.Context, host string, d time.Duration) (bool, error) {
	if d <= 0 {
		return false, nil
	}
	expireAt := c.clock.Now().Add(d).UnixMilli()
	ok, err := c.client.SetNX(ctx, c.prefix+host, expireAt, d).Result()
	if err != nil {
		return false, fmt.Errorf("add cooldown: %w", err)
	}
	return ok, nil
}

// ActiveHosts returns hosts whose cooldown has not expired.
func (c *Cooldowns) ActiveHosts(ctx context.Context) ([]string, error) {
	entries, err := c.Active(ctx)
	if err != nil {
		return nil, err
	}
	hosts := make([]string, 0, len(entries))
	for _, e := range entries {
		hosts = append(hosts, e.Host)
	}
	return hosts, nil
}

// Active returns unexpired cooldown entries.
func (c *Cooldowns) Active(ctx context.Context) ([]crawler.CooldownEntry, error) {
	entries, _, err := c.scan(ctx)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Sweep deletes keys whose recorded expiry has passed but whose TTL has not
// fired yet (clock skew between crawler processes and Redis).
func (c *Cooldowns) Sweep(ctx context.Context) (int64, error) {
	_, expired, err := c.scan(ctx)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	n, err := c.client.Del(ctx, expired...).Result()
	if err != nil {
		return 0, fmt.Errorf("sweep cooldowns: %w", err)
	}
	return n, nil
}

func (c *Cooldowns) scan(ctx context.Context) ([]crawler.CooldownEntry, []string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, c.prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan cooldowns: %w", err)
	}
	active := []crawler.CooldownEntry{}
	if len(keys) == 0 {
		return active, nil, nil
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("read cooldowns: %w", err)
	}
	now := c.clock.Now().UnixMilli()
	var expired []string
	for i, raw := range values {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		if ms <= now {
			expired = append(expired, keys[i])
			continue
		}
		active = append(active, crawler.CooldownEntry{
			Host:     strings.TrimPrefix(keys[i], c.prefix),
			ExpireAt: time.UnixMilli(ms).UTC(),
		})
	}
	return active, expired, nil
}
