// Package app builds the long-lived services from configuration and owns
// their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/frontier-crawler/internal/clock/system"
	"github.com/JakeFAU/frontier-crawler/internal/config"
	"github.com/JakeFAU/frontier-crawler/internal/crawler"
	"github.com/JakeFAU/frontier-crawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/frontier-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/frontier-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/frontier-crawler/internal/hash/sha256"
	"github.com/JakeFAU/frontier-crawler/internal/headless/detector"
	"github.com/JakeFAU/frontier-crawler/internal/id/uuid"
	"github.com/JakeFAU/frontier-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/frontier-crawler/internal/policy/simple"
	"github.com/JakeFAU/frontier-crawler/internal/processor"
	"github.com/JakeFAU/frontier-crawler/internal/publisher"
	"github.com/JakeFAU/frontier-crawler/internal/publisher/kafka"
	"github.com/JakeFAU/frontier-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/frontier-crawler/internal/storage"
	"github.com/JakeFAU/frontier-crawler/internal/storage/gcs"
	"github.com/JakeFAU/frontier-crawler/internal/storage/local"
	"github.com/JakeFAU/frontier-crawler/internal/store"
	redisstore "github.com/JakeFAU/frontier-crawler/internal/store/redis"
	"github.com/JakeFAU/frontier-crawler/internal/telemetry"
	"github.com/JakeFAU/frontier-crawler/internal/worker"
)

// App holds the shared services. Store is always set; the crawl pipeline
// (Processor and its collaborators) is built by WithPipeline.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Clock     crawler.Clock
	Store     crawler.Store
	Processor *processor.Processor

	closers []func() error
}

// New opens the durable store. It fails fast when the store is unreachable.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, Clock: system.New()}

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: config.AppName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, func() error { return shutdownTracing(context.Background()) })

	storeCfg := store.Config{
		DSN:             cfg.Store.DSN,
		MaxConns:        cfg.Store.MaxConns,
		MinConns:        cfg.Store.MinConns,
		MaxConnLifetime: cfg.Store.MaxConnLifetime,
	}
	if cfg.Cooldown.Backend == "redis" {
		storeCfg.Redis = redisstore.Config{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}
	}
	s, err := store.Open(ctx, storeCfg, a.Clock)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.Store = s
	a.closers = append(a.closers, s.Close)
	return a, nil
}

// WithPipeline builds the fetchers, blob store, publisher and processor.
func (a *App) WithPipeline(ctx context.Context) error {
	cfg := a.Config
	deps := processor.Deps{
		Store: a.Store,
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Crawler.UserAgent,
			RespectRobots: cfg.Crawler.RespectRobots,
			Timeout:       cfg.Crawler.Timeout,
			MaxBodySize:   cfg.Crawler.MaxBodySize,
		}),
		Hasher: sha256.New(),
		Clock:  a.Clock,
		IDs:    uuid.New(),
	}
	if cfg.RateLimit.RPS > 0 {
		deps.Policy = ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RateLimit.RPS, DefaultBurst: cfg.RateLimit.Burst})
	} else {
		deps.Policy = simple.New()
	}

	if cfg.Headless.Enabled {
		hf, err := headlessfetcher.New(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
		})
		if err != nil {
			return fmt.Errorf("headless fetcher: %w", err)
		}
		a.closers = append(a.closers, func() error { hf.Close(); return nil })
		deps.Headless = hf
		deps.Detector = detector.NewHeuristic(cfg.Headless.PromotionThreshold)
	}

	blobs, closeBlobs, err := storage.Open(ctx, storage.Config{
		Backend: cfg.Content.Backend,
		Local:   local.Config{BaseDir: cfg.Content.LocalDir},
		GCS:     gcs.Config{Bucket: cfg.Content.GCSBucket, Prefix: cfg.Content.GCSPrefix},
	})
	if err != nil {
		return fmt.Errorf("content store: %w", err)
	}
	a.closers = append(a.closers, closeBlobs)
	deps.Blobs = blobs

	pub, closePub, err := publisher.Open(ctx, publisher.Config{
		Backend: cfg.Publisher.Backend,
		Topic:   cfg.Publisher.Topic,
		PubSub:  pubsub.Config{ProjectID: cfg.Publisher.ProjectID},
		Kafka:   kafka.Config{Brokers: cfg.Publisher.Brokers},
	})
	if err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	a.closers = append(a.closers, closePub)
	deps.Publisher = pub

	proc, err := processor.New(deps, processor.Config{
		BadExtensions: cfg.Crawler.BadExtensions,
		Topic:         cfg.Publisher.Topic,
		ContentType:   cfg.Content.ContentType,
	}, a.Logger.Named("processor"))
	if err != nil {
		return err
	}
	a.Processor = proc
	a.Logger.Info("pipeline ready",
		zap.String("content", cfg.Content.Backend),
		zap.String("publisher", cfg.Publisher.Backend),
		zap.Bool("headless", cfg.Headless.Enabled),
		zap.Bool("respect_robots", cfg.Crawler.RespectRobots),
	)
	return nil
}

// NewController builds a crawl controller over a fresh worker pool.
// WithPipeline must have been called.
func (a *App) NewController(start, limitTo string) (*dispatcher.Controller, error) {
	if a.Processor == nil {
		return nil, errors.New("pipeline not initialized")
	}
	pool := worker.NewPool(a.Processor, a.Config.Crawler.Concurrency, a.Logger.Named("worker"))
	return dispatcher.New(a.Store, a.Processor, pool, a.Clock, dispatcher.Config{
		Start:           start,
		LimitTo:         limitTo,
		IdleBackoff:     a.Config.Crawler.IdleBackoff,
		DrainTimeout:    a.Config.Crawler.DrainTimeout,
		KillGrace:       a.Config.Crawler.KillGrace,
		DefaultCooldown: a.Config.Cooldown.Default,
	}, a.Logger.Named("dispatcher")), nil
}

// Close releases services in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
