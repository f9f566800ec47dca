// Package sweeper deletes expired cooldown entries on a cron schedule, for
// stores that have no native TTL.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/frontier-crawler/internal/crawler"
	"github.com/JakeFAU/frontier-crawler/internal/metrics"
)

// DefaultSchedule runs the sweep once a minute.
const DefaultSchedule = "@every 1m"

const sweepTimeout = 30 * time.Second

// Sweeper periodically calls CooldownRegistry.Sweep.
type Sweeper struct {
	registry crawler.CooldownRegistry
	cron     *cron.Cron
	logger   *zap.Logger
}

// New schedules the sweep. schedule accepts standard 5-field cron specs and
// descriptors such as "@every 30s".
func New(registry crawler.CooldownRegistry, schedule string, logger *zap.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Sweeper{
		registry: registry,
		cron:     cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		logger:   logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("schedule cooldown sweep %q: %w", schedule, err)
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep, or for ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunOnce sweeps immediately and returns the number of removed entries.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	n, err := s.registry.Sweep(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep cooldowns: %w", err)
	}
	metrics.ObserveCooldownsSwept(n)
	return n, nil
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	n, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Warn("cooldown sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Debug("expired cooldowns removed", zap.Int64("count", n))
	}
}
