// Package dispatcher contains the crawl controller: the single scheduling
// loop that claims frontier entries, feeds them to the worker pool and
// reacts to worker results.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/frontier-crawler/internal/crawler"
	"github.com/JakeFAU/frontier-crawler/internal/metrics"
	"github.com/JakeFAU/frontier-crawler/internal/worker"
)

// State is the controller lifecycle phase.
type State string

// Controller states, in order.
const (
	StateIdle     State = "idle"
	StateSeeding  State = "seeding"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

var allStates = []string{
	string(StateIdle), string(StateSeeding), string(StateRunning), string(StateDraining), string(StateStopped),
}

// Defaults for Config.
const (
	DefaultIdleBackoff  = time.Second
	DefaultDrainTimeout = 30 * time.Second
	DefaultKillGrace    = 5 * time.Second
)

// Config controls the controller.
type Config struct {
	// Start is the seed URL; empty resumes from the frontier.
	Start string
	// LimitTo restricts claims to one hostname.
	LimitTo string
	// IdleBackoff is how long to wait when nothing is eligible.
	IdleBackoff time.Duration
	// DrainTimeout bounds the wait for in-flight workers after a stop signal.
	DrainTimeout time.Duration
	// KillGrace bounds the wait for terminated workers to return.
	KillGrace time.Duration
	// DefaultCooldown applies to 429s without Retry-After.
	DefaultCooldown time.Duration
}

// Seeder runs the processor inline for the seed URL.
type Seeder = worker.Processor

// Summary reports how a run ended.
type Summary struct {
	// Forced is set when workers had to be terminated.
	Forced    bool
	Processed int
	Failed    int
	Cooldowns int
	Released  int64
}

// ExitCode maps the summary to the process exit status.
func (s Summary) ExitCode() int {
	if s.Forced {
		return 1
	}
	return 0
}

// Controller owns the scheduling loop.
type Controller struct {
	store  crawler.Store
	seeder Seeder
	pool   *worker.Pool
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	state   State
	summary Summary

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Controller. seeder is used only for the seed URL; everything
// else runs on pool.
func New(
	store crawler.Store,
	seeder Seeder,
	pool *worker.Pool,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Controller {
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = DefaultIdleBackoff
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = crawler.DefaultCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:  store,
		seeder: seeder,
		pool:   pool,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
		state:  StateIdle,
		stopCh: make(chan struct{}),
	}
}

// State returns the current phase.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Summary returns a snapshot of the counters.
func (c *Controller) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.summary
}

// Shutdown asks the controller to drain. It is safe to call repeatedly.
func (c *Controller) Shutdown() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	metrics.SetControllerState(string(s), allStates)
	c.logger.Info("controller state", zap.String("state", string(s)))
}

// Run executes the crawl until ctx is cancelled, Shutdown is called or the
// store fails. Claims are released both before seeding and after draining.
// A non-nil error means the crawl could not continue: the store failed or the
// seed URL is unusable.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	// Store writes during drain and stop must outlive the stop signal.
	storeCtx := context.WithoutCancel(ctx)

	released, err := c.store.ReleaseAllClaims(storeCtx)
	if err != nil {
		c.setState(StateStopped)
		return c.Summary(), fmt.Errorf("release claims at startup: %w", err)
	}
	if released > 0 {
		c.logger.Info("recovered claimed entries", zap.Int64("count", released))
	}

	fatal := c.seed(ctx, storeCtx)
	if fatal == nil && !c.stopping(ctx) {
		c.setState(StateRunning)
		fatal = c.loop(ctx, storeCtx)
	}

	c.setState(StateDraining)
	if err := c.drain(storeCtx); err != nil && fatal == nil {
		fatal = err
	}

	c.setState(StateStopped)
	released, err = c.store.ReleaseAllClaims(storeCtx)
	if err != nil {
		c.logger.Error("release claims at shutdown", zap.Error(err))
		if fatal == nil {
			fatal = fmt.Errorf("release claims at shutdown: %w", err)
		}
	}
	c.mu.Lock()
	c.summary.Released = released
	summary := c.summary
	c.mu.Unlock()
	return summary, fatal
}

func (c *Controller) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Controller) seed(ctx, storeCtx context.Context) error {
	if c.cfg.Start == "" {
		return nil
	}
	c.setState(StateSeeding)
	start, err := crawler.NormalizeURL(c.cfg.Start)
	if err != nil {
		return fmt.Errorf("seed url: %w", err)
	}
	host, err := crawler.Hostname(start)
	if err != nil {
		return fmt.Errorf("seed url: %w", err)
	}
	visited, err := c.store.HasPage(storeCtx, start)
	if err != nil {
		return fmt.Errorf("check seed page: %w", err)
	}
	if visited {
		c.logger.Info("seed already visited, resuming from frontier", zap.String("url", start))
		return nil
	}
	res, err := c.seeder.Process(ctx, start)
	return c.handle(storeCtx, worker.ResultFor(start, host, res, err))
}

func (c *Controller) loop(ctx, storeCtx context.Context) error {
	idle := time.NewTimer(0)
	defer idle.Stop()
	for {
		starved, err := c.fill(storeCtx)
		if err != nil {
			return err
		}

		// Not starved means every slot is busy: wait for a result.
		var idleC <-chan time.Time
		if starved {
			resetTimer(idle, c.cfg.IdleBackoff)
			idleC = idle.C
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		case res := <-c.pool.Results():
			err := c.handle(storeCtx, res)
			c.pool.Done()
			if err != nil {
				return err
			}
		case <-idleC:
		}
	}
}

// fill reserves free slots and spawns a worker per claimed entry. It reports
// starved=true when a free slot found nothing eligible.
func (c *Controller) fill(ctx context.Context) (bool, error) {
	var excluded []string
	loaded := false
	for c.pool.Reserve() {
		if !loaded {
			hosts, err := c.store.ActiveHosts(ctx)
			if err != nil {
				c.pool.Unreserve()
				return false, fmt.Errorf("active cooldowns: %w", err)
			}
			excluded, loaded = hosts, true
		}
		entry, err := c.store.ClaimNext(ctx, crawler.ClaimFilter{Host: c.cfg.LimitTo, ExcludeHosts: excluded})
		switch {
		case errors.Is(err, crawler.ErrClaimConflict):
			metrics.ObserveClaim("conflict")
			c.pool.Unreserve()
			return true, nil
		case err != nil:
			c.pool.Unreserve()
			return false, fmt.Errorf("claim next: %w", err)
		case entry == nil:
			metrics.ObserveClaim("empty")
			c.pool.Unreserve()
			return true, nil
		}
		metrics.ObserveClaim("claimed")
		c.logger.Debug("dispatching", zap.String("url", entry.URL), zap.String("host", entry.Host))
		c.pool.Spawn(*entry)
	}
	return false, nil
}

// handle applies a worker result. Only a store failure is returned.
func (c *Controller) handle(ctx context.Context, res worker.Result) error {
	metrics.ObserveResult(string(res.Outcome))
	logger := c.logger.With(zap.String("url", res.URL), zap.String("host", res.Host), zap.Int64("worker_id", res.WorkerID))

	switch res.Outcome {
	case worker.OutcomeStoreError:
		logger.Error("store failure, stopping crawl", zap.Error(res.Err))
		return res.Err
	case worker.OutcomeAborted:
		// No page was written; the claim is released on stop.
		logger.Warn("worker aborted", zap.Error(res.Err))
		return nil
	case worker.OutcomeFailed:
		c.bump(func(s *Summary) { s.Failed++ })
		if res.CrawlErr != nil && res.CrawlErr.RateLimited() {
			if err := c.cooldown(ctx, res); err != nil {
				return err
			}
		}
	default:
		c.bump(func(s *Summary) { s.Processed++ })
	}

	if err := c.store.Remove(ctx, res.URL); err != nil {
		return fmt.Errorf("remove frontier entry: %w", err)
	}
	return nil
}

func (c *Controller) cooldown(ctx context.Context, res worker.Result) error {
	d := res.CrawlErr.RetryAfter(c.clock.Now(), c.cfg.DefaultCooldown)
	added, err := c.store.Add(ctx, res.Host, d)
	if err != nil {
		return fmt.Errorf("add cooldown: %w", err)
	}
	if added {
		metrics.ObserveCooldown()
		c.bump(func(s *Summary) { s.Cooldowns++ })
		c.logger.Info("host on cooldown", zap.String("host", res.Host), zap.Duration("for", d))
	}
	return nil
}

func (c *Controller) bump(fn func(*Summary)) {
	c.mu.Lock()
	fn(&c.summary)
	c.mu.Unlock()
}

// drain waits for in-flight workers up to DrainTimeout, then terminates the
// rest and collects their results for up to KillGrace.
func (c *Controller) drain(ctx context.Context) error {
	var fatal error
	collect := func(res worker.Result) {
		if err := c.handle(ctx, res); err != nil && fatal == nil {
			fatal = err
		}
		c.pool.Done()
	}

	deadline := time.NewTimer(c.cfg.DrainTimeout)
	defer deadline.Stop()
wait:
	for c.pool.Outstanding() > 0 {
		select {
		case res := <-c.pool.Results():
			collect(res)
		case <-deadline.C:
			break wait
		}
	}
	if c.pool.Outstanding() == 0 {
		c.awaitWorkers()
		return fatal
	}

	c.logger.Warn("drain timeout, terminating workers", zap.Int("outstanding", c.pool.Outstanding()))
	c.bump(func(s *Summary) { s.Forced = true })
	c.pool.TerminateAll()

	grace := time.NewTimer(c.cfg.KillGrace)
	defer grace.Stop()
	for c.pool.Outstanding() > 0 {
		select {
		case res := <-c.pool.Results():
			collect(res)
		case <-grace.C:
			c.logger.Error("workers did not stop after termination", zap.Int("outstanding", c.pool.Outstanding()))
			return fatal
		}
	}
	c.awaitWorkers()
	return fatal
}

// awaitWorkers waits for worker goroutines that already delivered their
// results to exit, so none is still running when claims are released.
func (c *Controller) awaitWorkers() {
	if !c.pool.Wait(c.cfg.KillGrace) {
		c.logger.Error("worker goroutines still running after drain", zap.Duration("waited", c.cfg.KillGrace))
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
