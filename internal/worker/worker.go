// Package worker runs frontier entries through the processor on a bounded
// set of goroutines. Each worker receives one URL and answers with one Result
// on the pool's results channel; workers share no memory with the controller.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/frontier-crawler/internal/crawler"
	"github.com/JakeFAU/frontier-crawler/internal/metrics"
	"github.com/JakeFAU/frontier-crawler/internal/processor"
)

// DefaultSize is the concurrency limit when none is configured.
const DefaultSize = 8

// Outcome is how a worker finished.
type Outcome string

// Worker outcomes.
const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailed     Outcome = "failed"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeAborted    Outcome = "aborted"
	// OutcomeStoreError means the durable store failed; the crawl cannot go on.
	OutcomeStoreError Outcome = "store_error"
)

// Processor handles one URL.
type Processor interface {
	Process(ctx context.Context, url string) (processor.Result, error)
}

// Result is the completion message a worker sends back.
type Result struct {
	WorkerID int64
	URL      string
	Host     string
	Outcome  Outcome
	// CrawlErr is set for OutcomeFailed.
	CrawlErr *crawler.CrawlError
	// Err is set for OutcomeStoreError and OutcomeAborted.
	Err      error
	Enqueued int
}

// ResultFor converts a Process return into a Result.
func ResultFor(url, host string, res processor.Result, err error) Result {
	out := Result{URL: url, Host: host, Enqueued: res.Enqueued}
	var ce *crawler.CrawlError
	switch {
	case err == nil && res.Superseded:
		out.Outcome = OutcomeSuperseded
	case err == nil:
		out.Outcome = OutcomeSuccess
	case errors.As(err, &ce):
		out.Outcome = OutcomeFailed
		out.CrawlErr = ce
	case errors.Is(err, crawler.ErrAborted):
		out.Outcome = OutcomeAborted
		out.Err = err
	default:
		out.Outcome = OutcomeStoreError
		out.Err = err
	}
	return out
}

// Pool admits at most Size concurrent workers. A slot is taken with Reserve,
// filled with Spawn (or returned with Unreserve) and freed by Done once the
// controller has consumed the worker's Result.
type Pool struct {
	proc    Processor
	slots   *semaphore.Weighted
	results chan Result
	wg      sync.WaitGroup
	nextID  atomic.Int64
	pending atomic.Int64
	logger  *zap.Logger

	killCtx context.Context
	kill    context.CancelFunc
}

// NewPool creates a Pool of size slots. Fetch timeouts belong to the
// fetchers; the pool only cancels workers through TerminateAll.
func NewPool(proc Processor, size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	killCtx, kill := context.WithCancel(context.Background())
	return &Pool{
		proc:    proc,
		slots:   semaphore.NewWeighted(int64(size)),
		results: make(chan Result, size),
		logger:  logger,
		killCtx: killCtx,
		kill:    kill,
	}
}

// Reserve takes a free slot without blocking.
func (p *Pool) Reserve() bool {
	if p.killCtx.Err() != nil {
		return false
	}
	if !p.slots.TryAcquire(1) {
		return false
	}
	p.pending.Add(1)
	return true
}

// Unreserve returns a slot reserved but not spawned.
func (p *Pool) Unreserve() {
	p.pending.Add(-1)
	p.slots.Release(1)
}

// Spawn starts a worker for entry in a previously reserved slot.
func (p *Pool) Spawn(entry crawler.FrontierEntry) {
	id := p.nextID.Add(1)
	p.wg.Add(1)
	metrics.IncActiveWorkers()
	go func() {
		defer p.wg.Done()
		defer metrics.DecActiveWorkers()
		res := p.run(id, entry)
		res.WorkerID = id
		// Never blocks: the channel holds one Result per slot.
		p.results <- res
	}()
}

func (p *Pool) run(id int64, entry crawler.FrontierEntry) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panicked", zap.Int64("worker_id", id), zap.String("url", entry.URL), zap.Any("panic", r))
			res = Result{URL: entry.URL, Host: entry.Host, Outcome: OutcomeAborted, Err: fmt.Errorf("%w: panic: %v", crawler.ErrAborted, r)}
		}
	}()

	p.logger.Debug("worker started", zap.Int64("worker_id", id), zap.String("url", entry.URL))
	pr, err := p.proc.Process(p.killCtx, entry.URL)
	return ResultFor(entry.URL, entry.Host, pr, err)
}

// Results delivers one Result per spawned worker.
func (p *Pool) Results() <-chan Result { return p.results }

// Done frees the slot of a consumed Result.
func (p *Pool) Done() {
	p.pending.Add(-1)
	p.slots.Release(1)
}

// Outstanding counts spawned workers whose Result has not been consumed.
func (p *Pool) Outstanding() int {
	return int(p.pending.Load())
}

// TerminateAll cancels every running worker. Aborted workers still deliver
// a Result with OutcomeAborted. The pool accepts no further work.
func (p *Pool) TerminateAll() {
	p.kill()
}

// Wait blocks until every worker goroutine has returned or timeout passes.
// It reports whether all returned.
func (p *Pool) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
