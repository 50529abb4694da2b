// Copyright 2025 James Ross
// Package watchdog periodically asks storage to reclaim jobs persisted as
// processing whose owning executor disappeared (crash, redeploy, serverless
// cold stop). It marks them failed; relaunching is left to an explicit
// restart.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/flyingrobots/pipeline-orchestrator/internal/obs"
	"github.com/flyingrobots/pipeline-orchestrator/internal/storage"
	"go.uber.org/zap"
)

const (
	DefaultCheckInterval = 60 * time.Second
	DefaultJobTimeout    = 20 * time.Minute
)

type Options struct {
	CheckInterval    time.Duration
	JobTimeout       time.Duration
	OnStaleJobsFound func(count int)
}

type Watchdog struct {
	store storage.Store
	log   *zap.Logger
	opts  Options

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func New(store storage.Store, log *zap.Logger, opts Options) *Watchdog {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	return &Watchdog{store: store, log: log, opts: opts}
}

// Start launches the ticker goroutine. Idempotent; a second call while
// running is a no-op. The goroutine exits on ctx cancellation or Stop; Stop
// cancels it before waiting for it, so it cannot keep the process alive.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	stopped := make(chan struct{})
	w.stopped = stopped
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(w.opts.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				w.scanOnce(runCtx)
			}
		}
	}()
}

// Stop halts the ticker and waits for the goroutine to exit. Idempotent and
// safe to call from shutdown paths even if Start never ran.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel, stopped := w.cancel, w.stopped
	w.cancel, w.stopped = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (w *Watchdog) scanOnce(ctx context.Context) {
	count, err := w.store.FindAndTimeoutStaleJobs(ctx, w.opts.JobTimeout)
	if err != nil {
		w.log.Warn("stale job scan error", obs.Err(err))
		return
	}
	if count == 0 {
		return
	}
	obs.WatchdogReclaimed.Add(float64(count))
	w.log.Warn("reclaimed stale jobs", obs.Int("count", count))
	if w.opts.OnStaleJobsFound != nil {
		w.opts.OnStaleJobsFound(count)
	}
}
