package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaykit/orchestra/pkg/agentrpc"
	"github.com/relaykit/orchestra/pkg/config"
	"github.com/relaykit/orchestra/pkg/db"
	"github.com/relaykit/orchestra/pkg/runtimectl"
)

// Pool manages a fleet of dispatch workers plus the background orphan
// (expired-lease) recovery sweep, grounded on pkg/queue/pool.go's
// WorkerPool/runOrphanDetection.
type Pool struct {
	podID    string
	cfg      *config.DispatchConfig
	dispatch *db.DispatchRepo
	outbox   EffectEmitter
	runner   agentrpc.Runner
	ctl      *runtimectl.Service
	queue    SessionQueueNotifier

	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	orphanMu         sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// NewPool constructs a dispatch worker pool.
func NewPool(podID string, cfg *config.DispatchConfig, dispatch *db.DispatchRepo, outbox EffectEmitter, runner agentrpc.Runner, ctl *runtimectl.Service, queue SessionQueueNotifier) *Pool {
	return &Pool{
		podID:    podID,
		cfg:      cfg,
		dispatch: dispatch,
		outbox:   outbox,
		runner:   runner,
		ctl:      ctl,
		queue:    queue,
		workers:  make([]*Worker, 0, cfg.WorkerCount),
		stopCh:   make(chan struct{}),
	}
}

// Start cleans up this pod's startup orphans, then spawns worker goroutines
// and the orphan-detection loop. Safe to call only once.
func (p *Pool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("dispatch pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	n, err := p.dispatch.CleanupStartupOrphans(ctx, p.podID+"-")
	if err != nil {
		return fmt.Errorf("cleanup startup orphans: %w", err)
	}
	if n > 0 {
		slog.Warn("recovered startup orphans from previous run", "pod_id", p.podID, "count", n)
	}

	slog.Info("starting dispatch pool", "pod_id", p.podID, "worker_count", p.cfg.WorkerCount)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		w := NewWorker(workerID, p.podID, p.cfg, p.dispatch, p.outbox, p.runner, p.ctl, p.queue)
		p.workers = append(p.workers, w)
		w.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanDetection(ctx)
	}()

	return nil
}

// Stop signals all workers and the orphan sweep to stop, waiting for
// in-flight dispatches to finish their current claim.
func (p *Pool) Stop() {
	slog.Info("stopping dispatch pool gracefully")
	for _, w := range p.workers {
		w.Stop()
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	slog.Info("dispatch pool stopped")
}

func (p *Pool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			recovered, err := p.dispatch.RecoverExpiredLeases(ctx, time.Now().UTC(), p.cfg.MaxAttempts)
			if err != nil {
				slog.Error("dispatch orphan detection failed", "error", err)
				continue
			}
			p.orphanMu.Lock()
			p.lastOrphanScan = time.Now()
			p.orphansRecovered += recovered
			p.orphanMu.Unlock()
			if recovered > 0 {
				slog.Warn("recovered dispatches with expired leases", "count", recovered)
			}
		}
	}
}

// Health summarizes pool status for the admin surface.
type PoolHealth struct {
	PodID            string
	Workers          []Health
	LastOrphanScan   time.Time
	OrphansRecovered int
}

// Health returns a snapshot of every worker's status plus orphan-sweep metrics.
func (p *Pool) Health() PoolHealth {
	stats := make([]Health, len(p.workers))
	for i, w := range p.workers {
		stats[i] = w.Health()
	}
	p.orphanMu.Lock()
	defer p.orphanMu.Unlock()
	return PoolHealth{
		PodID:            p.podID,
		Workers:          stats,
		LastOrphanScan:   p.lastOrphanScan,
		OrphansRecovered: p.orphansRecovered,
	}
}
