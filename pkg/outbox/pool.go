// Package outbox is the Effect Outbox's per-channel sender worker pool
// (§4.D): at-least-once delivery of side effects a completed run requested,
// with retry classification, exponential backoff, and reconciliation of
// sends whose acknowledgment was lost. Grounded on pkg/dispatch's
// claim/backoff skeleton, itself grounded on pkg/queue/worker.go, restructured
// per-channel rather than globally since each provider has its own rate
// limits and failure modes.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaykit/orchestra/pkg/config"
	"github.com/relaykit/orchestra/pkg/db"
)

// Pool runs a fixed worker pool per configured channel plus a background
// lease-recovery sweep, mirroring pkg/dispatch.Pool's shape.
type Pool struct {
	channels *config.OutboxChannelRegistry
	outbox   *db.OutboxRepo
	sender   Sender

	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	mu               sync.Mutex
	lastRecoveryScan time.Time
	leasesRecovered  int
}

// NewPool constructs an outbox worker pool. channelNames only sizes the
// worker list; Start's channelNames argument decides which channels (e.g.
// "slack", "genericwebhook") get workers. Each channel's worker count and
// tuning come from channels.Get(name).
func NewPool(channelNames []string, channels *config.OutboxChannelRegistry, outbox *db.OutboxRepo, sender Sender) *Pool {
	return &Pool{
		channels: channels,
		outbox:   outbox,
		sender:   sender,
		stopCh:   make(chan struct{}),
		workers:  make([]*Worker, 0, len(channelNames)),
	}
}

// Start spawns worker pools for each named channel and the background
// lease-recovery sweep. channelNames is passed here rather than fixed at
// construction since the caller typically derives it from the set of
// registered plugin types at wiring time.
func (p *Pool) Start(ctx context.Context, channelNames []string) error {
	if p.started {
		slog.Warn("outbox pool already started, ignoring duplicate Start call")
		return nil
	}
	p.started = true

	for _, channel := range channelNames {
		cfg := p.channels.Get(channel)
		slog.Info("starting outbox channel worker pool", "channel", channel, "worker_count", cfg.WorkerCount)
		for i := 0; i < cfg.WorkerCount; i++ {
			id := fmt.Sprintf("outbox-%s-%d", channel, i)
			w := NewWorker(id, channel, cfg, p.outbox, p.sender)
			p.workers = append(p.workers, w)
			w.Start(ctx)
		}
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runRecoverySweep(ctx)
	}()

	return nil
}

// Stop signals all channel workers and the recovery sweep to stop.
func (p *Pool) Stop() {
	slog.Info("stopping outbox pool gracefully")
	for _, w := range p.workers {
		w.Stop()
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	slog.Info("outbox pool stopped")
}

// runRecoverySweep periodically marks "sending" effects whose lease expired
// without any terminal write (the sender crashed before acking) as
// "unknown". Worker itself marks an effect unknown when its send is
// cancelled or times out; neither path reconciles unknown effects.
func (p *Pool) runRecoverySweep(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			recovered, err := p.outbox.RecoverExpiredLeases(ctx, time.Now().UTC())
			if err != nil {
				slog.Error("outbox lease recovery sweep failed", "error", err)
				continue
			}
			p.mu.Lock()
			p.lastRecoveryScan = time.Now()
			p.leasesRecovered += recovered
			p.mu.Unlock()
			if recovered > 0 {
				slog.Warn("recovered effects with expired sender leases", "count", recovered)
			}
		}
	}
}

// PoolHealth summarizes outbox pool status for the admin surface.
type PoolHealth struct {
	ChannelCount     int
	LastRecoveryScan time.Time
	LeasesRecovered  int
}

// Health returns a snapshot of the pool's recovery-sweep metrics.
func (p *Pool) Health() PoolHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolHealth{
		ChannelCount:     len(p.workers),
		LastRecoveryScan: p.lastRecoveryScan,
		LeasesRecovered:  p.leasesRecovered,
	}
}
