package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/relaykit/orchestra/pkg/config"
	"github.com/relaykit/orchestra/pkg/db"
)

// Worker claims and sends effects for one channel. Grounded on
// pkg/dispatch.Worker's claim/heartbeat-free send loop, simplified since an
// outbox send has no long-running heartbeat requirement of its own — the
// lease just bounds how long a crashed sender can hold a row.
type Worker struct {
	id      string
	channel string
	cfg     *config.OutboxChannelConfig
	outbox  *db.OutboxRepo
	sender  Sender

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker constructs a channel outbox worker.
func NewWorker(id, channel string, cfg *config.OutboxChannelConfig, outbox *db.OutboxRepo, sender Sender) *Worker {
	return &Worker{
		id:      id,
		channel: channel,
		cfg:     cfg,
		outbox:  outbox,
		sender:  sender,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the worker's polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for its current send to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	log := slog.With("worker_id", w.id, "channel", w.channel)
	log.Info("outbox worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("outbox worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, outbox worker shutting down")
			return
		default:
			if err := w.pollAndSend(ctx); err != nil {
				if errors.Is(err, db.ErrNoneClaimable) {
					w.sleep(w.cfg.PollInterval)
					continue
				}
				log.Error("error processing effect", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndSend implements §4.D's worker loop steps 1-3.
func (w *Worker) pollAndSend(ctx context.Context) error {
	e, err := w.outbox.ClaimNext(ctx, w.channel, w.id, w.cfg.LeaseDuration, 0)
	if err != nil {
		return err
	}

	log := slog.With("effect_id", e.ID, "channel", w.channel, "worker_id", w.id)
	log.Info("effect claimed")

	providerRef, sendErr := w.sender.Send(ctx, e.PluginInstanceID, e.Channel, e.Payload)

	if sendErr == nil {
		if err := w.outbox.MarkSent(ctx, e.ID, providerRef); err != nil {
			return fmt.Errorf("mark effect %s sent: %w", e.ID, err)
		}
		return nil
	}

	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(sendErr, context.DeadlineExceeded) {
		if err := w.outbox.MarkUnknown(ctx, e.ID, sendErr.Error()); err != nil {
			return fmt.Errorf("mark effect %s unknown: %w", e.ID, err)
		}
		log.Warn("send outcome unknown (context cancelled or timed out)", "error", sendErr)
		return nil
	}

	retryable := classifyFailure(sendErr)
	backoff := backoffFor(e.AttemptCount, w.cfg.BackoffBase, w.cfg.BackoffMax)
	nextAttempt := time.Now().UTC().Add(backoff)
	// MarkFailed recomputes the stored retryable flag from attempt_count vs
	// maxAttempts when retryable is true here; it only ever forces false.
	if err := w.outbox.MarkFailed(ctx, e.ID, sendErr.Error(), retryable, nextAttempt, w.cfg.MaxAttempts); err != nil {
		return fmt.Errorf("mark effect %s failed: %w", e.ID, err)
	}
	log.Warn("effect send failed", "retryable", retryable, "backoff", backoff, "error", sendErr)
	return nil
}

// backoffFor implements the same base*2^attempt + jitter formula as
// pkg/dispatch.backoffFor, applied here to outbox retry scheduling instead
// of dispatch requeueing.
func backoffFor(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	raw := float64(base) * math.Pow(2, float64(attempt))
	if raw > float64(ceiling) {
		raw = float64(ceiling)
	}
	jitterMax := int64(raw / 2)
	var jitter int64
	if jitterMax > 0 {
		jitter = rand.Int64N(jitterMax)
	}
	total := time.Duration(raw) + time.Duration(jitter)
	if total > ceiling {
		total = ceiling
	}
	return total
}
