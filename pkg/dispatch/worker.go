// Package dispatch is the Run Dispatcher's worker pool: a fleet of
// goroutines that claim queued RunDispatch rows with FOR UPDATE SKIP
// LOCKED, heartbeat their lease, invoke the agent runner, and record the
// result (§4.C). Directly grounded on pkg/queue/worker.go + pool.go +
// orphan.go, generalized from a single ent.AlertSession row per claim to
// the epoch-fenced RunDispatch row this spec requires.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaykit/orchestra/pkg/agentrpc"
	"github.com/relaykit/orchestra/pkg/config"
	"github.com/relaykit/orchestra/pkg/db"
	"github.com/relaykit/orchestra/pkg/models"
	"github.com/relaykit/orchestra/pkg/runtimectl"
)

// ErrAtCapacity and db.ErrNoneClaimable are control-flow sentinels the poll
// loop uses to decide "back off" vs. "log and back off anyway" — neither
// represents a worker malfunction.
var (
	ErrAtCapacity = errors.New("dispatch: at global concurrency capacity")
)

// SessionQueueNotifier is the subset of sessionqueue.Manager the dispatcher
// needs: a callback once a dispatch reaches a terminal state so the lane can
// resume or go idle (§4.B `onRunComplete`).
type SessionQueueNotifier interface {
	OnRunComplete(ctx context.Context, sessionKey, agentID string) error
}

// EffectEmitter is the subset of db.OutboxRepo the dispatcher needs: record
// side effects a completed run requested, and sweep a cancelled dispatch's
// non-terminal effects (§4.D cancellation).
type EffectEmitter interface {
	Enqueue(ctx context.Context, e *models.EffectOutboxEntry) error
	CancelPendingForDispatch(ctx context.Context, dispatchID string) (int, error)
}

// WorkerStatus mirrors the teacher's health-tracking enum.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerWorking WorkerStatus = "working"
)

// Worker polls for and processes one RunDispatch at a time.
type Worker struct {
	id       string
	podID    string
	cfg      *config.DispatchConfig
	dispatch *db.DispatchRepo
	outbox   EffectEmitter
	runner   agentrpc.Runner
	ctl      *runtimectl.Service
	queue    SessionQueueNotifier

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu              sync.RWMutex
	status          WorkerStatus
	currentDispatch string
	processedCount  int
	lastActivity    time.Time
}

// NewWorker constructs a dispatch worker.
func NewWorker(id, podID string, cfg *config.DispatchConfig, dispatch *db.DispatchRepo, outbox EffectEmitter, runner agentrpc.Runner, ctl *runtimectl.Service, queue SessionQueueNotifier) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		cfg:          cfg,
		dispatch:     dispatch,
		outbox:       outbox,
		runner:       runner,
		ctl:          ctl,
		queue:        queue,
		stopCh:       make(chan struct{}),
		status:       WorkerIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker's polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its current
// dispatch (graceful — §4.C workers never abandon a claim mid-write).
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("dispatch worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("dispatch worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, dispatch worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, db.ErrNoneClaimable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("error processing dispatch", "error", err)
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

// pollAndProcess implements §4.C's worker-loop steps 1–7.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// Step 1: consult Runtime Control.
	ctlState, err := w.ctl.Current(ctx)
	if err != nil {
		return fmt.Errorf("read runtime control: %w", err)
	}
	if !ctlState.ProcessingEnabled {
		return db.ErrNoneClaimable // soft or hard stop: sleep and retry, same as no work available
	}

	active, err := w.dispatch.ActiveCount(ctx)
	if err != nil {
		return fmt.Errorf("count active dispatches: %w", err)
	}
	if active >= w.cfg.MaxConcurrentDispatches || active >= ctlState.MaxConcurrentDispatches {
		return ErrAtCapacity
	}

	// Step 2: claim.
	d, err := w.dispatch.Claim(ctx, w.id, w.cfg.LeaseDuration, ctlState.ControlEpoch)
	if err != nil {
		return err
	}

	log := slog.With("dispatch_id", d.ID, "worker_id", w.id, "queue_key", d.QueueKey)
	log.Info("dispatch claimed")
	w.setStatus(WorkerWorking, d.ID)
	defer w.setStatus(WorkerIdle, "")

	// Step 3: heartbeat goroutine. A cooperative pause/cancel request
	// observed on a heartbeat tick cancels runCtx and records which one, so
	// step 5 below can fold it in at this safe point (spec.md §4.C step 5).
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	var controlSignal atomic.Value
	go w.runHeartbeat(runCtx, d.ID, cancelRun, &controlSignal)

	// Step 4: invoke the agent runner.
	out, runErr := w.runner.Run(runCtx, &agentrpc.RunInput{
		DispatchID:       d.ID,
		RunKey:           d.RunKey,
		AgentID:          d.AgentID,
		SessionKey:       d.SessionKey,
		PluginInstanceID: "",
		CoalescedText:    d.CoalescedText,
		AttemptCount:     d.AttemptCount,
	})
	cancelRun()

	// Step 5: fold in any cooperative pause/cancel request observed during
	// the run, then check epoch fencing — if the control epoch advanced
	// past this claim's epoch, abort without writing any result.
	if cs, ok := controlSignal.Load().(models.ControlState); ok {
		switch cs {
		case models.ControlCancelRequested:
			log.Info("dispatch cancelled by cooperative control request")
			return w.abortDispatch(context.Background(), d, models.DispatchCancelled)
		case models.ControlPauseRequested:
			log.Info("dispatch paused by cooperative control request")
			return w.pauseDispatch(context.Background(), d)
		}
	}

	fresh, ctlErr := w.ctl.Current(context.Background())
	if ctlErr == nil && fresh.ControlEpoch > ctlState.ControlEpoch {
		log.Warn("control epoch advanced during run, discarding result", "claimed_epoch", ctlState.ControlEpoch, "current_epoch", fresh.ControlEpoch)
		return nil
	}

	return w.finish(context.Background(), d, out, runErr)
}

// abortDispatch finishes a dispatch as cancelled (or another terminal
// status reached via cooperative control rather than normal completion),
// sweeping its non-terminal outbox effects per §4.D cancellation.
func (w *Worker) abortDispatch(ctx context.Context, d *models.RunDispatch, status models.DispatchStatus) error {
	if err := w.dispatch.Finish(ctx, d.ID, status, nil); err != nil {
		return fmt.Errorf("finish %s dispatch %s: %w", status, d.ID, err)
	}
	if status == models.DispatchCancelled {
		if _, err := w.outbox.CancelPendingForDispatch(ctx, d.ID); err != nil {
			slog.Error("failed to sweep outbox effects for cancelled dispatch", "dispatch_id", d.ID, "error", err)
		}
	}
	w.bumpProcessed()
	return w.notifyQueue(ctx, d)
}

// pauseDispatch releases the lease and transitions to paused without
// notifying the session queue — a paused dispatch is not terminal and
// expects an external resume to requeue it.
func (w *Worker) pauseDispatch(ctx context.Context, d *models.RunDispatch) error {
	if err := w.dispatch.Pause(ctx, d.ID); err != nil {
		return fmt.Errorf("pause dispatch %s: %w", d.ID, err)
	}
	return nil
}

func (w *Worker) finish(ctx context.Context, d *models.RunDispatch, out *agentrpc.RunOutput, runErr error) error {
	if runErr != nil {
		return w.handleFailure(ctx, d, runErr)
	}
	if out == nil || !out.Completed {
		msg := "agent runner returned without completing"
		if out != nil && out.ErrorMsg != "" {
			msg = out.ErrorMsg
		}
		return w.handleFailure(ctx, d, errors.New(msg))
	}

	for _, eff := range out.Effects {
		if err := w.outbox.Enqueue(ctx, &models.EffectOutboxEntry{
			EffectKey:        d.ID + ":" + eff.Channel + ":" + eff.Kind,
			DispatchID:       d.ID,
			PluginInstanceID: "",
			Channel:          eff.Channel,
			Kind:             eff.Kind,
			Payload:          eff.Payload,
		}); err != nil {
			slog.Error("failed to enqueue effect from completed dispatch", "dispatch_id", d.ID, "error", err)
		}
	}

	if err := w.dispatch.Finish(ctx, d.ID, models.DispatchCompleted, nil); err != nil {
		return fmt.Errorf("finish completed dispatch %s: %w", d.ID, err)
	}

	w.bumpProcessed()
	return w.notifyQueue(ctx, d)
}

func (w *Worker) handleFailure(ctx context.Context, d *models.RunDispatch, runErr error) error {
	errMsg := runErr.Error()
	if d.AttemptCount < w.cfg.MaxAttempts {
		backoff := backoffFor(d.AttemptCount, time.Second, 60*time.Second)
		if err := w.requeueWithBackoff(ctx, d.ID, backoff); err != nil {
			return fmt.Errorf("requeue failed dispatch %s: %w", d.ID, err)
		}
		slog.Warn("dispatch failed, requeued with backoff", "dispatch_id", d.ID, "attempt", d.AttemptCount, "backoff", backoff, "error", errMsg)
		return nil
	}

	if err := w.dispatch.Finish(ctx, d.ID, models.DispatchFailed, &errMsg); err != nil {
		return fmt.Errorf("finish failed dispatch %s: %w", d.ID, err)
	}
	w.bumpProcessed()
	return w.notifyQueue(ctx, d)
}

func (w *Worker) notifyQueue(ctx context.Context, d *models.RunDispatch) error {
	if w.queue == nil {
		return nil
	}
	if err := w.queue.OnRunComplete(ctx, d.SessionKey, d.AgentID); err != nil {
		return fmt.Errorf("notify session queue for %s: %w", d.QueueKey, err)
	}
	return nil
}

// requeueWithBackoff returns the dispatch to queued through
// DispatchRepo.Requeue, scheduled backoff from now.
func (w *Worker) requeueWithBackoff(ctx context.Context, id string, backoff time.Duration) error {
	return w.dispatch.Requeue(ctx, id, time.Now().UTC().Add(backoff))
}

// backoffFor implements §4.C's backoff formula: base*2^attempt + jitter in
// [0, base*2^attempt/2), capped at ceiling.
func backoffFor(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	pow := math.Pow(2, float64(attempt))
	d := time.Duration(float64(base) * pow)
	if d > ceiling {
		d = ceiling
	}
	jitterMax := d / 2
	if jitterMax <= 0 {
		return d
	}
	jitter := time.Duration(rand.Int64N(int64(jitterMax)))
	total := d + jitter
	if total > ceiling {
		total = ceiling
	}
	return total
}

// runHeartbeat extends the claimed dispatch's lease every HeartbeatInterval
// (a third of LeaseDuration when that is unset), mirroring runHeartbeat's
// ticker-driven extension. If a tick observes a
// cooperative pause_requested or cancel_requested control_state, it stores
// the signal and cancels the run context so the agent invocation unwinds at
// this safe point (spec.md §4.C step 5).
func (w *Worker) runHeartbeat(ctx context.Context, dispatchID string, cancel context.CancelFunc, signal *atomic.Value) {
	interval := w.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = w.cfg.LeaseDuration / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cs, err := w.dispatch.Heartbeat(ctx, dispatchID, w.id, w.cfg.LeaseDuration)
			if err != nil {
				if errors.Is(err, db.ErrStaleEpoch) {
					slog.Warn("lost dispatch claim during heartbeat", "dispatch_id", dispatchID, "worker_id", w.id)
					return
				}
				slog.Warn("heartbeat update failed", "dispatch_id", dispatchID, "error", err)
				continue
			}
			if cs == models.ControlCancelRequested || cs == models.ControlPauseRequested {
				signal.Store(cs)
				cancel()
				return
			}
		}
	}
}

// pollInterval returns the base poll interval with jitter, same idiom as
// the teacher's pollInterval.
func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.PollInterval
	jitter := w.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setStatus(status WorkerStatus, dispatchID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentDispatch = dispatchID
	w.lastActivity = time.Now()
}

func (w *Worker) bumpProcessed() {
	w.mu.Lock()
	w.processedCount++
	w.mu.Unlock()
}

// Health reports this worker's current status for the pool's health summary.
type Health struct {
	ID              string
	Status          WorkerStatus
	CurrentDispatch string
	Processed       int
	LastActivity    time.Time
}

// Health returns the current worker health snapshot.
func (w *Worker) Health() Health {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Health{ID: w.id, Status: w.status, CurrentDispatch: w.currentDispatch, Processed: w.processedCount, LastActivity: w.lastActivity}
}
