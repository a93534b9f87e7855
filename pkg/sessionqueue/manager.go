package sessionqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/orchestra/pkg/db"
	"github.com/relaykit/orchestra/pkg/models"
)

// DefaultDebounceMS and DefaultMaxQueued are the spec's suggested defaults
// (§4.B: "typical 100–500 ms", "default small, typically 20").
const (
	DefaultDebounceMS = 250
	DefaultMaxQueued  = 20
)

// Manager owns the per-process registry of lane state machines and mirrors
// every transition to the durable queue_lanes/queue_messages tables, the
// way pkg/queue.WorkerPool owns its activeSessions map. Cross-process
// coherence rests on the QueueLaneRepo row alone: no advisory lock keyed by
// queue_key is taken, so each lane's mutex serializes only callers within
// this process.
type Manager struct {
	lanes     *db.QueueLaneRepo
	dispatch  *db.DispatchRepo
	workItems *db.WorkItemRepo

	mu    sync.Mutex
	byKey map[string]*lane
}

// NewManager constructs a session queue manager.
func NewManager(lanes *db.QueueLaneRepo, dispatch *db.DispatchRepo, workItems *db.WorkItemRepo) *Manager {
	return &Manager{
		lanes:     lanes,
		dispatch:  dispatch,
		workItems: workItems,
		byKey:     make(map[string]*lane),
	}
}

// QueueKey is session_key:agent_id, the unit of serialization (§3 Data model).
func QueueKey(sessionKey, agentID string) string {
	return sessionKey + ":" + agentID
}

func (m *Manager) getOrCreateLane(ctx context.Context, queueKey, sessionKey, agentID string) (*lane, error) {
	m.mu.Lock()
	l, ok := m.byKey[queueKey]
	m.mu.Unlock()
	if ok {
		return l, nil
	}

	row, err := m.lanes.GetOrCreate(ctx, queueKey, sessionKey, agentID, DefaultDebounceMS, DefaultMaxQueued)
	if err != nil {
		return nil, fmt.Errorf("sessionqueue: get-or-create lane %s: %w", queueKey, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byKey[queueKey]; ok {
		return existing, nil
	}
	l = newLane(queueKey, sessionKey, agentID, row.DebounceMS, row.MaxQueued)
	l.mode = row.Mode
	l.paused = row.IsPaused
	m.byKey[queueKey] = l
	return l, nil
}

// Enqueue implements §4.B's `enqueue(sessionKey, message)`: non-blocking,
// never rejects. Returns a receipt describing what happened to the message.
func (m *Manager) Enqueue(ctx context.Context, sessionKey, agentID string, msg Message) (EnqueueReceipt, error) {
	queueKey := QueueKey(sessionKey, agentID)
	l, err := m.getOrCreateLane(ctx, queueKey, sessionKey, agentID)
	if err != nil {
		return "", err
	}
	if msg.ArrivedAt.IsZero() {
		msg.ArrivedAt = time.Now().UTC()
	}

	if err := m.persistMessage(ctx, queueKey, msg); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused {
		l.buffer = append(l.buffer, msg)
		return ReceiptPaused, nil
	}

	switch l.state {
	case models.LaneIdle:
		l.buffer = append(l.buffer, msg)
		l.state = models.LaneDebouncing
		m.armTimer(l)
		if err := m.transitionLocked(ctx, l, nil); err != nil {
			return "", err
		}
		return ReceiptDebouncing, nil

	case models.LaneDebouncing:
		l.buffer = append(l.buffer, msg)
		m.armTimer(l)
		return ReceiptDebouncing, nil

	case models.LaneRunning:
		switch l.mode {
		case models.ModeSteer, models.ModeFollowup:
			// Folded into the active run at its next safe checkpoint by the
			// dispatcher (§4.C Merge semantics); the queue side only needs
			// to record it and let the dispatcher pick it up.
			l.pendingQueue = append(l.pendingQueue, msg)
			return ReceiptQueued, nil
		default: // collect
			if len(l.pendingQueue) >= l.maxQueued {
				return ReceiptDropped, nil
			}
			l.pendingQueue = append(l.pendingQueue, msg)
			return ReceiptQueued, nil
		}

	default:
		l.buffer = append(l.buffer, msg)
		return ReceiptDebouncing, nil
	}
}

func (m *Manager) persistMessage(ctx context.Context, queueKey string, msg Message) error {
	return m.lanes.EnqueueMessage(ctx, &models.QueueMessage{
		ID:         uuid.NewString(),
		QueueKey:   queueKey,
		WorkItemID: msg.WorkItemID,
		Text:       msg.Text,
		SenderName: msg.SenderName,
		ArrivedAt:  msg.ArrivedAt,
		Status:     models.MessagePending,
	})
}

// armTimer (re)starts the debounce timer. Must be called with l.mu held;
// the fired callback acquires l.mu itself, never while the arming caller
// still holds it, by running asynchronously via time.AfterFunc.
func (m *Manager) armTimer(l *lane) {
	if l.timer != nil {
		l.timer.Stop()
	}
	d := time.Duration(l.debounceMS) * time.Millisecond
	l.timer = time.AfterFunc(d, func() {
		m.flush(context.Background(), l)
	})
}

// flush fires when the debounce timer expires: coalesce the buffer, write a
// new queued RunDispatch, and move to running.
func (m *Manager) flush(ctx context.Context, l *lane) {
	l.mu.Lock()
	if l.state != models.LaneDebouncing || len(l.buffer) == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.buffer
	l.buffer = nil
	l.state = models.LaneRunning
	l.mu.Unlock()

	if err := m.startRun(ctx, l, batch); err != nil {
		slog.Error("sessionqueue: failed to start run from debounce flush",
			"queue_key", l.queueKey, "error", err)
	}
}

func (m *Manager) startRun(ctx context.Context, l *lane, batch []Message) error {
	text, respCtx := coalesce(batch)

	disp := &models.RunDispatch{
		QueueKey:      l.queueKey,
		WorkItemID:    batch[len(batch)-1].WorkItemID,
		AgentID:       l.agentID,
		SessionKey:    l.sessionKey,
		Status:        models.DispatchQueued,
		InputText:     text,
		CoalescedText: text,
		ScheduledAt:   time.Now().UTC(),
	}
	_ = respCtx // carried on the work item; dispatcher re-reads it via WorkItemRepo

	if err := m.dispatch.Enqueue(ctx, disp); err != nil {
		return fmt.Errorf("sessionqueue: enqueue dispatch for %s: %w", l.queueKey, err)
	}

	l.mu.Lock()
	l.activeDispatchID = disp.ID
	l.mu.Unlock()

	return m.lanes.Transition(ctx, l.queueKey, models.LaneRunning, nil, &disp.ID)
}

// OnRunComplete implements §4.B's `onRunComplete(sessionKey)`: called by the
// dispatcher once a run finishes. If messages queued up while it ran,
// immediately start the next run with them coalesced; otherwise go idle.
func (m *Manager) OnRunComplete(ctx context.Context, sessionKey, agentID string) error {
	queueKey := QueueKey(sessionKey, agentID)
	l, err := m.getOrCreateLane(ctx, queueKey, sessionKey, agentID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	pending := l.pendingQueue
	l.pendingQueue = nil
	l.activeDispatchID = ""
	if len(pending) == 0 {
		l.state = models.LaneIdle
	}
	l.mu.Unlock()

	if len(pending) == 0 {
		return m.lanes.Transition(ctx, queueKey, models.LaneIdle, nil, nil)
	}
	return m.startRun(ctx, l, pending)
}

// SetPaused toggles the operator pause flag for a lane (Runtime Control's
// per-lane pause path; §4.H).
func (m *Manager) SetPaused(ctx context.Context, sessionKey, agentID string, paused bool) error {
	queueKey := QueueKey(sessionKey, agentID)
	l, err := m.getOrCreateLane(ctx, queueKey, sessionKey, agentID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.paused = paused
	l.mu.Unlock()
	return m.lanes.SetPaused(ctx, queueKey, paused)
}

// SetMode changes a lane's arrival-while-running behavior.
func (m *Manager) SetMode(ctx context.Context, sessionKey, agentID string, mode models.QueueLaneMode) error {
	queueKey := QueueKey(sessionKey, agentID)
	l, err := m.getOrCreateLane(ctx, queueKey, sessionKey, agentID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.mode = mode
	l.mu.Unlock()
	return m.lanes.SetMode(ctx, queueKey, mode)
}

// RecoverOnStartup implements §4.B Durability's recovery sweep: lanes left
// running or debouncing across a restart are either reconciled against
// their dispatch's terminal status or flushed as if their timer had fired,
// grounded on pkg/queue/orphan.go's CleanupStartupOrphans idiom generalized
// from "one AlertSession per pod" to "one Lane per queue_key".
func (m *Manager) RecoverOnStartup(ctx context.Context) (int, error) {
	rows, err := m.lanes.RunningLanes(ctx)
	if err != nil {
		return 0, fmt.Errorf("sessionqueue: list running lanes: %w", err)
	}

	recovered := 0
	now := time.Now().UTC()
	for _, row := range rows {
		switch row.State {
		case models.LaneRunning:
			if row.ActiveDispatchID == nil {
				if err := m.lanes.Transition(ctx, row.QueueKey, models.LaneIdle, nil, nil); err != nil {
					return recovered, err
				}
				recovered++
				continue
			}
			d, err := m.dispatch.Get(ctx, *row.ActiveDispatchID)
			if err != nil && !errors.Is(err, db.ErrNotFound) {
				return recovered, fmt.Errorf("sessionqueue: load active dispatch for %s: %w", row.QueueKey, err)
			}
			if err == nil && !d.Status.IsTerminal() {
				// Still genuinely in flight; leave it for the dispatcher's
				// own lease-expiry recovery to reclaim.
				continue
			}
			if err := m.onTerminalDispatchDuringRecovery(ctx, row); err != nil {
				return recovered, err
			}
			recovered++

		case models.LaneDebouncing:
			if row.DebounceUntil != nil && row.DebounceUntil.After(now) {
				continue
			}
			if err := m.recoverDebouncingLane(ctx, row); err != nil {
				return recovered, err
			}
			recovered++
		}
	}
	return recovered, nil
}

func (m *Manager) onTerminalDispatchDuringRecovery(ctx context.Context, row *models.QueueLane) error {
	pending, err := m.lanes.PendingMessages(ctx, row.QueueKey)
	if err != nil {
		return fmt.Errorf("sessionqueue: load pending messages for %s: %w", row.QueueKey, err)
	}
	l, err := m.getOrCreateLane(ctx, row.QueueKey, row.SessionKey, row.AgentID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		l.mu.Lock()
		l.state = models.LaneIdle
		l.mu.Unlock()
		return m.lanes.Transition(ctx, row.QueueKey, models.LaneIdle, nil, nil)
	}
	batch := make([]Message, len(pending))
	for i, p := range pending {
		batch[i] = Message{WorkItemID: p.WorkItemID, Text: p.Text, SenderName: p.SenderName, ArrivedAt: p.ArrivedAt}
	}
	return m.startRun(ctx, l, batch)
}

func (m *Manager) recoverDebouncingLane(ctx context.Context, row *models.QueueLane) error {
	pending, err := m.lanes.PendingMessages(ctx, row.QueueKey)
	if err != nil {
		return fmt.Errorf("sessionqueue: load pending messages for %s: %w", row.QueueKey, err)
	}
	if len(pending) == 0 {
		return m.lanes.Transition(ctx, row.QueueKey, models.LaneIdle, nil, nil)
	}
	l, err := m.getOrCreateLane(ctx, row.QueueKey, row.SessionKey, row.AgentID)
	if err != nil {
		return err
	}
	batch := make([]Message, len(pending))
	for i, p := range pending {
		batch[i] = Message{WorkItemID: p.WorkItemID, Text: p.Text, SenderName: p.SenderName, ArrivedAt: p.ArrivedAt}
	}
	return m.startRun(ctx, l, batch)
}

// transitionLocked mirrors a lane's current state to queue_lanes. Must be
// called with l.mu held.
func (m *Manager) transitionLocked(ctx context.Context, l *lane, activeDispatchID *string) error {
	var debounceUntil *time.Time
	if l.state == models.LaneDebouncing {
		t := time.Now().UTC().Add(time.Duration(l.debounceMS) * time.Millisecond)
		debounceUntil = &t
	}
	return m.lanes.Transition(ctx, l.queueKey, l.state, debounceUntil, activeDispatchID)
}
