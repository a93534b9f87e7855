package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/orchestra/pkg/models"
)

// QueueLaneRepo mirrors §4.B's in-memory lane state machine to durable
// storage so a process restart can resume mid-debounce instead of dropping
// buffered messages, grounded on CleanupStartupOrphans's recovery idiom.
type QueueLaneRepo struct {
	db *sql.DB
}

// NewQueueLaneRepo wraps a pool for QueueLane/QueueMessage persistence.
func NewQueueLaneRepo(db *sql.DB) *QueueLaneRepo {
	return &QueueLaneRepo{db: db}
}

const queueLaneSelectCols = `SELECT queue_key, session_key, agent_id, state, mode, is_paused, debounce_until,
	debounce_ms, max_queued, active_dispatch_id, updated_at FROM queue_lanes`

func scanLane(scan func(...any) error) (*models.QueueLane, error) {
	var l models.QueueLane
	err := scan(
		&l.QueueKey, &l.SessionKey, &l.AgentID, &l.State, &l.Mode, &l.IsPaused, &l.DebounceUntil,
		&l.DebounceMS, &l.MaxQueued, &l.ActiveDispatchID, &l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan queue lane: %w", err)
	}
	return &l, nil
}

// GetOrCreate fetches a lane, creating an idle one if it doesn't exist yet.
func (r *QueueLaneRepo) GetOrCreate(ctx context.Context, queueKey, sessionKey, agentID string, debounceMS, maxQueued int) (*models.QueueLane, error) {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO queue_lanes (queue_key, session_key, agent_id, state, mode, debounce_ms, max_queued, updated_at)
		 VALUES ($1,$2,$3,'idle','collect',$4,$5,$6)
		 ON CONFLICT (queue_key) DO NOTHING`,
		queueKey, sessionKey, agentID, debounceMS, maxQueued, now,
	)
	if err != nil {
		return nil, fmt.Errorf("get-or-create queue lane: %w", err)
	}
	row := r.db.QueryRowContext(ctx, queueLaneSelectCols+` WHERE queue_key = $1`, queueKey)
	return scanLane(row.Scan)
}

// Get fetches a lane by queue key.
func (r *QueueLaneRepo) Get(ctx context.Context, queueKey string) (*models.QueueLane, error) {
	row := r.db.QueryRowContext(ctx, queueLaneSelectCols+` WHERE queue_key = $1`, queueKey)
	return scanLane(row.Scan)
}

// Transition updates a lane's state/mode/debounce/active-dispatch fields in
// one statement so the durable mirror never observes a half-applied
// transition.
func (r *QueueLaneRepo) Transition(ctx context.Context, queueKey string, state models.QueueLaneState, debounceUntil *time.Time, activeDispatchID *string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE queue_lanes SET state = $1, debounce_until = $2, active_dispatch_id = $3, updated_at = $4
		 WHERE queue_key = $5`,
		state, debounceUntil, activeDispatchID, time.Now().UTC(), queueKey,
	)
	if err != nil {
		return fmt.Errorf("transition queue lane: %w", err)
	}
	return nil
}

// SetPaused toggles a lane's operator-initiated pause flag.
func (r *QueueLaneRepo) SetPaused(ctx context.Context, queueKey string, paused bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE queue_lanes SET is_paused = $1, updated_at = $2 WHERE queue_key = $3`,
		paused, time.Now().UTC(), queueKey,
	)
	if err != nil {
		return fmt.Errorf("set queue lane paused: %w", err)
	}
	return nil
}

// SetMode changes a lane's arrival-while-running behavior (collect, followup, steer).
func (r *QueueLaneRepo) SetMode(ctx context.Context, queueKey string, mode models.QueueLaneMode) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE queue_lanes SET mode = $1, updated_at = $2 WHERE queue_key = $3`,
		mode, time.Now().UTC(), queueKey,
	)
	if err != nil {
		return fmt.Errorf("set queue lane mode: %w", err)
	}
	return nil
}

// RunningLanes returns lanes left in a non-idle state, used on startup to
// resume or fail over in-flight debounce windows after a crash.
func (r *QueueLaneRepo) RunningLanes(ctx context.Context) ([]*models.QueueLane, error) {
	rows, err := r.db.QueryContext(ctx, queueLaneSelectCols+` WHERE state != 'idle'`)
	if err != nil {
		return nil, fmt.Errorf("query running lanes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.QueueLane
	for rows.Next() {
		l, err := scanLane(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// EnqueueMessage buffers a message arriving while a lane is running/debouncing.
func (r *QueueLaneRepo) EnqueueMessage(ctx context.Context, m *models.QueueMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.ArrivedAt.IsZero() {
		m.ArrivedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = models.MessagePending
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO queue_messages (id, queue_key, work_item_id, text, sender_name, arrived_at, status)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		m.ID, m.QueueKey, m.WorkItemID, m.Text, m.SenderName, m.ArrivedAt, m.Status,
	)
	if err != nil {
		return fmt.Errorf("enqueue queue message: %w", err)
	}
	return nil
}

// PendingMessages returns all pending messages for a lane, oldest first —
// the coalescing set the dispatcher folds into the next run's input.
func (r *QueueLaneRepo) PendingMessages(ctx context.Context, queueKey string) ([]*models.QueueMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, queue_key, work_item_id, text, sender_name, arrived_at, status, dispatch_id
		 FROM queue_messages WHERE queue_key = $1 AND status = 'pending' ORDER BY arrived_at ASC`,
		queueKey,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.QueueMessage
	for rows.Next() {
		var m models.QueueMessage
		if err := rows.Scan(&m.ID, &m.QueueKey, &m.WorkItemID, &m.Text, &m.SenderName, &m.ArrivedAt, &m.Status, &m.DispatchID); err != nil {
			return nil, fmt.Errorf("scan queue message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// MarkMessagesIncluded binds the pending messages of a lane to the dispatch
// that coalesced them.
func (r *QueueLaneRepo) MarkMessagesIncluded(ctx context.Context, ids []string, dispatchID string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE queue_messages SET status = 'included', dispatch_id = $1 WHERE id = ANY($2)`,
		dispatchID, ids,
	)
	if err != nil {
		return fmt.Errorf("mark messages included: %w", err)
	}
	return nil
}
