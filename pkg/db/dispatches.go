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

// DispatchRepo persists RunDispatch rows, including the lease-claim and
// heartbeat queries the dispatcher's worker pool polls against.
//
// Claim/heartbeat/orphan-recovery are grounded on the teacher's
// claimNextSession/runHeartbeat/detectAndRecoverOrphans, generalized from a
// single ent.AlertSession row to the epoch-fenced RunDispatch row this spec
// requires.
type DispatchRepo struct {
	db *sql.DB
}

// NewDispatchRepo wraps a pool for RunDispatch persistence.
func NewDispatchRepo(db *sql.DB) *DispatchRepo {
	return &DispatchRepo{db: db}
}

const dispatchSelectCols = `SELECT id, run_key, queue_key, work_item_id, agent_id, session_key, status, control_state,
	input_text, coalesced_text, attempt_count, claimed_by, lease_expires_at, claimed_epoch,
	replay_of_dispatch_id, merged_into_dispatch_id, scheduled_at, started_at, finished_at,
	error_message, created_at, updated_at
	FROM run_dispatches`

func scanDispatch(scan func(...any) error) (*models.RunDispatch, error) {
	var d models.RunDispatch
	err := scan(
		&d.ID, &d.RunKey, &d.QueueKey, &d.WorkItemID, &d.AgentID, &d.SessionKey, &d.Status, &d.ControlState,
		&d.InputText, &d.CoalescedText, &d.AttemptCount, &d.ClaimedBy, &d.LeaseExpiresAt, &d.ClaimedEpoch,
		&d.ReplayOfDispatchID, &d.MergedIntoDispatchID, &d.ScheduledAt, &d.StartedAt, &d.FinishedAt,
		&d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan run dispatch: %w", err)
	}
	return &d, nil
}

// Enqueue inserts a new queued RunDispatch.
func (r *DispatchRepo) Enqueue(ctx context.Context, d *models.RunDispatch) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.RunKey == "" {
		d.RunKey = d.ID
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	if d.ScheduledAt.IsZero() {
		d.ScheduledAt = now
	}
	if d.Status == "" {
		d.Status = models.DispatchQueued
	}
	if d.ControlState == "" {
		d.ControlState = models.ControlNormal
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO run_dispatches (id, run_key, queue_key, work_item_id, agent_id, session_key, status,
			control_state, input_text, coalesced_text, scheduled_at, replay_of_dispatch_id, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		d.ID, d.RunKey, d.QueueKey, d.WorkItemID, d.AgentID, d.SessionKey, d.Status,
		d.ControlState, d.InputText, d.CoalescedText, d.ScheduledAt, d.ReplayOfDispatchID, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run dispatch: %w", err)
	}
	return nil
}

// Claim performs the SELECT ... FOR UPDATE SKIP LOCKED + UPDATE claim
// transaction: it picks the oldest queued dispatch, stamps it with
// workerID/leaseExpiry, and bumps claimed_epoch to the runtime control
// singleton's current control epoch, fencing out workers still holding a
// stale epoch from an earlier emergency stop.
func (r *DispatchRepo) Claim(ctx context.Context, workerID string, leaseFor time.Duration, controlEpoch int64) (*models.RunDispatch, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT id FROM run_dispatches
		 WHERE status = 'queued'
		 ORDER BY scheduled_at ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
	)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoneClaimable
		}
		return nil, fmt.Errorf("query claimable dispatch: %w", err)
	}

	now := time.Now().UTC()
	lease := now.Add(leaseFor)
	result := tx.QueryRowContext(ctx,
		`UPDATE run_dispatches
		 SET status = 'running', claimed_by = $1, lease_expires_at = $2, claimed_epoch = $3,
		     started_at = $4, attempt_count = attempt_count + 1, updated_at = $4
		 WHERE id = $5
		 RETURNING `+dispatchReturningCols,
		workerID, lease, controlEpoch, now, id,
	)
	d, err := scanDispatch(result.Scan)
	if err != nil {
		return nil, fmt.Errorf("claim dispatch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return d, nil
}

const dispatchReturningCols = `id, run_key, queue_key, work_item_id, agent_id, session_key, status, control_state,
	input_text, coalesced_text, attempt_count, claimed_by, lease_expires_at, claimed_epoch,
	replay_of_dispatch_id, merged_into_dispatch_id, scheduled_at, started_at, finished_at,
	error_message, created_at, updated_at`

// Heartbeat extends a claimed dispatch's lease. Called on a ticker from the
// goroutine executing it, mirroring runHeartbeat.
// Heartbeat extends a claimed dispatch's lease and returns its current
// control_state so the caller can fold in a cooperative pause/cancel
// request at this safe point (spec.md §4.C step 5).
func (r *DispatchRepo) Heartbeat(ctx context.Context, id, workerID string, leaseFor time.Duration) (models.ControlState, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE run_dispatches SET lease_expires_at = $1, updated_at = $1
		 WHERE id = $2 AND claimed_by = $3 AND status = 'running'
		 RETURNING control_state`,
		time.Now().UTC().Add(leaseFor), id, workerID,
	)
	var cs models.ControlState
	if err := row.Scan(&cs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Lost the claim — another worker may have recovered it as an orphan.
			return "", ErrStaleEpoch
		}
		return "", fmt.Errorf("heartbeat dispatch: %w", err)
	}
	return cs, nil
}

// Pause releases a dispatch's lease and transitions it to paused, expecting
// an external resume — distinct from Finish's terminal statuses (spec.md
// §4.C step 5: cooperative pause_requested folds into status=paused, not a
// terminal state).
func (r *DispatchRepo) Pause(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE run_dispatches
		 SET status = 'paused', control_state = 'paused', claimed_by = NULL, lease_expires_at = NULL, updated_at = $1
		 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("pause dispatch: %w", err)
	}
	return nil
}

// Finish marks a claimed dispatch terminal (completed/failed/cancelled).
func (r *DispatchRepo) Finish(ctx context.Context, id string, status models.DispatchStatus, errMsg *string) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE run_dispatches SET status = $1, finished_at = $2, error_message = $3, updated_at = $2
		 WHERE id = $4`,
		status, now, errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("finish dispatch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Requeue returns a claimed dispatch to `queued` for retry at scheduledAt,
// clearing its claim so any worker may pick it up (§4.C step 7: retryable
// failure under max_attempts).
func (r *DispatchRepo) Requeue(ctx context.Context, id string, scheduledAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE run_dispatches
		 SET status = 'queued', claimed_by = NULL, lease_expires_at = NULL, scheduled_at = $1, updated_at = $2
		 WHERE id = $3`,
		scheduledAt, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("requeue dispatch: %w", err)
	}
	return nil
}

// MergeInto marks `id` merged into `targetID` (Open Question resolution 1:
// merged_into_dispatch_id always wins over replay_of_dispatch_id once set).
func (r *DispatchRepo) MergeInto(ctx context.Context, id, targetID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE run_dispatches SET status = 'merged', merged_into_dispatch_id = $1, updated_at = $2 WHERE id = $3`,
		targetID, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("merge dispatch: %w", err)
	}
	return nil
}

// RequestControl sets control_state to a cooperative-cancellation request
// (pause_requested or cancel_requested); the claiming worker observes it on
// its next heartbeat tick.
func (r *DispatchRepo) RequestControl(ctx context.Context, id string, state models.ControlState) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE run_dispatches SET control_state = $1, updated_at = $2 WHERE id = $3 AND NOT (status = ANY ($4))`,
		state, time.Now().UTC(), id, terminalStatusArray(),
	)
	if err != nil {
		return fmt.Errorf("request control: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func terminalStatusArray() []string {
	return []string{
		string(models.DispatchCompleted), string(models.DispatchFailed),
		string(models.DispatchCancelled), string(models.DispatchMerged),
		string(models.DispatchAbandoned),
	}
}

// Get fetches a RunDispatch by ID.
func (r *DispatchRepo) Get(ctx context.Context, id string) (*models.RunDispatch, error) {
	row := r.db.QueryRowContext(ctx, dispatchSelectCols+` WHERE id = $1`, id)
	return scanDispatch(row.Scan)
}

// ActiveCount counts dispatches currently running, used for the global
// concurrency gate mirroring pollAndProcess's capacity check.
func (r *DispatchRepo) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM run_dispatches WHERE status = 'running'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active dispatches: %w", err)
	}
	return n, nil
}

// RecoverExpiredLeases finds running dispatches whose lease has expired and
// requeues them for another worker to claim, generalizing
// detectAndRecoverOrphans from a terminal timed_out transition to a requeue
// (dispatches are designed to be safely retried; attempt_count bounds it).
func (r *DispatchRepo) RecoverExpiredLeases(ctx context.Context, now time.Time, maxAttempts int) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE run_dispatches
		 SET status = 'queued', claimed_by = NULL, lease_expires_at = NULL, updated_at = $1
		 WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < $1
		   AND attempt_count < $2`,
		now, maxAttempts,
	)
	if err != nil {
		return 0, fmt.Errorf("recover expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE run_dispatches
		 SET status = 'failed', error_message = 'orphaned: lease expired after max attempts', finished_at = $1, updated_at = $1
		 WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < $1
		   AND attempt_count >= $2`,
		now, maxAttempts,
	); err != nil {
		return int(n), fmt.Errorf("abandon exhausted leases: %w", err)
	}

	return int(n), nil
}

// CleanupStartupOrphans requeues any "running" dispatches still claimed by
// this worker identity when the process last exited uncleanly — the direct
// analogue of CleanupStartupOrphans, run once before the dispatcher's worker
// pool starts polling.
func (r *DispatchRepo) CleanupStartupOrphans(ctx context.Context, workerIDPrefix string) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE run_dispatches
		 SET status = 'queued', claimed_by = NULL, lease_expires_at = NULL, updated_at = $1
		 WHERE status = 'running' AND claimed_by LIKE $2`,
		time.Now().UTC(), workerIDPrefix+"%",
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup startup orphans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}
