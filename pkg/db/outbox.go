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

// OutboxRepo persists EffectOutboxEntry rows. Claim/reconcile semantics are
// grounded on the same FOR UPDATE SKIP LOCKED pattern as DispatchRepo.Claim,
// restructured per the mycelian-ai outbox worker's per-channel claim loop and
// provider_ref reconciliation for effects whose ack was lost mid-send.
type OutboxRepo struct {
	db *sql.DB
}

// NewOutboxRepo wraps a pool for EffectOutboxEntry persistence.
func NewOutboxRepo(db *sql.DB) *OutboxRepo {
	return &OutboxRepo{db: db}
}

const outboxSelectCols = `SELECT id, effect_key, dispatch_id, plugin_instance_id, channel, kind, payload, status,
	retryable, attempt_count, next_attempt_at, claimed_by, lease_expires_at, claimed_epoch,
	provider_ref, unknown_reason, last_error, created_at, sent_at
	FROM effect_outbox`

func scanEffect(scan func(...any) error) (*models.EffectOutboxEntry, error) {
	var e models.EffectOutboxEntry
	err := scan(
		&e.ID, &e.EffectKey, &e.DispatchID, &e.PluginInstanceID, &e.Channel, &e.Kind, &e.Payload, &e.Status,
		&e.Retryable, &e.AttemptCount, &e.NextAttemptAt, &e.ClaimedBy, &e.LeaseExpiresAt, &e.ClaimedEpoch,
		&e.ProviderRef, &e.UnknownReason, &e.LastError, &e.CreatedAt, &e.SentAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan effect outbox entry: %w", err)
	}
	return &e, nil
}

// Enqueue inserts a new pending effect. effectKey must be unique per logical
// side effect so retries of the same work never double-send (§4.D).
func (r *OutboxRepo) Enqueue(ctx context.Context, e *models.EffectOutboxEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	if e.Status == "" {
		e.Status = models.EffectPending
	}
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = now
	}
	if !e.Retryable {
		e.Retryable = true
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO effect_outbox (id, effect_key, dispatch_id, plugin_instance_id, channel, kind, payload,
			status, retryable, next_attempt_at, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (effect_key) DO NOTHING`,
		e.ID, e.EffectKey, e.DispatchID, e.PluginInstanceID, e.Channel, e.Kind, e.Payload,
		e.Status, e.Retryable, e.NextAttemptAt, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert effect outbox entry: %w", err)
	}
	return nil
}

// ClaimNext claims the oldest pending/failed effect on a channel whose
// backoff has elapsed. A failed effect whose retryable flag is false is
// terminal and never claimed again.
func (r *OutboxRepo) ClaimNext(ctx context.Context, channel, workerID string, leaseFor time.Duration, controlEpoch int64) (*models.EffectOutboxEntry, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx,
		`SELECT id FROM effect_outbox
		 WHERE channel = $1 AND status IN ('pending', 'failed') AND retryable AND next_attempt_at <= $2
		 ORDER BY next_attempt_at ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		channel, now,
	)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoneClaimable
		}
		return nil, fmt.Errorf("query claimable effect: %w", err)
	}

	lease := now.Add(leaseFor)
	result := tx.QueryRowContext(ctx,
		`UPDATE effect_outbox
		 SET status = 'sending', claimed_by = $1, lease_expires_at = $2, claimed_epoch = $3, attempt_count = attempt_count + 1
		 WHERE id = $4
		 RETURNING `+outboxReturningCols,
		workerID, lease, controlEpoch, id,
	)
	e, err := scanEffect(result.Scan)
	if err != nil {
		return nil, fmt.Errorf("claim effect: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return e, nil
}

const outboxReturningCols = `id, effect_key, dispatch_id, plugin_instance_id, channel, kind, payload, status,
	retryable, attempt_count, next_attempt_at, claimed_by, lease_expires_at, claimed_epoch,
	provider_ref, unknown_reason, last_error, created_at, sent_at`

// MarkSent records a successful delivery.
func (r *OutboxRepo) MarkSent(ctx context.Context, id, providerRef string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`UPDATE effect_outbox SET status = 'sent', provider_ref = $1, sent_at = $2 WHERE id = $3`,
		providerRef, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark effect sent: %w", err)
	}
	return nil
}

// MarkFailed records a retryable failure and schedules the next attempt with
// exponential backoff, or a terminal failure if retries are exhausted.
func (r *OutboxRepo) MarkFailed(ctx context.Context, id, lastErr string, retryable bool, nextAttempt time.Time, maxAttempts int) error {
	if !retryable {
		_, err := r.db.ExecContext(ctx,
			`UPDATE effect_outbox SET status = 'failed', retryable = false, last_error = $1 WHERE id = $2`,
			lastErr, id,
		)
		if err != nil {
			return fmt.Errorf("mark effect non-retryable failure: %w", err)
		}
		return nil
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE effect_outbox
		 SET status = 'failed', last_error = $1, next_attempt_at = $2, retryable = (attempt_count < $3)
		 WHERE id = $4`,
		lastErr, nextAttempt, maxAttempts, id,
	)
	if err != nil {
		return fmt.Errorf("mark effect failed: %w", err)
	}
	return nil
}

// MarkUnknown records that the send's outcome could not be determined (the
// provider call may or may not have succeeded — e.g. a timeout after the
// request left the process). A reconciler resolves these out of band.
func (r *OutboxRepo) MarkUnknown(ctx context.Context, id, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE effect_outbox SET status = 'unknown', unknown_reason = $1 WHERE id = $2`,
		reason, id,
	)
	if err != nil {
		return fmt.Errorf("mark effect unknown: %w", err)
	}
	return nil
}

// ReconcileUnknown resolves an "unknown" entry once its true outcome is
// learned — either confirming the send (providerRef non-empty) or releasing
// it back to pending for a fresh attempt.
func (r *OutboxRepo) ReconcileUnknown(ctx context.Context, id string, providerRef string) error {
	if providerRef != "" {
		return r.MarkSent(ctx, id, providerRef)
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE effect_outbox SET status = 'pending', next_attempt_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("reconcile unknown effect: %w", err)
	}
	return nil
}

// CancelPendingForDispatch sweeps non-terminal effects for a cancelled
// dispatch. In-flight "sending" rows are left alone (Open Question
// resolution 2): letting an already-dispatched send complete avoids a
// double-send race against the provider.
func (r *OutboxRepo) CancelPendingForDispatch(ctx context.Context, dispatchID string) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE effect_outbox SET status = 'cancelled'
		 WHERE dispatch_id = $1 AND status IN ('pending', 'failed', 'unknown')`,
		dispatchID,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel pending effects: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// RecoverExpiredLeases marks "sending" effects whose lease expired without
// a terminal status as "unknown" — the sender process likely crashed
// mid-send, so whether the provider received the effect is not known.
func (r *OutboxRepo) RecoverExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE effect_outbox
		 SET status = 'unknown', unknown_reason = 'sender lease expired before ack'
		 WHERE status = 'sending' AND lease_expires_at IS NOT NULL AND lease_expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("recover expired effect leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// Get fetches an EffectOutboxEntry by ID.
func (r *OutboxRepo) Get(ctx context.Context, id string) (*models.EffectOutboxEntry, error) {
	row := r.db.QueryRowContext(ctx, outboxSelectCols+` WHERE id = $1`, id)
	return scanEffect(row.Scan)
}
