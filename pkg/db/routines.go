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

// RoutineRepo persists Routine triggers and their evaluation receipts (§4.E).
type RoutineRepo struct {
	db *sql.DB
}

// NewRoutineRepo wraps a pool for Routine persistence.
func NewRoutineRepo(db *sql.DB) *RoutineRepo {
	return &RoutineRepo{db: db}
}

const routineSelectCols = `SELECT id, agent_id, trigger_kind, cron_expr, timezone, rule_json, condition_probe,
	condition_config, target_plugin_instance_id, target_session_key, action_prompt, enabled,
	next_run_at, last_fired_at, last_status FROM routines`

func scanRoutine(scan func(...any) error) (*models.Routine, error) {
	var r models.Routine
	err := scan(
		&r.ID, &r.AgentID, &r.TriggerKind, &r.CronExpr, &r.Timezone, &r.RuleJSON, &r.ConditionProbe,
		&r.ConditionConfig, &r.TargetPluginInstanceID, &r.TargetSessionKey, &r.ActionPrompt, &r.Enabled,
		&r.NextRunAt, &r.LastFiredAt, &r.LastStatus,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan routine: %w", err)
	}
	return &r, nil
}

// Create inserts a new routine.
func (r *RoutineRepo) Create(ctx context.Context, rt *models.Routine) error {
	if rt.ID == "" {
		rt.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO routines (id, agent_id, trigger_kind, cron_expr, timezone, rule_json, condition_probe,
			condition_config, target_plugin_instance_id, target_session_key, action_prompt, enabled, next_run_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		rt.ID, rt.AgentID, rt.TriggerKind, rt.CronExpr, rt.Timezone, rt.RuleJSON, rt.ConditionProbe,
		rt.ConditionConfig, rt.TargetPluginInstanceID, rt.TargetSessionKey, rt.ActionPrompt, rt.Enabled, rt.NextRunAt,
	)
	if err != nil {
		return fmt.Errorf("insert routine: %w", err)
	}
	return nil
}

// Get fetches a routine by ID.
func (r *RoutineRepo) Get(ctx context.Context, id string) (*models.Routine, error) {
	row := r.db.QueryRowContext(ctx, routineSelectCols+` WHERE id = $1`, id)
	return scanRoutine(row.Scan)
}

// ListDueCron returns enabled cron-triggered routines whose next_run_at has
// elapsed.
func (r *RoutineRepo) ListDueCron(ctx context.Context, now time.Time) ([]*models.Routine, error) {
	rows, err := r.db.QueryContext(ctx,
		routineSelectCols+` WHERE enabled AND trigger_kind = 'cron' AND next_run_at IS NOT NULL AND next_run_at <= $1`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("list due cron routines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Routine
	for rows.Next() {
		rt, err := scanRoutine(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

// ListByTriggerKind returns enabled routines of a given trigger kind, used to
// evaluate event/condition triggers against an incoming envelope.
func (r *RoutineRepo) ListByTriggerKind(ctx context.Context, kind models.TriggerKind) ([]*models.Routine, error) {
	rows, err := r.db.QueryContext(ctx, routineSelectCols+` WHERE enabled AND trigger_kind = $1`, kind)
	if err != nil {
		return nil, fmt.Errorf("list routines by trigger kind: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Routine
	for rows.Next() {
		rt, err := scanRoutine(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

// RecordFire updates a routine's next_run_at/last_fired_at/last_status after
// an evaluation, whatever its decision.
func (r *RoutineRepo) RecordFire(ctx context.Context, id string, nextRunAt *time.Time, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE routines SET next_run_at = $1, last_fired_at = $2, last_status = $3 WHERE id = $4`,
		nextRunAt, time.Now().UTC(), status, id,
	)
	if err != nil {
		return fmt.Errorf("record routine fire: %w", err)
	}
	return nil
}

// SetEnabled toggles a routine on/off.
func (r *RoutineRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE routines SET enabled = $1 WHERE id = $2`, enabled, id)
	if err != nil {
		return fmt.Errorf("set routine enabled: %w", err)
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

// RecordRun inserts a RoutineRun evaluation receipt.
func (r *RoutineRepo) RecordRun(ctx context.Context, run *models.RoutineRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO routine_runs (id, routine_id, decision, decision_reason, envelope_json, scheduled_item_id, work_item_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		run.ID, run.RoutineID, run.Decision, run.DecisionReason, run.EnvelopeJSON, run.ScheduledItemID, run.WorkItemID, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert routine run: %w", err)
	}
	return nil
}

// EventQueueRepo persists the inbox of envelopes awaiting event/condition
// routine evaluation — kept separate from RoutineRepo because it is claimed
// with the same FOR UPDATE SKIP LOCKED idiom as the dispatch/outbox queues,
// not read like routine configuration.
type EventQueueRepo struct {
	db *sql.DB
}

// NewEventQueueRepo wraps a pool for RoutineEventQueueEntry persistence.
func NewEventQueueRepo(db *sql.DB) *EventQueueRepo {
	return &EventQueueRepo{db: db}
}

// Push enqueues an envelope for evaluation.
func (r *EventQueueRepo) Push(ctx context.Context, envelopeJSON []byte) (string, error) {
	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO routine_event_queue (id, envelope_json, created_at) VALUES ($1,$2,$3)`,
		id, envelopeJSON, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("push routine event: %w", err)
	}
	return id, nil
}

// ClaimNext claims the oldest unclaimed envelope for evaluation.
func (r *EventQueueRepo) ClaimNext(ctx context.Context, workerID string, leaseFor time.Duration) (id string, envelopeJSON []byte, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx,
		`SELECT id, envelope_json FROM routine_event_queue
		 WHERE claimed_by IS NULL OR lease_expires_at < $1
		 ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`,
		now,
	)
	if err := row.Scan(&id, &envelopeJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil, ErrNoneClaimable
		}
		return "", nil, fmt.Errorf("query claimable event: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE routine_event_queue SET claimed_by = $1, lease_expires_at = $2 WHERE id = $3`,
		workerID, now.Add(leaseFor), id,
	)
	if err != nil {
		return "", nil, fmt.Errorf("claim event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", nil, fmt.Errorf("commit claim: %w", err)
	}
	return id, envelopeJSON, nil
}

// Delete removes a processed envelope.
func (r *EventQueueRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM routine_event_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete routine event: %w", err)
	}
	return nil
}
