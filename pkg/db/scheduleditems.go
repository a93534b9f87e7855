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

// ScheduledItemRepo persists future-timed invocations produced directly or by
// a Routine's cron/oneshot trigger (§4.E).
type ScheduledItemRepo struct {
	db *sql.DB
}

// NewScheduledItemRepo wraps a pool for ScheduledItem persistence.
func NewScheduledItemRepo(db *sql.DB) *ScheduledItemRepo {
	return &ScheduledItemRepo{db: db}
}

const scheduledItemSelectCols = `SELECT id, agent_id, session_key, type, payload, run_at, recurrence,
	status, routine_id, routine_run_id FROM scheduled_items`

func scanScheduledItem(scan func(...any) error) (*models.ScheduledItem, error) {
	var s models.ScheduledItem
	err := scan(
		&s.ID, &s.AgentID, &s.SessionKey, &s.Type, &s.Payload, &s.RunAt, &s.Recurrence,
		&s.Status, &s.RoutineID, &s.RoutineRunID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan scheduled item: %w", err)
	}
	return &s, nil
}

// Create inserts a new scheduled item.
func (r *ScheduledItemRepo) Create(ctx context.Context, s *models.ScheduledItem) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = models.ScheduledPending
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO scheduled_items (id, agent_id, session_key, type, payload, run_at, recurrence,
			status, routine_id, routine_run_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		s.ID, s.AgentID, s.SessionKey, s.Type, s.Payload, s.RunAt, s.Recurrence,
		s.Status, s.RoutineID, s.RoutineRunID,
	)
	if err != nil {
		return fmt.Errorf("insert scheduled item: %w", err)
	}
	return nil
}

// Get fetches a scheduled item by ID.
func (r *ScheduledItemRepo) Get(ctx context.Context, id string) (*models.ScheduledItem, error) {
	row := r.db.QueryRowContext(ctx, scheduledItemSelectCols+` WHERE id = $1`, id)
	return scanScheduledItem(row.Scan)
}

// ClaimDue claims one pending scheduled item whose run_at has elapsed,
// flipping it to firing under FOR UPDATE SKIP LOCKED so multiple evaluator
// replicas never fire the same item twice.
func (r *ScheduledItemRepo) ClaimDue(ctx context.Context, now time.Time) (*models.ScheduledItem, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		scheduledItemSelectCols+` WHERE status = 'pending' AND run_at <= $1
		 ORDER BY run_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`,
		now,
	)
	item, err := scanScheduledItem(row.Scan)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE scheduled_items SET status = 'firing' WHERE id = $1`, item.ID); err != nil {
		return nil, fmt.Errorf("claim scheduled item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	item.Status = models.ScheduledFiring
	return item, nil
}

// MarkFired records that a firing item completed dispatch.
func (r *ScheduledItemRepo) MarkFired(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE scheduled_items SET status = 'fired' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark scheduled item fired: %w", err)
	}
	return nil
}

// Cancel marks a pending or firing item cancelled so it is never fired.
func (r *ScheduledItemRepo) Cancel(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE scheduled_items SET status = 'cancelled' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("cancel scheduled item: %w", err)
	}
	return nil
}
