package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/relaykit/orchestra/pkg/models"
)

// RuntimeControlRepo reads and mutates the singleton runtime_control row
// every worker loop consults before doing work (§4.H).
type RuntimeControlRepo struct {
	db *sql.DB
}

// NewRuntimeControlRepo wraps a pool for RuntimeControl persistence.
func NewRuntimeControlRepo(db *sql.DB) *RuntimeControlRepo {
	return &RuntimeControlRepo{db: db}
}

// Get reads the current runtime control state. The row is seeded by the
// migration that creates the table, so it always exists.
func (r *RuntimeControlRepo) Get(ctx context.Context) (*models.RuntimeControl, error) {
	var c models.RuntimeControl
	err := r.db.QueryRowContext(ctx,
		`SELECT processing_enabled, pause_mode, control_epoch, max_concurrent_dispatches, updated_at
		 FROM runtime_control WHERE id = true`,
	).Scan(&c.ProcessingEnabled, &c.PauseMode, &c.ControlEpoch, &c.MaxConcurrentDispatches, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get runtime control: %w", err)
	}
	return &c, nil
}

// Pause sets processing_enabled false with the given severity. A hard pause
// additionally bumps control_epoch, fencing out any worker still holding an
// older epoch from a prior claim (§8 invariant on epoch monotonicity).
func (r *RuntimeControlRepo) Pause(ctx context.Context, mode models.PauseMode) error {
	query := `UPDATE runtime_control SET processing_enabled = false, pause_mode = $1, updated_at = $2 WHERE id = true`
	if mode == models.PauseHard {
		query = `UPDATE runtime_control SET processing_enabled = false, pause_mode = $1, control_epoch = control_epoch + 1, updated_at = $2 WHERE id = true`
	}
	_, err := r.db.ExecContext(ctx, query, mode, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("pause runtime control: %w", err)
	}
	return nil
}

// Resume re-enables processing without touching control_epoch — a resumed
// worker pool claims work under the epoch already current.
func (r *RuntimeControlRepo) Resume(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE runtime_control SET processing_enabled = true, updated_at = $1 WHERE id = true`,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("resume runtime control: %w", err)
	}
	return nil
}

// EmergencyStop is a hard pause that also bumps the epoch, immediately
// invalidating every in-flight claim — workers must re-check their epoch
// before the next side effect and abort if it is stale.
func (r *RuntimeControlRepo) EmergencyStop(ctx context.Context) (newEpoch int64, err error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE runtime_control
		 SET processing_enabled = false, pause_mode = 'hard', control_epoch = control_epoch + 1, updated_at = $1
		 WHERE id = true
		 RETURNING control_epoch`,
		time.Now().UTC(),
	)
	if err := row.Scan(&newEpoch); err != nil {
		return 0, fmt.Errorf("emergency stop: %w", err)
	}
	return newEpoch, nil
}

// SetMaxConcurrent updates the global dispatch concurrency gate.
func (r *RuntimeControlRepo) SetMaxConcurrent(ctx context.Context, max int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE runtime_control SET max_concurrent_dispatches = $1, updated_at = $2 WHERE id = true`,
		max, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set max concurrent dispatches: %w", err)
	}
	return nil
}
