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

// WorkItemRepo persists WorkItem rows and the idempotency_keys that guard
// them against duplicate webhook delivery (§4.A).
type WorkItemRepo struct {
	db *sql.DB
}

// NewWorkItemRepo wraps a pool for WorkItem persistence.
func NewWorkItemRepo(db *sql.DB) *WorkItemRepo {
	return &WorkItemRepo{db: db}
}

// CreateIdempotent inserts a new WorkItem unless any key in keys already maps
// to one, in which case the existing WorkItem is returned with created=false.
// Mirrors the Redis SETNX-then-fallback idiom the spec's ingress router uses,
// expressed here as a single serializable transaction over idempotency_keys:
// §4.A step 2 requires checking the whole normalized key set for an existing
// mapping before inserting, not just one key, since a re-delivery can present
// its keys in a different order or with a new alias first.
func (r *WorkItemRepo) CreateIdempotent(ctx context.Context, item *models.WorkItem, keys []string) (existing *models.WorkItem, created bool, err error) {
	if len(keys) == 0 {
		return nil, false, fmt.Errorf("create idempotent work item: no idempotency keys given")
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, fmt.Errorf("begin idempotent create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var boundWorkItemID string
	err = tx.QueryRowContext(ctx,
		`SELECT work_item_id FROM idempotency_keys WHERE key = ANY($1) LIMIT 1`, keys,
	).Scan(&boundWorkItemID)
	switch {
	case err == nil:
		existingItem, getErr := getWorkItemTx(ctx, tx, boundWorkItemID)
		if getErr != nil {
			return nil, false, getErr
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return nil, false, fmt.Errorf("commit idempotent lookup: %w", commitErr)
		}
		return existingItem, false, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	default:
		return nil, false, fmt.Errorf("lookup idempotency keys: %w", err)
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	item.CreatedAt, item.UpdatedAt = now, now
	if item.Status == "" {
		item.Status = models.WorkItemNew
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO work_items (id, plugin_instance_id, session_key, source, source_ref, status, title, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		item.ID, item.PluginInstanceID, item.SessionKey, item.Source, item.SourceRef,
		item.Status, item.Title, item.Payload, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert work item: %w", err)
	}

	// §4.A step 3: the work item and every normalized key are inserted
	// under the same transaction, so a failure partway through never leaves
	// an alias unbound for a later re-delivery to slip past dedup on.
	for _, key := range keys {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO idempotency_keys (key, work_item_id, created_at) VALUES ($1, $2, $3)`,
			key, item.ID, now,
		)
		if err != nil {
			return nil, false, fmt.Errorf("insert idempotency key %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit idempotent create: %w", err)
	}

	return item, true, nil
}

// Get fetches a WorkItem by ID.
func (r *WorkItemRepo) Get(ctx context.Context, id string) (*models.WorkItem, error) {
	return scanWorkItemRow(r.db.QueryRowContext(ctx, workItemSelectCols+` WHERE id = $1`, id))
}

func getWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (*models.WorkItem, error) {
	return scanWorkItemRow(tx.QueryRowContext(ctx, workItemSelectCols+` WHERE id = $1`, id))
}

// UpdateStatus transitions a WorkItem's status.
func (r *WorkItemRepo) UpdateStatus(ctx context.Context, id string, status models.WorkItemStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE work_items SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update work item status: %w", err)
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

// CountStaleOpen counts work items for an agent's sessions that are still
// open (neither completed, failed, nor cancelled) and were created before
// the given cutoff — the "stale PRs > N" shape of a Routine condition probe
// (§4.E) generalized to whatever a plugin's WorkItems represent.
func (r *WorkItemRepo) CountStaleOpen(ctx context.Context, agentSessionPrefix string, before time.Time) (int, error) {
	var n int
	row := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM work_items
		 WHERE session_key LIKE $1 AND created_at < $2
		 AND status NOT IN ($3, $4, $5)`,
		agentSessionPrefix+"%", before, models.WorkItemCompleted, models.WorkItemFailed, models.WorkItemCancelled,
	)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count stale open work items: %w", err)
	}
	return n, nil
}

const workItemSelectCols = `SELECT id, plugin_instance_id, session_key, source, source_ref, status, title, payload, created_at, updated_at FROM work_items`

func scanWorkItemRow(row *sql.Row) (*models.WorkItem, error) {
	var item models.WorkItem
	err := row.Scan(
		&item.ID, &item.PluginInstanceID, &item.SessionKey, &item.Source, &item.SourceRef,
		&item.Status, &item.Title, &item.Payload, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan work item: %w", err)
	}
	return &item, nil
}
