package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/orchestra/pkg/models"
)

// PluginEventRepo appends to the plugin_events audit stream (§6). Rows are
// write-once and never updated — callers append a new row per lifecycle
// transition instead of mutating history.
type PluginEventRepo struct {
	db *sql.DB
}

// NewPluginEventRepo wraps a pool for PluginEvent persistence.
func NewPluginEventRepo(db *sql.DB) *PluginEventRepo {
	return &PluginEventRepo{db: db}
}

// Record appends one audit event.
func (r *PluginEventRepo) Record(ctx context.Context, e *models.PluginEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO plugin_events (id, plugin_id, plugin_version, kind, status, work_item_id, detail_json, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.PluginID, e.PluginVersion, e.Kind, e.Status, e.WorkItemID, e.DetailJSON, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert plugin event: %w", err)
	}
	return nil
}

// RecentForPlugin returns a plugin's events created at or after since,
// newest first.
func (r *PluginEventRepo) RecentForPlugin(ctx context.Context, pluginID string, since time.Time) ([]*models.PluginEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, plugin_id, plugin_version, kind, status, work_item_id, detail_json, created_at
		 FROM plugin_events WHERE plugin_id = $1 AND created_at >= $2 ORDER BY created_at DESC`,
		pluginID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent plugin events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.PluginEvent
	for rows.Next() {
		var e models.PluginEvent
		if err := rows.Scan(&e.ID, &e.PluginID, &e.PluginVersion, &e.Kind, &e.Status, &e.WorkItemID, &e.DetailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan plugin event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
