package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/relaykit/orchestra/pkg/models"
)

// PluginInstanceRepo persists configured external-system bindings (§4.A).
type PluginInstanceRepo struct {
	db *sql.DB
}

// NewPluginInstanceRepo wraps a pool for PluginInstance persistence.
func NewPluginInstanceRepo(db *sql.DB) *PluginInstanceRepo {
	return &PluginInstanceRepo{db: db}
}

const pluginInstanceSelectCols = `SELECT id, type, name, config, enabled FROM plugin_instances`

func scanPluginInstance(scan func(...any) error) (*models.PluginInstance, error) {
	var p models.PluginInstance
	if err := scan(&p.ID, &p.Type, &p.Name, &p.Config, &p.Enabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan plugin instance: %w", err)
	}
	return &p, nil
}

// Create inserts a new plugin instance.
func (r *PluginInstanceRepo) Create(ctx context.Context, p *models.PluginInstance) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO plugin_instances (id, type, name, config, enabled) VALUES ($1,$2,$3,$4,$5)`,
		p.ID, p.Type, p.Name, p.Config, p.Enabled,
	)
	if err != nil {
		return fmt.Errorf("insert plugin instance: %w", err)
	}
	return nil
}

// Get fetches a plugin instance by ID.
func (r *PluginInstanceRepo) Get(ctx context.Context, id string) (*models.PluginInstance, error) {
	row := r.db.QueryRowContext(ctx, pluginInstanceSelectCols+` WHERE id = $1`, id)
	return scanPluginInstance(row.Scan)
}

// ListEnabledByType lists enabled instances of a given plugin type, used to
// route an inbound webhook to the instance whose config matches.
func (r *PluginInstanceRepo) ListEnabledByType(ctx context.Context, pluginType string) ([]*models.PluginInstance, error) {
	rows, err := r.db.QueryContext(ctx, pluginInstanceSelectCols+` WHERE type = $1 AND enabled`, pluginType)
	if err != nil {
		return nil, fmt.Errorf("list plugin instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.PluginInstance
	for rows.Next() {
		p, err := scanPluginInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetEnabled flips a plugin instance's enabled flag — used by the Crash
// Guard's auto-disable action (§4.G).
func (r *PluginInstanceRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE plugin_instances SET enabled = $1 WHERE id = $2`, enabled, id)
	if err != nil {
		return fmt.Errorf("set plugin instance enabled: %w", err)
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
