package database

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateGINIndexes creates full-text search GIN indexes for PostgreSQL.
// These enable efficient full-text search on work item titles and routine
// action prompts, fields the plain CREATE TABLE migrations don't index.
func CreateGINIndexes(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_work_items_title_gin
		ON work_items USING gin(to_tsvector('english', title))`)
	if err != nil {
		return fmt.Errorf("failed to create work_items title GIN index: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_routines_action_prompt_gin
		ON routines USING gin(to_tsvector('english', COALESCE(action_prompt, '')))`)
	if err != nil {
		return fmt.Errorf("failed to create routines action_prompt GIN index: %w", err)
	}

	return nil
}
