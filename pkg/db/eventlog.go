package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// EventLogRow is one row of the events table, as needed for WebSocket catchup.
type EventLogRow struct {
	ID      int64
	Payload map[string]any
}

// EventLogRepo queries the events table written by events.EventPublisher — the
// durable side of the publish-then-NOTIFY pair, read back by a reconnecting
// WebSocket client to replay anything it missed.
type EventLogRepo struct {
	db *sql.DB
}

// NewEventLogRepo wraps a pool for events table reads.
func NewEventLogRepo(db *sql.DB) *EventLogRepo {
	return &EventLogRepo{db: db}
}

// GetSince returns up to limit rows on channel with id > sinceID, oldest
// first, so a catchup replay delivers events in publish order.
func (r *EventLogRepo) GetSince(ctx context.Context, channel string, sinceID, limit int) ([]EventLogRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, payload FROM events WHERE channel = $1 AND id > $2 ORDER BY id ASC LIMIT $3`,
		channel, sinceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events since: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EventLogRow
	for rows.Next() {
		var id int64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
		out = append(out, EventLogRow{ID: id, Payload: payload})
	}
	return out, rows.Err()
}
