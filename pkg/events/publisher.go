package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EventPublisher publishes events for WebSocket delivery.
// Persistent events are stored in the events table then broadcast via NOTIFY.
// Transient events (dispatch.progress) are broadcast via NOTIFY only.
//
// Each public method accepts a specific typed payload struct — see payloads.go.
// Internally, payloads are marshaled to JSON and routed to the appropriate
// channel (derived from session_key, or the global ops channel) via
// persistAndNotify or notifyOnly.
type EventPublisher struct {
	db *sql.DB
}

// NewEventPublisher creates a new EventPublisher.
// The db parameter should be the *sql.DB from database.Client.DB().
func NewEventPublisher(db *sql.DB) *EventPublisher {
	return &EventPublisher{db: db}
}

// --- Typed public methods ---

// PublishWorkItemCreated persists and broadcasts a work_item.created event.
func (p *EventPublisher) PublishWorkItemCreated(ctx context.Context, sessionKey string, payload WorkItemCreatedPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal WorkItemCreatedPayload: %w", err)
	}
	return p.persistAndNotify(ctx, sessionKey, SessionChannel(sessionKey), payloadJSON)
}

// PublishDispatchStatus persists and broadcasts a dispatch.status event.
// Used for every Run Dispatch status transition (running, completed,
// failed, paused, cancelled, ...).
func (p *EventPublisher) PublishDispatchStatus(ctx context.Context, sessionKey string, payload DispatchStatusPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal DispatchStatusPayload: %w", err)
	}
	return p.persistAndNotify(ctx, sessionKey, SessionChannel(sessionKey), payloadJSON)
}

// PublishDispatchProgress broadcasts a dispatch.progress transient event (no
// DB persistence). Used for a mid-run note an agent invocation may emit —
// ephemeral, lost on reconnect.
func (p *EventPublisher) PublishDispatchProgress(ctx context.Context, sessionKey string, payload DispatchProgressPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal DispatchProgressPayload: %w", err)
	}
	return p.notifyOnly(ctx, SessionChannel(sessionKey), payloadJSON)
}

// PublishEffectStatus persists and broadcasts an effect.status event. Used
// for an Effect Outbox entry's terminal delivery outcome.
func (p *EventPublisher) PublishEffectStatus(ctx context.Context, sessionKey string, payload EffectStatusPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal EffectStatusPayload: %w", err)
	}
	return p.persistAndNotify(ctx, sessionKey, SessionChannel(sessionKey), payloadJSON)
}

// PublishRoutineFired persists a routine.fired event to the global ops
// channel. Routine Runs aren't scoped to any one session_key's lane, so
// they're recorded under a synthetic "routine" session key for catchup
// purposes and broadcast globally.
func (p *EventPublisher) PublishRoutineFired(ctx context.Context, payload RoutineFiredPayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal RoutineFiredPayload: %w", err)
	}
	return p.persistAndNotify(ctx, "routine:"+payload.RefID, GlobalOpsChannel, payloadJSON)
}

// PublishPluginAutoDisable persists a plugin.auto_disable event to the
// global ops channel.
func (p *EventPublisher) PublishPluginAutoDisable(ctx context.Context, payload PluginAutoDisablePayload) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal PluginAutoDisablePayload: %w", err)
	}
	return p.persistAndNotify(ctx, "plugin:"+payload.RefID, GlobalOpsChannel, payloadJSON)
}

// --- Internal core methods ---

// persistAndNotify persists a pre-marshaled event to the database and broadcasts
// via NOTIFY in a single transaction (pg_notify is transactional — held until COMMIT).
func (p *EventPublisher) persistAndNotify(ctx context.Context, sessionKey, channel string, payloadJSON []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// 1. Persist to events table (within transaction)
	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (session_key, channel, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		sessionKey, channel, payloadJSON, time.Now(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	// Build NOTIFY payload with db_event_id for catchup tracking.
	notifyPayload, err := injectDBEventIDAndTruncate(payloadJSON, eventID)
	if err != nil {
		return err
	}

	// 2. pg_notify within same transaction — held until COMMIT
	_, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload)
	if err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	// 3. Commit — INSERT is persisted and NOTIFY fires atomically
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}

	return nil
}

// notifyOnly broadcasts a pre-marshaled event via NOTIFY without persisting to DB.
func (p *EventPublisher) notifyOnly(ctx context.Context, channel string, payloadJSON []byte) error {
	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload)
	if err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// --- Internal helpers ---

// injectDBEventIDAndTruncate adds db_event_id to the JSON payload for NOTIFY
// delivery and applies truncation if the result exceeds PostgreSQL's limit.
func injectDBEventIDAndTruncate(payloadJSON []byte, dbEventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal payload for db_event_id injection: %w", err)
	}
	m["db_event_id"] = dbEventID

	enrichedBytes, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal enriched NOTIFY payload: %w", err)
	}

	return truncateIfNeeded(string(enrichedBytes))
}

// truncateIfNeeded returns the payload string as-is if it fits within
// PostgreSQL's 8000-byte NOTIFY limit, otherwise returns a minimal
// truncation envelope with only routing fields.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= 7900 {
		return payloadStr, nil
	}
	return buildTruncatedPayload([]byte(payloadStr))
}

// buildTruncatedPayload creates a minimal truncation envelope from the full
// JSON payload bytes, extracting only the routing fields the client needs
// to fetch the complete event from the database.
func buildTruncatedPayload(payloadBytes []byte) (string, error) {
	var routing struct {
		Type       string `json:"type"`
		RefID      string `json:"ref_id"`
		SessionKey string `json:"session_key,omitempty"`
		DBEventID  *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal(payloadBytes, &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"type":      routing.Type,
		"ref_id":    routing.RefID,
		"truncated": true,
	}
	if routing.SessionKey != "" {
		truncated["session_key"] = routing.SessionKey
	}
	if routing.DBEventID != nil {
		truncated["db_event_id"] = *routing.DBEventID
	}

	truncBytes, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(truncBytes), nil
}
