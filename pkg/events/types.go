// Package events provides real-time event delivery via WebSocket and
// PostgreSQL NOTIFY/LISTEN for cross-pod distribution.
//
// ════════════════════════════════════════════════════════════════
// Event channels
// ════════════════════════════════════════════════════════════════
//
// Every Run Dispatch, Work Item, and Effect Outbox entry is scoped to one
// queue lane's session_key — so persistent, per-lane events (work item
// created, dispatch status transitions, effect delivery outcomes) publish
// to that lane's session channel. A dashboard watching one conversation
// subscribes to exactly that channel and nothing else.
//
// Routine fires and plugin auto-disables aren't scoped to any one lane —
// they publish to the global ops channel instead, the same way the
// original session-list page subscribed to a global channel independent of
// any single session.
//
// dispatch.progress is the one transient (NOTIFY-only, never persisted)
// event type: a mid-run note an agent invocation may emit, analogous to an
// LLM streaming token — useful for a live progress indicator, safely lost
// on reconnect since the terminal dispatch.status event is always
// persisted and replayable via catchup.
// ════════════════════════════════════════════════════════════════
package events

// Persistent event types (stored in DB + NOTIFY).
const (
	EventTypeWorkItemCreated   = "work_item.created"
	EventTypeDispatchStatus    = "dispatch.status"
	EventTypeEffectStatus      = "effect.status"
	EventTypeRoutineFired      = "routine.fired"
	EventTypePluginAutoDisable = "plugin.auto_disable"
)

// Transient event types (NOTIFY only, no DB persistence).
const (
	EventTypeDispatchProgress = "dispatch.progress"
)

// GlobalOpsChannel carries events not scoped to any one session_key's lane
// (routine fires, plugin auto-disables) — an operations dashboard
// subscribes here.
const GlobalOpsChannel = "ops"

// SessionChannel returns the channel name for one session_key's lane.
// Format: "session:{session_key}"
func SessionChannel(sessionKey string) string {
	return "session:" + sessionKey
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`        // Channel name (e.g., "session:abc-123")
	LastEventID *int   `json:"last_event_id,omitempty"` // For catchup
}
