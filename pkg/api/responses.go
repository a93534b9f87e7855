package api

import "github.com/relaykit/orchestra/pkg/database"

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status            string                 `json:"status"`
	Version           string                 `json:"version"`
	Database          *database.HealthStatus `json:"database"`
	ProcessingEnabled bool                   `json:"processing_enabled"`
	ControlEpoch      int64                  `json:"control_epoch"`
}

// WebhookResponse is the default (non-preempted) POST /hooks/... body,
// mirroring §6's status/body vocabulary.
type WebhookResponse struct {
	Created    bool   `json:"created,omitempty"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	Ignored    bool   `json:"ignored,omitempty"`
	WorkItemID string `json:"workItemId,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// RuntimeControlResponse reports the live singleton state (§3, §4.H).
type RuntimeControlResponse struct {
	ProcessingEnabled       bool   `json:"processing_enabled"`
	PauseMode               string `json:"pause_mode"`
	ControlEpoch            int64  `json:"control_epoch"`
	MaxConcurrentDispatches int    `json:"max_concurrent_dispatches"`
}

// PluginInstanceResponse is a plugin instance's admin-facing view. Config is
// never echoed back — it may carry encrypted secret references.
type PluginInstanceResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// RoutineResponse is a routine's admin-facing view.
type RoutineResponse struct {
	ID          string `json:"id"`
	AgentID     string `json:"agent_id"`
	TriggerKind string `json:"trigger_kind"`
	Enabled     bool   `json:"enabled"`
	LastStatus  string `json:"last_status,omitempty"`
}
