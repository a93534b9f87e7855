package events

// WorkItemCreatedPayload is the payload for work_item.created events,
// published when ingress accepts a new webhook and creates its WorkItem
// (§4.A).
type WorkItemCreatedPayload struct {
	Type       string `json:"type"` // always EventTypeWorkItemCreated
	RefID      string `json:"ref_id"` // work item UUID
	SessionKey string `json:"session_key"`
	Source     string `json:"source"`
	Title      string `json:"title"`
	Timestamp  string `json:"timestamp"` // RFC3339Nano
}

// DispatchStatusPayload is the payload for dispatch.status events, published
// on every Run Dispatch status transition (§4.C). Status mirrors
// models.DispatchStatus's closed vocabulary.
type DispatchStatusPayload struct {
	Type         string `json:"type"` // always EventTypeDispatchStatus
	RefID        string `json:"ref_id"` // dispatch UUID
	WorkItemID   string `json:"work_item_id"`
	SessionKey   string `json:"session_key"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	Timestamp    string `json:"timestamp"` // RFC3339Nano
}

// DispatchProgressPayload is a transient (NOTIFY-only) mid-run progress
// note, lost on reconnect — the terminal dispatch.status event always
// follows and is persisted.
type DispatchProgressPayload struct {
	Type       string `json:"type"` // always EventTypeDispatchProgress
	RefID      string `json:"ref_id"` // dispatch UUID
	SessionKey string `json:"session_key"`
	Note       string `json:"note"`
	Timestamp  string `json:"timestamp"` // RFC3339Nano
}

// EffectStatusPayload is the payload for effect.status events, published on
// an Effect Outbox entry's terminal delivery outcome (§4.D).
type EffectStatusPayload struct {
	Type       string `json:"type"` // always EventTypeEffectStatus
	RefID      string `json:"ref_id"` // effect UUID
	DispatchID string `json:"dispatch_id"`
	SessionKey string `json:"session_key"`
	Channel    string `json:"channel"`
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp"` // RFC3339Nano
}

// RoutineFiredPayload is the payload for routine.fired events, published to
// the global ops channel on every Routine Run decision (§4.E).
type RoutineFiredPayload struct {
	Type           string `json:"type"` // always EventTypeRoutineFired
	RefID          string `json:"ref_id"` // routine UUID
	Decision       string `json:"decision"`
	DecisionReason string `json:"decision_reason,omitempty"`
	Timestamp      string `json:"timestamp"` // RFC3339Nano
}

// PluginAutoDisablePayload is the payload for plugin.auto_disable events,
// published to the global ops channel when Crash Guard trips (§4.G).
type PluginAutoDisablePayload struct {
	Type       string `json:"type"` // always EventTypePluginAutoDisable
	RefID      string `json:"ref_id"` // plugin instance UUID
	PluginType string `json:"plugin_type"`
	Timestamp  string `json:"timestamp"` // RFC3339Nano
}
