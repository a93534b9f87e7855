package config

// Defaults contains system-wide default configurations applied when a
// plugin instance or routine doesn't specify its own values.
type Defaults struct {
	// DebounceMS is the default session-queue coalescing window (§4.B) for
	// lanes that don't override it.
	DebounceMS int `yaml:"debounce_ms,omitempty" validate:"omitempty,min=0"`

	// MaxQueued caps a lane's pending queue; a message arriving when it is full is dropped.
	MaxQueued int `yaml:"max_queued,omitempty" validate:"omitempty,min=1"`

	// QueueMode is the default lane behavior for messages arriving mid-run.
	QueueMode string `yaml:"queue_mode,omitempty"`

	// PayloadMasking configures secret redaction applied to inbound webhook
	// payloads before they are persisted (§4.A).
	PayloadMasking *PayloadMaskingDefaults `yaml:"payload_masking,omitempty"`

	// HookEventBudgetMS is the per-event cumulative time budget (§4.F) a
	// hook dispatch's whole handler chain shares, regardless of how many
	// handlers are registered for that hook point.
	HookEventBudgetMS int `yaml:"hook_event_budget_ms,omitempty" validate:"omitempty,min=0"`
}

// PayloadMaskingDefaults holds webhook payload masking settings, applied
// system-wide to all plugin instances unless a plugin instance overrides
// sensitiveFields itself.
type PayloadMaskingDefaults struct {
	Enabled      bool   `yaml:"enabled"`
	PatternGroup string `yaml:"pattern_group"`
}
