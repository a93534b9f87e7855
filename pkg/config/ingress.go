package config

import (
	"fmt"
	"sync"
)

// IngressConfig contains webhook ingress tunables shared by every plugin
// type's POST /hooks/{pluginType}/{pluginInstanceId} endpoint (§4.A).
type IngressConfig struct {
	// MaxBodyBytes is validated to be positive; the HTTP server does not read
	// it and applies its own fixed 5 MiB request body limit.
	MaxBodyBytes int64 `yaml:"max_body_bytes" validate:"omitempty,min=1"`

	// IdempotencyWindowHours is validated to be positive; idempotency keys do
	// not expire, so a key stays bound to its work item for as long as the
	// key's row exists.
	IdempotencyWindowHours int `yaml:"idempotency_window_hours" validate:"omitempty,min=1"`
}

// DefaultIngressConfig returns the built-in ingress defaults.
func DefaultIngressConfig() *IngressConfig {
	return &IngressConfig{
		MaxBodyBytes:           1 << 20, // 1 MiB
		IdempotencyWindowHours: 24,
	}
}

// PluginTypeConfig describes a registered plugin type's ingress contract:
// which fields of its payload are sensitive (and must be masked before
// persistence), which hooks its webhook pipeline runs, and which category it
// belongs to for Crash Guard grouping.
type PluginTypeConfig struct {
	// Category groups plugin types for Crash Guard thresholds and dashboards
	// (e.g. "chat", "monitoring", "ticketing").
	Category string `yaml:"category,omitempty"`

	// SensitiveFields are JSON-pointer-style paths into the parsed payload
	// that the masking layer redacts before the work item is persisted.
	SensitiveFields []string `yaml:"sensitive_fields,omitempty"`

	// Hooks lists the hook names (by name, resolved against HookRegistry)
	// this plugin type's pipeline runs, in addition to the global hooks.
	Hooks []string `yaml:"hooks,omitempty"`

	// Enabled allows disabling a plugin type without removing its config.
	Enabled bool `yaml:"enabled"`
}

// PluginTypeRegistry stores plugin type configurations in memory with
// thread-safe access, mirroring the teacher's AgentRegistry idiom.
type PluginTypeRegistry struct {
	types map[string]*PluginTypeConfig
	mu    sync.RWMutex
}

// NewPluginTypeRegistry creates a new plugin type registry.
func NewPluginTypeRegistry(types map[string]*PluginTypeConfig) *PluginTypeRegistry {
	copied := make(map[string]*PluginTypeConfig, len(types))
	for k, v := range types {
		copied[k] = v
	}
	return &PluginTypeRegistry{types: copied}
}

// Get retrieves a plugin type configuration by name.
func (r *PluginTypeRegistry) Get(name string) (*PluginTypeConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.types[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPluginTypeNotFound, name)
	}
	return t, nil
}

// GetAll returns all plugin type configurations (returns a copy).
func (r *PluginTypeRegistry) GetAll() map[string]*PluginTypeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*PluginTypeConfig, len(r.types))
	for k, v := range r.types {
		result[k] = v
	}
	return result
}

// Has checks if a plugin type is registered.
func (r *PluginTypeRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.types[name]
	return exists
}

// Len returns the number of registered plugin types.
func (r *PluginTypeRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}
