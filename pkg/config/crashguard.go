package config

import (
	"sync"
	"time"
)

// CrashGuardConfig configures the sliding-window auto-disable policy for one
// plugin type (§4.G). Thresholds are per plugin type because failure rates
// and acceptable blast radius differ by category (a chat plugin failing
// open is cheap; a paging plugin is not).
type CrashGuardConfig struct {
	// Window is the sliding time window failures are counted over.
	Window time.Duration `yaml:"window"`

	// FailureThreshold is how many failures within Window trip the breaker
	// and auto-disable the plugin instance.
	FailureThreshold int `yaml:"failure_threshold" validate:"omitempty,min=1"`

	// Cooldown is how long an auto-disabled plugin instance stays disabled
	// before it is eligible for re-enable (manual or probe-based).
	Cooldown time.Duration `yaml:"cooldown"`

	// HalfOpenProbes is how many trial requests are allowed through during
	// the half-open recovery phase before deciding to re-close or re-trip.
	HalfOpenProbes int `yaml:"half_open_probes" validate:"omitempty,min=1"`
}

// DefaultCrashGuardConfig returns the built-in Crash Guard defaults, used for
// any plugin type not explicitly configured.
func DefaultCrashGuardConfig() *CrashGuardConfig {
	return &CrashGuardConfig{
		Window:           5 * time.Minute,
		FailureThreshold: 5,
		Cooldown:         10 * time.Minute,
		HalfOpenProbes:   1,
	}
}

// CrashGuardRegistry stores per-plugin-type Crash Guard configurations in
// memory with thread-safe access.
type CrashGuardRegistry struct {
	byType map[string]*CrashGuardConfig
	mu     sync.RWMutex
}

// NewCrashGuardRegistry creates a new Crash Guard registry.
func NewCrashGuardRegistry(byType map[string]*CrashGuardConfig) *CrashGuardRegistry {
	copied := make(map[string]*CrashGuardConfig, len(byType))
	for k, v := range byType {
		copied[k] = v
	}
	return &CrashGuardRegistry{byType: copied}
}

// Get retrieves a plugin type's Crash Guard configuration, falling back to
// the built-in defaults if none is explicitly configured.
func (r *CrashGuardRegistry) Get(pluginType string) *CrashGuardConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, exists := r.byType[pluginType]; exists {
		return c
	}
	return DefaultCrashGuardConfig()
}

// GetAll returns all explicitly configured plugin types (returns a copy).
func (r *CrashGuardRegistry) GetAll() map[string]*CrashGuardConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*CrashGuardConfig, len(r.byType))
	for k, v := range r.byType {
		result[k] = v
	}
	return result
}
