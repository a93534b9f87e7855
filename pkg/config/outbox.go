package config

import (
	"sync"
	"time"
)

// OutboxChannelConfig configures one effect channel's sender worker pool
// (§4.D). Each channel (e.g. "slack", "webhook") gets its own lease and
// backoff tuning since send latencies and rate limits differ per provider.
type OutboxChannelConfig struct {
	WorkerCount       int           `yaml:"worker_count" validate:"omitempty,min=1"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	LeaseDuration     time.Duration `yaml:"lease_duration"`
	MaxAttempts       int           `yaml:"max_attempts" validate:"omitempty,min=1"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// DefaultOutboxChannelConfig returns the built-in per-channel outbox worker
// defaults, used for any channel not explicitly configured.
func DefaultOutboxChannelConfig() *OutboxChannelConfig {
	return &OutboxChannelConfig{
		WorkerCount:       2,
		PollInterval:      1 * time.Second,
		LeaseDuration:     30 * time.Second,
		MaxAttempts:       5,
		BackoffBase:       2 * time.Second,
		BackoffMax:        5 * time.Minute,
		ReconcileInterval: 1 * time.Minute,
	}
}

// OutboxChannelRegistry stores per-channel outbox configurations in memory
// with thread-safe access.
type OutboxChannelRegistry struct {
	channels map[string]*OutboxChannelConfig
	mu       sync.RWMutex
}

// NewOutboxChannelRegistry creates a new outbox channel registry.
func NewOutboxChannelRegistry(channels map[string]*OutboxChannelConfig) *OutboxChannelRegistry {
	copied := make(map[string]*OutboxChannelConfig, len(channels))
	for k, v := range channels {
		copied[k] = v
	}
	return &OutboxChannelRegistry{channels: copied}
}

// Get retrieves a channel's configuration, falling back to the built-in
// defaults if the channel has no explicit entry.
func (r *OutboxChannelRegistry) Get(channel string) *OutboxChannelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, exists := r.channels[channel]; exists {
		return c
	}
	return DefaultOutboxChannelConfig()
}

// GetAll returns all explicitly configured channels (returns a copy).
func (r *OutboxChannelRegistry) GetAll() map[string]*OutboxChannelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*OutboxChannelConfig, len(r.channels))
	for k, v := range r.channels {
		result[k] = v
	}
	return result
}

// Has reports whether a channel has an explicit configuration entry.
func (r *OutboxChannelRegistry) Has(channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.channels[channel]
	return exists
}
