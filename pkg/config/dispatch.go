package config

import "time"

// DispatchConfig contains dispatch worker pool configuration — how run
// dispatches are polled, claimed, leased, and recovered (§4.C). Generalizes
// the teacher's session worker pool to the epoch-fenced RunDispatch queue.
type DispatchConfig struct {
	// WorkerCount is the number of worker goroutines per replica/pod. Each
	// worker independently polls and claims dispatches.
	WorkerCount int `yaml:"worker_count" validate:"omitempty,min=1"`

	// MaxConcurrentDispatches is the global limit of concurrently running
	// dispatches across all replicas: a worker claims only while a COUNT(*)
	// of running dispatches is below both this value and
	// runtime_control.max_concurrent_dispatches.
	MaxConcurrentDispatches int `yaml:"max_concurrent_dispatches" validate:"omitempty,min=1"`

	// PollInterval is the base interval for checking claimable dispatches.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is random jitter added to PollInterval so replicas
	// don't thunder-herd the claim query.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// LeaseDuration is how long a claimed dispatch's lease lasts before it is
	// eligible for recovery by another worker.
	LeaseDuration time.Duration `yaml:"lease_duration"`

	// HeartbeatInterval is how often a worker extends the lease of a
	// dispatch it is actively running. Should be well under LeaseDuration.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MaxAttempts is how many times a dispatch whose lease expired may be
	// requeued before it is marked failed as an orphan.
	MaxAttempts int `yaml:"max_attempts" validate:"omitempty,min=1"`

	// OrphanDetectionInterval is how often to scan for dispatches whose lease
	// expired without a heartbeat.
	OrphanDetectionInterval time.Duration `yaml:"orphan_detection_interval"`

	// GracefulShutdownTimeout is validated to be positive; Pool.Stop does not
	// read it and waits for in-flight dispatches without a time limit.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultDispatchConfig returns the built-in dispatch worker pool defaults.
func DefaultDispatchConfig() *DispatchConfig {
	return &DispatchConfig{
		WorkerCount:             5,
		MaxConcurrentDispatches: 10,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		LeaseDuration:           2 * time.Minute,
		HeartbeatInterval:       30 * time.Second,
		MaxAttempts:             3,
		OrphanDetectionInterval: 1 * time.Minute,
		GracefulShutdownTimeout: 2 * time.Minute,
	}
}
