package config

import "time"

// RoutinesConfig contains routine evaluator tunables shared by cron,
// condition, and event triggers (§4.E, §9).
type RoutinesConfig struct {
	// CronPollInterval is how often the evaluator scans routines whose
	// trigger_kind is cron for a due next_run_at.
	CronPollInterval time.Duration `yaml:"cron_poll_interval"`

	// ConditionPollInterval is how often condition-triggered routines probe
	// their condition function.
	ConditionPollInterval time.Duration `yaml:"condition_poll_interval"`

	// EventWorkerCount is the number of goroutines claiming envelopes off the
	// routine_event_queue for event-triggered routines.
	EventWorkerCount int `yaml:"event_worker_count" validate:"omitempty,min=1"`

	// EventThrottleMS is the default minimum spacing between two fires of
	// the same event-triggered routine, resolving Open Question 3: a routine
	// without an explicit throttle falls back to this value.
	EventThrottleMS int `yaml:"event_throttle_ms" validate:"omitempty,min=0"`

	// EventClaimLease is how long a claimed envelope's lease lasts before
	// another worker may reclaim it.
	EventClaimLease time.Duration `yaml:"event_claim_lease"`

	// ScheduledItemPollInterval is how often the evaluator scans
	// scheduled_items for a due run_at, turning it into a direct dispatch.
	ScheduledItemPollInterval time.Duration `yaml:"scheduled_item_poll_interval"`
}

// DefaultRoutinesConfig returns the built-in routine evaluator defaults.
func DefaultRoutinesConfig() *RoutinesConfig {
	return &RoutinesConfig{
		CronPollInterval:      15 * time.Second,
		ConditionPollInterval: 30 * time.Second,
		EventWorkerCount:      3,
		EventThrottleMS:       5000,
		EventClaimLease:       30 * time.Second,
		ScheduledItemPollInterval: 10 * time.Second,
	}
}
