package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validator validates configuration comprehensively with clear error messages
type Validator struct {
	cfg  *Config
	tags *validator.Validate
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg, tags: validator.New(validator.WithRequiredStructEnabled())}
}

// validateTags runs the struct-tag ("validate:...") pass over the
// per-section configs before the hand-rolled field checks below run. The
// hand-rolled checks stay authoritative for cross-field rules (jitter <
// interval, heartbeat < lease, ...) the tag engine can't express; this pass
// only catches the simple bounds every section already declares in its
// `validate` tags, so a bare `min=1` typo in YAML fails fast with a precise
// field path instead of surfacing as a confusing zero-worker pool later.
func (v *Validator) validateTags() error {
	sections := []any{
		v.cfg.Dispatch,
		v.cfg.Routines,
	}
	for _, s := range sections {
		if s == nil {
			continue
		}
		if err := v.tags.Struct(s); err != nil {
			return fmt.Errorf("struct tag validation failed: %w", err)
		}
	}
	for name, c := range v.cfg.Outbox.GetAll() {
		if err := v.tags.Struct(c); err != nil {
			return fmt.Errorf("outbox channel %q: struct tag validation failed: %w", name, err)
		}
	}
	for name, c := range v.cfg.CrashGuard.GetAll() {
		if err := v.tags.Struct(c); err != nil {
			return fmt.Errorf("crash guard %q: struct tag validation failed: %w", name, err)
		}
	}
	return nil
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *Validator) ValidateAll() error {
	// Validate in order: struct tags → ingress → plugin types → dispatch →
	// outbox → routines → hooks → crash guard → defaults. Ingress and
	// dispatch first since later sections reference plugin types they gate.

	if err := v.validateTags(); err != nil {
		return err
	}

	if err := v.validateIngress(); err != nil {
		return fmt.Errorf("ingress validation failed: %w", err)
	}

	if err := v.validatePluginTypes(); err != nil {
		return fmt.Errorf("plugin type validation failed: %w", err)
	}

	if err := v.validateDispatch(); err != nil {
		return fmt.Errorf("dispatch validation failed: %w", err)
	}

	if err := v.validateOutbox(); err != nil {
		return fmt.Errorf("outbox validation failed: %w", err)
	}

	if err := v.validateRoutines(); err != nil {
		return fmt.Errorf("routines validation failed: %w", err)
	}

	if err := v.validateHooks(); err != nil {
		return fmt.Errorf("hook validation failed: %w", err)
	}

	if err := v.validateCrashGuard(); err != nil {
		return fmt.Errorf("crash guard validation failed: %w", err)
	}

	if err := v.validateDefaults(); err != nil {
		return fmt.Errorf("defaults validation failed: %w", err)
	}

	return nil
}

func (v *Validator) validateIngress() error {
	i := v.cfg.Ingress
	if i == nil {
		return fmt.Errorf("ingress configuration is nil")
	}
	if i.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive, got %d", i.MaxBodyBytes)
	}
	if i.IdempotencyWindowHours <= 0 {
		return fmt.Errorf("idempotency_window_hours must be positive, got %d", i.IdempotencyWindowHours)
	}
	return nil
}

func (v *Validator) validatePluginTypes() error {
	for name, pt := range v.cfg.PluginTypes.GetAll() {
		for _, hookName := range pt.Hooks {
			if !v.cfg.Hooks.Has(hookName) {
				return NewValidationError("plugin_type", name, "hooks", fmt.Errorf("hook '%s' not found", hookName))
			}
		}
	}
	return nil
}

func (v *Validator) validateDispatch() error {
	d := v.cfg.Dispatch
	if d == nil {
		return fmt.Errorf("dispatch configuration is nil")
	}

	if d.WorkerCount < 1 || d.WorkerCount > 50 {
		return fmt.Errorf("worker_count must be between 1 and 50, got %d", d.WorkerCount)
	}
	if d.MaxConcurrentDispatches < 1 {
		return fmt.Errorf("max_concurrent_dispatches must be at least 1, got %d", d.MaxConcurrentDispatches)
	}
	if d.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", d.PollInterval)
	}
	if d.PollIntervalJitter < 0 {
		return fmt.Errorf("poll_interval_jitter must be non-negative, got %v", d.PollIntervalJitter)
	}
	if d.PollIntervalJitter >= d.PollInterval {
		return fmt.Errorf("poll_interval_jitter must be less than poll_interval, got jitter=%v interval=%v", d.PollIntervalJitter, d.PollInterval)
	}
	if d.LeaseDuration <= 0 {
		return fmt.Errorf("lease_duration must be positive, got %v", d.LeaseDuration)
	}
	if d.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %v", d.HeartbeatInterval)
	}
	if d.HeartbeatInterval >= d.LeaseDuration {
		return fmt.Errorf("heartbeat_interval must be less than lease_duration to prevent premature lease expiry, got heartbeat=%v lease=%v", d.HeartbeatInterval, d.LeaseDuration)
	}
	if d.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", d.MaxAttempts)
	}
	if d.OrphanDetectionInterval <= 0 {
		return fmt.Errorf("orphan_detection_interval must be positive, got %v", d.OrphanDetectionInterval)
	}
	if d.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be positive, got %v", d.GracefulShutdownTimeout)
	}

	return nil
}

func (v *Validator) validateOutbox() error {
	for channel, c := range v.cfg.Outbox.GetAll() {
		if c.WorkerCount < 1 {
			return NewValidationError("outbox", channel, "worker_count", fmt.Errorf("must be at least 1"))
		}
		if c.PollInterval <= 0 {
			return NewValidationError("outbox", channel, "poll_interval", fmt.Errorf("must be positive"))
		}
		if c.LeaseDuration <= 0 {
			return NewValidationError("outbox", channel, "lease_duration", fmt.Errorf("must be positive"))
		}
		if c.MaxAttempts < 1 {
			return NewValidationError("outbox", channel, "max_attempts", fmt.Errorf("must be at least 1"))
		}
		if c.BackoffBase <= 0 {
			return NewValidationError("outbox", channel, "backoff_base", fmt.Errorf("must be positive"))
		}
		if c.BackoffMax < c.BackoffBase {
			return NewValidationError("outbox", channel, "backoff_max", fmt.Errorf("must be >= backoff_base"))
		}
	}
	return nil
}

func (v *Validator) validateRoutines() error {
	r := v.cfg.Routines
	if r == nil {
		return fmt.Errorf("routines configuration is nil")
	}
	if r.CronPollInterval <= 0 {
		return fmt.Errorf("cron_poll_interval must be positive, got %v", r.CronPollInterval)
	}
	if r.ConditionPollInterval <= 0 {
		return fmt.Errorf("condition_poll_interval must be positive, got %v", r.ConditionPollInterval)
	}
	if r.EventWorkerCount < 1 {
		return fmt.Errorf("event_worker_count must be at least 1, got %d", r.EventWorkerCount)
	}
	if r.EventThrottleMS < 0 {
		return fmt.Errorf("event_throttle_ms must be non-negative, got %d", r.EventThrottleMS)
	}
	if r.EventClaimLease <= 0 {
		return fmt.Errorf("event_claim_lease must be positive, got %v", r.EventClaimLease)
	}
	if r.ScheduledItemPollInterval <= 0 {
		return fmt.Errorf("scheduled_item_poll_interval must be positive, got %v", r.ScheduledItemPollInterval)
	}
	return nil
}

func (v *Validator) validateHooks() error {
	seen := make(map[string]bool)
	for name, h := range v.cfg.Hooks.All() {
		if h.Stage == "" {
			return NewValidationError("hook", name, "stage", fmt.Errorf("stage is required"))
		}
		if h.Enabled {
			key := fmt.Sprintf("%s/%d", h.Stage, h.Priority)
			if seen[key] {
				return NewValidationError("hook", name, "priority", fmt.Errorf("duplicate priority %d at stage '%s'", h.Priority, h.Stage))
			}
			seen[key] = true
		}
	}
	return nil
}

func (v *Validator) validateCrashGuard() error {
	for pluginType, c := range v.cfg.CrashGuard.GetAll() {
		if c.Window <= 0 {
			return NewValidationError("crash_guard", pluginType, "window", fmt.Errorf("must be positive"))
		}
		if c.FailureThreshold < 1 {
			return NewValidationError("crash_guard", pluginType, "failure_threshold", fmt.Errorf("must be at least 1"))
		}
		if c.Cooldown <= 0 {
			return NewValidationError("crash_guard", pluginType, "cooldown", fmt.Errorf("must be positive"))
		}
		if c.HalfOpenProbes < 1 {
			return NewValidationError("crash_guard", pluginType, "half_open_probes", fmt.Errorf("must be at least 1"))
		}
	}
	return nil
}

func (v *Validator) validateDefaults() error {
	defaults := v.cfg.Defaults
	if defaults == nil {
		return nil
	}

	if defaults.DebounceMS < 0 {
		return NewValidationError("defaults", "", "debounce_ms", fmt.Errorf("must be non-negative"))
	}
	if defaults.MaxQueued != 0 && defaults.MaxQueued < 1 {
		return NewValidationError("defaults", "", "max_queued", fmt.Errorf("must be at least 1 if specified"))
	}

	return nil
}
