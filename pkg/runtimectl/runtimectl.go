// Package runtimectl exposes the singleton runtime control surface that
// pkg/dispatch workers read on every poll (§4.H); pkg/outbox workers do not
// consult it.
package runtimectl

import (
	"context"
	"fmt"

	"github.com/relaykit/orchestra/pkg/db"
	"github.com/relaykit/orchestra/pkg/models"
)

// Service wraps db.RuntimeControlRepo with the pause/resume/emergency-stop
// operations exposed to the admin surface.
type Service struct {
	repo *db.RuntimeControlRepo
}

// New creates a runtime control service over the given repository.
func New(repo *db.RuntimeControlRepo) *Service {
	return &Service{repo: repo}
}

// Current returns the live runtime control state, read fresh from the
// database on every call — workers must never cache this across a poll.
func (s *Service) Current(ctx context.Context) (*models.RuntimeControl, error) {
	return s.repo.Get(ctx)
}

// Pause soft- or hard-pauses processing. A soft pause lets in-flight
// dispatches finish; a hard pause bumps control_epoch, fencing out any
// worker still holding an older epoch from completing a side effect.
func (s *Service) Pause(ctx context.Context, mode models.PauseMode) error {
	if mode != models.PauseSoft && mode != models.PauseHard {
		return fmt.Errorf("invalid pause mode: %s", mode)
	}
	return s.repo.Pause(ctx, mode)
}

// Resume re-enables processing without touching control_epoch.
func (s *Service) Resume(ctx context.Context) error {
	return s.repo.Resume(ctx)
}

// EmergencyStop hard-pauses and bumps control_epoch in one step, the
// fastest way to fence out every in-flight worker claim.
func (s *Service) EmergencyStop(ctx context.Context) (newEpoch int64, err error) {
	return s.repo.EmergencyStop(ctx)
}

// SetMaxConcurrent updates the global dispatch concurrency gate. §4.H bounds
// it to 1 ≤ n ≤ 100.
func (s *Service) SetMaxConcurrent(ctx context.Context, max int) error {
	if max < 1 || max > 100 {
		return fmt.Errorf("max concurrent dispatches must be between 1 and 100, got %d", max)
	}
	return s.repo.SetMaxConcurrent(ctx, max)
}

// Allowed reports whether processing is currently enabled, and the epoch a
// caller must stamp on any conditional write it performs this cycle.
func Allowed(c *models.RuntimeControl) (ok bool, epoch int64) {
	return c.ProcessingEnabled, c.ControlEpoch
}
