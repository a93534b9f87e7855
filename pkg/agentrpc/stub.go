package agentrpc

import (
	"context"
	"log/slog"
)

// StubRunner is a placeholder Runner for tests and local development. It
// immediately returns a completed result carrying the configured Effects
// (none by default), without calling out to any external process.
type StubRunner struct {
	// Err, if set, is returned from Run instead of a result.
	Err error
	// Effects, if set, is copied onto every successful RunOutput.
	Effects []EffectRequest
}

// NewStubRunner constructs a StubRunner.
func NewStubRunner() *StubRunner {
	return &StubRunner{}
}

var _ Runner = (*StubRunner)(nil)

// Run implements Runner.
func (s *StubRunner) Run(ctx context.Context, input *RunInput) (*RunOutput, error) {
	slog.Info("stub agent runner: processing dispatch (no-op)",
		"dispatch_id", input.DispatchID,
		"agent_id", input.AgentID,
		"session_key", input.SessionKey,
	)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s.Err != nil {
		return nil, s.Err
	}

	return &RunOutput{Completed: true, Effects: s.Effects}, nil
}
