// Package agentrpc is the seam between the dispatcher and the external
// agent-inference collaborator: the (out of scope) process that actually
// turns a coalesced work-item burst into an agent response. It is invoked
// over gRPC exactly as the agent package's GRPCLLMClient talks to its
// sidecar LLM process — the same insecure-localhost dial, the same
// single-purpose unary/stream call, just one layer further out, since the
// dispatcher doesn't speak LLM protocol itself, it hands a run to whatever
// implements Runner and reacts to the result.
package agentrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// RunInput is everything the agent runner needs to process one dispatch
// (§4.C): the coalesced burst of work-item text plus enough identity to
// correlate effects and logs back to the originating session.
type RunInput struct {
	DispatchID       string
	RunKey           string
	AgentID          string
	SessionKey       string
	PluginInstanceID string
	CoalescedText    string
	ResponseContext  []byte
	AttemptCount     int
}

// EffectRequest is one side effect the runner wants emitted once its result
// is durably recorded — mirrored into the Effect Outbox by the caller, never
// sent directly by the runner itself (§4.D: effects are only ever delivered
// through the outbox, never inline from the run).
type EffectRequest struct {
	Channel string
	Kind    string
	Payload []byte
}

// RunOutput is the agent runner's verdict on a dispatch.
type RunOutput struct {
	Completed bool
	ErrorMsg  string
	Effects   []EffectRequest
}

// Runner is the interface pkg/dispatch invokes once per claimed run. It is
// deliberately narrow — one call in, one result out — so a stub or a real
// gRPC-backed implementation are interchangeable in tests.
type Runner interface {
	Run(ctx context.Context, input *RunInput) (*RunOutput, error)
}

// GRPCRunner implements Runner by calling an external agent-inference
// service over gRPC. Request and response bodies are carried as
// google.protobuf.Struct values (structpb, shipped fully generated inside
// the protobuf runtime) rather than a bespoke generated message set: the
// inference service is itself out of this spec's scope, so there is no
// .proto contract to compile against here, only a wire convention both
// sides agree on independently — the same role llmv1's generated stubs play
// for the LLM sidecar, minus the schema this repo has no reason to own.
type GRPCRunner struct {
	conn   *grpc.ClientConn
	method string
}

// NewGRPCRunner dials the agent-inference service. Uses insecure (plaintext)
// transport, matching the sidecar-on-localhost assumption the LLM gRPC
// client makes — if this is ever deployed across a network boundary it must
// be upgraded to TLS.
func NewGRPCRunner(addr string) (*GRPCRunner, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("agentrpc: failed to create runner client for %s: %w", addr, err)
	}
	return &GRPCRunner{conn: conn, method: "/orchestra.agentrpc.v1.AgentRunner/Run"}, nil
}

var _ Runner = (*GRPCRunner)(nil)

// Run implements Runner.
func (r *GRPCRunner) Run(ctx context.Context, input *RunInput) (*RunOutput, error) {
	req, err := structpb.NewStruct(map[string]any{
		"dispatch_id":        input.DispatchID,
		"run_key":            input.RunKey,
		"agent_id":           input.AgentID,
		"session_key":        input.SessionKey,
		"plugin_instance_id": input.PluginInstanceID,
		"coalesced_text":     input.CoalescedText,
		"response_context":   string(input.ResponseContext),
		"attempt_count":      float64(input.AttemptCount),
	})
	if err != nil {
		return nil, fmt.Errorf("agentrpc: build run request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := r.conn.Invoke(ctx, r.method, req, resp); err != nil {
		return nil, fmt.Errorf("agentrpc: Run call failed: %w", err)
	}
	return outputFromStruct(resp), nil
}

// Close releases the gRPC connection.
func (r *GRPCRunner) Close() error {
	return r.conn.Close()
}

func outputFromStruct(s *structpb.Struct) *RunOutput {
	fields := s.GetFields()
	out := &RunOutput{
		Completed: fields["completed"].GetBoolValue(),
		ErrorMsg:  fields["error"].GetStringValue(),
	}
	for _, v := range fields["effects"].GetListValue().GetValues() {
		ef := v.GetStructValue().GetFields()
		out.Effects = append(out.Effects, EffectRequest{
			Channel: ef["channel"].GetStringValue(),
			Kind:    ef["kind"].GetStringValue(),
			Payload: []byte(ef["payload"].GetStringValue()),
		})
	}
	return out
}
