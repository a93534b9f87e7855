package agentrpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestOutputFromStruct(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		"completed": true,
		"effects": []any{
			map[string]any{"channel": "C123", "kind": "slack.message", "payload": `{"text":"done"}`},
		},
	})
	require.NoError(t, err)

	out := outputFromStruct(s)
	assert.True(t, out.Completed)
	require.Len(t, out.Effects, 1)
	assert.Equal(t, "C123", out.Effects[0].Channel)
	assert.Equal(t, "slack.message", out.Effects[0].Kind)
	assert.Equal(t, `{"text":"done"}`, string(out.Effects[0].Payload))
}

func TestOutputFromStructErrorCase(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		"completed": false,
		"error":     "boom",
	})
	require.NoError(t, err)

	out := outputFromStruct(s)
	assert.False(t, out.Completed)
	assert.Equal(t, "boom", out.ErrorMsg)
	assert.Empty(t, out.Effects)
}

func TestStubRunnerCompletesByDefault(t *testing.T) {
	r := NewStubRunner()
	out, err := r.Run(context.Background(), &RunInput{DispatchID: "d1", AgentID: "a1"})
	require.NoError(t, err)
	assert.True(t, out.Completed)
}

func TestStubRunnerReturnsConfiguredError(t *testing.T) {
	r := NewStubRunner()
	r.Err = assert.AnError
	_, err := r.Run(context.Background(), &RunInput{DispatchID: "d1"})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestStubRunnerRespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewStubRunner()
	_, err := r.Run(ctx, &RunInput{DispatchID: "d1"})
	assert.ErrorIs(t, err, context.Canceled)
}
