package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkItemCreatedPayload(t *testing.T) {
	t.Run("creates work item created payload with all fields", func(t *testing.T) {
		payload := WorkItemCreatedPayload{
			Type:       EventTypeWorkItemCreated,
			RefID:      "wi-123",
			SessionKey: "session-abc",
			Source:     "webhook",
			Title:      "investigate disk pressure",
			Timestamp:  time.Now().Format(time.RFC3339Nano),
		}

		assert.Equal(t, EventTypeWorkItemCreated, payload.Type)
		assert.Equal(t, "wi-123", payload.RefID)
		assert.Equal(t, "session-abc", payload.SessionKey)
		assert.Equal(t, "webhook", payload.Source)
		assert.Equal(t, "investigate disk pressure", payload.Title)
		assert.NotEmpty(t, payload.Timestamp)
	})

	t.Run("supports routine-sourced work items", func(t *testing.T) {
		payload := WorkItemCreatedPayload{
			Type:       EventTypeWorkItemCreated,
			RefID:      "wi-456",
			SessionKey: "session-xyz",
			Source:     "routine",
			Title:      "follow up on stale items",
			Timestamp:  time.Now().Format(time.RFC3339Nano),
		}

		assert.Equal(t, "routine", payload.Source)
	})
}

func TestDispatchStatusPayloadTransitions(t *testing.T) {
	t.Run("supports every dispatch status", func(t *testing.T) {
		statuses := []string{"queued", "running", "paused", "completed", "failed", "abandoned", "cancelled", "merged"}

		for _, status := range statuses {
			payload := DispatchStatusPayload{
				Type:       EventTypeDispatchStatus,
				RefID:      "dispatch-abc",
				WorkItemID: "wi-abc",
				SessionKey: "session-abc",
				Status:     status,
				Timestamp:  time.Now().Format(time.RFC3339Nano),
			}

			assert.Equal(t, status, payload.Status)
		}
	})

	t.Run("failed status carries an error message", func(t *testing.T) {
		payload := DispatchStatusPayload{
			Type:         EventTypeDispatchStatus,
			RefID:        "dispatch-def",
			SessionKey:   "session-def",
			Status:       "failed",
			ErrorMessage: "model call timed out",
			Timestamp:    time.Now().Format(time.RFC3339Nano),
		}

		assert.Equal(t, "failed", payload.Status)
		assert.Contains(t, payload.ErrorMessage, "timed out")
	})
}

func TestDispatchProgressPayload(t *testing.T) {
	t.Run("carries a mid-run note", func(t *testing.T) {
		payload := DispatchProgressPayload{
			Type:       EventTypeDispatchProgress,
			RefID:      "dispatch-ghi",
			SessionKey: "session-ghi",
			Note:       "calling tool: kubectl_get",
			Timestamp:  time.Now().Format(time.RFC3339Nano),
		}

		assert.Equal(t, EventTypeDispatchProgress, payload.Type)
		assert.Equal(t, "calling tool: kubectl_get", payload.Note)
	})

	t.Run("allows empty note", func(t *testing.T) {
		payload := DispatchProgressPayload{
			Type:      EventTypeDispatchProgress,
			RefID:     "dispatch-jkl",
			Timestamp: time.Now().Format(time.RFC3339Nano),
		}

		assert.Empty(t, payload.Note)
	})
}

func TestEffectStatusPayload(t *testing.T) {
	t.Run("creates effect status payload with all fields", func(t *testing.T) {
		payload := EffectStatusPayload{
			Type:       EventTypeEffectStatus,
			RefID:      "effect-1",
			DispatchID: "dispatch-1",
			SessionKey: "session-1",
			Channel:    "slack",
			Status:     "delivered",
			Timestamp:  time.Now().Format(time.RFC3339Nano),
		}

		assert.Equal(t, EventTypeEffectStatus, payload.Type)
		assert.Equal(t, "dispatch-1", payload.DispatchID)
		assert.Equal(t, "slack", payload.Channel)
		assert.Equal(t, "delivered", payload.Status)
	})

	t.Run("supports exhausted delivery status", func(t *testing.T) {
		payload := EffectStatusPayload{
			Type:    EventTypeEffectStatus,
			RefID:   "effect-2",
			Channel: "webhook",
			Status:  "exhausted",
		}

		assert.Equal(t, "exhausted", payload.Status)
	})
}

func TestRoutineFiredPayloadDecisions(t *testing.T) {
	decisions := []string{"enqueued", "skipped", "throttled", "error"}

	for _, decision := range decisions {
		payload := RoutineFiredPayload{
			Type:      EventTypeRoutineFired,
			RefID:     "routine-abc",
			Decision:  decision,
			Timestamp: time.Now().Format(time.RFC3339Nano),
		}

		assert.Equal(t, decision, payload.Decision)
	}
}

func TestPluginAutoDisablePayload(t *testing.T) {
	payload := PluginAutoDisablePayload{
		Type:       EventTypePluginAutoDisable,
		RefID:      "plugin-instance-1",
		PluginType: "slack",
		Timestamp:  time.Now().Format(time.RFC3339Nano),
	}

	assert.Equal(t, EventTypePluginAutoDisable, payload.Type)
	assert.Equal(t, "plugin-instance-1", payload.RefID)
	assert.Equal(t, "slack", payload.PluginType)
}

func TestPayloadTypes(t *testing.T) {
	t.Run("all payload types have correct type field", func(t *testing.T) {
		workItemCreated := WorkItemCreatedPayload{Type: EventTypeWorkItemCreated, RefID: "wi-1"}
		assert.Equal(t, EventTypeWorkItemCreated, workItemCreated.Type)

		dispatchStatus := DispatchStatusPayload{Type: EventTypeDispatchStatus, RefID: "d-1"}
		assert.Equal(t, EventTypeDispatchStatus, dispatchStatus.Type)

		dispatchProgress := DispatchProgressPayload{Type: EventTypeDispatchProgress, RefID: "d-1"}
		assert.Equal(t, EventTypeDispatchProgress, dispatchProgress.Type)

		effectStatus := EffectStatusPayload{Type: EventTypeEffectStatus, RefID: "e-1"}
		assert.Equal(t, EventTypeEffectStatus, effectStatus.Type)

		routineFired := RoutineFiredPayload{Type: EventTypeRoutineFired, RefID: "r-1"}
		assert.Equal(t, EventTypeRoutineFired, routineFired.Type)

		pluginAutoDisable := PluginAutoDisablePayload{Type: EventTypePluginAutoDisable, RefID: "p-1"}
		assert.Equal(t, EventTypePluginAutoDisable, pluginAutoDisable.Type)
	})
}
