package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateIfNeeded(t *testing.T) {
	t.Run("passes through normal payload", func(t *testing.T) {
		payload, _ := json.Marshal(WorkItemCreatedPayload{
			Type:       EventTypeWorkItemCreated,
			RefID:      "wi-abc-123",
			SessionKey: "session-abc-123",
		})

		result, err := truncateIfNeeded(string(payload))
		require.NoError(t, err)
		assert.Contains(t, result, EventTypeWorkItemCreated)
		assert.Contains(t, result, "session-abc-123")
	})

	t.Run("truncates oversized payload", func(t *testing.T) {
		longTitle := make([]byte, 8000)
		for i := range longTitle {
			longTitle[i] = 'a'
		}
		payload, _ := json.Marshal(WorkItemCreatedPayload{
			Type:       EventTypeWorkItemCreated,
			RefID:      "wi-123",
			SessionKey: "abc-123",
			Title:      string(longTitle),
		})

		result, err := truncateIfNeeded(string(payload))
		require.NoError(t, err)
		assert.Contains(t, result, "truncated")
		assert.Less(t, len(result), 8000)
	})

	t.Run("does not truncate small payload", func(t *testing.T) {
		payload, _ := json.Marshal(DispatchProgressPayload{
			Type: EventTypeDispatchProgress,
			Note: "hello",
		})

		result, err := truncateIfNeeded(string(payload))
		require.NoError(t, err)
		assert.NotContains(t, result, "truncated")
	})

	t.Run("truncated payload preserves key fields", func(t *testing.T) {
		longTitle := make([]byte, 8000)
		for i := range longTitle {
			longTitle[i] = 'x'
		}
		payload, _ := json.Marshal(WorkItemCreatedPayload{
			Type:       EventTypeWorkItemCreated,
			RefID:      "wi-456",
			SessionKey: "sess-789",
			Title:      string(longTitle),
		})

		result, err := truncateIfNeeded(string(payload))
		require.NoError(t, err)

		assert.Contains(t, result, EventTypeWorkItemCreated)
		assert.Contains(t, result, "wi-456")
		assert.Contains(t, result, "sess-789")
		assert.Contains(t, result, `"truncated":true`)
		assert.NotContains(t, result, "xxxx")
	})

	t.Run("boundary: payload just under limit is not truncated", func(t *testing.T) {
		// Build a payload whose JSON is just under 7900 bytes.
		// Marshal an empty struct first to measure the overhead of the struct's
		// fixed fields (keys, quotes, separators). The 20-byte safety margin
		// accounts for JSON encoding variability: if new fields with non-zero
		// defaults are added to WorkItemCreatedPayload, the base overhead grows
		// and the margin prevents the test from flipping unexpectedly.
		base, _ := json.Marshal(WorkItemCreatedPayload{Type: "t"})
		titleSize := 7900 - len(base) - 20
		title := make([]byte, titleSize)
		for i := range title {
			title[i] = 'b'
		}
		payload, _ := json.Marshal(WorkItemCreatedPayload{
			Type:  "t",
			Title: string(title),
		})
		require.LessOrEqual(t, len(payload), 7900, "test payload should be under limit")

		result, err := truncateIfNeeded(string(payload))
		require.NoError(t, err)
		assert.NotContains(t, result, "truncated")
	})

	t.Run("empty JSON object", func(t *testing.T) {
		result, err := truncateIfNeeded("{}")
		require.NoError(t, err)
		assert.Equal(t, "{}", result)
	})
}

func TestInjectDBEventIDAndTruncate(t *testing.T) {
	t.Run("injects db_event_id into normal payload", func(t *testing.T) {
		payload, _ := json.Marshal(WorkItemCreatedPayload{
			Type:       EventTypeWorkItemCreated,
			RefID:      "wi-1",
			SessionKey: "sess-1",
			Title:      "hello",
		})

		result, err := injectDBEventIDAndTruncate(payload, 42)
		require.NoError(t, err)
		assert.Contains(t, result, `"db_event_id":42`)
		assert.Contains(t, result, "wi-1")
	})

	t.Run("truncated payload preserves db_event_id", func(t *testing.T) {
		longTitle := make([]byte, 8000)
		for i := range longTitle {
			longTitle[i] = 'x'
		}
		payload, _ := json.Marshal(WorkItemCreatedPayload{
			Type:       EventTypeWorkItemCreated,
			RefID:      "wi-456",
			SessionKey: "sess-789",
			Title:      string(longTitle),
		})

		result, err := injectDBEventIDAndTruncate(payload, 42)
		require.NoError(t, err)
		assert.Contains(t, result, `"truncated":true`)
		assert.Contains(t, result, `"db_event_id":42`)
		assert.Contains(t, result, "wi-456")
	})

	t.Run("truncated payload without session_key omits it", func(t *testing.T) {
		longNote := make([]byte, 8000)
		for i := range longNote {
			longNote[i] = 'x'
		}
		payload, _ := json.Marshal(RoutineFiredPayload{
			Type:           EventTypeRoutineFired,
			RefID:          "routine-789",
			DecisionReason: string(longNote),
		})

		result, err := injectDBEventIDAndTruncate(payload, 99)
		require.NoError(t, err)
		assert.Contains(t, result, `"truncated":true`)
		assert.Contains(t, result, `"db_event_id":99`)
		assert.NotContains(t, result, "session_key")
	})
}

func TestNewEventPublisher(t *testing.T) {
	publisher := NewEventPublisher(nil)
	assert.NotNil(t, publisher)
	assert.Nil(t, publisher.db)
}

func TestDispatchStatusPayload_JSON(t *testing.T) {
	payload := DispatchStatusPayload{
		Type:       EventTypeDispatchStatus,
		RefID:      "dispatch-456",
		WorkItemID: "wi-123",
		SessionKey: "sess-123",
		Status:     "running",
		Timestamp:  "2026-02-10T12:00:00Z",
	}

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	var decoded DispatchStatusPayload
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, EventTypeDispatchStatus, decoded.Type)
	assert.Equal(t, "sess-123", decoded.SessionKey)
	assert.Equal(t, "dispatch-456", decoded.RefID)
	assert.Equal(t, "wi-123", decoded.WorkItemID)
	assert.Equal(t, "running", decoded.Status)
	assert.Equal(t, "2026-02-10T12:00:00Z", decoded.Timestamp)
}

func TestDispatchStatusPayload_EmptyErrorMessage(t *testing.T) {
	// ErrorMessage is empty on every non-failed transition.
	payload := DispatchStatusPayload{
		Type:       EventTypeDispatchStatus,
		RefID:      "dispatch-456",
		SessionKey: "sess-123",
		Status:     "running",
	}

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	assert.NotContains(t, string(data), "error_message")
}

func TestEffectStatusPayload_JSON(t *testing.T) {
	payload := EffectStatusPayload{
		Type:       EventTypeEffectStatus,
		RefID:      "effect-100",
		DispatchID: "dispatch-50",
		SessionKey: "sess-100",
		Channel:    "slack",
		Status:     "delivered",
		Timestamp:  "2026-02-13T10:00:00Z",
	}

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	var decoded EffectStatusPayload
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, EventTypeEffectStatus, decoded.Type)
	assert.Equal(t, "sess-100", decoded.SessionKey)
	assert.Equal(t, "dispatch-50", decoded.DispatchID)
	assert.Equal(t, "slack", decoded.Channel)
	assert.Equal(t, "delivered", decoded.Status)
}

func TestRoutineFiredPayload_JSON(t *testing.T) {
	payload := RoutineFiredPayload{
		Type:           EventTypeRoutineFired,
		RefID:          "routine-1",
		Decision:       "enqueued",
		DecisionReason: "condition satisfied",
		Timestamp:      "2026-02-13T10:00:00Z",
	}

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	var decoded RoutineFiredPayload
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, EventTypeRoutineFired, decoded.Type)
	assert.Equal(t, "routine-1", decoded.RefID)
	assert.Equal(t, "enqueued", decoded.Decision)
	assert.Equal(t, "condition satisfied", decoded.DecisionReason)
}

func TestPluginAutoDisablePayload_JSON(t *testing.T) {
	payload := PluginAutoDisablePayload{
		Type:       EventTypePluginAutoDisable,
		RefID:      "plugin-instance-300",
		PluginType: "slack",
		Timestamp:  "2026-02-13T10:00:00Z",
	}

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	var decoded PluginAutoDisablePayload
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, EventTypePluginAutoDisable, decoded.Type)
	assert.Equal(t, "plugin-instance-300", decoded.RefID)
	assert.Equal(t, "slack", decoded.PluginType)
}
