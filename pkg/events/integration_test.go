package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/orchestra/pkg/database"
	"github.com/relaykit/orchestra/pkg/db"
	testdb "github.com/relaykit/orchestra/test/database"
	"github.com/relaykit/orchestra/test/util"
)

// streamingTestEnv holds all wired-up components for an integration test.
type streamingTestEnv struct {
	dbClient   *database.Client
	publisher  *EventPublisher
	eventLog   *db.EventLogRepo
	manager    *ConnectionManager
	listener   *NotifyListener
	server     *httptest.Server
	sessionKey string // queue lane session_key
	channel    string // session:<sessionKey>
}

// setupStreamingTest wires all real components together against a real
// PostgreSQL database (testcontainers locally, service container in CI).
func setupStreamingTest(t *testing.T) *streamingTestEnv {
	t.Helper()

	dbClient := testdb.NewTestClient(t)
	ctx := context.Background()

	sessionKey := uuid.New().String()
	channel := SessionChannel(sessionKey)

	// Real components
	publisher := NewEventPublisher(dbClient.DB())
	eventLog := db.NewEventLogRepo(dbClient.DB())
	catchupQuerier := NewEventLogAdapter(eventLog)
	manager := NewConnectionManager(catchupQuerier, 5*time.Second)

	// NotifyListener needs the base connection string (no schema search_path)
	// because NOTIFY/LISTEN is database-level, not schema-level.
	baseConnStr := util.GetBaseConnectionString(t)
	listener := NewNotifyListener(baseConnStr, manager)
	require.NoError(t, listener.Start(ctx))
	manager.SetListener(listener)

	t.Cleanup(func() { listener.Stop(context.Background()) })

	// httptest server with WebSocket upgrade
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(func() { server.Close() })

	return &streamingTestEnv{
		dbClient:   dbClient,
		publisher:  publisher,
		eventLog:   eventLog,
		manager:    manager,
		listener:   listener,
		server:     server,
		sessionKey: sessionKey,
		channel:    channel,
	}
}

// connectWS opens a WebSocket to the test server and returns the connection.
// The connection is automatically closed on test cleanup.
func (env *streamingTestEnv) connectWS(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + env.server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// readJSONTimeout reads a JSON message from the WebSocket with a timeout.
func readJSONTimeout(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// subscribeAndWait connects a WebSocket, reads connection.established,
// subscribes to the env's channel, reads subscription.confirmed, and
// waits for the LISTEN to propagate.
func (env *streamingTestEnv) subscribeAndWait(t *testing.T) *websocket.Conn {
	t.Helper()
	conn := env.connectWS(t)

	// Read connection.established
	msg := readJSONTimeout(t, conn, 5*time.Second)
	require.Equal(t, "connection.established", msg["type"])

	// Subscribe
	subMsg, _ := json.Marshal(ClientMessage{Action: "subscribe", Channel: env.channel})
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(writeCtx, websocket.MessageText, subMsg))

	// Read subscription.confirmed
	msg = readJSONTimeout(t, conn, 5*time.Second)
	require.Equal(t, "subscription.confirmed", msg["type"])

	// Wait for the async LISTEN goroutine to complete on the NotifyListener's
	// dedicated connection, polling instead of sleeping.
	require.Eventually(t, func() bool {
		return env.listener.isListening(env.channel)
	}, 2*time.Second, 10*time.Millisecond, "LISTEN did not propagate for channel %s", env.channel)

	return conn
}

// --- Tests ---

func TestIntegration_PublisherPersistsEvents(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	err := env.publisher.PublishWorkItemCreated(ctx, env.sessionKey, WorkItemCreatedPayload{
		Type:       EventTypeWorkItemCreated,
		RefID:      "wi-1",
		SessionKey: env.sessionKey,
		Source:     "webhook",
		Title:      "first event",
		Timestamp:  time.Now().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)

	err = env.publisher.PublishDispatchStatus(ctx, env.sessionKey, DispatchStatusPayload{
		Type:       EventTypeDispatchStatus,
		RefID:      "dispatch-1",
		WorkItemID: "wi-1",
		SessionKey: env.sessionKey,
		Status:     "completed",
		Timestamp:  time.Now().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)

	rows, err := env.eventLog.GetSince(ctx, env.channel, 0, 100)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, EventTypeWorkItemCreated, rows[0].Payload["type"])
	assert.Equal(t, "first event", rows[0].Payload["title"])

	assert.Equal(t, EventTypeDispatchStatus, rows[1].Payload["type"])
	assert.Equal(t, "completed", rows[1].Payload["status"])

	// IDs should be incrementing
	assert.Greater(t, rows[1].ID, rows[0].ID)
}

func TestIntegration_TransientEventsNotPersisted(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	err := env.publisher.PublishDispatchProgress(ctx, env.sessionKey, DispatchProgressPayload{
		Type:       EventTypeDispatchProgress,
		RefID:      "dispatch-1",
		SessionKey: env.sessionKey,
		Note:       "token data",
		Timestamp:  time.Now().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)

	rows, err := env.eventLog.GetSince(ctx, env.channel, 0, 100)
	require.NoError(t, err)
	assert.Empty(t, rows, "transient events should not be persisted in DB")
}

func TestIntegration_EndToEnd_PublishToWebSocket(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	conn := env.subscribeAndWait(t)

	err := env.publisher.PublishWorkItemCreated(ctx, env.sessionKey, WorkItemCreatedPayload{
		Type:       EventTypeWorkItemCreated,
		RefID:      "wi-ws-1",
		SessionKey: env.sessionKey,
		Source:     "webhook",
		Title:      "hello from publisher",
		Timestamp:  time.Now().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)

	// Read from WebSocket — the event should arrive via pg_notify → listener → manager
	msg := readJSONTimeout(t, conn, 5*time.Second)
	assert.Equal(t, EventTypeWorkItemCreated, msg["type"])
	assert.Equal(t, "hello from publisher", msg["title"])
	assert.Equal(t, env.sessionKey, msg["session_key"])
	// db_event_id should be present (added by persistAndNotify after INSERT)
	assert.NotNil(t, msg["db_event_id"])
}

func TestIntegration_TransientEventDelivery(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	conn := env.subscribeAndWait(t)

	err := env.publisher.PublishDispatchProgress(ctx, env.sessionKey, DispatchProgressPayload{
		Type:       EventTypeDispatchProgress,
		RefID:      "dispatch-stream-1",
		SessionKey: env.sessionKey,
		Note:       "streaming token",
		Timestamp:  time.Now().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)

	msg := readJSONTimeout(t, conn, 5*time.Second)
	assert.Equal(t, EventTypeDispatchProgress, msg["type"])
	assert.Equal(t, "streaming token", msg["note"])

	rows, err := env.eventLog.GetSince(ctx, env.channel, 0, 100)
	require.NoError(t, err)
	assert.Empty(t, rows, "transient events should not be persisted")
}

func TestIntegration_DispatchLifecycleProtocol(t *testing.T) {
	// Verifies the full dispatch lifecycle delivery: a persistent
	// dispatch.status(running) transition, transient dispatch.progress notes
	// in between, then a persistent dispatch.status(completed) transition.
	env := setupStreamingTest(t)
	ctx := context.Background()

	conn := env.subscribeAndWait(t)

	dispatchID := uuid.New().String()

	err := env.publisher.PublishDispatchStatus(ctx, env.sessionKey, DispatchStatusPayload{
		Type:       EventTypeDispatchStatus,
		RefID:      dispatchID,
		SessionKey: env.sessionKey,
		Status:     "running",
		Timestamp:  time.Now().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)

	msg := readJSONTimeout(t, conn, 5*time.Second)
	assert.Equal(t, EventTypeDispatchStatus, msg["type"])
	assert.Equal(t, dispatchID, msg["ref_id"])
	assert.Equal(t, "running", msg["status"])

	notes := []string{"calling tool: kubectl_get", "reading response", "forming final answer"}
	for _, note := range notes {
		err := env.publisher.PublishDispatchProgress(ctx, env.sessionKey, DispatchProgressPayload{
			Type:       EventTypeDispatchProgress,
			RefID:      dispatchID,
			SessionKey: env.sessionKey,
			Note:       note,
			Timestamp:  time.Now().Format(time.RFC3339Nano),
		})
		require.NoError(t, err)

		msg := readJSONTimeout(t, conn, 5*time.Second)
		assert.Equal(t, EventTypeDispatchProgress, msg["type"])
		assert.Equal(t, dispatchID, msg["ref_id"])
		assert.Equal(t, note, msg["note"])
	}

	err = env.publisher.PublishDispatchStatus(ctx, env.sessionKey, DispatchStatusPayload{
		Type:       EventTypeDispatchStatus,
		RefID:      dispatchID,
		SessionKey: env.sessionKey,
		Status:     "completed",
		Timestamp:  time.Now().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)

	msg = readJSONTimeout(t, conn, 5*time.Second)
	assert.Equal(t, EventTypeDispatchStatus, msg["type"])
	assert.Equal(t, "completed", msg["status"])

	// Only the 2 persistent status events should be in DB — the 3
	// dispatch.progress notes are transient and not persisted.
	rows, err := env.eventLog.GetSince(ctx, env.channel, 0, 100)
	require.NoError(t, err)
	assert.Len(t, rows, 2, "only persistent events should be in DB")
	assert.Equal(t, "running", rows[0].Payload["status"])
	assert.Equal(t, "completed", rows[1].Payload["status"])
}

func TestIntegration_CatchupFromRealDB(t *testing.T) {
	env := setupStreamingTest(t)
	ctx := context.Background()

	// Pre-populate DB with 3 persistent events
	for i := 1; i <= 3; i++ {
		err := env.publisher.PublishWorkItemCreated(ctx, env.sessionKey, WorkItemCreatedPayload{
			Type:       EventTypeWorkItemCreated,
			RefID:      uuid.New().String(),
			SessionKey: env.sessionKey,
			Title:      "item",
			Timestamp:  time.Now().Format(time.RFC3339Nano),
		})
		require.NoError(t, err)
	}

	allRows, err := env.eventLog.GetSince(ctx, env.channel, 0, 100)
	require.NoError(t, err)
	require.Len(t, allRows, 3)
	firstID := int(allRows[0].ID)

	// Connect a NEW WebSocket client (simulates reconnection)
	conn := env.connectWS(t)
	msg := readJSONTimeout(t, conn, 5*time.Second) // connection.established
	require.Equal(t, "connection.established", msg["type"])

	// Subscribe — auto-catchup delivers all 3 prior events immediately
	subMsg, _ := json.Marshal(ClientMessage{Action: "subscribe", Channel: env.channel})
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(writeCtx, websocket.MessageText, subMsg))
	msg = readJSONTimeout(t, conn, 5*time.Second) // subscription.confirmed
	require.Equal(t, "subscription.confirmed", msg["type"])

	// Read all 3 auto-catchup events in order
	for i := 0; i < 3; i++ {
		msg = readJSONTimeout(t, conn, 5*time.Second)
		assert.Equal(t, EventTypeWorkItemCreated, msg["type"])
	}

	// Explicit catchup from the first event's ID — should return only events 2 and 3
	catchupFrom := firstID
	catchupMsg, _ := json.Marshal(ClientMessage{
		Action:      "catchup",
		Channel:     env.channel,
		LastEventID: &catchupFrom,
	})
	writeCtx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	require.NoError(t, conn.Write(writeCtx2, websocket.MessageText, catchupMsg))

	for i := 0; i < 2; i++ {
		msg = readJSONTimeout(t, conn, 5*time.Second)
		assert.Equal(t, EventTypeWorkItemCreated, msg["type"])
	}

	// No more messages — verify with short timeout
	readCtx, readCancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer readCancel()
	_, _, err = conn.Read(readCtx)
	assert.Error(t, err, "should not receive more messages after catchup")
}

func TestIntegration_ResubscribeAfterUnsubscribe_KeepsListen(t *testing.T) {
	// Regression test for the race condition where a rapid unsubscribe/resubscribe
	// cycle (as caused by React StrictMode double-render) would drop the PG LISTEN.
	//
	// The race was:
	//   1. subscribe → LISTEN active
	//   2. unsubscribe → async goroutine: UNLISTEN (deferred)
	//   3. resubscribe → l.Subscribe saw "already listening" → returned early
	//   4. goroutine fired UNLISTEN → PG dropped the LISTEN
	//   5. all subsequent NOTIFY events were silently lost
	//
	// The fix has two parts:
	//   - l.Subscribe always sends LISTEN (no early return; PG handles duplicates)
	//   - the UNLISTEN goroutine re-checks m.channels and skips if resubscribed
	env := setupStreamingTest(t)
	ctx := context.Background()

	conn := env.connectWS(t)
	msg := readJSONTimeout(t, conn, 5*time.Second)
	require.Equal(t, "connection.established", msg["type"])

	// Subscribe
	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: env.channel})
	msg = readJSONTimeout(t, conn, 5*time.Second)
	require.Equal(t, "subscription.confirmed", msg["type"])

	require.Eventually(t, func() bool {
		return env.listener.isListening(env.channel)
	}, 2*time.Second, 10*time.Millisecond, "initial LISTEN should propagate")

	// Rapid unsubscribe + resubscribe (mimics React StrictMode cleanup/remount)
	writeJSON(t, conn, ClientMessage{Action: "unsubscribe", Channel: env.channel})
	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: env.channel})

	msg = readJSONTimeout(t, conn, 5*time.Second)
	require.Equal(t, "subscription.confirmed", msg["type"])

	// Wait for the UNLISTEN goroutine to settle and verify LISTEN is still active.
	// The goroutine's re-check should see the channel was re-subscribed and skip
	// the UNLISTEN, OR l.Subscribe should have re-issued LISTEN after the UNLISTEN.
	// Either way, the channel must remain listened.
	time.Sleep(200 * time.Millisecond) // Let the async UNLISTEN goroutine run
	require.True(t, env.listener.isListening(env.channel),
		"LISTEN must survive a rapid unsubscribe/resubscribe cycle")

	// Publish an event — it must arrive via pg_notify → listener → WebSocket
	err := env.publisher.PublishWorkItemCreated(ctx, env.sessionKey, WorkItemCreatedPayload{
		Type:       EventTypeWorkItemCreated,
		RefID:      "wi-resub-1",
		SessionKey: env.sessionKey,
		Title:      "should arrive after resubscribe",
		Timestamp:  time.Now().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)

	// Drain any catchup events from the resubscribe before checking for the live event
	for {
		msg = readJSONTimeout(t, conn, 5*time.Second)
		if msg["ref_id"] == "wi-resub-1" {
			break
		}
	}

	assert.Equal(t, EventTypeWorkItemCreated, msg["type"])
	assert.Equal(t, "should arrive after resubscribe", msg["title"])
	assert.Equal(t, env.sessionKey, msg["session_key"])
}

func TestIntegration_ListenerGenerationCounter_StaleUnlistenSkipped(t *testing.T) {
	// Tests the generation counter inside NotifyListener directly, bypassing
	// the ConnectionManager. This exercises the exact scenario from code review:
	//
	//   1. Subscribe → LISTEN, gen=1
	//   2. Concurrent Unsubscribe → captures gen=1, enqueues UNLISTEN(gen=1)
	//   3. Subscribe again → gen=2, enqueues LISTEN
	//   4. cmdCh processes: could be LISTEN then UNLISTEN(gen=1)
	//   5. processPendingCmds detects gen mismatch → skips stale UNLISTEN
	//   6. PG stays listened, l.channels stays true
	env := setupStreamingTest(t)
	ctx := context.Background()
	channel := env.channel

	// 1. Initial Subscribe
	require.NoError(t, env.listener.Subscribe(ctx, channel))
	require.True(t, env.listener.isListening(channel))

	// 2. Unsubscribe in a goroutine (simulates the async goroutine in manager)
	unsubDone := make(chan struct{})
	go func() {
		defer close(unsubDone)
		_ = env.listener.Unsubscribe(context.Background(), channel)
	}()

	// 3. Immediately re-Subscribe (may race with the Unsubscribe above)
	require.NoError(t, env.listener.Subscribe(ctx, channel))

	// Wait for the async Unsubscribe to complete
	<-unsubDone

	// Channel must still be listened — the generation counter should have
	// prevented the stale UNLISTEN from taking effect, OR the re-Subscribe's
	// LISTEN should have restored it.
	require.True(t, env.listener.isListening(channel),
		"l.channels must stay true after stale UNLISTEN is skipped")

	// Verify PG is actually listening by publishing an event and receiving it
	conn := env.subscribeAndWait(t)

	err := env.publisher.PublishWorkItemCreated(ctx, env.sessionKey, WorkItemCreatedPayload{
		Type:       EventTypeWorkItemCreated,
		RefID:      "wi-gen-1",
		SessionKey: env.sessionKey,
		Title:      "generation counter test",
		Timestamp:  time.Now().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)

	// Drain catchup events, then expect the live event
	for {
		msg := readJSONTimeout(t, conn, 5*time.Second)
		if msg["ref_id"] == "wi-gen-1" {
			assert.Equal(t, "generation counter test", msg["title"])
			break
		}
	}
}
