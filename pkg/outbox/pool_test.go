package outbox_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaykit/orchestra/pkg/config"
	"github.com/relaykit/orchestra/pkg/db"
	"github.com/relaykit/orchestra/pkg/models"
	"github.com/relaykit/orchestra/pkg/outbox"
	testdb "github.com/relaykit/orchestra/test/database"
)

type fakeSender struct {
	mu        sync.Mutex
	err       error
	sentCount int
}

func (f *fakeSender) Send(context.Context, string, string, []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sentCount++
	return "provider-ref-1", nil
}

func testChannelConfig() *config.OutboxChannelConfig {
	cfg := config.DefaultOutboxChannelConfig()
	cfg.WorkerCount = 1
	cfg.PollInterval = 20 * time.Millisecond
	cfg.LeaseDuration = 2 * time.Second
	cfg.BackoffBase = 50 * time.Millisecond
	cfg.BackoffMax = time.Second
	cfg.MaxAttempts = 2
	return cfg
}

// seedEffectOwner creates the plugin instance, work item, queue lane and
// dispatch that an effect_outbox row references, and returns the dispatch
// and plugin instance IDs.
func seedEffectOwner(t *testing.T, conn *sql.DB, ref string) (dispatchID, instanceID string) {
	t.Helper()
	ctx := context.Background()
	instance := &models.PluginInstance{Type: "test", Name: "outbox-seed-" + ref, Config: []byte(`{}`), Enabled: true}
	require.NoError(t, db.NewPluginInstanceRepo(conn).Create(ctx, instance))
	item, _, err := db.NewWorkItemRepo(conn).CreateIdempotent(ctx, &models.WorkItem{
		PluginInstanceID: instance.ID,
		SessionKey:       "session-" + ref, Source: "test", SourceRef: ref, Title: "t", Payload: []byte(`{}`),
	}, []string{"idem-" + ref})
	require.NoError(t, err)
	queueKey := "session-" + ref + ":agent-1"
	_, err = db.NewQueueLaneRepo(conn).GetOrCreate(ctx, queueKey, "session-"+ref, "agent-1", 100, 20)
	require.NoError(t, err)
	d := &models.RunDispatch{
		QueueKey:      queueKey,
		WorkItemID:    item.ID,
		AgentID:       "agent-1",
		SessionKey:    "session-" + ref,
		Status:        models.DispatchQueued,
		InputText:     "hello",
		CoalescedText: "hello",
		ScheduledAt:   time.Now().UTC(),
	}
	require.NoError(t, db.NewDispatchRepo(conn).Enqueue(ctx, d))
	return d.ID, instance.ID
}

func TestPoolSendsEffectSuccessfully(t *testing.T) {
	client := testdb.NewTestClient(t)
	outboxRepo := db.NewOutboxRepo(client.DB())
	dispatchID, instanceID := seedEffectOwner(t, client.DB(), "dispatch-1")

	entry := &models.EffectOutboxEntry{
		EffectKey:        "dispatch-1:slack:message",
		DispatchID:       dispatchID,
		PluginInstanceID: instanceID,
		Channel:          "slack",
		Kind:             "message",
		Payload:          []byte(`{"text":"hi"}`),
	}
	require.NoError(t, outboxRepo.Enqueue(context.Background(), entry))

	sender := &fakeSender{}
	registry := config.NewOutboxChannelRegistry(map[string]*config.OutboxChannelConfig{"slack": testChannelConfig()})
	pool := outbox.NewPool([]string{"slack"}, registry, outboxRepo, sender)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx, []string{"slack"}))
	defer func() {
		cancel()
		pool.Stop()
	}()

	require.Eventually(t, func() bool {
		got, err := outboxRepo.Get(context.Background(), entry.ID)
		return err == nil && got.Status == models.EffectSent
	}, 2*time.Second, 20*time.Millisecond, "expected effect to reach sent")
}

func TestPoolRetriesTransientFailureThenFailsTerminal(t *testing.T) {
	client := testdb.NewTestClient(t)
	outboxRepo := db.NewOutboxRepo(client.DB())
	dispatchID, instanceID := seedEffectOwner(t, client.DB(), "dispatch-2")

	entry := &models.EffectOutboxEntry{
		EffectKey:        "dispatch-2:slack:message",
		DispatchID:       dispatchID,
		PluginInstanceID: instanceID,
		Channel:          "slack",
		Kind:             "message",
		Payload:          []byte(`{"text":"hi"}`),
	}
	require.NoError(t, outboxRepo.Enqueue(context.Background(), entry))

	sender := &fakeSender{err: transientError{}}
	registry := config.NewOutboxChannelRegistry(map[string]*config.OutboxChannelConfig{"slack": testChannelConfig()})
	pool := outbox.NewPool([]string{"slack"}, registry, outboxRepo, sender)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx, []string{"slack"}))
	defer func() {
		cancel()
		pool.Stop()
	}()

	require.Eventually(t, func() bool {
		got, err := outboxRepo.Get(context.Background(), entry.ID)
		return err == nil && got.Status == models.EffectFailed && !got.Retryable
	}, 3*time.Second, 20*time.Millisecond, "expected effect to terminally fail after exhausting attempts")
}

type transientError struct{}

func (transientError) Error() string { return "socket hang up" }
