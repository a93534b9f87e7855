// orchestra is the agent-orchestration platform server: it terminates
// webhook ingress, serializes per-session work through the Session Queue,
// dispatches durable agent runs, drains the Effect Outbox, evaluates
// Routines, and exposes the admin/runtime-control HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/relaykit/orchestra/pkg/agentrpc"
	"github.com/relaykit/orchestra/pkg/api"
	"github.com/relaykit/orchestra/pkg/config"
	"github.com/relaykit/orchestra/pkg/crashguard"
	"github.com/relaykit/orchestra/pkg/database"
	"github.com/relaykit/orchestra/pkg/db"
	"github.com/relaykit/orchestra/pkg/dispatch"
	"github.com/relaykit/orchestra/pkg/events"
	"github.com/relaykit/orchestra/pkg/hooks"
	"github.com/relaykit/orchestra/pkg/ingress"
	"github.com/relaykit/orchestra/pkg/masking"
	"github.com/relaykit/orchestra/pkg/outbox"
	plugingeneric "github.com/relaykit/orchestra/pkg/plugins/generic"
	pluginslack "github.com/relaykit/orchestra/pkg/plugins/slack"
	"github.com/relaykit/orchestra/pkg/routines"
	"github.com/relaykit/orchestra/pkg/runtimectl"
	"github.com/relaykit/orchestra/pkg/sessionqueue"
	"github.com/relaykit/orchestra/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v", envPath, err)
	} else {
		log.Printf("loaded environment from %s", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	podID := getEnv("POD_ID", hostnameOrDefault())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting orchestra", "version", version.Full(), "pod_id", podID, "config_dir", *configDir)

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("failed to initialize configuration: %v", err)
	}
	if err := config.NewValidator(cfg).ValidateAll(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("failed to load database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("error closing database client", "error", err)
		}
	}()
	slog.Info("connected to postgres and applied migrations")

	// Repositories — one per aggregate, each a thin wrapper over dbClient.DB().
	workItems := db.NewWorkItemRepo(dbClient.DB())
	pluginEvents := db.NewPluginEventRepo(dbClient.DB())
	pluginInstances := db.NewPluginInstanceRepo(dbClient.DB())
	queueLanes := db.NewQueueLaneRepo(dbClient.DB())
	dispatches := db.NewDispatchRepo(dbClient.DB())
	outboxRepo := db.NewOutboxRepo(dbClient.DB())
	scheduledItems := db.NewScheduledItemRepo(dbClient.DB())
	routineRepo := db.NewRoutineRepo(dbClient.DB())
	eventQueue := db.NewEventQueueRepo(dbClient.DB())
	runtimeControlRepo := db.NewRuntimeControlRepo(dbClient.DB())
	eventLog := db.NewEventLogRepo(dbClient.DB())

	runtimeCtl := runtimectl.New(runtimeControlRepo)

	// Ingress: one Handler per supported plugin type, registered under the
	// ingress.Registry the Router and Effect Outbox's PluginSender both
	// resolve handlers from.
	registry := ingress.NewRegistry(
		plugingeneric.NewWebhookHandler(),
		plugingeneric.NewSchedulePingHandler(),
		pluginslack.New(),
	)
	decoder := masking.EnvDecoder{}

	// Crash Guard keeps one circuit breaker per plugin instance; the Hook
	// Dispatcher consults it before running a plugin's hook handler and
	// records the outcome back into it (§4.F/§4.G).
	guard := crashguard.New(cfg.CrashGuard, pluginInstances, pluginEvents)
	hookRegistry := hooks.NewRegistry()
	pluginTypeOf := func(pluginID string) string {
		p, err := pluginInstances.Get(context.Background(), pluginID)
		if err != nil {
			return pluginID
		}
		return p.Type
	}
	hookDispatcher := hooks.NewDispatcher(hookRegistry, pluginEvents, guard, pluginTypeOf, cfg.Defaults.HookEventBudgetMS)

	router := ingress.NewRouter(
		registry, pluginInstances, workItems, pluginEvents, cfg.PluginTypes, decoder,
		ingress.WithRoutineEvents(eventQueue),
		ingress.WithHookDispatcher(hooks.NewIngressAdapter(hookDispatcher)),
	)

	// Session Queue serializes per-(session, agent) work and starts Run
	// Dispatches when a lane's debounce window elapses (§4.B).
	sessionQueue := sessionqueue.NewManager(queueLanes, dispatches, workItems)
	if recovered, err := sessionQueue.RecoverOnStartup(ctx); err != nil {
		log.Fatalf("failed to recover session queue lanes: %v", err)
	} else if recovered > 0 {
		slog.Info("recovered session queue lanes", "count", recovered)
	}

	// The agent inference process is an external collaborator (out of
	// scope per the platform boundary); the dispatcher only knows it as a
	// Runner over gRPC, falling back to a stub when no agent sidecar is
	// configured so the rest of the platform still runs standalone.
	runner, err := buildAgentRunner()
	if err != nil {
		log.Fatalf("failed to build agent runner: %v", err)
	}

	dispatchPool := dispatch.NewPool(podID, cfg.Dispatch, dispatches, outboxRepo, runner, runtimeCtl, sessionQueue)
	if err := dispatchPool.Start(ctx); err != nil {
		log.Fatalf("failed to start dispatch pool: %v", err)
	}
	defer dispatchPool.Stop()

	// Effect Outbox drains queued side effects at-least-once per channel,
	// delivering through the same plugin Handler registry ingress uses
	// (§4.D).
	pluginSender := outbox.NewPluginSender(pluginInstances, registry, decoder)
	outboxChannelNames := channelNames(cfg.Outbox)
	outboxPool := outbox.NewPool(outboxChannelNames, cfg.Outbox, outboxRepo, pluginSender)
	if err := outboxPool.Start(ctx, outboxChannelNames); err != nil {
		log.Fatalf("failed to start effect outbox pool: %v", err)
	}
	defer outboxPool.Stop()

	// Routine Evaluator runs cron ticks, condition probes, and the
	// event-trigger worker pool (§4.E).
	probes := routines.NewProbeRegistry(map[string]routines.Probe{
		"stale_open_items": routines.NewStaleOpenItemsProbe(workItems),
	})
	evaluator := routines.NewEvaluator(cfg.Routines, routineRepo, eventQueue, scheduledItems, dispatches, queueLanes, workItems, probes)
	evaluator.Start(ctx)
	defer evaluator.Stop()

	// Real-time event stream: ConnectionManager serves §5's WebSocket feed,
	// NotifyListener relays to connected clients the Postgres NOTIFY messages
	// that EventPublisher sends after inserting each event row.
	connManager := events.NewConnectionManager(events.NewEventLogAdapter(eventLog), 10*time.Second)
	notifyListener := events.NewNotifyListener(postgresDSN(dbConfig), connManager)
	if err := notifyListener.Start(ctx); err != nil {
		slog.Error("failed to start event notify listener", "error", err)
	} else {
		defer notifyListener.Stop(context.Background())
	}

	server := api.NewServer(cfg, dbClient, router, runtimeCtl, routineRepo, pluginInstances)
	server.SetConnManager(connManager)

	srvErrCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", ":"+httpPort)
		if err := server.Start(":" + httpPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-srvErrCh:
		slog.Error("http server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("error during http server shutdown", "error", err)
	}
}

// postgresDSN builds the libpq-style connection string NotifyListener's pgx
// connection needs, mirroring the DSN database.NewClient assembles
// internally for its database/sql pool.
func postgresDSN(cfg database.Config) string {
	return "host=" + cfg.Host +
		" port=" + strconv.Itoa(cfg.Port) +
		" user=" + cfg.User +
		" password=" + cfg.Password +
		" dbname=" + cfg.Database +
		" sslmode=" + cfg.SSLMode
}

// channelNames returns the configured outbox channel names.
func channelNames(reg *config.OutboxChannelRegistry) []string {
	all := reg.GetAll()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	return names
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "orchestra-local"
	}
	return h
}

// buildAgentRunner dials the external agent-inference sidecar when
// AGENT_RPC_ADDR is configured, otherwise falls back to a stub runner so
// ingress/queue/outbox/routines remain exercisable without that out-of-scope
// collaborator present.
func buildAgentRunner() (agentrpc.Runner, error) {
	addr := os.Getenv("AGENT_RPC_ADDR")
	if addr == "" {
		slog.Warn("AGENT_RPC_ADDR not set, using stub agent runner")
		return agentrpc.NewStubRunner(), nil
	}
	return agentrpc.NewGRPCRunner(addr)
}
