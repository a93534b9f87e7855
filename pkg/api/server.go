// Package api provides the HTTP surface over the orchestration core: the
// webhook ingress endpoint (§6 "Webhook surface") and the admin RPC-style
// operations over Runtime Control and Routines (§6 "Admin surface").
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/relaykit/orchestra/pkg/config"
	"github.com/relaykit/orchestra/pkg/database"
	"github.com/relaykit/orchestra/pkg/db"
	"github.com/relaykit/orchestra/pkg/events"
	"github.com/relaykit/orchestra/pkg/ingress"
	"github.com/relaykit/orchestra/pkg/runtimectl"
	"github.com/relaykit/orchestra/pkg/version"
)

// Server is the HTTP API server fronting ingress, runtime control, and
// routine administration.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg             *config.Config
	dbClient        *database.Client
	router          *ingress.Router
	runtimeCtl      *runtimectl.Service
	routines        *db.RoutineRepo
	pluginInstances *db.PluginInstanceRepo
	connManager     *events.ConnectionManager // nil if real-time event streaming disabled
}

// NewServer creates a new API server with Echo v5, grounded on the
// teacher's pkg/api/server.go construction idiom (Echo instance created up
// front, routes registered from NewServer, optional services wired via
// Set* so the wiring order stays flexible in cmd/orchestra's main).
func NewServer(
	cfg *config.Config,
	dbClient *database.Client,
	router *ingress.Router,
	runtimeCtl *runtimectl.Service,
	routines *db.RoutineRepo,
	pluginInstances *db.PluginInstanceRepo,
) *Server {
	e := echo.New()
	s := &Server{
		echo:            e,
		cfg:             cfg,
		dbClient:        dbClient,
		router:          router,
		runtimeCtl:      runtimeCtl,
		routines:        routines,
		pluginInstances: pluginInstances,
	}
	s.setupRoutes()
	return s
}

// SetConnManager wires the real-time event-stream WebSocket endpoint. Without
// one, GET /api/v1/ws returns 503.
func (s *Server) SetConnManager(m *events.ConnectionManager) {
	s.connManager = m
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes() {
	// Server-wide body size limit — webhook payloads are opaque blobs from
	// heterogeneous external systems and must not be allowed to exhaust
	// memory before a plugin handler even gets to look at them.
	s.echo.Use(middleware.BodyLimit(5 * 1024 * 1024))
	s.echo.Use(securityHeaders())

	s.echo.GET("/health", s.healthHandler)

	// §6 webhook surface: POST /hooks/{pluginType}/{pluginInstanceId}
	s.echo.POST("/hooks/:pluginType/:pluginInstanceId", s.webhookHandler)

	v1 := s.echo.Group("/api/v1")

	admin := v1.Group("/admin")
	admin.GET("/runtime-control", s.getRuntimeControlHandler)
	admin.POST("/runtime-control/pause", s.pauseHandler)
	admin.POST("/runtime-control/resume", s.resumeHandler)
	admin.POST("/runtime-control/emergency-stop", s.emergencyStopHandler)
	admin.POST("/runtime-control/max-concurrent", s.setMaxConcurrentHandler)

	admin.GET("/plugin-instances/:id", s.getPluginInstanceHandler)
	admin.POST("/plugin-instances", s.createPluginInstanceHandler)
	admin.POST("/plugin-instances/:id/enable", s.setPluginInstanceEnabledHandler(true))
	admin.POST("/plugin-instances/:id/disable", s.setPluginInstanceEnabledHandler(false))

	admin.POST("/routines", s.createRoutineHandler)
	admin.GET("/routines/:id", s.getRoutineHandler)
	admin.POST("/routines/:id/enable", s.setRoutineEnabledHandler(true))
	admin.POST("/routines/:id/disable", s.setRoutineEnabledHandler(false))

	v1.GET("/ws", s.wsHandler)
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener. Used
// by tests to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(reqCtx, s.dbClient.DB())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, &HealthResponse{
			Status:   "unhealthy",
			Database: dbHealth,
		})
	}

	rc, err := s.runtimeCtl.Current(reqCtx)
	status := "healthy"
	var resp HealthResponse
	resp.Version = version.Full()
	resp.Database = dbHealth
	if err == nil {
		resp.ProcessingEnabled = rc.ProcessingEnabled
		resp.ControlEpoch = rc.ControlEpoch
		if !rc.ProcessingEnabled {
			status = "degraded"
		}
	}
	resp.Status = status

	return c.JSON(http.StatusOK, &resp)
}
