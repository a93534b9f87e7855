package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/relaykit/orchestra/pkg/models"
)

// getRuntimeControlHandler handles GET /api/v1/admin/runtime-control.
func (s *Server) getRuntimeControlHandler(c *echo.Context) error {
	rc, err := s.runtimeCtl.Current(c.Request().Context())
	if err != nil {
		return mapRepoError(err)
	}
	return c.JSON(http.StatusOK, toRuntimeControlResponse(rc))
}

// pauseHandler handles POST /api/v1/admin/runtime-control/pause (§4.H).
func (s *Server) pauseHandler(c *echo.Context) error {
	var req PauseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	mode := models.PauseMode(req.Mode)
	if mode != models.PauseSoft && mode != models.PauseHard {
		return echo.NewHTTPError(http.StatusBadRequest, "mode must be 'soft' or 'hard'")
	}
	if err := s.runtimeCtl.Pause(c.Request().Context(), mode); err != nil {
		return mapRepoError(err)
	}
	rc, err := s.runtimeCtl.Current(c.Request().Context())
	if err != nil {
		return mapRepoError(err)
	}
	return c.JSON(http.StatusOK, toRuntimeControlResponse(rc))
}

// resumeHandler handles POST /api/v1/admin/runtime-control/resume.
func (s *Server) resumeHandler(c *echo.Context) error {
	if err := s.runtimeCtl.Resume(c.Request().Context()); err != nil {
		return mapRepoError(err)
	}
	rc, err := s.runtimeCtl.Current(c.Request().Context())
	if err != nil {
		return mapRepoError(err)
	}
	return c.JSON(http.StatusOK, toRuntimeControlResponse(rc))
}

// emergencyStopHandler handles POST /api/v1/admin/runtime-control/emergency-stop.
// The reason field is parsed but not stored or logged; the control-epoch
// bump itself is unconditional (§4.H).
func (s *Server) emergencyStopHandler(c *echo.Context) error {
	var req EmergencyStopRequest
	_ = c.Bind(&req)
	newEpoch, err := s.runtimeCtl.EmergencyStop(c.Request().Context())
	if err != nil {
		return mapRepoError(err)
	}
	rc, err := s.runtimeCtl.Current(c.Request().Context())
	if err != nil {
		return mapRepoError(err)
	}
	resp := toRuntimeControlResponse(rc)
	resp.ControlEpoch = newEpoch
	return c.JSON(http.StatusOK, resp)
}

// setMaxConcurrentHandler handles POST /api/v1/admin/runtime-control/max-concurrent.
func (s *Server) setMaxConcurrentHandler(c *echo.Context) error {
	var req MaxConcurrentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.runtimeCtl.SetMaxConcurrent(c.Request().Context(), req.Max); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rc, err := s.runtimeCtl.Current(c.Request().Context())
	if err != nil {
		return mapRepoError(err)
	}
	return c.JSON(http.StatusOK, toRuntimeControlResponse(rc))
}

func toRuntimeControlResponse(rc *models.RuntimeControl) *RuntimeControlResponse {
	return &RuntimeControlResponse{
		ProcessingEnabled:       rc.ProcessingEnabled,
		PauseMode:               string(rc.PauseMode),
		ControlEpoch:            rc.ControlEpoch,
		MaxConcurrentDispatches: rc.MaxConcurrentDispatches,
	}
}

// getPluginInstanceHandler handles GET /api/v1/admin/plugin-instances/:id.
func (s *Server) getPluginInstanceHandler(c *echo.Context) error {
	p, err := s.pluginInstances.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapRepoError(err)
	}
	return c.JSON(http.StatusOK, &PluginInstanceResponse{
		ID: p.ID, Type: p.Type, Name: p.Name, Enabled: p.Enabled,
	})
}

// createPluginInstanceHandler handles POST /api/v1/admin/plugin-instances.
func (s *Server) createPluginInstanceHandler(c *echo.Context) error {
	var req CreatePluginInstanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Type == "" || req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "type and name are required")
	}
	p := &models.PluginInstance{Type: req.Type, Name: req.Name, Config: req.Config, Enabled: req.Enabled}
	if err := s.pluginInstances.Create(c.Request().Context(), p); err != nil {
		return mapRepoError(err)
	}
	return c.JSON(http.StatusCreated, &PluginInstanceResponse{
		ID: p.ID, Type: p.Type, Name: p.Name, Enabled: p.Enabled,
	})
}

// setPluginInstanceEnabledHandler handles both the enable and disable
// endpoints for a plugin instance — the only difference is the boolean
// written, so one closure covers both routes (mirrors the spec's Crash
// Guard "operator re-enable resets the disabled flag" as a general admin
// operation, not just something Crash Guard can do internally).
func (s *Server) setPluginInstanceEnabledHandler(enabled bool) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := c.Param("id")
		if err := s.pluginInstances.SetEnabled(c.Request().Context(), id, enabled); err != nil {
			return mapRepoError(err)
		}
		p, err := s.pluginInstances.Get(c.Request().Context(), id)
		if err != nil {
			return mapRepoError(err)
		}
		return c.JSON(http.StatusOK, &PluginInstanceResponse{
			ID: p.ID, Type: p.Type, Name: p.Name, Enabled: p.Enabled,
		})
	}
}
