package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/relaykit/orchestra/pkg/models"
)

// createRoutineHandler handles POST /api/v1/admin/routines (§3 Routine, §4.E).
func (s *Server) createRoutineHandler(c *echo.Context) error {
	var req CreateRoutineRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AgentID == "" || req.TriggerKind == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id and trigger_kind are required")
	}

	rt := &models.Routine{
		AgentID:                req.AgentID,
		TriggerKind:            models.TriggerKind(req.TriggerKind),
		CronExpr:               req.CronExpr,
		Timezone:               req.Timezone,
		RuleJSON:               req.RuleJSON,
		ConditionProbe:         req.ConditionProbe,
		ConditionConfig:        req.ConditionConfig,
		TargetPluginInstanceID: req.TargetPluginInstanceID,
		TargetSessionKey:       req.TargetSessionKey,
		ActionPrompt:           req.ActionPrompt,
		Enabled:                req.Enabled,
	}
	if err := s.routines.Create(c.Request().Context(), rt); err != nil {
		return mapRepoError(err)
	}
	return c.JSON(http.StatusCreated, toRoutineResponse(rt))
}

// getRoutineHandler handles GET /api/v1/admin/routines/:id.
func (s *Server) getRoutineHandler(c *echo.Context) error {
	rt, err := s.routines.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapRepoError(err)
	}
	return c.JSON(http.StatusOK, toRoutineResponse(rt))
}

// setRoutineEnabledHandler handles both enable and disable of a routine.
func (s *Server) setRoutineEnabledHandler(enabled bool) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := c.Param("id")
		if err := s.routines.SetEnabled(c.Request().Context(), id, enabled); err != nil {
			return mapRepoError(err)
		}
		rt, err := s.routines.Get(c.Request().Context(), id)
		if err != nil {
			return mapRepoError(err)
		}
		return c.JSON(http.StatusOK, toRoutineResponse(rt))
	}
}

func toRoutineResponse(rt *models.Routine) *RoutineResponse {
	resp := &RoutineResponse{
		ID:          rt.ID,
		AgentID:     rt.AgentID,
		TriggerKind: string(rt.TriggerKind),
		Enabled:     rt.Enabled,
	}
	if rt.LastStatus != nil {
		resp.LastStatus = *rt.LastStatus
	}
	return resp
}
