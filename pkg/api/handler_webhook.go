package api

import (
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/relaykit/orchestra/pkg/ingress"
)

// webhookHandler handles POST /hooks/{pluginType}/{pluginInstanceId} (§6),
// translating the echo request into ingress.Request and the Router's
// Outcome into one of the four documented response shapes.
func (s *Server) webhookHandler(c *echo.Context) error {
	pluginType := c.Param("pluginType")
	pluginInstanceID := c.Param("pluginInstanceId")

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	req := &ingress.Request{
		Method:     c.Request().Method,
		Path:       c.Request().URL.Path,
		Headers:    c.Request().Header,
		RawBody:    body,
		RemoteAddr: c.Request().RemoteAddr,
	}

	outcome, err := s.router.RouteWebhook(c.Request().Context(), pluginType, pluginInstanceID, req)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "ingress processing failed")
	}

	if outcome.WebhookResponse != nil {
		wr := outcome.WebhookResponse
		contentType := wr.ContentType
		if contentType == "" {
			contentType = echo.MIMEApplicationJSON
		}
		return c.Blob(wr.StatusCode, contentType, wr.Body)
	}

	return c.JSON(outcome.StatusCode, &WebhookResponse{
		Created:    outcome.Reason == ingress.ReasonAccepted && !outcome.Duplicate,
		Duplicate:  outcome.Duplicate,
		Ignored:    outcome.Reason != ingress.ReasonAccepted && !outcome.Duplicate,
		WorkItemID: outcome.WorkItemID,
		Reason:     outcome.Reason,
	})
}
