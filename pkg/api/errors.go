package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/relaykit/orchestra/pkg/db"
)

// mapRepoError maps a db-layer error to an HTTP error response, grounded on
// the teacher's pkg/api/errors.go mapServiceError.
func mapRepoError(err error) *echo.HTTPError {
	if errors.Is(err, db.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, db.ErrIdempotencyConflict) {
		return echo.NewHTTPError(http.StatusConflict, "idempotency key bound to a different work item")
	}

	slog.Error("unexpected repository error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
