package marketplace

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	appmw "github.com/sudo-init-do/dealhub/internal/middleware"
	"github.com/sudo-init-do/dealhub/internal/settlement"
)

// statusFor maps an engine error kind onto an HTTP status.
func statusFor(k settlement.Kind) int {
	switch k {
	case settlement.KindValidation:
		return http.StatusBadRequest
	case settlement.KindForbidden:
		return http.StatusForbidden
	case settlement.KindNotFound:
		return http.StatusNotFound
	case settlement.KindGuard, settlement.KindConflict:
		return http.StatusConflict
	case settlement.KindProviderTransient:
		return http.StatusServiceUnavailable
	case settlement.KindProviderPermanent:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err the way every handler answers errors. Internal failures
// are logged and not echoed to the client.
func (h *Handler) fail(c echo.Context, err error) error {
	kind := settlement.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.String("kind", kind.String()),
			zap.Error(err),
		)
		return c.JSON(status, echo.Map{"error": "internal error", "kind": kind.String()})
	}

	retryable := settlement.IsRetryable(err)
	if retryable {
		appmw.MarkRetryable(c)
	}
	body := echo.Map{
		"error":     err.Error(),
		"kind":      kind.String(),
		"retryable": retryable,
	}
	var se *settlement.Error
	if errors.As(err, &se) && se.State != "" {
		body["state"] = se.State
	}
	return c.JSON(status, body)
}
