package admin

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type Reader interface {
	Stats(ctx context.Context) (*Stats, error)
	Disputes(ctx context.Context, state string, limit int) ([]DisputeRow, error)
}

type Handler struct {
	reader Reader
	logger *zap.Logger
}

func NewHandler(r Reader, logger *zap.Logger) *Handler {
	return &Handler{reader: r, logger: logger}
}

// Register mounts the reports on a group that already enforces the admin role.
func (h *Handler) Register(admin *echo.Group) {
	admin.GET("/stats", h.Stats)
	admin.GET("/disputes", h.ListDisputes)
}

// GET /admin/stats
func (h *Handler) Stats(c echo.Context) error {
	s, err := h.reader.Stats(c.Request().Context())
	if err != nil {
		h.logger.Error("admin stats failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not load stats"})
	}
	return c.JSON(http.StatusOK, s)
}

// GET /admin/disputes?state=open
func (h *Handler) ListDisputes(c echo.Context) error {
	state := c.QueryParam("state")
	switch state {
	case "", "open", "resolved":
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "state must be open or resolved"})
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	items, err := h.reader.Disputes(c.Request().Context(), state, limit)
	if err != nil {
		h.logger.Error("admin disputes failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not fetch disputes"})
	}
	return c.JSON(http.StatusOK, echo.Map{"disputes": items})
}
