// Package health serves the liveness and readiness endpoints shared by the
// API and the worker.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Pinger is anything readiness can check: *pgxpool.Pool, the audit publisher.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check names one dependency of the process.
type Check struct {
	Name   string
	Pinger Pinger
}

// Register adds GET /health and GET /ready to e.
func Register(e *echo.Echo, checks ...Check) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	})
	e.GET("/ready", Readiness(2*time.Second, checks...))
}

// Readiness answers 503 naming the first dependency that fails its ping.
func Readiness(timeout time.Duration, checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()
		for _, ch := range checks {
			if err := ch.Pinger.Ping(ctx); err != nil {
				return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": ch.Name + "_not_ready"})
			}
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "ready"})
	}
}
