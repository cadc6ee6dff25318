package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/dealhub/internal/metrics"
)

// Metrics records request latency labelled by route pattern, not raw path,
// so deal ids do not explode the label set.
func Metrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			metrics.RecordHTTPRequestDuration(c.Request().Method, path, strconv.Itoa(c.Response().Status), time.Since(start))
			return nil
		}
	}
}
