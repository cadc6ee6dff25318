package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/dealhub/internal/settlement"
)

// RequireRoles ensures the requester's role is one of the allowed roles.
// Usage: route(..., RequireRoles(settlement.RoleAdmin))
func RequireRoles(roles ...settlement.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, _ := c.Get("role").(string)
			if role == "" {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "role missing"})
			}
			for _, r := range roles {
				if settlement.Role(role) == r {
					return next(c)
				}
			}
			return c.JSON(http.StatusForbidden, echo.Map{"error": "access denied"})
		}
	}
}

// AdminGuard ensures only admin users can access admin routes.
var AdminGuard = RequireRoles(settlement.RoleAdmin)

// ActorFrom reads the caller set by JWT. The system role is reserved for
// the scheduler and never accepted from a token.
func ActorFrom(c echo.Context) (settlement.Actor, bool) {
	id, _ := c.Get("user_id").(string)
	role, _ := c.Get("role").(string)
	if id == "" || role == "" || settlement.Role(role) == settlement.RoleSystem {
		return settlement.Actor{}, false
	}
	return settlement.Actor{ID: id, Role: settlement.Role(role)}, true
}
