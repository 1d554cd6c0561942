package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Roles understood by the review server. Admins pass every role check.
const (
	RoleReviewer = "reviewer"
	RoleAdmin    = "admin"
)

// RequireRole returns middleware that checks if the reviewer has at least one
// of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasRole(c.Request().Context().Value(RolesKey), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasRole reports whether granted (a []string from the context) contains
// one of required, or the admin role.
func HasRole(granted interface{}, required ...string) bool {
	userRoles, _ := granted.([]string)
	for _, has := range userRoles {
		if has == RoleAdmin {
			return true
		}
		for _, r := range required {
			if has == r {
				return true
			}
		}
	}
	return false
}
