package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if hasAnyRole(RolesFromContext(c.Request().Context()), roles) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// hasAnyRole reports whether granted contains one of required. admin always passes.
func hasAnyRole(granted, required []string) bool {
	for _, has := range granted {
		if has == "admin" {
			return true
		}
		for _, want := range required {
			if has == want {
				return true
			}
		}
	}
	return false
}

// RequireResourceScope checks the SMART scope for the resource type named by
// the :resourceType route parameter, e.g. "Patient.write".
func RequireResourceScope(operation string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			required := fmt.Sprintf("%s.%s", c.Param("resourceType"), operation)
			for _, scope := range ScopesFromContext(c.Request().Context()) {
				if matchScope(scope, required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required scope: %s", required))
		}
	}
}

// matchScope checks if a granted scope covers the required scope.
// Supports wildcards: "user/*.*" matches everything, "patient/*.read" matches any read.
func matchScope(granted, required string) bool {
	if granted == required {
		return true
	}

	gParts := strings.SplitN(granted, ".", 2)
	rParts := strings.SplitN(required, ".", 2)

	if len(gParts) != 2 || len(rParts) != 2 {
		return false
	}

	gRes, gOp := gParts[0], gParts[1]
	rRes, rOp := rParts[0], rParts[1]

	resMatch := gRes == rRes || gRes == "user/*" || gRes == "system/*" ||
		strings.TrimPrefix(gRes, "user/") == rRes
	opMatch := gOp == rOp || gOp == "*"

	return resMatch && opMatch
}
