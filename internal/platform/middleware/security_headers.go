package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets the response headers of a JSON API serving PHI audit
// data. HSTS is only sent when tls is true.
func SecurityHeaders(tls bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			if tls {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			if !strings.HasPrefix(c.Request().URL.Path, "/metrics") {
				h.Set("Cache-Control", "no-store")
			}
			return next(c)
		}
	}
}
