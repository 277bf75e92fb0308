package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestIDHeader carries the correlation id in both directions.
const RequestIDHeader = echo.HeaderXRequestID

const requestIDKey = "request_id"

// RequestID reuses the caller's X-Request-ID (when it is a sane length) or
// generates a new one, and exposes it on the echo context and response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" || len(rid) > 128 {
				rid = uuid.New().String()
			}
			c.Set(requestIDKey, rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}

// GetRequestID returns the request id set by RequestID, or "".
func GetRequestID(c echo.Context) string {
	rid, _ := c.Get(requestIDKey).(string)
	return rid
}
