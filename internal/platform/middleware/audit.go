package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/hashaudit/internal/platform/auth"
	"github.com/ehr/hashaudit/internal/platform/metrics"
)

// AccessEntry is the security event emitted for each request to audit or FHIR data.
type AccessEntry struct {
	UserID       string
	UserRoles    []string
	ResourceType string
	Action       string // read, create, update, delete
	IPAddress    string
	UserAgent    string
	Path         string
	Route        string
	Method       string
	Timestamp    time.Time
	RequestID    string
	StatusCode   int
}

// Denied reports whether authentication or authorization rejected the request.
func (e AccessEntry) Denied() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// SecurityAudit logs who touched audit or FHIR data, from where, and with
// which outcome. Denials are logged at warn level and counted.
func SecurityAudit(logger zerolog.Logger) echo.MiddlewareFunc {
	logger = logger.With().Str("component", "security-audit").Logger()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditablePath(req.URL.Path) {
				return next(c)
			}

			err := next(c)

			entry := AccessEntry{
				Timestamp:    time.Now().UTC(),
				Path:         req.URL.Path,
				Route:        c.Path(),
				Method:       req.Method,
				IPAddress:    c.RealIP(),
				UserAgent:    req.UserAgent(),
				StatusCode:   c.Response().Status,
				RequestID:    GetRequestID(c),
				Action:       httpMethodToAction(req.Method),
				ResourceType: extractResourceType(req.URL.Path),
				UserID:       auth.UserIDFromContext(req.Context()),
				UserRoles:    auth.RolesFromContext(req.Context()),
			}
			if he, ok := err.(*echo.HTTPError); ok {
				entry.StatusCode = he.Code
			}

			evt := logger.Info()
			if entry.Denied() {
				evt = logger.Warn()
				metrics.AccessDenied.WithLabelValues(entry.Route, strconv.Itoa(entry.StatusCode)).Inc()
			}
			evt.
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource_type", entry.ResourceType).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Str("user_agent", entry.UserAgent).
				Int("status", entry.StatusCode).
				Bool("denied", entry.Denied()).
				Msg("data_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/fhir/") || strings.HasPrefix(path, "/api/v1/audit/")
}

// httpMethodToAction maps HTTP methods to audit action codes.
func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractResourceType names what a path touches:
//   - /fhir/Patient/123             -> Patient
//   - /fhir/$chain-verify           -> $chain-verify
//   - /api/v1/audit/hash/logs       -> audit.logs
func extractResourceType(path string) string {
	if rest, ok := strings.CutPrefix(path, "/fhir/"); ok {
		if seg := strings.SplitN(rest, "/", 2)[0]; seg != "" {
			return seg
		}
	}
	if rest, ok := strings.CutPrefix(path, "/api/v1/audit/hash/"); ok {
		if seg := strings.SplitN(rest, "/", 2)[0]; seg != "" {
			return "audit." + seg
		}
	}
	return "unknown"
}
