package auth

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Scope is the access level an operation requires.
type Scope int

const (
	// ScopeAuthenticated admits any identified caller.
	ScopeAuthenticated Scope = iota
	// ScopeSelf admits elevated callers and the owner of the data.
	ScopeSelf
	// ScopeElevated admits only callers holding an elevated role.
	ScopeElevated
)

func (s Scope) String() string {
	switch s {
	case ScopeSelf:
		return "self"
	case ScopeElevated:
		return "elevated"
	default:
		return "authenticated"
	}
}

// AccessPolicy is the single role-or-self authorization rule for audit data.
type AccessPolicy struct {
	elevated map[string]bool
}

func NewAccessPolicy(elevatedRoles []string) *AccessPolicy {
	p := &AccessPolicy{elevated: map[string]bool{"admin": true}}
	for _, r := range elevatedRoles {
		p.elevated[r] = true
	}
	return p
}

// IsElevated reports whether the caller holds an elevated role.
func (p *AccessPolicy) IsElevated(ctx context.Context) bool {
	for _, r := range RolesFromContext(ctx) {
		if p.elevated[r] {
			return true
		}
	}
	return false
}

// Authorize checks the caller against scope. ownerID is the user the data
// belongs to and only matters for ScopeSelf.
func (p *AccessPolicy) Authorize(ctx context.Context, scope Scope, ownerID string) error {
	caller := UserIDFromContext(ctx)
	if caller == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	switch scope {
	case ScopeAuthenticated:
		return nil
	case ScopeSelf:
		if p.IsElevated(ctx) || (ownerID != "" && ownerID == caller) {
			return nil
		}
		return echo.NewHTTPError(http.StatusForbidden, "access to another user's audit data requires an elevated role")
	default:
		if p.IsElevated(ctx) {
			return nil
		}
		return echo.NewHTTPError(http.StatusForbidden, "an elevated role is required")
	}
}

// Require returns middleware enforcing an owner-independent scope.
func (p *AccessPolicy) Require(scope Scope) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := p.Authorize(c.Request().Context(), scope, ""); err != nil {
				return err
			}
			return next(c)
		}
	}
}
