package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey     contextKey = "user_id"
	UserRolesKey  contextKey = "user_roles"
	UserScopesKey contextKey = "user_scopes"
	SessionIDKey  contextKey = "session_id"
)

// Dev-mode headers that let a local caller act as another user.
const (
	DevUserHeader  = "X-Dev-User"
	DevRolesHeader = "X-Dev-Roles"
)

type Claims struct {
	jwt.RegisteredClaims
	SessionID  string   `json:"sid,omitempty"`
	Roles      []string `json:"roles"`
	FHIRScopes []string `json:"fhir_scopes"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey switches verification to HS256 with a shared secret.
	SigningKey []byte
}

// WithIdentity returns a context carrying the caller identity.
func WithIdentity(ctx context.Context, userID string, roles, scopes []string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	return context.WithValue(ctx, UserScopesKey, scopes)
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var cache *JWKSCache
	if len(cfg.SigningKey) == 0 && cfg.JWKSURL != "" {
		cache = NewJWKSCache(cfg.JWKSURL, defaultJWKSCacheTTL)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			ctx := c.Request().Context()
			claims := &Claims{}

			var keyFunc jwt.Keyfunc
			switch {
			case len(cfg.SigningKey) > 0:
				keyFunc = func(t *jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
			case cache != nil:
				keyFunc = cache.keyFunc(ctx)
			default:
				return echo.NewHTTPError(http.StatusUnauthorized, "token verification is not configured")
			}

			token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			ctx = WithIdentity(ctx, claims.Subject, claims.Roles, claims.FHIRScopes)
			if claims.SessionID != "" {
				ctx = context.WithValue(ctx, SessionIDKey, claims.SessionID)
			}
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development. Requests get
// the dev-user identity with the admin role unless the X-Dev-User and
// X-Dev-Roles headers override it. A bearer token is verified when a signing
// key is configured.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	jwtMW := JWTMiddleware(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		verified := jwtMW(next)
		return func(c echo.Context) error {
			req := c.Request()
			if req.Header.Get("Authorization") != "" && len(cfg.SigningKey) > 0 {
				return verified(c)
			}

			userID := req.Header.Get(DevUserHeader)
			if userID == "" {
				userID = "dev-user"
			}
			roles := []string{"admin"}
			if raw := req.Header.Get(DevRolesHeader); raw != "" {
				roles = nil
				for _, r := range strings.Split(raw, ",") {
					if r = strings.TrimSpace(r); r != "" {
						roles = append(roles, r)
					}
				}
			}

			ctx := WithIdentity(req.Context(), userID, roles, []string{"user/*.*"})
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

func ScopesFromContext(ctx context.Context) []string {
	scopes, _ := ctx.Value(UserScopesKey).([]string)
	return scopes
}

func SessionIDFromContext(ctx context.Context) string {
	sid, _ := ctx.Value(SessionIDKey).(string)
	return sid
}
