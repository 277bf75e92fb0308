package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/ehr/hashaudit/internal/config"
	"github.com/ehr/hashaudit/internal/domain/hashaudit"
	"github.com/ehr/hashaudit/internal/platform/auth"
	"github.com/ehr/hashaudit/internal/platform/db"
	"github.com/ehr/hashaudit/internal/platform/fhir"
	"github.com/ehr/hashaudit/internal/platform/metrics"
	"github.com/ehr/hashaudit/internal/platform/middleware"
	"github.com/ehr/hashaudit/internal/platform/websocket"
)

// auditTopic admits the realtime topics the audit writer publishes.
func auditTopic(topic string) bool {
	return topic == "audit" || strings.HasPrefix(topic, "audit.")
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		logger := newLogger(nil)
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open audit store")
	}
	a := newApp(cfg, logger, b)
	defer a.close()

	e := newServer(a)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("backend", cfg.StoreBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(jwtCfg)
	}
	return auth.JWTMiddleware(jwtCfg)
}

// newServer builds the Echo instance with every route mounted.
func newServer(a *app) *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.HTTPErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.BodyLimit(middleware.BodyLimitConfig{
		Limit:          cfg.BodyLimit,
		UploadLimit:    cfg.UploadBodyLimit,
		UploadSuffixes: []string{"/chain/verify-export", "/$verify-batch"},
	}))
	e.Use(middleware.SecurityAudit(logger))

	authMW := authMiddleware(cfg)
	rateLimit := middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	})
	policy := auth.NewAccessPolicy(cfg.ElevatedRoles)

	hub := websocket.NewHub(logger, auditTopic)
	a.writer.SetPublisher(hub)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"backend": cfg.StoreBackend,
		})
	})
	e.GET("/health/db", db.HealthHandler(cfg.StoreBackend, a.store, a.poolStats))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	wsHandler := websocket.NewHandler(hub, cfg.CORSOrigins, func(c echo.Context) string {
		return auth.UserIDFromContext(c.Request().Context())
	})
	e.GET("/ws", wsHandler.HandleConnect, authMW, policy.Require(auth.ScopeElevated))

	apiV1 := e.Group("/api/v1", authMW, rateLimit)
	hashaudit.NewHandler(a.svc, a.verifier, policy, cfg.AuditExportMaxRecords, cfg.AuditRetentionDays).
		RegisterRoutes(apiV1.Group("/audit/hash"))

	fhirGroup := e.Group("/fhir", authMW, rateLimit)
	hashaudit.NewFHIRHandler(a.svc, a.verifier, policy).RegisterRoutes(fhirGroup)
	fhir.NewResourceHandler(a.tracker).RegisterRoutes(fhirGroup)

	return e
}
