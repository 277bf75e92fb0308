package hashaudit

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/hashaudit/internal/platform/auth"
	"github.com/ehr/hashaudit/internal/platform/middleware"
)

// Envelope wraps every successful REST response.
type Envelope struct {
	Success   bool        `json:"success"`
	RequestID string      `json:"request_id"`
	Data      interface{} `json:"data"`
}

// Handler serves /api/v1/audit/hash.
type Handler struct {
	svc           *Service
	verifier      *Verifier
	policy        *auth.AccessPolicy
	exportMax     int
	retentionDays int
}

func NewHandler(svc *Service, verifier *Verifier, policy *auth.AccessPolicy, exportMax, retentionDays int) *Handler {
	if exportMax < 1 {
		exportMax = 10000
	}
	if retentionDays < 1 {
		retentionDays = DefaultRetentionDays
	}
	return &Handler{svc: svc, verifier: verifier, policy: policy, exportMax: exportMax, retentionDays: retentionDays}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	authenticated := g.Group("", h.policy.Require(auth.ScopeAuthenticated))
	authenticated.GET("/logs", h.GetAuditLogs)
	authenticated.GET("/users/:user_id/trail", h.GetUserTrail)
	authenticated.GET("/resources/:resource_type/:resource_id/trail", h.GetResourceTrail)
	authenticated.GET("/recent", h.GetRecentActivity)
	authenticated.GET("/health", h.GetHealth)

	elevated := g.Group("", h.policy.Require(auth.ScopeElevated))
	elevated.GET("/statistics", h.GetStatistics)
	elevated.POST("/cleanup", h.Cleanup)
	elevated.GET("/export", h.Export)
	elevated.POST("/chain/verify-export", h.VerifyExport)
}

func respond(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Envelope{Success: true, RequestID: middleware.GetRequestID(c), Data: data})
}

// httpError maps domain errors onto HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidFilter):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}
}

// ActorFrom identifies the caller of a request.
func ActorFrom(c echo.Context) Actor {
	ctx := c.Request().Context()
	return Actor{
		UserID:    auth.UserIDFromContext(ctx),
		RequestID: middleware.GetRequestID(c),
		SessionID: auth.SessionIDFromContext(ctx),
	}
}

type logsResponse struct {
	*LogPage
	RequestMetadata *QueryParams `json:"request_metadata"`
}

// GetAuditLogs lists records. Callers without an elevated role only see
// their own records.
func (h *Handler) GetAuditLogs(c echo.Context) error {
	q, err := ParseQuery(c)
	if err != nil {
		return httpError(err)
	}
	ctx := c.Request().Context()
	if !h.policy.IsElevated(ctx) {
		if q.Filter.UserID != "" {
			if err := h.policy.Authorize(ctx, auth.ScopeSelf, q.Filter.UserID); err != nil {
				return err
			}
		}
		q.Filter.UserID = auth.UserIDFromContext(ctx)
	}
	page, err := h.svc.GetAuditLogs(ctx, q.Filter, q.Page)
	if err != nil {
		return httpError(err)
	}
	return respond(c, logsResponse{LogPage: page, RequestMetadata: q})
}

func (h *Handler) GetStatistics(c echo.Context) error {
	start, err := parseDate(c.QueryParam("start_date"), false)
	if err != nil {
		return httpError(fmt.Errorf("%w: start_date: %v", ErrInvalidFilter, err))
	}
	end, err := parseDate(c.QueryParam("end_date"), true)
	if err != nil {
		return httpError(fmt.Errorf("%w: end_date: %v", ErrInvalidFilter, err))
	}
	groupBy := GroupByOperationType
	if raw := c.QueryParam("group_by"); raw != "" {
		if groupBy, err = ParseGroupBy(raw); err != nil {
			return httpError(err)
		}
	}
	stats, err := h.svc.GetAuditStatistics(c.Request().Context(), start, end, groupBy)
	if err != nil {
		return httpError(err)
	}
	return respond(c, stats)
}

func (h *Handler) GetUserTrail(c echo.Context) error {
	userID := c.Param("user_id")
	if err := h.policy.Authorize(c.Request().Context(), auth.ScopeSelf, userID); err != nil {
		return err
	}
	q, err := ParseQuery(c)
	if err != nil {
		return httpError(err)
	}
	trail, err := h.svc.GetUserAuditTrail(c.Request().Context(), userID, q.Filter, q.Page)
	if err != nil {
		return httpError(err)
	}
	return respond(c, trail)
}

func (h *Handler) GetResourceTrail(c echo.Context) error {
	include, err := boolParam(c, "include_verification_history", true)
	if err != nil {
		return httpError(err)
	}
	trail, err := h.svc.GetResourceAuditTrail(c.Request().Context(), c.Param("resource_type"), c.Param("resource_id"), include)
	if err != nil {
		return httpError(err)
	}
	return respond(c, trail)
}

func (h *Handler) GetRecentActivity(c echo.Context) error {
	hours, err := intParam(c, "hours", 24)
	if err != nil {
		return httpError(err)
	}
	limit, err := intParam(c, "limit", 50)
	if err != nil {
		return httpError(err)
	}
	if limit < 1 || limit > 1000 {
		return httpError(fmt.Errorf("%w: limit must be between 1 and 1000", ErrInvalidFilter))
	}
	ra, err := h.svc.GetRecentActivity(c.Request().Context(), hours, limit)
	if err != nil {
		return httpError(err)
	}
	return respond(c, ra)
}

func (h *Handler) GetHealth(c echo.Context) error {
	return respond(c, h.svc.GetHealth(c.Request().Context()))
}

type cleanupRequest struct {
	RetentionDays *int  `json:"retention_days"`
	DryRun        *bool `json:"dry_run"`
}

// Cleanup runs retention. dry_run defaults to true so an empty body never
// deletes anything.
func (h *Handler) Cleanup(c echo.Context) error {
	var req cleanupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	days := h.retentionDays
	if req.RetentionDays != nil {
		days = *req.RetentionDays
	}
	dryRun := true
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}
	res, err := h.svc.CleanupOldAuditLogs(c.Request().Context(), days, dryRun)
	if err != nil {
		return httpError(err)
	}
	return respond(c, res)
}

func (h *Handler) Export(c echo.Context) error {
	format := strings.ToLower(c.QueryParam("format"))
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCSV {
		return echo.NewHTTPError(http.StatusBadRequest, "format must be json or csv")
	}
	f, err := ParseFilter(c)
	if err != nil {
		return httpError(err)
	}
	exp, err := h.svc.ExportLogs(c.Request().Context(), f, h.exportMax)
	if err != nil {
		return httpError(err)
	}
	if format == FormatJSON {
		return respond(c, exp)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/csv; charset=utf-8")
	res.Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", "hash-audit-"+exp.ExportID+".csv"))
	res.Header().Set("X-Total-Matching", strconv.FormatInt(exp.TotalMatching, 10))
	res.Header().Set("X-Truncated", strconv.FormatBool(exp.Truncated))
	res.WriteHeader(http.StatusOK)
	return WriteCSV(res, exp.Records)
}

func (h *Handler) VerifyExport(c echo.Context) error {
	var exp ChainExport
	if err := c.Bind(&exp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid chain export")
	}
	res, err := h.verifier.VerifyExport(c.Request().Context(), ActorFrom(c), &exp)
	if err != nil {
		return httpError(err)
	}
	return respond(c, res)
}

func intParam(c echo.Context, key string, def int) (int, error) {
	raw := c.QueryParam(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidFilter, key)
	}
	return n, nil
}

func boolParam(c echo.Context, key string, def bool) (bool, error) {
	raw := c.QueryParam(key)
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be true or false", ErrInvalidFilter, key)
	}
	return b, nil
}
