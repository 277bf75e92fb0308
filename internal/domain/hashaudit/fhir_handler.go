package hashaudit

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/hashaudit/internal/platform/auth"
	"github.com/ehr/hashaudit/internal/platform/fhir"
)

// FHIRHandler exposes the blockchain operations under /fhir. Results are
// Parameters resources and errors are OperationOutcomes.
type FHIRHandler struct {
	svc      *Service
	verifier *Verifier
	policy   *auth.AccessPolicy
}

func NewFHIRHandler(svc *Service, verifier *Verifier, policy *auth.AccessPolicy) *FHIRHandler {
	return &FHIRHandler{svc: svc, verifier: verifier, policy: policy}
}

func (h *FHIRHandler) RegisterRoutes(fhirGroup *echo.Group) {
	read := fhirGroup.Group("", auth.RequireResourceScope("read"))
	read.GET("/:resourceType/:id/$verify", h.Verify)
	read.POST("/:resourceType/$verify-batch", h.VerifyBatch)

	fhirGroup.GET("/$chain-info", h.ChainInfo, h.policy.Require(auth.ScopeAuthenticated))

	elevated := fhirGroup.Group("", h.policy.Require(auth.ScopeElevated))
	elevated.GET("/$chain-verify", h.ChainVerify)
	elevated.GET("/$chain-export", h.ChainExport)
	elevated.GET("/$statistics", h.Statistics)
}

// outcome renders client errors directly; anything else goes to the
// server error handler, which logs it.
func outcome(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalidFilter):
		return c.JSON(http.StatusBadRequest, fhir.OutcomeForStatus(http.StatusBadRequest, err.Error()))
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, fhir.OutcomeForStatus(http.StatusNotFound, err.Error()))
	default:
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}
}

func verificationParams(r *ResourceVerification) []fhir.Parameter {
	p := fhir.NewParameters().Add(
		fhir.BoolParam("verified", r.Verified),
		fhir.StringParam("resourceType", r.ResourceType),
		fhir.StringParam("resourceId", r.ResourceID),
	)
	p.AddString("reason", r.Reason).
		AddString("recordedHash", r.RecordedHash).
		AddString("computedHash", r.ComputedHash).
		AddString("recordedVersion", r.RecordedVersion).
		AddString("currentVersion", r.CurrentVersion).
		AddString("chainAuditId", r.ChainAuditID).
		AddString("verificationAuditId", r.VerificationAuditID)
	return p.Add(fhir.InstantParam("verifiedAt", r.VerifiedAt)).Parameter
}

// Verify handles GET /fhir/:resourceType/:id/$verify.
func (h *FHIRHandler) Verify(c echo.Context) error {
	rt, id, err := fhir.ResourcePath(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	res, err := h.verifier.VerifyResource(c.Request().Context(), ActorFrom(c), rt, id)
	if err != nil {
		return outcome(c, err)
	}
	return c.JSON(http.StatusOK, fhir.NewParameters().Add(verificationParams(res)...))
}

type batchRequest struct {
	ResourceType string           `json:"resourceType"`
	Parameter    []fhir.Parameter `json:"parameter"`
	IDs          []string         `json:"ids"`
}

func (r batchRequest) ids() []string {
	ids := append([]string(nil), r.IDs...)
	for _, p := range r.Parameter {
		if p.Name == "id" && p.ValueString != nil {
			ids = append(ids, *p.ValueString)
		}
	}
	return ids
}

// VerifyBatch handles POST /fhir/:resourceType/$verify-batch. The body is a
// Parameters resource with repeated "id" entries or {"ids": [...]}.
func (h *FHIRHandler) VerifyBatch(c echo.Context) error {
	rt := c.Param("resourceType")
	if !fhir.ValidResourceType(rt) {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("invalid resource type "+rt))
	}
	var req batchRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("request body must be a Parameters resource or {\"ids\": [...]}"))
	}
	ids := req.ids()
	for _, id := range ids {
		if !fhir.ValidResourceID(id) {
			return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("id", "invalid resource id "+id))
		}
	}
	res, err := h.verifier.VerifyBatch(c.Request().Context(), ActorFrom(c), rt, ids)
	if err != nil {
		return outcome(c, err)
	}

	params := fhir.NewParameters().Add(
		fhir.StringParam("batchId", res.BatchID),
		fhir.IntParam("total", int64(res.Total)),
		fhir.IntParam("verified", int64(res.VerifiedCount)),
		fhir.IntParam("failed", int64(res.FailedCount)),
		fhir.DecimalParam("durationMs", res.DurationMS),
		fhir.InstantParam("verifiedAt", res.VerifiedAt),
	)
	for _, r := range res.Results {
		params.Add(fhir.PartParam("result", verificationParams(r)...))
	}
	return c.JSON(http.StatusOK, params)
}

// ChainInfo handles GET /fhir/$chain-info.
func (h *FHIRHandler) ChainInfo(c echo.Context) error {
	info, err := h.verifier.ChainInfo(c.Request().Context(), ActorFrom(c))
	if err != nil {
		return outcome(c, err)
	}
	params := fhir.NewParameters().Add(
		fhir.IntParam("chainLength", info.ChainLength),
		fhir.StringParam("hashAlgorithm", info.HashAlgorithm),
	)
	params.AddString("genesisHash", info.GenesisHash).
		AddString("headHash", info.HeadHash).
		AddString("merkleRoot", info.MerkleRoot)
	if info.ChainLength > 0 {
		params.Add(fhir.InstantParam("genesisAt", info.GenesisAt), fhir.InstantParam("headAt", info.HeadAt))
	}
	return c.JSON(http.StatusOK, params.Add(fhir.InstantParam("computedAt", info.ComputedAt)))
}

func brokenLinkParam(name string, b BrokenLink) fhir.Parameter {
	return fhir.PartParam(name,
		fhir.IntParam("position", b.Position),
		fhir.StringParam("auditId", b.AuditID),
		fhir.IntParam("sequence", b.Sequence),
		fhir.StringParam("expectedHash", b.Expected),
		fhir.StringParam("actualHash", b.Actual),
		fhir.StringParam("reason", b.Reason),
	)
}

// ChainVerify handles GET /fhir/$chain-verify.
func (h *FHIRHandler) ChainVerify(c echo.Context) error {
	res, err := h.verifier.VerifyChain(c.Request().Context(), ActorFrom(c))
	if err != nil {
		return outcome(c, err)
	}
	params := fhir.NewParameters().Add(
		fhir.BoolParam("verified", res.Verified),
		fhir.IntParam("chainLength", res.ChainLength),
		fhir.IntParam("brokenLinkCount", int64(res.BrokenLinkCount)),
		fhir.BoolParam("anchoredAfterPruning", res.AnchoredAfterPruning),
	)
	params.AddString("genesisHash", res.GenesisHash).AddString("headHash", res.HeadHash)
	if res.FirstBrokenLink != nil {
		params.Add(brokenLinkParam("firstBrokenLink", *res.FirstBrokenLink))
	}
	for _, b := range res.BrokenLinks {
		params.Add(brokenLinkParam("brokenLink", b))
	}
	params.Add(
		fhir.DecimalParam("durationMs", res.DurationMS),
		fhir.InstantParam("verifiedAt", res.VerifiedAt),
	)
	return c.JSON(http.StatusOK, params.AddString("auditId", res.AuditID))
}

// ChainExport handles GET /fhir/$chain-export. The export is returned as
// is so it can be fed back to verify-export.
func (h *FHIRHandler) ChainExport(c echo.Context) error {
	exp, err := h.verifier.ExportChain(c.Request().Context(), ActorFrom(c))
	if err != nil {
		return outcome(c, err)
	}
	return c.JSON(http.StatusOK, exp)
}

// Statistics handles GET /fhir/$statistics.
func (h *FHIRHandler) Statistics(c echo.Context) error {
	start, err := parseDate(c.QueryParam("start_date"), false)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("start_date", err.Error()))
	}
	end, err := parseDate(c.QueryParam("end_date"), true)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("end_date", err.Error()))
	}
	groupBy := GroupByOperationType
	if raw := c.QueryParam("group_by"); raw != "" {
		if groupBy, err = ParseGroupBy(raw); err != nil {
			return outcome(c, err)
		}
	}
	stats, err := h.svc.GetAuditStatistics(c.Request().Context(), start, end, groupBy)
	if err != nil {
		return outcome(c, err)
	}

	t := stats.Totals
	params := fhir.NewParameters().Add(
		fhir.StringParam("groupBy", string(stats.GroupBy)),
		fhir.IntParam("total", t.Total),
		fhir.IntParam("success", t.Success),
		fhir.IntParam("failure", t.Failure),
		fhir.DecimalParam("successRatePercent", t.SuccessRatePercent),
		fhir.IntParam("uniqueUsers", t.UniqueUsers),
		fhir.IntParam("uniqueResources", t.UniqueResources),
		fhir.DecimalParam("avgExecutionTimeMs", t.AvgExecutionTimeMS),
	)
	for _, g := range stats.Groups {
		params.Add(fhir.PartParam("group",
			fhir.StringParam("key", g.Key),
			fhir.IntParam("count", g.Count),
			fhir.IntParam("success", g.SuccessCount),
			fhir.IntParam("failure", g.FailureCount),
			fhir.DecimalParam("avgExecutionTimeMs", g.AvgExecutionTimeMS),
			fhir.DecimalParam("minExecutionTimeMs", g.MinExecutionTimeMS),
			fhir.DecimalParam("maxExecutionTimeMs", g.MaxExecutionTimeMS),
			fhir.IntParam("hashesGenerated", g.HashesGenerated),
			fhir.IntParam("hashesVerified", g.HashesVerified),
		))
	}
	if stats.GroupsError != "" {
		params.Add(fhir.StringParam("groupsError", stats.GroupsError))
	}
	if t.Error != "" {
		params.Add(fhir.StringParam("totalsError", t.Error))
	}
	return c.JSON(http.StatusOK, params)
}
