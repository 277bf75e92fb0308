package fhir

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/hashaudit/internal/platform/auth"
	"github.com/ehr/hashaudit/pkg/pagination"
)

var (
	resourceTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z]+$`)
	resourceIDPattern   = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)
)

// ResourceHandler serves versioned read/update/delete for any resource type.
// Every stored version is reported to the tracker's listeners.
type ResourceHandler struct {
	tracker *VersionTracker
}

func NewResourceHandler(tracker *VersionTracker) *ResourceHandler {
	return &ResourceHandler{tracker: tracker}
}

func (h *ResourceHandler) RegisterRoutes(fhirGroup *echo.Group) {
	read := fhirGroup.Group("", auth.RequireResourceScope("read"))
	read.GET("/:resourceType/:id", h.Read)
	read.GET("/:resourceType/:id/_history", h.History)
	read.GET("/:resourceType/:id/_history/:vid", h.VRead)

	write := fhirGroup.Group("", auth.RequireResourceScope("write"))
	write.PUT("/:resourceType/:id", h.Update)
	write.DELETE("/:resourceType/:id", h.Delete)
}

// ValidResourceType reports whether rt looks like a FHIR resource type name.
func ValidResourceType(rt string) bool {
	return resourceTypePattern.MatchString(rt)
}

// ValidResourceID reports whether id is a legal FHIR logical id.
func ValidResourceID(id string) bool {
	return resourceIDPattern.MatchString(id)
}

// ResourcePath reads and validates the :resourceType and :id path params.
func ResourcePath(c echo.Context) (string, string, error) {
	rt, id := c.Param("resourceType"), c.Param("id")
	if !ValidResourceType(rt) {
		return "", "", fmt.Errorf("invalid resource type %q", rt)
	}
	if !ValidResourceID(id) {
		return "", "", fmt.Errorf("invalid resource id %q", id)
	}
	return rt, id, nil
}

func actorFrom(c echo.Context) Actor {
	rid := c.Response().Header().Get(echo.HeaderXRequestID)
	if rid == "" {
		rid = c.Request().Header.Get(echo.HeaderXRequestID)
	}
	return Actor{
		UserID:    auth.UserIDFromContext(c.Request().Context()),
		RequestID: rid,
	}
}

func writeEntry(c echo.Context, status int, entry *HistoryEntry) error {
	body, err := WithMeta(entry)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, InternalErrorOutcome(err.Error()))
	}
	SetVersionHeaders(c, entry)
	return c.Blob(status, "application/fhir+json", body)
}

// Read returns the current version. Deleted resources answer 410.
func (h *ResourceHandler) Read(c echo.Context) error {
	rt, id, err := ResourcePath(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ValidationOutcome("path", err.Error()))
	}
	entry, err := h.tracker.Current(c.Request().Context(), rt, id)
	if errors.Is(err, ErrResourceNotFound) {
		return c.JSON(http.StatusNotFound, NotFoundOutcome(rt, id))
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, InternalErrorOutcome(err.Error()))
	}
	if entry.Deleted() {
		return c.JSON(http.StatusGone, GoneOutcome(rt, id))
	}
	return writeEntry(c, http.StatusOK, entry)
}

// VRead returns a specific version.
func (h *ResourceHandler) VRead(c echo.Context) error {
	rt, id, err := ResourcePath(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ValidationOutcome("path", err.Error()))
	}
	vid, err := strconv.Atoi(c.Param("vid"))
	if err != nil || vid < 1 {
		return c.JSON(http.StatusBadRequest, ValidationOutcome("vid", "version must be a positive integer"))
	}
	entry, err := h.tracker.GetVersion(c.Request().Context(), rt, id, vid)
	if errors.Is(err, ErrResourceNotFound) {
		return c.JSON(http.StatusNotFound, NotFoundOutcome(rt, fmt.Sprintf("%s/_history/%d", id, vid)))
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, InternalErrorOutcome(err.Error()))
	}
	if entry.Deleted() {
		return c.JSON(http.StatusGone, GoneOutcome(rt, id))
	}
	return writeEntry(c, http.StatusOK, entry)
}

// Update stores the body as the next version, creating the resource when it
// does not exist. The body's resourceType must match the path; id and meta
// are server-assigned.
func (h *ResourceHandler) Update(c echo.Context) error {
	rt, id, err := ResourcePath(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ValidationOutcome("path", err.Error()))
	}

	var doc map[string]interface{}
	if err := json.NewDecoder(c.Request().Body).Decode(&doc); err != nil || doc == nil {
		return c.JSON(http.StatusBadRequest, ValidationOutcome("body", "request body must be a JSON object"))
	}
	if bodyType, _ := doc["resourceType"].(string); bodyType != rt {
		return c.JSON(http.StatusBadRequest, ValidationOutcome("resourceType",
			fmt.Sprintf("resourceType %q does not match %q", bodyType, rt)))
	}
	if bodyID, ok := doc["id"].(string); ok && bodyID != id {
		return c.JSON(http.StatusBadRequest, ValidationOutcome("id",
			fmt.Sprintf("body id %q does not match %q", bodyID, id)))
	}
	doc["id"] = id
	delete(doc, "meta")

	ctx := c.Request().Context()
	current := 0
	if latest, err := h.tracker.Current(ctx, rt, id); err == nil && !latest.Deleted() {
		current = latest.VersionID
	} else if err != nil && !errors.Is(err, ErrResourceNotFound) {
		return c.JSON(http.StatusInternalServerError, InternalErrorOutcome(err.Error()))
	}
	if err := CheckIfMatch(c, current); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return c.JSON(he.Code, OutcomeForStatus(he.Code, fmt.Sprint(he.Message)))
		}
		return err
	}

	entry, created, err := h.tracker.Put(ctx, actorFrom(c), rt, id, doc)
	if errors.Is(err, ErrVersionConflict) {
		return c.JSON(http.StatusConflict, ConflictOutcome(err.Error()))
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, InternalErrorOutcome(err.Error()))
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		c.Response().Header().Set("Location",
			fmt.Sprintf("/fhir/%s/%s/_history/%d", rt, id, entry.VersionID))
	}
	return writeEntry(c, status, entry)
}

// Delete records a deletion marker. Deleting an already deleted resource is
// a no-op.
func (h *ResourceHandler) Delete(c echo.Context) error {
	rt, id, err := ResourcePath(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ValidationOutcome("path", err.Error()))
	}
	ctx := c.Request().Context()
	latest, err := h.tracker.Current(ctx, rt, id)
	if errors.Is(err, ErrResourceNotFound) {
		return c.JSON(http.StatusNotFound, NotFoundOutcome(rt, id))
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, InternalErrorOutcome(err.Error()))
	}
	if latest.Deleted() {
		return c.NoContent(http.StatusNoContent)
	}

	entry, err := h.tracker.RecordDelete(ctx, actorFrom(c), rt, id, latest.VersionID)
	if errors.Is(err, ErrVersionConflict) {
		return c.JSON(http.StatusConflict, ConflictOutcome(err.Error()))
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, InternalErrorOutcome(err.Error()))
	}
	c.Response().Header().Set("ETag", FormatETag(entry.VersionID))
	return c.NoContent(http.StatusNoContent)
}

// History lists versions newest first, paged by _count and _offset.
func (h *ResourceHandler) History(c echo.Context) error {
	rt, id, err := ResourcePath(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ValidationOutcome("path", err.Error()))
	}
	pg, err := pagination.Parse(c, pagination.History)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ValidationOutcome("query", err.Error()))
	}

	entries, total, err := h.tracker.ListVersions(c.Request().Context(), rt, id, pg.Limit, pg.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, InternalErrorOutcome(err.Error()))
	}
	if total == 0 {
		return c.JSON(http.StatusNotFound, NotFoundOutcome(rt, id))
	}
	return c.JSON(http.StatusOK, NewHistoryBundle(entries, total, "/fhir"))
}
