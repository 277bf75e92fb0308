package fhir

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// SetVersionHeaders writes the ETag and Last-Modified headers of a stored version.
func SetVersionHeaders(c echo.Context, entry *HistoryEntry) {
	h := c.Response().Header()
	h.Set("ETag", FormatETag(entry.VersionID))
	if !entry.Timestamp.IsZero() {
		h.Set("Last-Modified", entry.Timestamp.UTC().Format(http.TimeFormat))
	}
}

// CheckIfMatch compares the If-Match header with the current version. A
// missing header always passes; currentVersion 0 means the resource does not
// exist yet.
func CheckIfMatch(c echo.Context, currentVersion int) error {
	ifMatch := c.Request().Header.Get("If-Match")
	if ifMatch == "" {
		return nil
	}
	expected, err := ParseETag(ifMatch)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid If-Match header: "+err.Error())
	}
	if expected != currentVersion {
		return echo.NewHTTPError(http.StatusPreconditionFailed,
			fmt.Sprintf("version mismatch: If-Match %d, current %d", expected, currentVersion))
	}
	return nil
}

// ParseETag extracts the version number from W/"3" or "3".
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.Atoi(etag)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("ETag must contain a non-negative version: %q", etag)
	}
	return v, nil
}

// FormatETag creates a weak ETag from a version ID.
func FormatETag(versionID int) string {
	return fmt.Sprintf(`W/"%d"`, versionID)
}

// InstantString renders t the way FHIR meta.lastUpdated expects.
func InstantString(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
