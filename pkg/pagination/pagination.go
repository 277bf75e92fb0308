package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Bounds sets the default and maximum page size of an endpoint.
type Bounds struct {
	Default int
	Max     int
}

var (
	// Audit bounds the audit query endpoints.
	Audit = Bounds{Default: 100, Max: 1000}
	// History bounds FHIR _history listings.
	History = Bounds{Default: 20, Max: 100}
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// FieldError names the offending query parameter.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Parse reads limit/offset (or the FHIR aliases _count/_offset). Malformed
// or out-of-range values are rejected rather than clamped.
func Parse(c echo.Context, b Bounds) (Params, error) {
	p := Params{Limit: b.Default}

	limitKey, raw := pick(c, "limit", "_count")
	if raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > b.Max {
			return Params{}, &FieldError{Field: limitKey, Message: fmt.Sprintf("must be an integer between 1 and %d", b.Max)}
		}
		p.Limit = n
	}

	offsetKey, raw := pick(c, "offset", "_offset")
	if raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Params{}, &FieldError{Field: offsetKey, Message: "must be a non-negative integer"}
		}
		p.Offset = n
	}
	return p, nil
}

func pick(c echo.Context, keys ...string) (string, string) {
	for _, k := range keys {
		if v := c.QueryParam(k); v != "" {
			return k, v
		}
	}
	return keys[0], ""
}

// HasMore returns true if there are more results after the current page.
func (p Params) HasMore(total int) bool {
	return p.Offset+p.Limit < total
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}
