package hashaudit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/hashaudit/pkg/pagination"
)

const dateOnly = "2006-01-02"

// QueryParams is a parsed audit query, echoed back as request_metadata.
type QueryParams struct {
	Filter    Filter    `json:"filters"`
	Page      Page      `json:"-"`
	Limit     int       `json:"limit"`
	Offset    int       `json:"offset"`
	SortBy    SortField `json:"sort_by"`
	SortOrder string    `json:"sort_order"`
}

// ParseQuery reads filter, sort and page parameters. Every malformed value
// yields an error wrapping ErrInvalidFilter.
func ParseQuery(c echo.Context) (*QueryParams, error) {
	f, err := ParseFilter(c)
	if err != nil {
		return nil, err
	}
	pg, err := pagination.Parse(c, pagination.Audit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}

	sortBy := SortTimestamp
	if raw := c.QueryParam("sort_by"); raw != "" {
		if sortBy, err = ParseSortField(raw); err != nil {
			return nil, err
		}
	}
	order := strings.ToLower(c.QueryParam("sort_order"))
	switch order {
	case "":
		order = "desc"
	case "asc", "desc":
	default:
		return nil, fmt.Errorf("%w: sort_order must be asc or desc", ErrInvalidFilter)
	}

	return &QueryParams{
		Filter:    f,
		Page:      Page{Limit: pg.Limit, Offset: pg.Offset, SortBy: sortBy, Desc: order == "desc"},
		Limit:     pg.Limit,
		Offset:    pg.Offset,
		SortBy:    sortBy,
		SortOrder: order,
	}, nil
}

// ParseFilter reads the filter fields only.
func ParseFilter(c echo.Context) (Filter, error) {
	var f Filter
	var err error

	if f.Since, err = parseDate(c.QueryParam("start_date"), false); err != nil {
		return f, fmt.Errorf("%w: start_date: %v", ErrInvalidFilter, err)
	}
	if f.Until, err = parseDate(c.QueryParam("end_date"), true); err != nil {
		return f, fmt.Errorf("%w: end_date: %v", ErrInvalidFilter, err)
	}
	if f.Since != nil && f.Until != nil && f.Until.Before(*f.Since) {
		return f, fmt.Errorf("%w: end_date is before start_date", ErrInvalidFilter)
	}

	if f.OperationTypes, err = parseList(c, "operation_type", ParseOperationType); err != nil {
		return f, err
	}
	if f.Statuses, err = parseList(c, "status", ParseStatus); err != nil {
		return f, err
	}
	if f.Severities, err = parseList(c, "severity", ParseSeverity); err != nil {
		return f, err
	}

	f.UserID = strings.TrimSpace(c.QueryParam("user_id"))
	f.ResourceType = strings.TrimSpace(c.QueryParam("fhir_resource_type"))
	f.ResourceID = strings.TrimSpace(c.QueryParam("fhir_resource_id"))
	f.PatientID = strings.TrimSpace(c.QueryParam("patient_id"))
	f.Hash = strings.ToLower(strings.TrimSpace(c.QueryParam("blockchain_hash")))

	if raw := c.QueryParam("has_errors_only"); raw != "" {
		if f.HasErrorsOnly, err = strconv.ParseBool(raw); err != nil {
			return f, fmt.Errorf("%w: has_errors_only must be true or false", ErrInvalidFilter)
		}
	}
	return f, nil
}

// parseDate accepts RFC 3339 or a bare date. A bare end date covers the
// whole day.
func parseDate(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(dateOnly, raw)
	if err != nil {
		return nil, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return &t, nil
}

// parseList accepts comma separated and repeated query values.
func parseList[T any](c echo.Context, key string, parse func(string) (T, error)) ([]T, error) {
	var out []T
	for _, v := range c.QueryParams()[key] {
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			item, err := parse(part)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out = append(out, item)
		}
	}
	return out, nil
}
