package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/hashaudit/internal/platform/fhir"
)

// BodyLimitConfig caps request bodies. Requests whose path ends with one of
// UploadSuffixes (chain export uploads, batch verification) get UploadLimit;
// everything else gets Limit. Sizes are strings such as "512K", "1M" or "2G".
type BodyLimitConfig struct {
	Limit          string
	UploadLimit    string
	UploadSuffixes []string
}

// BodyLimit rejects oversized bodies with 413. FHIR paths get an
// OperationOutcome; the rest go through the error handler.
func BodyLimit(cfg BodyLimitConfig) echo.MiddlewareFunc {
	defaultBytes := parseLimit(cfg.Limit)
	uploadBytes := parseLimit(cfg.UploadLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			for _, suffix := range cfg.UploadSuffixes {
				if strings.HasSuffix(req.URL.Path, suffix) {
					limit = uploadBytes
					break
				}
			}

			if req.ContentLength > limit {
				return tooLarge(c, limit)
			}
			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: limit}
			return next(c)
		}
	}
}

// limitedReadCloser fails once more than the limit has been read, which
// also covers chunked bodies without Content-Length.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (int, error) {
	if r.exceeded {
		return 0, echo.ErrStatusRequestEntityTooLarge
	}
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		r.exceeded = true
		return 0, echo.ErrStatusRequestEntityTooLarge
	}
	return n, err
}

func tooLarge(c echo.Context, limit int64) error {
	msg := fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", limit)
	if strings.HasPrefix(c.Request().URL.Path, "/fhir") {
		return c.JSON(http.StatusRequestEntityTooLarge, fhir.OutcomeForStatus(http.StatusRequestEntityTooLarge, msg))
	}
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge, msg)
}

// parseLimit turns "512K", "1M", "2GB" or a byte count into bytes. Empty or
// malformed input yields 1 MB.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
	}
	if multiplier > 1 {
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 1 << 20
	}
	return n * multiplier
}
