package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/hashaudit/internal/platform/fhir"
)

// ErrorBody is the error half of the response envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEnvelope is written for every failed non-FHIR request.
type ErrorEnvelope struct {
	Success   bool      `json:"success"`
	RequestID string    `json:"request_id"`
	Error     ErrorBody `json:"error"`
}

var statusCodes = map[int]string{
	http.StatusBadRequest:            "bad_request",
	http.StatusUnauthorized:          "unauthorized",
	http.StatusForbidden:             "forbidden",
	http.StatusNotFound:              "not_found",
	http.StatusMethodNotAllowed:      "method_not_allowed",
	http.StatusConflict:              "conflict",
	http.StatusGone:                  "gone",
	http.StatusRequestEntityTooLarge: "payload_too_large",
	http.StatusUnprocessableEntity:   "unprocessable",
	http.StatusTooManyRequests:       "rate_limited",
	http.StatusInternalServerError:   "internal_error",
	http.StatusServiceUnavailable:    "unavailable",
	http.StatusGatewayTimeout:        "timeout",
}

// ErrorCode returns the envelope code for an HTTP status.
func ErrorCode(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	if status >= 500 {
		return "internal_error"
	}
	return "error"
}

// HTTPErrorHandler renders every error leaving a handler: FHIR routes get an
// OperationOutcome, everything else the {success,request_id,error} envelope.
// Non-HTTP errors become 500 and their detail is logged, never returned.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		message := http.StatusText(status)

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			message = fmt.Sprint(he.Message)
			if he.Internal != nil && status >= 500 {
				logger.Error().Err(he.Internal).Str("request_id", GetRequestID(c)).Msg("request failed")
			}
		} else {
			logger.Error().Err(err).Str("request_id", GetRequestID(c)).Str("path", c.Request().URL.Path).Msg("unhandled error")
		}
		if status >= 500 && status != http.StatusServiceUnavailable && status != http.StatusGatewayTimeout {
			message = "internal server error"
		}

		var writeErr error
		switch {
		case c.Request().Method == http.MethodHead:
			writeErr = c.NoContent(status)
		case strings.HasPrefix(c.Request().URL.Path, "/fhir"):
			writeErr = c.JSON(status, fhir.OutcomeForStatus(status, message))
		default:
			writeErr = c.JSON(status, ErrorEnvelope{
				Success:   false,
				RequestID: GetRequestID(c),
				Error:     ErrorBody{Code: ErrorCode(status), Message: message},
			})
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Msg("write error response")
		}
	}
}
