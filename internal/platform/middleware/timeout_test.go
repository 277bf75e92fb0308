package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestRequestTimeout_CompletesWithinDeadline(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/audit/hash/logs", nil), httptest.NewRecorder())

	called := false
	err := RequestTimeout(5*time.Second)(func(c echo.Context) error {
		called = true
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected a deadline on the request context")
		}
		return c.String(http.StatusOK, "ok")
	})(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestRequestTimeout_ReturnsTimeoutOnExpiry(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/audit/hash/logs", nil), httptest.NewRecorder())

	err := RequestTimeout(20*time.Millisecond)(func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	})(c)

	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", httpErr.Code)
	}
}

func TestRequestTimeout_SkipsWebSocketPaths(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), httptest.NewRecorder())

	err := RequestTimeout(time.Millisecond)(func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); ok {
			t.Error("websocket requests must not get a deadline")
		}
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestTimeout_PropagatesHandlerError(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/fhir/Patient/1", nil), httptest.NewRecorder())
	want := errors.New("boom")

	err := RequestTimeout(time.Second)(func(c echo.Context) error { return want })(c)
	if !errors.Is(err, want) {
		t.Errorf("expected handler error, got %v", err)
	}
}
