package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/hashaudit/internal/config"
	"github.com/ehr/hashaudit/internal/domain/hashaudit"
	"github.com/ehr/hashaudit/internal/platform/auth"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:                   "development",
		StoreBackend:          config.BackendMemory,
		ElevatedRoles:         []string{"admin", "auditor"},
		RateLimitRPS:          1000,
		RateLimitBurst:        1000,
		AuditRetentionDays:    30,
		AuditExportMaxRecords: 100,
		ChainVerifyBatchSize:  10,
	}
}

func testApp(t *testing.T) (*app, *echo.Echo) {
	t.Helper()
	cfg := testConfig()
	b, err := openBackend(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	a := newApp(cfg, zerolog.Nop(), b)
	t.Cleanup(a.close)
	return a, newServer(a)
}

func do(e *echo.Echo, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestAuditTopic(t *testing.T) {
	for topic, want := range map[string]bool{
		"audit":               true,
		"audit.failure":       true,
		"audit.hash_generate": true,
		"auditing":            false,
		"Patient":             false,
	} {
		if got := auditTopic(topic); got != want {
			t.Errorf("auditTopic(%q) = %v, want %v", topic, got, want)
		}
	}
}

func TestServer_ResourceWritesExtendChain(t *testing.T) {
	a, e := testApp(t)

	rec := do(e, http.MethodPut, "/fhir/Patient/p1", `{"resourceType":"Patient","active":true}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("PUT: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(e, http.MethodPut, "/fhir/Patient/p1", `{"resourceType":"Patient","active":false}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second PUT: expected 200, got %d", rec.Code)
	}

	n, err := a.chain.Length(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected chain length 2, got %d (%v)", n, err)
	}

	rec = do(e, http.MethodGet, "/fhir/Patient/p1/$verify", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"valueBoolean":true`) {
		t.Errorf("verify: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodGet, "/fhir/$chain-verify", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("chain-verify: %d", rec.Code)
	}
	var params struct {
		Parameter []struct {
			Name         string `json:"name"`
			ValueBoolean *bool  `json:"valueBoolean"`
		} `json:"parameter"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &params); err != nil {
		t.Fatal(err)
	}
	if params.Parameter[0].Name != "verified" || !*params.Parameter[0].ValueBoolean {
		t.Errorf("expected an intact chain: %s", rec.Body.String())
	}
}

func TestServer_AccessControl(t *testing.T) {
	_, e := testApp(t)
	nurse := map[string]string{auth.DevUserHeader: "nurse-1", auth.DevRolesHeader: "nurse"}

	tests := []struct {
		path    string
		headers map[string]string
		want    int
	}{
		{"/health", nil, http.StatusOK},
		{"/health/db", nil, http.StatusOK},
		{"/metrics", nil, http.StatusOK},
		{"/api/v1/audit/hash/logs", nurse, http.StatusOK},
		{"/api/v1/audit/hash/statistics", nurse, http.StatusForbidden},
		{"/api/v1/audit/hash/statistics", nil, http.StatusOK},
		{"/api/v1/audit/hash/users/someone-else/trail", nurse, http.StatusForbidden},
		{"/fhir/$chain-export", nurse, http.StatusForbidden},
		{"/ws", nurse, http.StatusForbidden},
	}
	for _, tt := range tests {
		rec := do(e, http.MethodGet, tt.path, "", tt.headers)
		if rec.Code != tt.want {
			t.Errorf("GET %s: expected %d, got %d: %s", tt.path, tt.want, rec.Code, rec.Body.String())
		}
	}

	rec := do(e, http.MethodGet, "/api/v1/audit/hash/statistics", "", nurse)
	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Success || body.Error.Code != "forbidden" {
		t.Errorf("unexpected error envelope %s", rec.Body.String())
	}
}

func TestReadExport(t *testing.T) {
	a, e := testApp(t)
	do(e, http.MethodPut, "/fhir/Observation/o1", `{"resourceType":"Observation","status":"final"}`, nil)

	exp, err := a.verifier.ExportChain(context.Background(), hashaudit.SystemActor)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(exp)
	path := filepath.Join(t.TempDir(), "chain.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := readExport(path)
	if err != nil {
		t.Fatalf("readExport: %v", err)
	}
	res, err := a.verifier.VerifyExport(context.Background(), hashaudit.SystemActor, got)
	if err != nil || !res.Verified {
		t.Errorf("round-tripped export should verify: %+v %v", res, err)
	}

	if _, err := readExport(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestOpenBackend_Unknown(t *testing.T) {
	cfg := testConfig()
	cfg.StoreBackend = "cassandra"
	if _, err := openBackend(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Error("expected error for an unknown backend")
	}
}
