package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kasoma/signoff/internal/config"
	"github.com/kasoma/signoff/internal/definition"
	"github.com/kasoma/signoff/internal/engine"
	"github.com/kasoma/signoff/internal/observability"
	"github.com/kasoma/signoff/internal/pipeline"
	"github.com/kasoma/signoff/internal/transport"
	"github.com/kasoma/signoff/model"
)

const testTenant = "tenant-1"

// TestHarness wires the full HTTP stack against in-memory backends and a
// local token issuer, so tests exercise the same router, auth, and handlers
// the production binary serves.
type TestHarness struct {
	t      *testing.T
	Server *httptest.Server
	Issuer *tokenIssuer

	Definitions *definition.Service
	Engine      *engine.Engine
	Pipeline    *pipeline.Pipeline
}

// NewTestHarness builds a harness with definitions seeded from
// testdata/definitions.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	issuer := newTokenIssuer(t)
	logger := zap.NewNop()

	defSvc := definition.NewService(definition.NewMemoryStore())
	seeds, err := definition.NewLoader().LoadAll([]string{filepath.Join(testdataDir(t), "definitions")})
	if err != nil {
		t.Fatalf("load seed definitions: %v", err)
	}
	if _, err := definition.Seed(context.Background(), defSvc, seeds); err != nil {
		t.Fatalf("seed definitions: %v", err)
	}

	eng := engine.NewEngine(
		defSvc,
		engine.NewMemoryInstanceStore(),
		engine.NewMemoryCompletionFence(time.Hour),
		engine.NewLoggingCompletionHook(logger),
		logger,
	)
	pipe := pipeline.NewPipeline(pipeline.NewMemoryPackageStore(), logger)

	cfg := config.Defaults()
	cfg.Identity.Issuer = issuer.Issuer()
	cfg.Identity.Audience = issuer.Audience()
	cfg.Identity.JWKSURL = issuer.JWKSURL()
	cfg.Observability.Metrics.Enabled = false

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Logger:      logger,
		Definitions: defSvc,
		Engine:      eng,
		Pipeline:    pipe,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return true },
		},
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &TestHarness{
		t:           t,
		Server:      srv,
		Issuer:      issuer,
		Definitions: defSvc,
		Engine:      eng,
		Pipeline:    pipe,
	}
}

// PMClaims returns claims for a project manager in the test tenant.
func PMClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-pm",
		TenantID:  testTenant,
		Email:     "pm@example.com",
		Roles:     []string{model.RoleProjectManager},
	}
}

// PJMClaims returns claims for a project journey manager in the test tenant.
func PJMClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-pjm",
		TenantID:  testTenant,
		Email:     "pjm@example.com",
		Roles:     []string{model.RolePJM},
	}
}

// EngineerClaims returns claims for an engineer in the test tenant.
func EngineerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-eng",
		TenantID:  testTenant,
		Email:     "eng@example.com",
		Roles:     []string{model.RoleEngineer},
	}
}

// AdminClaims returns claims for an administrator in the test tenant.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		TenantID:  testTenant,
		Email:     "admin@example.com",
		Roles:     []string{model.RoleAdmin},
	}
}

// GET sends an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	return h.doRequest(http.MethodGet, path, nil, token)
}

// POST sends an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	return h.doRequest(http.MethodPost, path, body, token)
}

// PUT sends an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	return h.doRequest(http.MethodPut, path, body, token)
}

// DELETE sends an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	return h.doRequest(http.MethodDelete, path, nil, token)
}

func (h *TestHarness) doRequest(method, path string, body any, token string) *http.Response {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, h.Server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// ParseJSON decodes the response body into out and closes the body.
func (h *TestHarness) ParseJSON(resp *http.Response, out any) {
	h.t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		h.t.Fatalf("decode response body: %v", err)
	}
}

// ReadBody reads and returns the full response body.
func (h *TestHarness) ReadBody(resp *http.Response) string {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return string(data)
}

// AssertStatus fails the test if the response status does not match.
func (h *TestHarness) AssertStatus(resp *http.Response, want int) {
	h.t.Helper()
	if resp.StatusCode != want {
		body := h.ReadBody(resp)
		h.t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, want, body)
	}
}

// AssertErrorCode fails the test unless the response carries the given
// status and machine-readable error code.
func (h *TestHarness) AssertErrorCode(resp *http.Response, wantStatus int, wantCode string) {
	h.t.Helper()
	if resp.StatusCode != wantStatus {
		body := h.ReadBody(resp)
		h.t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, wantStatus, body)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	h.ParseJSON(resp, &envelope)
	if envelope.Error.Code != wantCode {
		h.t.Fatalf("error code = %q, want %q", envelope.Error.Code, wantCode)
	}
}

// testdataDir resolves the testdata directory relative to this source file.
func testdataDir(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("resolve caller path")
	}
	return filepath.Join(filepath.Dir(file), "testdata")
}

// instancePath builds the base path for a workflow instance resource.
func instancePath(instanceID string, suffix string) string {
	if suffix == "" {
		return fmt.Sprintf("/api/workflow-instances/%s", instanceID)
	}
	return fmt.Sprintf("/api/workflow-instances/%s/%s", instanceID, suffix)
}
