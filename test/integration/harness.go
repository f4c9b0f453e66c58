// Package integration provides a reusable test harness for end-to-end
// integration testing of the pxm server. It starts a full HTTP server wired
// the same way as cmd/pxm, over a temporary SQLite database or in-memory
// stores, with an optional Redis idempotency store and an external token
// issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/pxm/internal/app"
	"github.com/pitabwire/pxm/internal/config"
	"github.com/pitabwire/pxm/internal/identity"
	"github.com/pitabwire/pxm/internal/observability"
	"github.com/pitabwire/pxm/internal/transport"
	"github.com/pitabwire/pxm/model"
)

const (
	testIssuer   = "https://auth.test.pxm.dev"
	testAudience = "pxm-test"
	testPassword = "password123"
)

// TestHarness encapsulates a fully wired pxm instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Components exposed for advanced test scenarios.
	Config   *config.Config
	Services *app.Services
	Stores   *app.Stores
	Redis    *miniredis.Miniredis
	External *externalIssuer
}

// HarnessOption configures the test harness.
type HarnessOption func(*config.Config)

// WithMemoryStores uses the in-memory stores instead of SQLite.
func WithMemoryStores() HarnessOption {
	return func(c *config.Config) {
		c.Store.Driver = config.DriverMemory
	}
}

// WithRateLimit enables the auth endpoint limiter.
func WithRateLimit(rps float64, burst int) HarnessOption {
	return func(c *config.Config) {
		c.RateLimit = config.RateLimitConfig{Enabled: true, RPS: rps, Burst: burst, CleanupInterval: time.Minute}
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *config.Config) {
		c.Server.HandlerTimeout = d
	}
}

// NewTestHarness creates and starts a full pxm test instance. The server
// and its stores are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	h := &TestHarness{
		t:        t,
		Redis:    miniredis.RunT(t),
		External: newExternalIssuer(t),
	}

	cfg := config.Defaults()
	cfg.Store.Driver = config.DriverSQLite
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "pxm.db")
	cfg.Identity.Issuer = testIssuer
	cfg.Identity.Audience = testAudience
	cfg.Identity.SecretEnv = "PXM_IT_JWT_SECRET"
	cfg.Identity.JWKSURL = h.External.JWKSURL()
	cfg.Identity.Algorithms = []string{"HS256", "RS256"}
	cfg.Idempotency.Enabled = true
	cfg.Idempotency.Store.Driver = config.DriverRedis
	cfg.Idempotency.Store.AddrEnv = "PXM_IT_REDIS_ADDR"
	cfg.RateLimit.Enabled = false
	cfg.Server.HandlerTimeout = 10 * time.Second
	cfg.Observability.Tracing.Enabled = false
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("harness config: %v", err)
	}
	h.Config = cfg

	t.Setenv(cfg.Identity.SecretEnv, "integration-test-secret")
	t.Setenv(cfg.Idempotency.Store.AddrEnv, h.Redis.Addr())

	ctx := context.Background()
	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)

	stores, err := app.BuildStores(ctx, cfg.Store, logger)
	if err != nil {
		t.Fatalf("build stores: %v", err)
	}
	t.Cleanup(stores.Close)
	h.Stores = stores

	idem, err := app.BuildIdempotency(ctx, cfg.Idempotency, logger)
	if err != nil {
		t.Fatalf("build idempotency store: %v", err)
	}
	t.Cleanup(idem.Close)

	services, err := app.BuildServices(cfg.Identity, stores, logger, metrics)
	if err != nil {
		t.Fatalf("build services: %v", err)
	}
	h.Services = services

	var limiter *transport.IPRateLimiter
	if cfg.RateLimit.Enabled {
		limiter = transport.NewIPRateLimiter(cfg.RateLimit)
		t.Cleanup(limiter.Stop)
	}

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Metrics:        metrics,
		MetricsHandler: observability.HandlerFor(reg),
		Authenticate:   transport.JWTAuthenticator(cfg.Identity, services.Secret, jwks),
		RateLimiter:    limiter,
		Idempotency:    idem.Store,
		Readiness: observability.ReadinessChecks{
			Store:            stores.Health,
			IdempotencyStore: idem.Health,
		},
		Approvals: services.Approvals,
		Templates: services.Templates,
		Identity:  services.Identity,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// URL returns the base URL of the test server.
func (h *TestHarness) URL() string {
	return h.server.URL
}

// User is a registered test user.
type User struct {
	ID    string
	Email string
	Token string
}

// Register creates a user over HTTP.
func (h *TestHarness) Register(email, fullName string) User {
	h.t.Helper()
	resp := h.POST("/auth/register", "", map[string]any{
		"email":     email,
		"password":  testPassword,
		"full_name": fullName,
	})
	var out identity.AuthResponse
	h.AssertJSON(h.t, resp, http.StatusCreated, &out)
	return User{ID: out.User.ID, Email: out.User.Email, Token: out.Token}
}

// Flow builds a flow_process body with one step per approver.
func Flow(approvers ...User) map[string]any {
	steps := make([]map[string]any, len(approvers))
	for i, a := range approvers {
		steps[i] = map[string]any{
			"seq":         i + 1,
			"name":        fmt.Sprintf("Step %d", i+1),
			"approver_id": a.ID,
		}
	}
	return map[string]any{"current_step": 1, "steps": steps}
}

// CreateApproval opens a request by requester over the given approvers.
func (h *TestHarness) CreateApproval(requester User, title string, approvers ...User) model.ApprovalRequest {
	h.t.Helper()
	resp := h.POST("/approvals", requester.Token, map[string]any{
		"title":        title,
		"form_data":    map[string]any{"amount": 250},
		"flow_process": Flow(approvers...),
	})
	var out model.ApprovalRequest
	h.AssertJSON(h.t, resp, http.StatusCreated, &out)
	return out
}

// --- HTTP helpers ---

// GET sends an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodGet, path, token, nil, nil)
}

// POST sends an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path, token string, body any) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, token, body, nil)
}

// Do sends an HTTP request to the test server.
func (h *TestHarness) Do(method, path, token string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and envelope code of an error response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("code = %s, want %s (message %q)", body.Error.Code, code, body.Error.Message)
	}
}
