// Package integration provides a reusable test harness for end-to-end
// integration testing of the Tasquencer server. It starts a full HTTP server
// with in-memory stores, a seeded authorization resolver and a test JWT
// identity provider.
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

	"github.com/pitabwire/tasquencer/internal/audit"
	"github.com/pitabwire/tasquencer/internal/authz"
	"github.com/pitabwire/tasquencer/internal/config"
	"github.com/pitabwire/tasquencer/internal/definition"
	"github.com/pitabwire/tasquencer/internal/idempotency"
	"github.com/pitabwire/tasquencer/internal/observability"
	"github.com/pitabwire/tasquencer/internal/transport"
	"github.com/pitabwire/tasquencer/internal/workflow"
	"github.com/pitabwire/tasquencer/internal/workitem"
)

// TestHarness encapsulates a fully wired server instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	client *http.Client
	idp    *identityProvider

	// Internal components exposed for advanced test scenarios.
	Registry         *definition.Registry
	WorkflowStore    *workflow.MemoryStore
	Engine           *workflow.Engine
	Authz            *authz.Service
	Recorder         *audit.Recorder
	Dispatcher       *workitem.Dispatcher
	IdempotencyStore *idempotency.MemoryStore

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs     []string
	seedFile           string
	idempotencyEnabled bool
	handlerTimeout     time.Duration
	handlers           map[string]workflow.Handler
	breaker            workflow.BreakerSettings
	queuePolicy        workitem.QueuePolicy
}

// WithDefinitions sets the definition directories to load.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithSeedFile sets the authorization seed applied at startup.
func WithSeedFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.seedFile = path
	}
}

// WithIdempotency enables idempotent work item commands with an in-memory
// store.
func WithIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotencyEnabled = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithHandler registers a system task handler.
func WithHandler(name string, h workflow.Handler) HarnessOption {
	return func(c *harnessConfig) {
		if c.handlers == nil {
			c.handlers = make(map[string]workflow.Handler)
		}
		c.handlers[name] = h
	}
}

// WithHandlerBreaker enables the per-handler circuit breakers.
func WithHandlerBreaker(s workflow.BreakerSettings) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = s
	}
}

// WithQueuePolicy sets how work queues answer users without access.
func WithQueuePolicy(p workitem.QueuePolicy) HarnessOption {
	return func(c *harnessConfig) {
		c.queuePolicy = p
	}
}

// NewTestHarness creates and starts a full server test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	dir := testdataDir()
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(dir, "definitions")}
	}
	if hc.seedFile == "" {
		hc.seedFile = filepath.Join(dir, "seed.yaml")
	}

	h := &TestHarness{t: t}
	ctx := context.Background()

	files, err := definition.NewLoader().LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	defs := definition.Flatten(files)
	if verrs := definition.NewValidator().Validate(defs, nil); len(verrs) > 0 {
		t.Fatalf("definitions invalid: %v", verrs)
	}
	h.Registry = definition.NewRegistry(defs)

	h.WorkflowStore = workflow.NewMemoryStore()
	h.Recorder = audit.NewRecorder(audit.NewMemoryStore())
	h.Authz = authz.NewService(authz.NewMemoryStore())

	seed, err := authz.LoadSeed(hc.seedFile)
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}
	if err := h.Authz.ApplySeed(ctx, seed); err != nil {
		t.Fatalf("apply seed: %v", err)
	}

	handlers := workflow.NewHandlerRegistry()
	for name, handler := range hc.handlers {
		handlers.Register(name, handler)
	}
	h.Engine = workflow.NewEngine(h.Registry, h.WorkflowStore, h.Recorder, nil, handlers,
		workflow.WithHandlerBreakers(hc.breaker))

	var dispatcherOpts []workitem.Option
	if hc.queuePolicy != "" {
		dispatcherOpts = append(dispatcherOpts, workitem.WithQueuePolicy(hc.queuePolicy))
	}
	h.Dispatcher = workitem.NewDispatcher(h.Engine, h.Authz, dispatcherOpts...)

	h.idp = newIdentityProvider(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS = config.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id", "X-Idempotency-Key"},
		MaxAge:         86400,
	}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:     tokenIssuer,
		Audience:   tokenAudience,
		JWKSURL:    h.idp.JWKSURL(),
		Algorithms: []string{"RS256"},
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"email":      "email",
			"session_id": "sid",
		},
	}

	var idem idempotency.Store
	if hc.idempotencyEnabled {
		h.IdempotencyStore = idempotency.NewMemoryStore(nil)
		idem = h.IdempotencyStore
	}

	jwks := transport.NewJWKSClient(h.idp.JWKSURL(), time.Hour)

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Readiness: observability.ReadinessChecks{
			Definitions:      func() int { return len(h.Registry.All()) },
			WorkflowStore:    h.Engine,
			AuthzStore:       h.Authz,
			AuditStore:       h.Recorder,
			IdentityProvider: jwks,
		},
		Engine:      h.Engine,
		Dispatcher:  h.Dispatcher,
		Authz:       h.Authz,
		Recorder:    h.Recorder,
		Idempotency: idem,
	})

	h.server = httptest.NewServer(router)
	h.client = h.server.Client()
	h.client.Timeout = 10 * time.Second
	t.Cleanup(h.server.Close)

	return h
}

// TokenFor signs a token for subject as the identity provider would.
func (h *TestHarness) TokenFor(subject string, opts ...TokenOption) string {
	h.t.Helper()
	return h.idp.Token(h.t, subject, opts...)
}

// --- HTTP client helpers ---

// GET calls path with token, which may be empty.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.do(http.MethodGet, path, nil, token, nil)
}

// GETWithHeaders is GET with extra request headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.do(http.MethodGet, path, nil, token, headers)
}

// POST sends body as JSON. A nil body sends no payload.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.do(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders is POST with extra request headers, such as an
// X-Idempotency-Key.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.do(http.MethodPost, path, body, token, headers)
}

func (h *TestHarness) do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("encode %s %s body: %v", method, path, err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, payload)
	if err != nil {
		h.t.Fatalf("build %s %s: %v", method, path, err)
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

	resp, err := h.client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	h.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// ParseJSON decodes the response body into target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	data := h.ReadBody(resp)
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("decode response: %v\nbody: %s", err, data)
	}
}

// ReadBody drains the response body.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response: %v", err)
	}
	return data
}

// AssertStatus reports a status mismatch along with the error body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, h.ReadBody(resp))
	}
}

// AssertJSON requires status expected and decodes the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, h.ReadBody(resp))
	}
	h.ParseJSON(resp, target)
}

// ErrorCode returns the error envelope code of a failed response.
func (h *TestHarness) ErrorCode(resp *http.Response) string {
	h.t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	h.ParseJSON(resp, &body)
	return body.Error.Code
}

// --- Seeded users ---

// Users from testdata/seed.yaml.
const (
	UserRequester = "user-requester"
	UserReviewer  = "user-reviewer"
	UserIT        = "user-it"
	UserHR        = "user-hr"
	UserOps       = "user-ops"
	UserNobody    = "user-nobody"
)

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
