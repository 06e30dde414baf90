package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Readiness states.
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    string `json:"status"`
	Critical  bool   `json:"critical"`
	LatencyMs int64  `json:"latency_ms"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks lists the engine's dependencies. Nil checkers are
// skipped. Without definitions no workflow can start, and without its
// stores or signing keys the engine cannot serve, so those failures make
// the instance not ready. The idempotency store only guards replays, so
// losing it degrades the instance.
type ReadinessChecks struct {
	Definitions func() int

	WorkflowStore    HealthChecker
	AuthzStore       HealthChecker
	AuditStore       HealthChecker
	IdentityProvider HealthChecker
	IdempotencyStore HealthChecker
}

const checkTimeout = 2 * time.Second

type namedCheck struct {
	name     string
	critical bool
	checker  HealthChecker
}

func (c ReadinessChecks) checkers() []namedCheck {
	all := []namedCheck{
		{"workflow_store", true, c.WorkflowStore},
		{"authz_store", true, c.AuthzStore},
		{"audit_store", true, c.AuditStore},
		{"identity_provider", true, c.IdentityProvider},
		{"idempotency_store", false, c.IdempotencyStore},
	}
	out := all[:0]
	for _, nc := range all {
		if nc.checker != nil {
			out = append(out, nc)
		}
	}
	return out
}

// Evaluate runs every check concurrently and folds the results into an
// overall status.
func (c ReadinessChecks) Evaluate(ctx context.Context) ReadinessResponse {
	results := make(map[string]CheckResult)
	var mu sync.Mutex
	record := func(name string, r CheckResult) {
		mu.Lock()
		results[name] = r
		mu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		n := 0
		if c.Definitions != nil {
			n = c.Definitions()
		}
		r := CheckResult{Status: "ok", Critical: true, Detail: fmt.Sprintf("%d definitions", n)}
		if n == 0 {
			r.Status, r.Error = "error", "no definitions loaded"
		}
		record("definitions", r)
		return nil
	})
	for _, nc := range c.checkers() {
		g.Go(func() error {
			r := runCheck(ctx, nc.checker)
			r.Critical = nc.critical
			record(nc.name, r)
			return nil
		})
	}
	_ = g.Wait()

	status := StatusReady
	for _, r := range results {
		if r.Status == "ok" {
			continue
		}
		if r.Critical {
			status = StatusNotReady
			break
		}
		status = StatusDegraded
	}
	return ReadinessResponse{Status: status, Checks: results}
}

// HandleHealth serves the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady serves the readiness endpoint. Only a not-ready instance
// answers 503.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := checks.Evaluate(r.Context())
		code := http.StatusOK
		if resp.Status == StatusNotReady {
			code = http.StatusServiceUnavailable
		}
		writeHealthJSON(w, code, resp)
	}
}

func writeHealthJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	r := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		r.Status, r.Error = "error", err.Error()
	}
	return r
}
