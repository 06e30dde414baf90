package observability_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/tasquencer/internal/audit"
	"github.com/pitabwire/tasquencer/internal/authz"
	"github.com/pitabwire/tasquencer/internal/idempotency"
	"github.com/pitabwire/tasquencer/internal/observability"
	"github.com/pitabwire/tasquencer/internal/transport"
)

type unreachableAuthzStore struct{ authz.Store }

func (unreachableAuthzStore) HealthCheck(context.Context) error {
	return errors.New("dial tcp 10.0.0.5:5432: connection refused")
}

type unreachableAuditStore struct{ audit.Store }

func (unreachableAuditStore) HealthCheck(context.Context) error {
	return errors.New("pool exhausted")
}

type unreachableIdempotency struct{ idempotency.Store }

func (unreachableIdempotency) HealthCheck(context.Context) error {
	return errors.New("redis: i/o timeout")
}

func jwksServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{"keys":[{"kid":"k1","kty":"EC","use":"sig","crv":"P-256",` +
				`"x":"f83OJ3D2xF1Bg8vub9tLe1gHMzV76e8Tus9uPHvRVEU","y":"x_FEzRu9m36HLN_tue659LNpXW6pCyStikYjKIWI5a0"}]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func healthyChecks(t *testing.T) observability.ReadinessChecks {
	t.Helper()
	return observability.ReadinessChecks{
		Definitions:      func() int { return 3 },
		AuthzStore:       authz.NewService(authz.NewMemoryStore()),
		AuditStore:       audit.NewRecorder(audit.NewMemoryStore()),
		IdentityProvider: transport.NewJWKSClient(jwksServer(t, http.StatusOK).URL, time.Hour),
		IdempotencyStore: idempotency.NewMemoryStore(nil),
	}
}

func ready(t *testing.T, checks observability.ReadinessChecks) (int, observability.ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	observability.HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	var resp observability.ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func TestHandleHealth(t *testing.T) {
	origVersion, origCommit := observability.Version, observability.Commit
	observability.Version, observability.Commit = "1.4.0", "9f2c1e0"
	t.Cleanup(func() { observability.Version, observability.Commit = origVersion, origCommit })

	rec := httptest.NewRecorder()
	observability.HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp observability.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, observability.HealthResponse{Status: "ok", Version: "1.4.0", Commit: "9f2c1e0"}, resp)
}

func TestHandleReady_allDependenciesUp(t *testing.T) {
	code, resp := ready(t, healthyChecks(t))

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, observability.StatusReady, resp.Status)
	for _, name := range []string{"definitions", "authz_store", "audit_store", "identity_provider", "idempotency_store"} {
		assert.Equal(t, "ok", resp.Checks[name].Status, name)
	}
	assert.Equal(t, "3 definitions", resp.Checks["definitions"].Detail)
	assert.NotContains(t, resp.Checks, "workflow_store", "unset checkers are skipped")
}

func TestHandleReady_criticalDependencyDown(t *testing.T) {
	tests := []struct {
		name   string
		check  string
		mutate func(*observability.ReadinessChecks)
	}{
		{"authz store", "authz_store", func(c *observability.ReadinessChecks) {
			c.AuthzStore = authz.NewService(unreachableAuthzStore{authz.NewMemoryStore()})
		}},
		{"audit store", "audit_store", func(c *observability.ReadinessChecks) {
			c.AuditStore = audit.NewRecorder(unreachableAuditStore{audit.NewMemoryStore()})
		}},
		{"identity provider", "identity_provider", func(c *observability.ReadinessChecks) {
			c.IdentityProvider = transport.NewJWKSClient(jwksServer(t, http.StatusBadGateway).URL, time.Hour)
		}},
		{"no definitions", "definitions", func(c *observability.ReadinessChecks) {
			c.Definitions = func() int { return 0 }
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checks := healthyChecks(t)
			tt.mutate(&checks)

			code, resp := ready(t, checks)

			assert.Equal(t, http.StatusServiceUnavailable, code)
			assert.Equal(t, observability.StatusNotReady, resp.Status)
			got := resp.Checks[tt.check]
			assert.Equal(t, "error", got.Status)
			assert.True(t, got.Critical)
			assert.NotEmpty(t, got.Error)
		})
	}
}

func TestHandleReady_idempotencyStoreDownDegrades(t *testing.T) {
	checks := healthyChecks(t)
	checks.IdempotencyStore = unreachableIdempotency{idempotency.NewMemoryStore(nil)}

	code, resp := ready(t, checks)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, observability.StatusDegraded, resp.Status)
	assert.False(t, resp.Checks["idempotency_store"].Critical)
	assert.Equal(t, "redis: i/o timeout", resp.Checks["idempotency_store"].Error)
}

func TestReadinessChecks_criticalOutranksDegraded(t *testing.T) {
	checks := healthyChecks(t)
	checks.IdempotencyStore = unreachableIdempotency{idempotency.NewMemoryStore(nil)}
	checks.AuditStore = audit.NewRecorder(unreachableAuditStore{audit.NewMemoryStore()})

	resp := checks.Evaluate(context.Background())
	assert.Equal(t, observability.StatusNotReady, resp.Status)
}
