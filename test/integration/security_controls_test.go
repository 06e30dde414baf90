package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"net/http"
	"strings"
	"testing"

	"github.com/pitabwire/tasquencer/model"
)

func TestSecurity_UnauthenticatedRoutesRejected(t *testing.T) {
	h := NewTestHarness(t)

	for _, ep := range []string{
		"/v1/workflows",
		"/v1/work-items",
		"/v1/auth/me/scopes",
		"/v1/traces",
		"/v1/spans?resource_type=workflow&resource_id=x",
	} {
		t.Run(ep, func(t *testing.T) {
			h.AssertStatus(t, h.GET(ep, ""), http.StatusUnauthorized)
		})
	}
}

func TestSecurity_RejectedTokens(t *testing.T) {
	h := NewTestHarness(t)

	foreignKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	unsigned := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`)) + "." +
		base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"`+UserRequester+`","iss":"`+tokenIssuer+`","aud":"`+tokenAudience+`"}`)) + "."

	tests := []struct {
		name  string
		token string
	}{
		{"expired", h.TokenFor(UserRequester, Expired())},
		{"signed by unknown key", signRS256(t, foreignKey, h.idp.claims(UserRequester))},
		{"alg none", unsigned},
		{"issued for another audience", h.TokenFor(UserRequester, WithAudience("tasquencer-admin"))},
		{"no subject", h.TokenFor(UserRequester, WithoutSubject())},
		{"malformed", "not.a.valid.jwt.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.GET("/v1/work-items", tt.token)
			h.AssertStatus(t, resp, http.StatusUnauthorized)
			if code := h.ErrorCode(resp); code != model.ErrUnauthorized {
				t.Errorf("code = %q, want %q", code, model.ErrUnauthorized)
			}
		})
	}

	h.AssertStatus(t, h.GET("/v1/work-items", h.TokenFor(UserRequester)), http.StatusOK)
}

func TestSecurity_IdentityComesFromToken(t *testing.T) {
	h := NewTestHarness(t)

	// A forged user header has no effect on the resolved subject.
	resp := h.GETWithHeaders("/v1/auth/me/scopes", h.TokenFor(UserNobody), map[string]string{
		"X-User-Id": UserRequester,
	})
	var body struct {
		UserID string   `json:"user_id"`
		Scopes []string `json:"scopes"`
	}
	h.AssertJSON(t, resp, http.StatusOK, &body)
	if body.UserID != UserNobody || len(body.Scopes) != 0 {
		t.Errorf("resolved %s with %v, want %s with no scopes", body.UserID, body.Scopes, UserNobody)
	}
}

func TestSecurity_ScopeCheckedOnEveryCall(t *testing.T) {
	h := NewTestHarness(t)
	ctx := t.Context()

	role, err := h.Authz.CreateRole(ctx, "contract_it", []string{"it:write"})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	assignment, err := h.Authz.AssignRoleToUser(ctx, role.ID, "user-contractor", nil)
	if err != nil {
		t.Fatalf("assign role: %v", err)
	}
	contractor := h.TokenFor("user-contractor")

	h.initialize(t, "onboarding", h.TokenFor(UserHR), nil)
	wi := h.nextItem(t, contractor, "orderLaptop")
	h.AssertStatus(t, h.POST("/v1/work-items/"+wi.ID+"/start", nil, contractor), http.StatusOK)

	// Revoke the role between start and complete.
	if err := h.Authz.ExpireAssignment(ctx, assignment.ID); err != nil {
		t.Fatalf("expire assignment: %v", err)
	}

	resp := h.POST("/v1/work-items/"+wi.ID+"/complete", map[string]any{"payload": map[string]any{"model": "X1"}}, contractor)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrForbidden {
		t.Errorf("code = %q, want %q", code, model.ErrForbidden)
	}
}

func TestSecurity_ErrorResponseHidesInternals(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/v1/work-items/missing", h.TokenFor(UserRequester))
	body := string(h.ReadBody(resp))
	for _, leak := range []string{"goroutine", ".go:", "panic", "runtime.", "/internal/"} {
		if strings.Contains(body, leak) {
			t.Errorf("error body contains %q: %s", leak, body)
		}
	}
}

func TestSecurity_ResponseHeaders(t *testing.T) {
	h := NewTestHarness(t)
	token := h.TokenFor(UserReviewer)

	for name, resp := range map[string]*http.Response{
		"work queue":         h.GET("/v1/work-items", token),
		"unknown work item":  h.GET("/v1/work-items/missing", token),
		"missing credential": h.GET("/v1/work-items", ""),
	} {
		t.Run(name, func(t *testing.T) {
			if got := resp.Header.Get("Cache-Control"); got != "no-store" {
				t.Errorf("Cache-Control = %q, want no-store", got)
			}
			if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
				t.Errorf("X-Frame-Options = %q, want DENY", got)
			}
			if resp.Header.Get("Strict-Transport-Security") == "" {
				t.Error("Strict-Transport-Security missing")
			}
			if resp.Header.Get("X-Correlation-Id") == "" {
				t.Error("X-Correlation-Id missing")
			}
		})
	}

	resp := h.GETWithHeaders("/v1/work-items", token, map[string]string{"X-Correlation-Id": "intake-batch-7"})
	if got := resp.Header.Get("X-Correlation-Id"); got != "intake-batch-7" {
		t.Errorf("X-Correlation-Id = %q, want the caller's", got)
	}
}

func TestSecurity_CORS(t *testing.T) {
	h := NewTestHarness(t)

	allowed := h.GETWithHeaders("/health", "", map[string]string{"Origin": "http://localhost:3000"})
	if allowed.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("allowed origin not granted")
	}
	if !strings.Contains(allowed.Header.Get("Access-Control-Expose-Headers"), "X-Idempotency-Replayed") {
		t.Error("replay header not exposed to browsers")
	}

	denied := h.GETWithHeaders("/health", "", map[string]string{"Origin": "https://evil.example.com"})
	if denied.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("disallowed origin granted")
	}
}
