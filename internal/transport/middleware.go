package transport

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/tasquencer/internal/config"
	"github.com/pitabwire/tasquencer/internal/observability"
	"github.com/pitabwire/tasquencer/model"
)

// Context keys for middleware-injected values.
type correlationIDKey struct{}
type claimsKey struct{}

// CorrelationIDFrom extracts the correlation ID from the request context.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// WithClaims stores JWT claims in the context. Used by the auth middleware.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom extracts JWT claims from the context.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey{}).(map[string]any)
	return claims
}

// Recovery turns a handler panic into an INTERNAL_ERROR response. The
// panic is logged with the correlation ID so the response can be matched
// to the stack.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("route", r.Method+" "+r.URL.Path),
					zap.String("correlation_id", CorrelationIDFrom(r.Context())),
					zap.Stack("stack"),
				)
				WriteError(w, model.NewInternalError())
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// corsPolicy holds the response headers granted to an allowed origin.
type corsPolicy struct {
	origins map[string]struct{}
	grant   map[string]string
}

func newCORSPolicy(cfg config.CORSConfig) corsPolicy {
	p := corsPolicy{
		origins: make(map[string]struct{}, len(cfg.AllowedOrigins)),
		grant: map[string]string{
			"Access-Control-Allow-Methods":  strings.Join(cfg.AllowedMethods, ", "),
			"Access-Control-Allow-Headers":  strings.Join(cfg.AllowedHeaders, ", "),
			"Access-Control-Max-Age":        strconv.Itoa(cfg.MaxAge),
			"Access-Control-Expose-Headers": "X-Correlation-Id, X-Idempotency-Replayed",
		},
	}
	for _, o := range cfg.AllowedOrigins {
		p.origins[o] = struct{}{}
	}
	return p
}

func (p corsPolicy) allow(h http.Header, origin string) {
	if _, ok := p.origins[origin]; !ok {
		return
	}
	h.Set("Access-Control-Allow-Origin", origin)
	for k, v := range p.grant {
		h.Set(k, v)
	}
	h.Add("Vary", "Origin")
}

// CORS grants the configured origins access to the API. Preflight
// requests are answered here and never reach a handler.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	policy := newCORSPolicy(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" {
				policy.allow(w.Header(), origin)
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID carries the caller's X-Correlation-Id through the request, or
// assigns one. The ID is echoed on the response and stamped on audit spans.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationIDKey{}, id)))
	})
}

// Work item payloads and audit traces carry caller data, so no response
// may be cached or framed.
var securityHeaders = [][2]string{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-XSS-Protection", "0"},
	{"Cache-Control", "no-store"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
}

// SecurityHeaders stamps securityHeaders on every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range securityHeaders {
			h.Set(kv[0], kv[1])
		}
		next.ServeHTTP(w, r)
	})
}

// BuildRequestContextMiddleware constructs a model.RequestContext from the
// verified JWT claims using the configured claim paths. Requests whose
// token carries no subject are rejected with UNAUTHORIZED.
func BuildRequestContextMiddleware(claimPaths map[string]string) func(http.Handler) http.Handler {
	subjectPath := claimPath(claimPaths, "subject_id", "sub")
	emailPath := claimPath(claimPaths, "email", "email")
	sessionPath := claimPath(claimPaths, "session_id", "sid")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFrom(r.Context())
			rctx := &model.RequestContext{
				SubjectID:     extractClaimString(claims, subjectPath),
				Email:         extractClaimString(claims, emailPath),
				SessionID:     extractClaimString(claims, sessionPath),
				Claims:        claims,
				CorrelationID: CorrelationIDFrom(r.Context()),
				TraceID:       observability.TraceIDFromContext(r.Context()),
			}
			if err := rctx.Validate(); err != nil {
				WriteError(w, model.NewUnauthorizedError("token has no subject"))
				return
			}
			observability.Annotate(r.Context(), observability.AttrSubjectID.String(rctx.SubjectID))
			ctx := model.WithRequestContext(r.Context(), rctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func claimPath(paths map[string]string, key, def string) string {
	if p, ok := paths[key]; ok && p != "" {
		return p
	}
	return def
}

// ScopeChecker answers whether a user holds a scope.
type ScopeChecker interface {
	RequireScope(ctx context.Context, userID, scope string) error
}

// RequireScope returns middleware that rejects callers without scope. The
// scope is resolved on every request. An empty scope admits everyone.
func RequireScope(checker ScopeChecker, scope string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if scope == "" || checker == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := model.CallerFrom(r.Context())
			if err != nil {
				WriteError(w, err)
				return
			}
			observability.Annotate(r.Context(), observability.AttrScope.String(scope))
			if err := checker.RequireScope(r.Context(), caller.UserID(), scope); err != nil {
				if model.IsCode(err, model.ErrForbidden) {
					logger.Info("route scope denied",
						zap.String("user_id", caller.UserID()),
						zap.String("scope", scope),
						zap.String("path", r.URL.Path),
					)
				}
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HandlerTimeout returns middleware that sets a context deadline on requests.
func HandlerTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogging puts a request-scoped logger on the context and logs one
// line per request, tagged with the caller once one is known.
func RequestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := observability.WithLogger(r.Context(), logger)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			observability.RequestLogger(ctx, logger).Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", observability.ResponseStatus(ww)),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// extractClaim walks a dot-separated path through nested claim maps.
func extractClaim(claims map[string]any, path string) any {
	if claims == nil {
		return nil
	}
	var cur any = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func extractClaimString(claims map[string]any, path string) string {
	v, _ := extractClaim(claims, path).(string)
	return v
}
