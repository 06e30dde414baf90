package model

import (
	"context"
	"errors"
)

// RequestContext identifies the caller of an authenticated request. The
// token subject is the user ID every scope check, claim and work queue
// resolves against.
type RequestContext struct {
	SubjectID     string
	Email         string
	SessionID     string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

// Validate rejects a context without a subject.
func (rc *RequestContext) Validate() error {
	if rc.SubjectID == "" {
		return errors.New("request context has no subject")
	}
	return nil
}

// UserID returns the caller's user ID.
func (rc *RequestContext) UserID() string {
	return rc.SubjectID
}

type contextKey struct{}

// WithRequestContext attaches rctx to ctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom returns the request context, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// CallerFrom returns the authenticated caller, or an UNAUTHORIZED
// envelope when ctx carries no subject.
func CallerFrom(ctx context.Context) (*RequestContext, error) {
	rctx := RequestContextFrom(ctx)
	if rctx == nil || rctx.Validate() != nil {
		return nil, NewUnauthorizedError("missing caller identity")
	}
	return rctx, nil
}
