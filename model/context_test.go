package model

import (
	"context"
	"testing"
)

func TestCallerFrom(t *testing.T) {
	tests := []struct {
		name     string
		ctx      context.Context
		wantUser string
	}{
		{
			name:     "authenticated reviewer",
			ctx:      WithRequestContext(context.Background(), &RequestContext{SubjectID: "user-reviewer", SessionID: "sess-42"}),
			wantUser: "user-reviewer",
		},
		{
			name: "token without subject",
			ctx:  WithRequestContext(context.Background(), &RequestContext{Email: "reviewer@tasquencer.test"}),
		},
		{
			name: "unauthenticated route",
			ctx:  context.Background(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller, err := CallerFrom(tt.ctx)
			if tt.wantUser == "" {
				if !IsCode(err, ErrUnauthorized) {
					t.Fatalf("err = %v, want %s", err, ErrUnauthorized)
				}
				return
			}
			if err != nil {
				t.Fatalf("CallerFrom() error = %v", err)
			}
			if caller.UserID() != tt.wantUser {
				t.Errorf("UserID() = %q, want %q", caller.UserID(), tt.wantUser)
			}
		})
	}
}

func TestRequestContextFrom_absent(t *testing.T) {
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty) = %v, want nil", got)
	}
}
