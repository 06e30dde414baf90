package model

import (
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "work item missing"}
	want := "NOT_FOUND: work item missing"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewMissingScopeError(t *testing.T) {
	e := NewMissingScopeError("u1", "staff:write")
	if e.Code != ErrForbidden {
		t.Errorf("Code = %q, want %q", e.Code, ErrForbidden)
	}
	if e.Message != "user u1 does not have scope staff:write" {
		t.Errorf("Message = %q", e.Message)
	}
}

func TestNewEntityNotFoundError(t *testing.T) {
	e := NewEntityNotFoundError("work item", "wi-1")
	if e.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", e.Code, ErrNotFound)
	}
	if e.Message != `work item "wi-1" not found` {
		t.Errorf("Message = %q", e.Message)
	}
}

func TestNewDefinitionNotFoundError(t *testing.T) {
	tests := []struct {
		version string
		want    string
	}{
		{"", `workflow definition "intake" is not registered`},
		{"v2", `workflow definition "intake" version "v2" is not registered`},
	}
	for _, tt := range tests {
		e := NewDefinitionNotFoundError("intake", tt.version)
		if e.Code != ErrDefinitionNotFound {
			t.Errorf("Code = %q, want %q", e.Code, ErrDefinitionNotFound)
		}
		if e.Message != tt.want {
			t.Errorf("Message = %q, want %q", e.Message, tt.want)
		}
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "/decision", Code: "enum", Message: "value is not one of the allowed values"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "/decision" {
		t.Errorf("Details[0].Field = %q", e.Details[0].Field)
	}
}

func TestCodeOf_unwraps(t *testing.T) {
	wrapped := fmt.Errorf("claim: %w", NewAlreadyClaimedError("wi-1"))
	if got := CodeOf(wrapped); got != ErrAlreadyClaimed {
		t.Errorf("CodeOf = %q, want %q", got, ErrAlreadyClaimed)
	}
	if !IsCode(wrapped, ErrAlreadyClaimed) {
		t.Error("IsCode should match wrapped envelope")
	}
	if CodeOf(fmt.Errorf("plain")) != "" {
		t.Error("CodeOf should be empty for non-envelope errors")
	}
	if IsCode(nil, ErrNotFound) {
		t.Error("IsCode(nil) should be false")
	}
}
