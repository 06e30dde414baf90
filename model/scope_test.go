package model

import (
	"reflect"
	"testing"
)

func TestScopeSet_Has_exact(t *testing.T) {
	s := NewScopeSet("staff:write", "campaign:review")
	if !s.Has("staff:write") {
		t.Error("Has(staff:write) = false, want true")
	}
	if s.Has("staff:admin") {
		t.Error("Has(staff:admin) = true, want false")
	}
}

func TestScopeSet_Has_wildcard(t *testing.T) {
	s := ScopeSet{"staff:*": true}
	if !s.Has("staff:write") {
		t.Error("staff:* should match staff:write")
	}
	if s.Has("campaign:review") {
		t.Error("staff:* should not match campaign:review")
	}
	if !(ScopeSet{"*": true}).Has("anything") {
		t.Error("* should match anything")
	}
}

func TestScopeSet_Has_nil(t *testing.T) {
	var s ScopeSet
	if s.Has("staff:write") {
		t.Error("nil set should not match anything")
	}
}

func TestScopeSet_HasAll_HasAny(t *testing.T) {
	s := NewScopeSet("a:read", "b:read")
	if !s.HasAll("a:read", "b:read") {
		t.Error("HasAll should be true when all present")
	}
	if s.HasAll("a:read", "c:read") {
		t.Error("HasAll should be false when one missing")
	}
	if !s.HasAny("c:read", "b:read") {
		t.Error("HasAny should be true when one present")
	}
	if s.HasAny() {
		t.Error("HasAny with no args should be false")
	}
}

func TestScopeSet_Sorted(t *testing.T) {
	s := NewScopeSet("z:write", "a:read", "m:list")
	want := []string{"a:read", "m:list", "z:write"}
	if got := s.Sorted(); !reflect.DeepEqual(got, want) {
		t.Errorf("Sorted() = %v, want %v", got, want)
	}
}

func TestMatchWildcard(t *testing.T) {
	tests := []struct {
		pattern string
		scope   string
		want    bool
	}{
		{"*", "staff:write", true},
		{"staff:*", "staff:write", true},
		{"staff:*", "staffing:write", false},
		{"staff:review:*", "staff:review:final", true},
		{"staff:write", "staff:write", false},
		{"staff", "staff:write", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"_vs_"+tt.scope, func(t *testing.T) {
			if got := matchWildcard(tt.pattern, tt.scope); got != tt.want {
				t.Errorf("matchWildcard(%q, %q) = %v, want %v", tt.pattern, tt.scope, got, tt.want)
			}
		})
	}
}
