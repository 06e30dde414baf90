package model

import (
	"sort"
	"strings"
)

// ScopeSet is the set of scopes a user currently holds. Keys are scope
// strings (e.g. "staff:write") and may include wildcards (e.g. "staff:*").
type ScopeSet map[string]bool

// NewScopeSet builds a set from the given scopes.
func NewScopeSet(scopes ...string) ScopeSet {
	s := make(ScopeSet, len(scopes))
	for _, sc := range scopes {
		s[sc] = true
	}
	return s
}

// Has returns true if the set contains the exact scope or a wildcard that
// matches it.
func (s ScopeSet) Has(scope string) bool {
	if s[scope] {
		return true
	}
	for pattern := range s {
		if matchWildcard(pattern, scope) {
			return true
		}
	}
	return false
}

// HasAll returns true if every given scope is held.
func (s ScopeSet) HasAll(scopes ...string) bool {
	for _, sc := range scopes {
		if !s.Has(sc) {
			return false
		}
	}
	return true
}

// HasAny returns true if at least one given scope is held.
func (s ScopeSet) HasAny(scopes ...string) bool {
	for _, sc := range scopes {
		if s.Has(sc) {
			return true
		}
	}
	return false
}

// Clone returns an independent copy of the set.
func (s ScopeSet) Clone() ScopeSet {
	out := make(ScopeSet, len(s))
	for sc, ok := range s {
		out[sc] = ok
	}
	return out
}

// Sorted returns the scopes in lexical order.
func (s ScopeSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for sc := range s {
		out = append(out, sc)
	}
	sort.Strings(out)
	return out
}

// matchWildcard returns true if pattern (which may end in "*") matches scope.
//
//	"*"            matches anything
//	"staff:*"      matches "staff:write"
//	"staff:read"   does NOT match "staff:read:all"
func matchWildcard(pattern, scope string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(scope, prefix)
}
