package model

import "time"

// AuthRole is a named bundle of scopes. Its scopes are granted only while
// IsActive is true.
type AuthRole struct {
	ID        string    `json:"id"         yaml:"id"`
	Name      string    `json:"name"       yaml:"name"`
	Scopes    []string  `json:"scopes"     yaml:"scopes"`
	IsActive  bool      `json:"is_active"  yaml:"is_active"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// AuthGroup is a named container of users.
type AuthGroup struct {
	ID        string    `json:"id"         yaml:"id"`
	Name      string    `json:"name"       yaml:"name"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// GroupMembership links a user to a group until ExpiresAt (if set).
type GroupMembership struct {
	GroupID   string     `json:"group_id"`
	UserID    string     `json:"user_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// RoleAssignment grants a role to exactly one of UserID or GroupID until
// ExpiresAt (if set).
type RoleAssignment struct {
	ID        string     `json:"id"`
	RoleID    string     `json:"role_id"`
	UserID    string     `json:"user_id,omitempty"`
	GroupID   string     `json:"group_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ActiveAt reports whether an optional expiry is still in the future.
func ActiveAt(expiresAt *time.Time, now time.Time) bool {
	return expiresAt == nil || expiresAt.After(now)
}
