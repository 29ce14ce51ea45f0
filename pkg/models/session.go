// Package models provides domain types for the RANTS gateway.
package models

import "time"

// SessionStatus is the lifecycle state of a recursive session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// RecursiveSession is one orchestration instance. Sessions form a tree via
// ParentID; children hold no direct reference to their parent, only the id,
// which the store resolves on lookup.
type RecursiveSession struct {
	// SessionID is the UUID of this session.
	SessionID string `json:"session_id"`

	// ParentID is the UUID of the parent session, empty for roots.
	ParentID string `json:"parent_id,omitempty"`

	// TenantID scopes the session to a tenant.
	TenantID string `json:"tenant_id"`

	// Depth is 0 for a root session and parent.Depth+1 for children.
	Depth int `json:"depth"`

	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`

	// DeadlineAt is the wallclock budget added to the root session's start;
	// a child session inherits its parent's DeadlineAt. The orchestrator
	// and every executor observe it at suspension points.
	DeadlineAt time.Time `json:"deadline_at"`

	// Status is the lifecycle state.
	Status SessionStatus `json:"status"`
}

// Terminal reports whether the session has reached a final status.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	default:
		return false
	}
}
