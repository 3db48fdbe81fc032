package types

import (
	"fmt"
	"time"
)

// SessionStatus is derived from the lifecycle markers of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// ParseSessionStatus converts a string to a SessionStatus.
func ParseSessionStatus(s string) (SessionStatus, error) {
	switch SessionStatus(s) {
	case SessionActive, SessionPaused, SessionCompleted, SessionFailed:
		return SessionStatus(s), nil
	default:
		return "", fmt.Errorf("unknown session status: %q", s)
	}
}

// DeriveSessionStatus computes a status from the facts gathered for a session.
// lastPauseMarker is the type of the most recent session_pause/session_resume
// event, or empty if none.
func DeriveSessionStatus(ended bool, errorCount int64, lastPauseMarker EventType) SessionStatus {
	switch {
	case ended && errorCount > 0:
		return SessionFailed
	case ended:
		return SessionCompleted
	case lastPauseMarker == EventSessionPause:
		return SessionPaused
	default:
		return SessionActive
	}
}

// Session is a read-only view derived from the events sharing a session_id.
type Session struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	AgentID         string        `json:"agent_id"`
	Environment     Environment   `json:"environment"`
	Status          SessionStatus `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	LastEventAt     time.Time     `json:"last_event_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	DurationSeconds *float64      `json:"duration_seconds,omitempty"`
	EventCount      int64         `json:"event_count"`
	ErrorCount      int64         `json:"error_count"`
	TotalCost       float64       `json:"total_cost"`
}
