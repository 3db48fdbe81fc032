// Package types provides core data types for Pulse.
package types

import (
	"fmt"
	"math"
	"time"
)

// EventType is the closed set of lifecycle markers an agent can emit.
type EventType string

const (
	EventSessionStart     EventType = "session_start"
	EventSessionEnd       EventType = "session_end"
	EventSessionPause     EventType = "session_pause"
	EventSessionResume    EventType = "session_resume"
	EventTaskStart        EventType = "task_start"
	EventTaskComplete     EventType = "task_complete"
	EventTaskError        EventType = "task_error"
	EventTaskCancel       EventType = "task_cancel"
	EventToolCall         EventType = "tool_call"
	EventToolResponse     EventType = "tool_response"
	EventError            EventType = "error"
	EventWarning          EventType = "warning"
	EventFeedbackPositive EventType = "feedback_positive"
	EventFeedbackNegative EventType = "feedback_negative"
)

// AllEventTypes lists every valid EventType in declaration order.
var AllEventTypes = []EventType{
	EventSessionStart, EventSessionEnd, EventSessionPause, EventSessionResume,
	EventTaskStart, EventTaskComplete, EventTaskError, EventTaskCancel,
	EventToolCall, EventToolResponse,
	EventError, EventWarning,
	EventFeedbackPositive, EventFeedbackNegative,
}

var eventTypeSet = func() map[EventType]struct{} {
	m := make(map[EventType]struct{}, len(AllEventTypes))
	for _, t := range AllEventTypes {
		m[t] = struct{}{}
	}
	return m
}()

// ParseEventType converts a string to an EventType.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if _, ok := eventTypeSet[t]; !ok {
		return "", fmt.Errorf("unknown event type: %q", s)
	}
	return t, nil
}

// IsError reports whether the event type counts toward error metrics.
func (t EventType) IsError() bool {
	return t == EventError || t == EventTaskError
}

// IsTaskOutcome reports whether the event type terminates a task.
func (t EventType) IsTaskOutcome() bool {
	return t == EventTaskComplete || t == EventTaskError || t == EventTaskCancel
}

// Environment is the deployment environment an event was emitted from.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvDevelopment Environment = "development"
)

// DefaultEnvironment is applied when an event omits environment.
const DefaultEnvironment = EnvProduction

// ParseEnvironment converts a string to an Environment.
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(s) {
	case EnvProduction, EnvStaging, EnvDevelopment:
		return Environment(s), nil
	default:
		return "", fmt.Errorf("unknown environment: %q", s)
	}
}

// Timestamps are persisted as unix nanoseconds, which covers roughly
// 1677-09-21 through 2262-04-11.
var (
	MinTimestamp = time.Unix(0, math.MinInt64).UTC()
	MaxTimestamp = time.Unix(0, math.MaxInt64).UTC()
)

// InTimestampRange reports whether t can be stored without loss.
func InTimestampRange(t time.Time) bool {
	return !t.Before(MinTimestamp) && !t.After(MaxTimestamp)
}

// Event is an immutable telemetry fact submitted by a client.
type Event struct {
	// EventID is the client-assigned unique identifier (evt_ + 20-30 alphanumerics)
	EventID string `json:"event_id"`

	// EventType is the lifecycle marker
	EventType EventType `json:"event_type"`

	// Timestamp is when the event occurred, normalized to UTC
	Timestamp time.Time `json:"timestamp"`

	// SessionID groups events of one agent session (sess_ + 20-30 alphanumerics)
	SessionID string `json:"session_id"`

	// UserID identifies the end user (max 128 chars)
	UserID string `json:"user_id"`

	// AgentID identifies the agent (max 64 chars)
	AgentID string `json:"agent_id"`

	// Environment defaults to production
	Environment Environment `json:"environment"`

	// Cost is the optional USD cost attributed to this event
	Cost *float64 `json:"cost,omitempty"`

	// Metadata is an opaque key-value payload stored verbatim
	Metadata map[string]any `json:"metadata,omitempty"`

	// OrgID is the tenant scope the event was submitted under (server-assigned)
	OrgID string `json:"-"`

	// ReceivedAt is when the server accepted the event (server-assigned)
	ReceivedAt time.Time `json:"-"`
}

// CostValue returns the event cost or zero.
func (e *Event) CostValue() float64 {
	if e.Cost == nil {
		return 0
	}
	return *e.Cost
}
