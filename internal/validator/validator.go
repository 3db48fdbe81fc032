// Package validator checks untrusted event records against the event schema.
package validator

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pulseboard/pulse/internal/errors"
	"github.com/pulseboard/pulse/pkg/types"
)

const (
	// MaxUserIDLength is the maximum user_id length in characters.
	MaxUserIDLength = 128

	// MaxAgentIDLength is the maximum agent_id length in characters.
	MaxAgentIDLength = 64
)

var (
	eventIDPattern   = regexp.MustCompile(`^evt_[A-Za-z0-9]{20,30}$`)
	sessionIDPattern = regexp.MustCompile(`^sess_[A-Za-z0-9]{20,30}$`)
)

// FieldError describes one violated rule.
type FieldError struct {
	Field   string
	Code    string
	Message string
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("field %q: %s: %s", e.Field, e.Code, e.Message)
}

// Result is the outcome of validating one record. Exactly one of Event and
// Errors is set.
type Result struct {
	Event  *types.Event
	Errors []*FieldError

	// EventID is the raw event_id when it was a string, even if invalid.
	EventID string
}

// Valid reports whether the record passed every rule.
func (r Result) Valid() bool {
	return len(r.Errors) == 0 && r.Event != nil
}

// First returns the first violated rule in rule order, or nil.
func (r Result) First() *FieldError {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// Validate checks a single decoded record. It never panics on malformed input;
// every violated rule is reported in rule order.
func Validate(raw any) Result {
	rec, ok := raw.(map[string]any)
	if !ok {
		return Result{Errors: []*FieldError{{
			Code:    errors.CodeInvalidEvent,
			Message: "event must be a JSON object",
		}}}
	}

	var (
		ev   types.Event
		errs []*FieldError
		res  Result
	)
	fail := func(field, code, format string, args ...any) {
		errs = append(errs, &FieldError{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	// 1. event_id
	switch v, present := lookup(rec, "event_id"); {
	case !present:
		fail("event_id", errors.CodeMissingEventID, "event_id is required")
	default:
		s, isStr := v.(string)
		if isStr {
			res.EventID = s
		}
		if !isStr || !eventIDPattern.MatchString(s) {
			fail("event_id", errors.CodeInvalidEventIDFormat, "event_id must match evt_ followed by 20-30 alphanumeric characters")
		} else {
			ev.EventID = s
		}
	}

	// 2. event_type
	switch v, present := lookup(rec, "event_type"); {
	case !present:
		fail("event_type", errors.CodeMissingEventType, "event_type is required")
	default:
		s, _ := v.(string)
		t, err := types.ParseEventType(s)
		if err != nil {
			fail("event_type", errors.CodeInvalidEventType, "event_type %s is not a supported event type", describe(v))
		} else {
			ev.EventType = t
		}
	}

	// 3. timestamp
	switch v, present := lookup(rec, "timestamp"); {
	case !present:
		fail("timestamp", errors.CodeMissingTimestamp, "timestamp is required")
	default:
		ts, err := parseTimestamp(v)
		if err != nil {
			fail("timestamp", errors.CodeInvalidTimestamp, "timestamp must be an ISO-8601 datetime with timezone")
		} else {
			ev.Timestamp = ts
		}
	}

	// 4. session_id
	switch v, present := lookup(rec, "session_id"); {
	case !present:
		fail("session_id", errors.CodeMissingSessionID, "session_id is required")
	default:
		s, isStr := v.(string)
		if !isStr || !sessionIDPattern.MatchString(s) {
			fail("session_id", errors.CodeInvalidSessionIDFormat, "session_id must match sess_ followed by 20-30 alphanumeric characters")
		} else {
			ev.SessionID = s
		}
	}

	// 5. user_id
	if s, ok := requiredString(rec, "user_id"); !ok {
		fail("user_id", errors.CodeMissingUserID, "user_id is required")
	} else if utf8.RuneCountInString(s) > MaxUserIDLength {
		fail("user_id", errors.CodeUserIDTooLong, "user_id exceeds %d characters", MaxUserIDLength)
	} else {
		ev.UserID = s
	}

	// 6. agent_id
	if s, ok := requiredString(rec, "agent_id"); !ok {
		fail("agent_id", errors.CodeMissingAgentID, "agent_id is required")
	} else if utf8.RuneCountInString(s) > MaxAgentIDLength {
		fail("agent_id", errors.CodeAgentIDTooLong, "agent_id exceeds %d characters", MaxAgentIDLength)
	} else {
		ev.AgentID = s
	}

	// 7. environment
	ev.Environment = types.DefaultEnvironment
	if v, present := lookup(rec, "environment"); present {
		s, _ := v.(string)
		env, err := types.ParseEnvironment(s)
		if err != nil {
			fail("environment", errors.CodeInvalidEnvironment, "environment must be one of production, staging, development")
		} else {
			ev.Environment = env
		}
	}

	// 8. metadata
	if v, present := lookup(rec, "metadata"); present {
		m, isMap := v.(map[string]any)
		if !isMap {
			fail("metadata", errors.CodeInvalidMetadata, "metadata must be a JSON object")
		} else {
			ev.Metadata = m
		}
	}

	// 9. cost
	if v, present := lookup(rec, "cost"); present {
		c, ok := toFloat(v)
		if !ok || c < 0 || math.IsNaN(c) || math.IsInf(c, 0) {
			fail("cost", errors.CodeInvalidCost, "cost must be a non-negative number")
		} else {
			ev.Cost = &c
		}
	}

	if len(errs) > 0 {
		res.Errors = errs
		return res
	}
	res.Event = &ev
	return res
}

// lookup treats JSON null the same as an absent key.
func lookup(rec map[string]any, key string) (any, bool) {
	v, ok := rec[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func requiredString(rec map[string]any, key string) (string, bool) {
	v, present := lookup(rec, key)
	if !present {
		return "", false
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

func parseTimestamp(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("timestamp is %T, not string", v)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	if !types.InTimestampRange(t) {
		return time.Time{}, fmt.Errorf("timestamp %s outside %s..%s", s, types.MinTimestamp.Format(time.RFC3339), types.MaxTimestamp.Format(time.RFC3339))
	}
	return t.UTC(), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func describe(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("of type %T", v)
}
