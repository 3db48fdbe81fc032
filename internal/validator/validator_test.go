package validator

import (
	"strings"
	"testing"
	"time"

	"github.com/pulseboard/pulse/internal/errors"
	"github.com/pulseboard/pulse/pkg/types"
)

func validRecord() map[string]any {
	return map[string]any{
		"event_id":    "evt_abcdefghij0123456789",
		"event_type":  "task_complete",
		"timestamp":   "2026-03-01T12:30:00.123+02:00",
		"session_id":  "sess_ABCDEFGHIJ0123456789",
		"user_id":     "user-42",
		"agent_id":    "support-bot",
		"environment": "staging",
		"metadata":    map[string]any{"model": "x", "tokens": 12.0},
		"cost":        0.25,
	}
}

func TestValidate_Valid(t *testing.T) {
	res := Validate(validRecord())
	if !res.Valid() {
		t.Fatalf("expected valid, got %v", res.First())
	}
	ev := res.Event
	want := time.Date(2026, 3, 1, 10, 30, 0, 123000000, time.UTC)
	if !ev.Timestamp.Equal(want) || ev.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp = %v, want %v in UTC", ev.Timestamp, want)
	}
	if ev.EventType != types.EventTaskComplete {
		t.Errorf("event_type = %q", ev.EventType)
	}
	if ev.Environment != types.EnvStaging {
		t.Errorf("environment = %q", ev.Environment)
	}
	if ev.Cost == nil || *ev.Cost != 0.25 {
		t.Errorf("cost = %v", ev.Cost)
	}
	if ev.Metadata["model"] != "x" {
		t.Errorf("metadata not preserved: %v", ev.Metadata)
	}
}

func TestValidate_DefaultEnvironment(t *testing.T) {
	rec := validRecord()
	delete(rec, "environment")
	delete(rec, "metadata")
	delete(rec, "cost")
	res := Validate(rec)
	if !res.Valid() {
		t.Fatalf("expected valid, got %v", res.First())
	}
	if res.Event.Environment != types.EnvProduction {
		t.Errorf("environment = %q, want production", res.Event.Environment)
	}
	if res.Event.Cost != nil || res.Event.Metadata != nil {
		t.Error("optional fields should stay unset")
	}
}

func TestValidate_SingleRuleViolations(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
		del   bool
		code  string
	}{
		{"missing event_id", "event_id", nil, true, errors.CodeMissingEventID},
		{"null event_id", "event_id", nil, false, errors.CodeMissingEventID},
		{"bad event_id", "event_id", "bad-id", false, errors.CodeInvalidEventIDFormat},
		{"short event_id", "event_id", "evt_abc", false, errors.CodeInvalidEventIDFormat},
		{"long event_id", "event_id", "evt_" + strings.Repeat("a", 31), false, errors.CodeInvalidEventIDFormat},
		{"numeric event_id", "event_id", 12.0, false, errors.CodeInvalidEventIDFormat},
		{"missing event_type", "event_type", nil, true, errors.CodeMissingEventType},
		{"unknown event_type", "event_type", "session_begin", false, errors.CodeInvalidEventType},
		{"missing timestamp", "timestamp", nil, true, errors.CodeMissingTimestamp},
		{"bad timestamp", "timestamp", "yesterday", false, errors.CodeInvalidTimestamp},
		{"no timezone", "timestamp", "2026-03-01T12:30:00", false, errors.CodeInvalidTimestamp},
		{"year 2300", "timestamp", "2300-01-01T00:00:00Z", false, errors.CodeInvalidTimestamp},
		{"year 0001", "timestamp", "0001-01-01T00:00:00Z", false, errors.CodeInvalidTimestamp},
		{"missing session_id", "session_id", nil, true, errors.CodeMissingSessionID},
		{"bad session_id", "session_id", "session_123", false, errors.CodeInvalidSessionIDFormat},
		{"missing user_id", "user_id", nil, true, errors.CodeMissingUserID},
		{"blank user_id", "user_id", "  ", false, errors.CodeMissingUserID},
		{"long user_id", "user_id", strings.Repeat("u", 129), false, errors.CodeUserIDTooLong},
		{"missing agent_id", "agent_id", nil, true, errors.CodeMissingAgentID},
		{"long agent_id", "agent_id", strings.Repeat("a", 65), false, errors.CodeAgentIDTooLong},
		{"bad environment", "environment", "prod", false, errors.CodeInvalidEnvironment},
		{"array metadata", "metadata", []any{"x"}, false, errors.CodeInvalidMetadata},
		{"negative cost", "cost", -1.0, false, errors.CodeInvalidCost},
		{"string cost", "cost", "1.5", false, errors.CodeInvalidCost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := validRecord()
			if tt.del {
				delete(rec, tt.key)
			} else {
				rec[tt.key] = tt.value
			}
			res := Validate(rec)
			if res.Valid() {
				t.Fatal("expected failure")
			}
			if len(res.Errors) != 1 {
				t.Fatalf("expected exactly one error, got %d: %v", len(res.Errors), res.Errors)
			}
			if res.First().Code != tt.code {
				t.Errorf("code = %s, want %s", res.First().Code, tt.code)
			}
			if res.First().Field != tt.key {
				t.Errorf("field = %s, want %s", res.First().Field, tt.key)
			}
		})
	}
}

func TestValidate_LengthBoundaries(t *testing.T) {
	rec := validRecord()
	rec["user_id"] = strings.Repeat("ü", MaxUserIDLength)
	rec["agent_id"] = strings.Repeat("a", MaxAgentIDLength)
	if res := Validate(rec); !res.Valid() {
		t.Errorf("boundary lengths should be accepted, got %v", res.First())
	}
}

func TestValidate_TimestampRangeBoundaries(t *testing.T) {
	tests := []struct {
		ts    string
		valid bool
	}{
		{"1677-09-21T00:12:43.145224192Z", true},
		{"1677-09-21T00:12:43.145224191Z", false},
		{"2262-04-11T23:47:16.854775807Z", true},
		{"2262-04-11T23:47:16.854775808Z", false},
		{"2262-04-12T01:47:16.854775807+02:00", true},
	}
	for _, tt := range tests {
		t.Run(tt.ts, func(t *testing.T) {
			rec := validRecord()
			rec["timestamp"] = tt.ts
			res := Validate(rec)
			if res.Valid() != tt.valid {
				t.Fatalf("valid = %v, want %v (%v)", res.Valid(), tt.valid, res.First())
			}
			if !tt.valid && res.First().Code != errors.CodeInvalidTimestamp {
				t.Errorf("code = %s, want INVALID_TIMESTAMP", res.First().Code)
			}
		})
	}
}

func TestValidate_AllViolationsInRuleOrder(t *testing.T) {
	rec := map[string]any{
		"event_id":    "bad-id",
		"event_type":  "nope",
		"environment": "moon",
		"metadata":    "text",
	}
	res := Validate(rec)
	want := []string{
		errors.CodeInvalidEventIDFormat,
		errors.CodeInvalidEventType,
		errors.CodeMissingTimestamp,
		errors.CodeMissingSessionID,
		errors.CodeMissingUserID,
		errors.CodeMissingAgentID,
		errors.CodeInvalidEnvironment,
		errors.CodeInvalidMetadata,
	}
	if len(res.Errors) != len(want) {
		t.Fatalf("expected %d errors, got %d", len(want), len(res.Errors))
	}
	for i, code := range want {
		if res.Errors[i].Code != code {
			t.Errorf("errors[%d] = %s, want %s", i, res.Errors[i].Code, code)
		}
	}
	if res.EventID != "bad-id" {
		t.Errorf("raw event id should be extractable, got %q", res.EventID)
	}
}

func TestValidate_NonObject(t *testing.T) {
	for _, raw := range []any{nil, "evt", 3.0, []any{}} {
		res := Validate(raw)
		if res.Valid() || res.First().Code != errors.CodeInvalidEvent {
			t.Errorf("Validate(%v) should fail with INVALID_EVENT", raw)
		}
	}
}
