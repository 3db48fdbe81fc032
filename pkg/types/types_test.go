package types

import (
	"testing"
	"time"
)

func TestParseEventType(t *testing.T) {
	for _, et := range AllEventTypes {
		got, err := ParseEventType(string(et))
		if err != nil || got != et {
			t.Errorf("ParseEventType(%q) = %q, %v", et, got, err)
		}
	}
	if len(AllEventTypes) != 14 {
		t.Errorf("expected 14 event types, got %d", len(AllEventTypes))
	}
	if _, err := ParseEventType("session_begin"); err == nil {
		t.Error("expected error for unknown event type")
	}
}

func TestParseEnvironment(t *testing.T) {
	for _, s := range []string{"production", "staging", "development"} {
		if _, err := ParseEnvironment(s); err != nil {
			t.Errorf("ParseEnvironment(%q): %v", s, err)
		}
	}
	if _, err := ParseEnvironment("Production"); err == nil {
		t.Error("expected error for wrong case")
	}
}

func TestPeriod_Previous(t *testing.T) {
	end := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
	p := Period{Start: end.AddDate(0, 0, -7), End: end}
	prev := p.Previous()
	if !prev.End.Equal(p.Start) {
		t.Errorf("previous end %v != start %v", prev.End, p.Start)
	}
	if prev.Duration() != p.Duration() {
		t.Errorf("duration mismatch: %v vs %v", prev.Duration(), p.Duration())
	}
}

func TestDeriveSessionStatus(t *testing.T) {
	tests := []struct {
		ended  bool
		errors int64
		marker EventType
		want   SessionStatus
	}{
		{true, 0, "", SessionCompleted},
		{true, 2, "", SessionFailed},
		{false, 1, EventSessionPause, SessionPaused},
		{false, 0, EventSessionResume, SessionActive},
		{false, 0, "", SessionActive},
	}
	for _, tt := range tests {
		if got := DeriveSessionStatus(tt.ended, tt.errors, tt.marker); got != tt.want {
			t.Errorf("DeriveSessionStatus(%v, %d, %q) = %q, want %q", tt.ended, tt.errors, tt.marker, got, tt.want)
		}
	}
}
