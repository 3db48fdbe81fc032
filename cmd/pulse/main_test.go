package main

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestDayRange_Resolve(t *testing.T) {
	now := time.Date(2026, 3, 8, 15, 4, 0, 0, time.UTC)
	day := func(s string) time.Time {
		d, _ := time.Parse(dayLayout, s)
		return d
	}

	tests := []struct {
		name     string
		in       dayRange
		from, to time.Time
		wantErr  string
	}{
		{name: "default is yesterday", from: day("2026-03-07"), to: day("2026-03-07")},
		{name: "single day", in: dayRange{day: "2026-03-01"}, from: day("2026-03-01"), to: day("2026-03-01")},
		{name: "range", in: dayRange{from: "2026-03-01", to: "2026-03-03"}, from: day("2026-03-01"), to: day("2026-03-03")},
		{name: "day and range", in: dayRange{day: "2026-03-01", from: "2026-03-01"}, wantErr: "cannot be combined"},
		{name: "half range", in: dayRange{from: "2026-03-01"}, wantErr: "together"},
		{name: "reversed", in: dayRange{from: "2026-03-03", to: "2026-03-01"}, wantErr: "before"},
		{name: "bad format", in: dayRange{day: "03/01/2026"}, wantErr: "YYYY-MM-DD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to, err := tt.in.resolve(now)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !from.Equal(tt.from) || !to.Equal(tt.to) {
				t.Errorf("got %s..%s, want %s..%s", from, to, tt.from, tt.to)
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "pulse version dev") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestExportCommand_MemoryStore(t *testing.T) {
	t.Setenv("PULSE_STORE_TYPE", "memory")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"export", "--data-dir", t.TempDir(), "--env-file", "", "--org", "acme", "--from", "2026-03-01", "--to", "2026-03-02"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "archive/acme/2026/03/01/events.ndjson.sz") {
		t.Errorf("unexpected export output %q", out.String())
	}
}
