package archive

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/snappy"

	"github.com/pulseboard/pulse/internal/storage"
	"github.com/pulseboard/pulse/internal/store"
	"github.com/pulseboard/pulse/pkg/types"
)

func seedStore(t *testing.T, events ...*types.Event) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	for _, ev := range events {
		if _, err := st.Append(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func event(id, org string, ts time.Time) *types.Event {
	cost := 0.01
	return &types.Event{
		EventID:     "evt_" + id,
		EventType:   types.EventToolCall,
		Timestamp:   ts,
		SessionID:   "sess_0000000000000000000001",
		UserID:      "user-1",
		AgentID:     "agent-1",
		Environment: types.EnvStaging,
		Cost:        &cost,
		Metadata:    map[string]any{"tool": "search", "latency_ms": 12.5},
		OrgID:       org,
		ReceivedAt:  ts.Add(time.Second),
	}
}

func TestSegmentPath(t *testing.T) {
	day := time.Date(2026, 3, 7, 23, 30, 0, 0, time.FixedZone("X", -2*3600)) // 2026-03-08 UTC
	if got := SegmentPath("acme", day); got != "archive/acme/2026/03/08/events.ndjson.sz" {
		t.Errorf("got %s", got)
	}
}

func TestExportDay_RoundTrip(t *testing.T) {
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	st := seedStore(t,
		event("00000000000000000000a1", "acme", day),
		event("00000000000000000000a2", "acme", day.Add(23*time.Hour+59*time.Minute)),
		event("00000000000000000000a3", "acme", day.Add(24*time.Hour)), // next day
		event("00000000000000000000a4", "acme", day.Add(-time.Nanosecond)),
		event("00000000000000000000b1", "other", day.Add(time.Hour)),
	)
	objects, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	x := NewExporter(st, objects, t.TempDir(), nil)

	res, err := x.ExportDay(context.Background(), "acme", day.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("ExportDay: %v", err)
	}
	if res.Events != 2 || res.ObjectPath != SegmentPath("acme", day) || res.Bytes == 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	local := filepath.Join(t.TempDir(), "seg")
	if err := objects.Download(context.Background(), res.ObjectPath, local); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(local)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var got []*types.Event
	if err := ReadSegment(f, func(ev *types.Event) error {
		got = append(got, ev)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	ids := map[string]bool{got[0].EventID: true, got[1].EventID: true}
	if !ids["evt_00000000000000000000a1"] || !ids["evt_00000000000000000000a2"] {
		t.Errorf("unexpected ids %v", ids)
	}
	ev := got[0]
	if ev.OrgID != "acme" || ev.Environment != types.EnvStaging || ev.CostValue() != 0.01 {
		t.Errorf("fields lost: %+v", ev)
	}
	if ev.Metadata["tool"] != "search" || ev.Metadata["latency_ms"] != 12.5 {
		t.Errorf("metadata lost: %v", ev.Metadata)
	}
	if ev.ReceivedAt.IsZero() || !ev.Timestamp.Equal(ev.ReceivedAt.Add(-time.Second)) {
		t.Errorf("timestamps lost: %v %v", ev.Timestamp, ev.ReceivedAt)
	}
}

func TestExportDay_EmptyDay(t *testing.T) {
	objects, _ := storage.NewLocalStorage(t.TempDir())
	x := NewExporter(store.NewMemoryStore(), objects, t.TempDir(), nil)
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	res, err := x.ExportDay(context.Background(), "acme", day)
	if err != nil {
		t.Fatal(err)
	}
	if res.Events != 0 {
		t.Errorf("expected empty segment, got %d events", res.Events)
	}
	exists, _ := objects.Exists(context.Background(), SegmentPath("acme", day))
	if !exists {
		t.Error("empty segment not uploaded")
	}
}

func TestExportDay_StoreClosed(t *testing.T) {
	st := store.NewMemoryStore()
	st.Close()
	objects, _ := storage.NewLocalStorage(t.TempDir())
	x := NewExporter(st, objects, t.TempDir(), nil)
	if _, err := x.ExportDay(context.Background(), "acme", time.Now()); err == nil {
		t.Fatal("expected error from closed store")
	}
}

func TestReaderReadDays(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := seedStore(t,
		event("00000000000000000000c1", "acme", base),
		event("00000000000000000000c2", "acme", base.AddDate(0, 0, 2)),
	)
	objects, _ := storage.NewLocalStorage(t.TempDir())
	x := NewExporter(st, objects, t.TempDir(), nil)
	ctx := context.Background()

	// day 2 is never exported
	for _, d := range []time.Time{base, base.AddDate(0, 0, 2)} {
		if _, err := x.ExportDay(ctx, "acme", d); err != nil {
			t.Fatal(err)
		}
	}

	r := NewReader(objects, t.TempDir(), 2, nil)
	var ids []string
	err := r.ReadDays(ctx, "acme", base, base.AddDate(0, 0, 2), func(ev *types.Event) error {
		ids = append(ids, ev.EventID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "evt_00000000000000000000c1" || ids[1] != "evt_00000000000000000000c2" {
		t.Errorf("got %v", ids)
	}
}

func TestExportRange(t *testing.T) {
	objects, _ := storage.NewLocalStorage(t.TempDir())
	x := NewExporter(store.NewMemoryStore(), objects, t.TempDir(), nil)
	from := time.Date(2026, 2, 27, 18, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)

	results, err := x.ExportRange(context.Background(), "acme", from, to)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 segments (Feb 27, Feb 28, Mar 1), got %d", len(results))
	}
	if results[2].ObjectPath != "archive/acme/2026/03/01/events.ndjson.sz" {
		t.Errorf("last segment %s", results[2].ObjectPath)
	}
}

func TestReadSegment_Corrupt(t *testing.T) {
	var buf bytes.Buffer
	w := snappy.NewBufferedWriter(&buf)
	w.Write([]byte("{\"event_id\":\"evt_x\"}\nnot json\n"))
	w.Close()

	n := 0
	err := ReadSegment(&buf, func(*types.Event) error { n++; return nil })
	if err == nil || n != 1 {
		t.Errorf("expected decode error after 1 event, got n=%d err=%v", n, err)
	}
}
