// Package archive exports stored events to object storage as compressed
// newline-delimited JSON segments, one per organization and UTC day.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/pulseboard/pulse/internal/errors"
	"github.com/pulseboard/pulse/internal/metrics"
	"github.com/pulseboard/pulse/internal/storage"
	"github.com/pulseboard/pulse/internal/store"
	"github.com/pulseboard/pulse/pkg/types"
)

// SegmentName is the object name of every daily segment.
const SegmentName = "events.ndjson.sz"

// SegmentPath returns the object path of the segment for orgID and day.
func SegmentPath(orgID string, day time.Time) string {
	d := day.UTC()
	return fmt.Sprintf("archive/%s/%04d/%02d/%02d/%s", orgID, d.Year(), int(d.Month()), d.Day(), SegmentName)
}

// record is the archived form of an event. Server-assigned fields are kept.
type record struct {
	*types.Event
	OrgID      string    `json:"org_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// ExportResult describes one written segment.
type ExportResult struct {
	ObjectPath string `json:"object_path"`
	Events     int    `json:"events"`
	Bytes      int64  `json:"bytes"`
}

// Exporter writes daily segments from an event store.
type Exporter struct {
	store   store.EventStore
	objects storage.ObjectStorage
	tmpDir  string
	logger  *zap.Logger
}

// NewExporter creates an exporter. Segments are staged in tmpDir (the system
// temp directory when empty) before upload.
func NewExporter(st store.EventStore, objects storage.ObjectStorage, tmpDir string, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{store: st, objects: objects, tmpDir: tmpDir, logger: logger}
}

// ExportDay writes every event of orgID whose timestamp falls on the UTC day
// containing day. Re-exporting a day replaces its segment. A day without
// events produces an empty segment.
func (x *Exporter) ExportDay(ctx context.Context, orgID string, day time.Time) (*ExportResult, error) {
	d := day.UTC()
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	objectPath := SegmentPath(orgID, start)

	tmp, err := os.CreateTemp(x.tmpDir, "segment-*.ndjson.sz")
	if err != nil {
		return nil, errors.NewInternalError("create segment file", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	w := snappy.NewBufferedWriter(tmp)
	enc := json.NewEncoder(w)
	count := 0
	err = x.store.Scan(ctx, orgID, store.Range{Start: start, End: start.AddDate(0, 0, 1), EndExclusive: true}, func(ev *types.Event) error {
		count++
		return enc.Encode(record{Event: ev, OrgID: ev.OrgID, ReceivedAt: ev.ReceivedAt})
	})
	if err != nil {
		metrics.ArchiveSegments.WithLabelValues("failed").Inc()
		return nil, errors.As(err)
	}
	if err := w.Close(); err != nil {
		metrics.ArchiveSegments.WithLabelValues("failed").Inc()
		return nil, errors.NewInternalError("flush segment", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return nil, errors.NewInternalError("stat segment", err)
	}

	if err := x.objects.Upload(ctx, tmp.Name(), objectPath); err != nil {
		metrics.ArchiveSegments.WithLabelValues("failed").Inc()
		return nil, err
	}

	metrics.ArchiveSegments.WithLabelValues("written").Inc()
	metrics.ArchiveEvents.Add(float64(count))
	x.logger.Info("archive segment written",
		zap.String("org_id", orgID),
		zap.String("object", objectPath),
		zap.Int("events", count),
		zap.Int64("bytes", info.Size()))

	return &ExportResult{ObjectPath: objectPath, Events: count, Bytes: info.Size()}, nil
}

// ExportRange exports every UTC day from the day containing from through the
// day containing to. It stops at the first failure.
func (x *Exporter) ExportRange(ctx context.Context, orgID string, from, to time.Time) ([]*ExportResult, error) {
	var results []*ExportResult
	for _, day := range Days(from, to) {
		res, err := x.ExportDay(ctx, orgID, day)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Days lists the UTC midnights from the day containing from through the day
// containing to.
func Days(from, to time.Time) []time.Time {
	f, t := from.UTC(), to.UTC()
	day := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, time.UTC)
	var out []time.Time
	for !day.After(t) {
		out = append(out, day)
		day = day.AddDate(0, 0, 1)
	}
	return out
}

// ReadSegment decodes a segment, calling fn for each event in file order.
func ReadSegment(r io.Reader, fn func(*types.Event) error) error {
	br := bufio.NewReader(snappy.NewReader(r))
	dec := json.NewDecoder(br)
	for {
		var rec record
		rec.Event = new(types.Event)
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode segment: %w", err)
		}
		rec.Event.OrgID = rec.OrgID
		rec.Event.ReceivedAt = rec.ReceivedAt
		if err := fn(rec.Event); err != nil {
			return err
		}
	}
}
