// Package ingest admits batches of untrusted events with per-item outcomes.
package ingest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pulseboard/pulse/internal/errors"
	"github.com/pulseboard/pulse/internal/metrics"
	"github.com/pulseboard/pulse/internal/store"
	"github.com/pulseboard/pulse/internal/telemetry"
	"github.com/pulseboard/pulse/internal/validator"
	"github.com/pulseboard/pulse/pkg/types"
)

const (
	// MaxBatchSize is the largest batch accepted in one request.
	MaxBatchSize = 1000
)

// Config tunes persistence of accepted events.
type Config struct {
	// Workers bounds concurrent store appends per batch
	Workers int `yaml:"workers" json:"workers"`

	// MaxRetries is the number of retries after the first failed append
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// RetryBaseDelay is the first backoff delay; it doubles per attempt
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
}

// DefaultConfig returns the default ingest settings.
func DefaultConfig() Config {
	return Config{
		Workers:        16,
		MaxRetries:     3,
		RetryBaseDelay: 50 * time.Millisecond,
	}
}

// ItemError reports why one batch index was rejected.
type ItemError struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// Outcome is the result of one batch. Accepted + Rejected always equals the
// batch length and Errors holds exactly one entry per rejected index, sorted
// by index.
type Outcome struct {
	Accepted  int         `json:"accepted"`
	Rejected  int         `json:"rejected"`
	Errors    []ItemError `json:"errors,omitempty"`
	RequestID string      `json:"request_id"`

	// Duplicates counts accepted events that were already stored.
	Duplicates int `json:"-"`
}

// Ingestor validates and persists batches.
type Ingestor struct {
	store  store.EventStore
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option customizes an Ingestor.
type Option func(*Ingestor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(i *Ingestor) { i.logger = l }
}

// WithClock sets the clock used for received_at.
func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

// New creates an Ingestor writing to st.
func New(st store.EventStore, cfg Config, opts ...Option) *Ingestor {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	i := &Ingestor{
		store:  st,
		cfg:    cfg,
		logger: zap.NewNop(),
		tracer: telemetry.Tracer("ingest"),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// CheckBatchSize returns the request-level error for an out-of-range batch.
func CheckBatchSize(n int) error {
	switch {
	case n == 0:
		return errors.NewRequestError(errors.CodeEmptyBatch, "batch must contain at least one event").WithField("events")
	case n > MaxBatchSize:
		return errors.NewRequestError(errors.CodeBatchTooLarge,
			fmt.Sprintf("batch contains %d events; the maximum is %d", n, MaxBatchSize)).
			WithField("events").
			WithDetails(map[string]interface{}{"max_batch_size": MaxBatchSize, "received": n})
	default:
		return nil
	}
}

// Ingest validates every record independently and durably persists the valid
// ones before returning. requestID may be empty, in which case one is
// generated. An out-of-range batch size fails the whole request before any
// record is examined.
func (i *Ingestor) Ingest(ctx context.Context, orgID, requestID string, records []any) (*Outcome, error) {
	if requestID == "" {
		requestID = types.NewRequestID()
	}
	if err := CheckBatchSize(len(records)); err != nil {
		metrics.IngestBatches.WithLabelValues("rejected").Inc()
		return nil, err
	}

	ctx, span := i.tracer.Start(ctx, "ingest.batch", trace.WithAttributes(
		attribute.String("pulse.org_id", orgID),
		attribute.String("pulse.request_id", requestID),
		attribute.Int("pulse.batch_size", len(records)),
	))
	defer span.End()

	metrics.BatchSize.Observe(float64(len(records)))
	receivedAt := i.now().UTC()

	var (
		mu         sync.Mutex
		itemErrs   []ItemError
		duplicates int
	)
	reject := func(e ItemError) {
		mu.Lock()
		itemErrs = append(itemErrs, e)
		mu.Unlock()
	}

	// Same-batch repeats of an event_id are persisted once; later indices are
	// accepted as duplicates of the first.
	firstIndex := make(map[string]int)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.cfg.Workers)

	for idx, raw := range records {
		res := validator.Validate(raw)
		if !res.Valid() {
			fe := res.First()
			reject(ItemError{Index: idx, EventID: res.EventID, Code: fe.Code, Message: fe.Message, Field: fe.Field})
			continue
		}

		ev := res.Event
		ev.OrgID = orgID
		ev.ReceivedAt = receivedAt

		if _, seen := firstIndex[ev.EventID]; seen {
			mu.Lock()
			duplicates++
			mu.Unlock()
			continue
		}
		firstIndex[ev.EventID] = idx

		g.Go(func() error {
			inserted, err := i.appendWithRetry(gctx, ev)
			if err != nil {
				i.logger.Warn("event persistence failed",
					zap.String("request_id", requestID),
					zap.Int("index", idx),
					zap.String("event_id", ev.EventID),
					zap.Error(err))
				reject(ItemError{Index: idx, EventID: ev.EventID, Code: errors.CodeStorageFailure, Message: "event could not be persisted"})
				return nil
			}
			if !inserted {
				mu.Lock()
				duplicates++
				mu.Unlock()
			}
			return nil
		})
	}
	// Workers never return errors; per-item failures are recorded above.
	_ = g.Wait()

	// A same-batch duplicate is only accepted if its first occurrence was.
	itemErrs = append(itemErrs, i.propagateDuplicateFailures(records, firstIndex, itemErrs)...)

	sort.Slice(itemErrs, func(a, b int) bool { return itemErrs[a].Index < itemErrs[b].Index })

	out := &Outcome{
		Accepted:   len(records) - len(itemErrs),
		Rejected:   len(itemErrs),
		Errors:     itemErrs,
		RequestID:  requestID,
		Duplicates: duplicates,
	}

	metrics.IngestBatches.WithLabelValues("ok").Inc()
	metrics.EventsAccepted.Add(float64(out.Accepted))
	metrics.EventsDuplicate.Add(float64(out.Duplicates))
	for _, e := range itemErrs {
		metrics.EventsRejected.WithLabelValues(e.Code).Inc()
	}
	span.SetAttributes(
		attribute.Int("pulse.accepted", out.Accepted),
		attribute.Int("pulse.rejected", out.Rejected),
	)
	if out.Rejected > 0 && out.Accepted == 0 {
		span.SetStatus(codes.Error, "all events rejected")
	}

	i.logger.Debug("batch ingested",
		zap.String("request_id", requestID),
		zap.String("org_id", orgID),
		zap.Int("accepted", out.Accepted),
		zap.Int("rejected", out.Rejected),
		zap.Int("duplicates", out.Duplicates))
	return out, nil
}

// propagateDuplicateFailures rejects later same-batch copies of an event whose
// first occurrence failed to persist.
func (i *Ingestor) propagateDuplicateFailures(records []any, firstIndex map[string]int, itemErrs []ItemError) []ItemError {
	failed := make(map[int]ItemError)
	for _, e := range itemErrs {
		if e.Code == errors.CodeStorageFailure {
			failed[e.Index] = e
		}
	}
	if len(failed) == 0 {
		return nil
	}
	rejected := make(map[int]bool, len(itemErrs))
	for _, e := range itemErrs {
		rejected[e.Index] = true
	}

	var extra []ItemError
	for idx, raw := range records {
		if rejected[idx] {
			continue
		}
		rec, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := rec["event_id"].(string)
		first, ok := firstIndex[id]
		if !ok || first == idx {
			continue
		}
		if src, bad := failed[first]; bad {
			extra = append(extra, ItemError{Index: idx, EventID: id, Code: src.Code, Message: src.Message})
		}
	}
	return extra
}

// appendWithRetry retries retryable store failures with exponential backoff.
func (i *Ingestor) appendWithRetry(ctx context.Context, ev *types.Event) (bool, error) {
	var lastErr error
	for attempt := 0; attempt <= i.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		start := time.Now()
		inserted, err := i.store.Append(ctx, ev)
		metrics.ObserveSince(metrics.StoreLatency.WithLabelValues("append"), start)
		if err == nil {
			return inserted, nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			return false, err
		}

		if attempt < i.cfg.MaxRetries {
			metrics.StoreRetries.WithLabelValues("append").Inc()
			backoff := time.Duration(math.Pow(2, float64(attempt))) * i.cfg.RetryBaseDelay
			if err := i.sleep(ctx, backoff); err != nil {
				return false, err
			}
		}
	}
	return false, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
