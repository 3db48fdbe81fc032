// Package store provides the append-only Event Store and its backends.
package store

import (
	"context"
	"time"

	"github.com/pulseboard/pulse/internal/cursor"
	"github.com/pulseboard/pulse/internal/errors"
	"github.com/pulseboard/pulse/pkg/types"
)

const (
	// DefaultPageLimit is used when a listing omits limit.
	DefaultPageLimit = 50

	// MaxPageLimit caps any listing page.
	MaxPageLimit = 200
)

// EventStore is the authoritative, append-only home of accepted events.
// Implementations must be safe for concurrent use.
type EventStore interface {
	// Append persists ev. It returns inserted=false with a nil error when an
	// event with the same event_id already exists (first write wins).
	Append(ctx context.Context, ev *types.Event) (inserted bool, err error)

	// Scan streams the events of one org whose timestamp falls in r, ordered
	// by (timestamp ASC, event_id ASC). Returning an error from fn stops the
	// scan and is returned as-is.
	Scan(ctx context.Context, orgID string, r Range, fn func(*types.Event) error) error

	// ListSessions returns up to q.Limit derived sessions ordered by
	// (started_at DESC, session_id DESC), starting strictly after q.After.
	ListSessions(ctx context.Context, q SessionQuery) ([]types.Session, error)

	// SessionEvents returns up to q.Limit events of one session ordered by
	// (timestamp DESC, event_id DESC), starting strictly after q.After.
	SessionEvents(ctx context.Context, q EventQuery) ([]types.Event, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Range is a time interval. Start is inclusive; End is inclusive unless
// EndExclusive is set.
type Range struct {
	Start        time.Time
	End          time.Time
	EndExclusive bool
}

// Contains reports whether t falls in the range.
func (r Range) Contains(t time.Time) bool {
	if t.Before(r.Start) {
		return false
	}
	if r.EndExclusive {
		return t.Before(r.End)
	}
	return !t.After(r.End)
}

// SessionQuery filters and pages the derived session view.
type SessionQuery struct {
	OrgID string

	// StartedFrom and StartedTo bound started_at inclusively when non-zero.
	StartedFrom time.Time
	StartedTo   time.Time

	Status      types.SessionStatus
	AgentID     string
	UserID      string
	Environment types.Environment

	Limit int
	After *cursor.Position
}

// EventQuery pages one session's event timeline.
type EventQuery struct {
	OrgID     string
	SessionID string
	Limit     int
	After     *cursor.Position
}

// ClampLimit applies the default and maximum page sizes.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageLimit
	case limit > MaxPageLimit:
		return MaxPageLimit
	default:
		return limit
	}
}

// fetchLimit bounds a backend fetch. It allows one row beyond MaxPageLimit so
// callers can request limit+1 rows to detect a further page.
func fetchLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageLimit
	case limit > MaxPageLimit+1:
		return MaxPageLimit + 1
	default:
		return limit
	}
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.NewStorageError(errors.CodeStorageFailure, "event store is closed", nil)
