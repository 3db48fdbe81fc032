package store

import (
	"context"
	"sort"
	"sync"

	"github.com/pulseboard/pulse/internal/cursor"
	"github.com/pulseboard/pulse/pkg/types"
)

// MemoryStore keeps events in process memory. It is intended for tests and
// single-node development.
type MemoryStore struct {
	mu     sync.RWMutex
	ids    map[string]struct{}
	byOrg  map[string][]*types.Event
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ids:   make(map[string]struct{}),
		byOrg: make(map[string][]*types.Event),
	}
}

// Append implements EventStore.
func (s *MemoryStore) Append(ctx context.Context, ev *types.Event) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, dup := s.ids[ev.EventID]; dup {
		return false, nil
	}
	cp := *ev
	s.ids[ev.EventID] = struct{}{}
	s.byOrg[ev.OrgID] = append(s.byOrg[ev.OrgID], &cp)
	return true, nil
}

// Scan implements EventStore.
func (s *MemoryStore) Scan(ctx context.Context, orgID string, r Range, fn func(*types.Event) error) error {
	matched, err := s.collect(orgID, func(ev *types.Event) bool { return r.Contains(ev.Timestamp) })
	if err != nil {
		return err
	}
	sort.Slice(matched, func(i, j int) bool { return eventLess(matched[i], matched[j]) })
	for i, ev := range matched {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		cp := *ev
		if err := fn(&cp); err != nil {
			return err
		}
	}
	return nil
}

// ListSessions implements EventStore.
func (s *MemoryStore) ListSessions(ctx context.Context, q SessionQuery) ([]types.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	events, err := s.collect(q.OrgID, func(*types.Event) bool { return true })
	if err != nil {
		return nil, err
	}
	return deriveSessions(events, q), nil
}

// SessionEvents implements EventStore.
func (s *MemoryStore) SessionEvents(ctx context.Context, q EventQuery) ([]types.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matched, err := s.collect(q.OrgID, func(ev *types.Event) bool {
		if ev.SessionID != q.SessionID {
			return false
		}
		if q.After == nil {
			return true
		}
		pos := cursor.Position{Timestamp: ev.Timestamp, ID: ev.EventID}
		return pos.Before(*q.After)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(matched, func(i, j int) bool { return eventLess(matched[j], matched[i]) })

	limit := fetchLimit(q.Limit)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]types.Event, len(matched))
	for i, ev := range matched {
		out[i] = *ev
	}
	return out, nil
}

// Ping implements EventStore.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// Close implements EventStore.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of stored events across all orgs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

func (s *MemoryStore) collect(orgID string, keep func(*types.Event) bool) ([]*types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*types.Event
	for _, ev := range s.byOrg[orgID] {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}
