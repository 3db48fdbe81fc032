package store

import (
	"sort"
	"time"

	"github.com/pulseboard/pulse/internal/cursor"
	"github.com/pulseboard/pulse/pkg/types"
)

// sessionBuilder folds the events of one session into its derived view.
type sessionBuilder struct {
	session     types.Session
	first       *types.Event
	startMarker time.Time
	hasStart    bool
	ended       bool
	lastMarker  *types.Event
}

func (b *sessionBuilder) add(ev *types.Event) {
	s := &b.session
	if b.first == nil || eventLess(ev, b.first) {
		b.first = ev
		s.StartedAt = ev.Timestamp
		s.UserID = ev.UserID
		s.AgentID = ev.AgentID
		s.Environment = ev.Environment
	}
	if ev.Timestamp.After(s.LastEventAt) {
		s.LastEventAt = ev.Timestamp
	}
	s.EventCount++
	if ev.EventType.IsError() {
		s.ErrorCount++
	}
	s.TotalCost += ev.CostValue()

	switch ev.EventType {
	case types.EventSessionStart:
		if !b.hasStart || ev.Timestamp.Before(b.startMarker) {
			b.startMarker = ev.Timestamp
			b.hasStart = true
		}
	case types.EventSessionEnd:
		if !b.ended || ev.Timestamp.After(*s.EndedAt) {
			ts := ev.Timestamp
			s.EndedAt = &ts
		}
		b.ended = true
	case types.EventSessionPause, types.EventSessionResume:
		if b.lastMarker == nil || eventLess(b.lastMarker, ev) {
			b.lastMarker = ev
		}
	}
}

func (b *sessionBuilder) build() types.Session {
	s := b.session
	var marker types.EventType
	if b.lastMarker != nil {
		marker = b.lastMarker.EventType
	}
	s.Status = types.DeriveSessionStatus(b.ended, s.ErrorCount, marker)
	if b.ended && b.hasStart && !s.EndedAt.Before(b.startMarker) {
		d := s.EndedAt.Sub(b.startMarker).Seconds()
		s.DurationSeconds = &d
	}
	return s
}

// deriveSessions groups events by session_id and applies the filters and
// paging of q. Events may be in any order.
func deriveSessions(events []*types.Event, q SessionQuery) []types.Session {
	builders := make(map[string]*sessionBuilder)
	for _, ev := range events {
		b, ok := builders[ev.SessionID]
		if !ok {
			b = &sessionBuilder{session: types.Session{ID: ev.SessionID}}
			builders[ev.SessionID] = b
		}
		b.add(ev)
	}

	out := make([]types.Session, 0, len(builders))
	for _, b := range builders {
		s := b.build()
		if !matchSession(s, q) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})

	limit := fetchLimit(q.Limit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func matchSession(s types.Session, q SessionQuery) bool {
	if !q.StartedFrom.IsZero() && s.StartedAt.Before(q.StartedFrom) {
		return false
	}
	if !q.StartedTo.IsZero() && s.StartedAt.After(q.StartedTo) {
		return false
	}
	if q.Status != "" && s.Status != q.Status {
		return false
	}
	if q.AgentID != "" && s.AgentID != q.AgentID {
		return false
	}
	if q.UserID != "" && s.UserID != q.UserID {
		return false
	}
	if q.Environment != "" && s.Environment != q.Environment {
		return false
	}
	if q.After != nil {
		pos := cursor.Position{Timestamp: s.StartedAt, ID: s.ID}
		if !pos.Before(*q.After) {
			return false
		}
	}
	return true
}

// eventLess orders events by (timestamp ASC, event_id ASC).
func eventLess(a, b *types.Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.EventID < b.EventID
}
