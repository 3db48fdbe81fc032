package store

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pulseboard/pulse/internal/cursor"
	"github.com/pulseboard/pulse/pkg/types"
)

const eventColumns = `event_id, org_id, session_id, event_type, ts, user_id, agent_id, environment, cost, metadata, received_at`

// queryBuilder accumulates positional arguments for one statement.
type queryBuilder struct {
	sb          strings.Builder
	args        []any
	placeholder func(n int) string
}

func questionMark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

func (b *queryBuilder) write(s string) *queryBuilder {
	b.sb.WriteString(s)
	return b
}

// arg appends v and writes its placeholder.
func (b *queryBuilder) arg(v any) *queryBuilder {
	b.args = append(b.args, v)
	b.sb.WriteString(b.placeholder(len(b.args)))
	return b
}

func (b *queryBuilder) String() string { return b.sb.String() }

// nanos clamps to the representable range so open-ended bounds still
// compare correctly against stored values.
func nanos(t time.Time) int64 {
	switch {
	case t.Before(types.MinTimestamp):
		return math.MinInt64
	case t.After(types.MaxTimestamp):
		return math.MaxInt64
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func buildScanQuery(ph func(int) string, orgID string, r Range) *queryBuilder {
	b := &queryBuilder{placeholder: ph}
	b.write("SELECT " + eventColumns + " FROM events WHERE org_id = ").arg(orgID)
	b.write(" AND ts >= ").arg(nanos(r.Start))
	if r.EndExclusive {
		b.write(" AND ts < ").arg(nanos(r.End))
	} else {
		b.write(" AND ts <= ").arg(nanos(r.End))
	}
	b.write(" ORDER BY ts ASC, event_id ASC")
	return b
}

func buildSessionEventsQuery(ph func(int) string, q EventQuery) *queryBuilder {
	b := &queryBuilder{placeholder: ph}
	b.write("SELECT " + eventColumns + " FROM events WHERE org_id = ").arg(q.OrgID)
	b.write(" AND session_id = ").arg(q.SessionID)
	if q.After != nil {
		appendKeyset(b, "ts", "event_id", *q.After)
	}
	b.write(" ORDER BY ts DESC, event_id DESC LIMIT ").arg(fetchLimit(q.Limit))
	return b
}

// buildSessionsQuery derives the session view with window functions: the
// earliest event supplies user/agent/environment and the latest pause or
// resume marker decides the paused status.
func buildSessionsQuery(ph func(int) string, q SessionQuery) *queryBuilder {
	b := &queryBuilder{placeholder: ph}
	b.write(`WITH scoped AS (
    SELECT event_id, session_id, event_type, ts, user_id, agent_id, environment, cost
    FROM events WHERE org_id = `).arg(q.OrgID).write(`
),
firsts AS (
    SELECT session_id, user_id, agent_id, environment,
        ROW_NUMBER() OVER (PARTITION BY session_id ORDER BY ts ASC, event_id ASC) AS rn
    FROM scoped
),
markers AS (
    SELECT session_id, event_type,
        ROW_NUMBER() OVER (PARTITION BY session_id ORDER BY ts DESC, event_id DESC) AS rn
    FROM scoped WHERE event_type IN ('session_pause', 'session_resume')
),
agg AS (
    SELECT session_id,
        MIN(ts) AS started_at,
        MAX(ts) AS last_event_at,
        MAX(CASE WHEN event_type = 'session_end' THEN ts END) AS ended_at,
        MIN(CASE WHEN event_type = 'session_start' THEN ts END) AS start_marker,
        COUNT(*) AS event_count,
        SUM(CASE WHEN event_type IN ('error', 'task_error') THEN 1 ELSE 0 END) AS error_count,
        COALESCE(SUM(cost), 0) AS total_cost
    FROM scoped GROUP BY session_id
),
sessions AS (
    SELECT a.session_id, f.user_id, f.agent_id, f.environment,
        a.started_at, a.last_event_at, a.ended_at, a.start_marker,
        a.event_count, a.error_count, a.total_cost,
        CASE
            WHEN a.ended_at IS NOT NULL AND a.error_count > 0 THEN 'failed'
            WHEN a.ended_at IS NOT NULL THEN 'completed'
            WHEN m.event_type = 'session_pause' THEN 'paused'
            ELSE 'active'
        END AS status
    FROM agg a
    JOIN firsts f ON f.session_id = a.session_id AND f.rn = 1
    LEFT JOIN markers m ON m.session_id = a.session_id AND m.rn = 1
)
SELECT session_id, user_id, agent_id, environment, status,
    started_at, last_event_at, ended_at, start_marker,
    event_count, error_count, total_cost
FROM sessions WHERE 1 = 1`)

	if !q.StartedFrom.IsZero() {
		b.write(" AND started_at >= ").arg(nanos(q.StartedFrom))
	}
	if !q.StartedTo.IsZero() {
		b.write(" AND started_at <= ").arg(nanos(q.StartedTo))
	}
	if q.Status != "" {
		b.write(" AND status = ").arg(string(q.Status))
	}
	if q.AgentID != "" {
		b.write(" AND agent_id = ").arg(q.AgentID)
	}
	if q.UserID != "" {
		b.write(" AND user_id = ").arg(q.UserID)
	}
	if q.Environment != "" {
		b.write(" AND environment = ").arg(string(q.Environment))
	}
	if q.After != nil {
		appendKeyset(b, "started_at", "session_id", *q.After)
	}
	b.write(" ORDER BY started_at DESC, session_id DESC LIMIT ").arg(fetchLimit(q.Limit))
	return b
}

func appendKeyset(b *queryBuilder, tsCol, idCol string, after cursor.Position) {
	ts := nanos(after.Timestamp)
	b.write(" AND (" + tsCol + " < ").arg(ts)
	b.write(" OR (" + tsCol + " = ").arg(ts)
	b.write(" AND " + idCol + " < ").arg(after.ID).write("))")
}

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner, decodeMeta func([]byte) (map[string]any, error)) (*types.Event, error) {
	var (
		ev         types.Event
		eventType  string
		env        string
		ts         int64
		receivedAt int64
		cost       sql.NullFloat64
		meta       []byte
	)
	if err := row.Scan(&ev.EventID, &ev.OrgID, &ev.SessionID, &eventType, &ts,
		&ev.UserID, &ev.AgentID, &env, &cost, &meta, &receivedAt); err != nil {
		return nil, err
	}
	ev.EventType = types.EventType(eventType)
	ev.Environment = types.Environment(env)
	ev.Timestamp = fromNanos(ts)
	ev.ReceivedAt = fromNanos(receivedAt)
	if cost.Valid {
		c := cost.Float64
		ev.Cost = &c
	}
	if len(meta) > 0 {
		m, err := decodeMeta(meta)
		if err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", ev.EventID, err)
		}
		ev.Metadata = m
	}
	return &ev, nil
}

func scanSession(row rowScanner) (types.Session, error) {
	var (
		s           types.Session
		env, status string
		startedAt   int64
		lastEventAt int64
		endedAt     sql.NullInt64
		startMarker sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.AgentID, &env, &status,
		&startedAt, &lastEventAt, &endedAt, &startMarker,
		&s.EventCount, &s.ErrorCount, &s.TotalCost); err != nil {
		return types.Session{}, err
	}
	s.Environment = types.Environment(env)
	s.Status = types.SessionStatus(status)
	s.StartedAt = fromNanos(startedAt)
	s.LastEventAt = fromNanos(lastEventAt)
	if endedAt.Valid {
		t := fromNanos(endedAt.Int64)
		s.EndedAt = &t
		if startMarker.Valid && endedAt.Int64 >= startMarker.Int64 {
			d := time.Duration(endedAt.Int64 - startMarker.Int64).Seconds()
			s.DurationSeconds = &d
		}
	}
	return s, nil
}
