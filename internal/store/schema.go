package store

// Schema for the events table. Timestamps are stored as UTC unix nanoseconds
// so that keyset cursors compare exactly.

// CreateEventsTableSQLite creates the SQLite events table. Metadata is JSON
// compressed with snappy.
const CreateEventsTableSQLite = `
CREATE TABLE IF NOT EXISTS events (
    event_id TEXT PRIMARY KEY,
    org_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    ts INTEGER NOT NULL,
    user_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    environment TEXT NOT NULL,
    cost REAL,
    metadata BLOB,
    received_at INTEGER NOT NULL
)`

// CreateEventsTablePostgres creates the Postgres events table.
const CreateEventsTablePostgres = `
CREATE TABLE IF NOT EXISTS events (
    event_id TEXT PRIMARY KEY,
    org_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    ts BIGINT NOT NULL,
    user_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    environment TEXT NOT NULL,
    cost DOUBLE PRECISION,
    metadata JSONB,
    received_at BIGINT NOT NULL
)`

// CreateEventsIndexesSQL is shared by both SQL backends.
var CreateEventsIndexesSQL = []string{
	// Aggregation scans by org and time
	`CREATE INDEX IF NOT EXISTS idx_events_org_ts ON events(org_id, ts, event_id)`,

	// Session derivation and timelines
	`CREATE INDEX IF NOT EXISTS idx_events_org_session ON events(org_id, session_id, ts, event_id)`,
}
