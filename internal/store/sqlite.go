package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/golang/snappy"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/pulseboard/pulse/internal/errors"
	"github.com/pulseboard/pulse/pkg/types"
)

// SQLiteStore is an EventStore backed by a single SQLite database file.
// Writes go through one connection; reads use a separate pool.
type SQLiteStore struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool
	logger *zap.Logger

	insertStmt *sql.Stmt
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string, readConns int, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if readConns <= 0 {
		readConns = 4
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	stmts := append([]string{CreateEventsTableSQLite}, CreateEventsIndexesSQL...)
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: failed to create schema: %w", err)
		}
	}

	// mode=ro is only honored for file: URIs.
	readDB, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(readConns)
	readDB.SetMaxIdleConns(readConns)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	insertStmt, err := db.Prepare(`INSERT OR IGNORE INTO events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		readDB.Close()
		return nil, fmt.Errorf("store: failed to prepare insert: %w", err)
	}

	logger.Info("sqlite event store opened", zap.String("path", path), zap.Int("read_conns", readConns))
	return &SQLiteStore{db: db, readDB: readDB, logger: logger, insertStmt: insertStmt}, nil
}

// Append implements EventStore.
func (s *SQLiteStore) Append(ctx context.Context, ev *types.Event) (bool, error) {
	var meta []byte
	if ev.Metadata != nil {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return false, errors.NewStorageError(errors.CodeStorageFailure, "metadata is not serializable", err)
		}
		meta = snappy.Encode(nil, raw)
	}
	var cost sql.NullFloat64
	if ev.Cost != nil {
		cost = sql.NullFloat64{Float64: *ev.Cost, Valid: true}
	}

	res, err := s.insertStmt.ExecContext(ctx,
		ev.EventID, ev.OrgID, ev.SessionID, string(ev.EventType), nanos(ev.Timestamp),
		ev.UserID, ev.AgentID, string(ev.Environment), cost, meta, nanos(ev.ReceivedAt))
	if err != nil {
		return false, classifySQLiteError("append event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classifySQLiteError("append event", err)
	}
	return n == 1, nil
}

// Scan implements EventStore.
func (s *SQLiteStore) Scan(ctx context.Context, orgID string, r Range, fn func(*types.Event) error) error {
	q := buildScanQuery(questionMark, orgID, r)
	rows, err := s.readDB.QueryContext(ctx, q.String(), q.args...)
	if err != nil {
		return classifySQLiteError("scan events", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvent(rows, decodeSnappyJSON)
		if err != nil {
			return classifySQLiteError("scan events", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return classifySQLiteError("scan events", err)
	}
	return nil
}

// ListSessions implements EventStore.
func (s *SQLiteStore) ListSessions(ctx context.Context, q SessionQuery) ([]types.Session, error) {
	b := buildSessionsQuery(questionMark, q)
	rows, err := s.readDB.QueryContext(ctx, b.String(), b.args...)
	if err != nil {
		return nil, classifySQLiteError("list sessions", err)
	}
	defer rows.Close()

	var out []types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, classifySQLiteError("list sessions", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError("list sessions", err)
	}
	return out, nil
}

// SessionEvents implements EventStore.
func (s *SQLiteStore) SessionEvents(ctx context.Context, q EventQuery) ([]types.Event, error) {
	b := buildSessionEventsQuery(questionMark, q)
	rows, err := s.readDB.QueryContext(ctx, b.String(), b.args...)
	if err != nil {
		return nil, classifySQLiteError("list session events", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		ev, err := scanEvent(rows, decodeSnappyJSON)
		if err != nil {
			return nil, classifySQLiteError("list session events", err)
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError("list session events", err)
	}
	return out, nil
}

// Ping implements EventStore.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.readDB.PingContext(ctx); err != nil {
		return classifySQLiteError("ping", err)
	}
	return nil
}

// Close implements EventStore.
func (s *SQLiteStore) Close() error {
	if s.insertStmt != nil {
		s.insertStmt.Close()
	}
	readErr := s.readDB.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return readErr
}

func decodeSnappyJSON(b []byte) (map[string]any, error) {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// classifySQLiteError marks lock contention as retryable.
func classifySQLiteError(op string, err error) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se sqlite3.Error
	if stderrors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return errors.NewStorageError(errors.CodeStoreUnavailable, "sqlite: "+op, err)
	}
	return errors.NewStorageError(errors.CodeStorageFailure, "sqlite: "+op, err)
}
