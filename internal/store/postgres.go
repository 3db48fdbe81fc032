package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pulseboard/pulse/internal/errors"
	"github.com/pulseboard/pulse/pkg/types"
)

// PostgresConfig configures the Postgres connection pool.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// PostgresStore is an EventStore backed by a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects, pings and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: parsing postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	} else {
		poolCfg.MinConns = 2
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: pinging database: %w", err)
	}

	stmts := append([]string{CreateEventsTablePostgres}, CreateEventsIndexesSQL...)
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("store: failed to create schema: %w", err)
		}
	}

	logger.Info("postgres event store connected", zap.Int32("max_conns", poolCfg.MaxConns))
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Append implements EventStore.
func (s *PostgresStore) Append(ctx context.Context, ev *types.Event) (bool, error) {
	var meta []byte
	if ev.Metadata != nil {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return false, errors.NewStorageError(errors.CodeStorageFailure, "metadata is not serializable", err)
		}
		meta = raw
	}

	tag, err := s.pool.Exec(ctx, `INSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.OrgID, ev.SessionID, string(ev.EventType), nanos(ev.Timestamp),
		ev.UserID, ev.AgentID, string(ev.Environment), ev.Cost, nullableText(meta), nanos(ev.ReceivedAt))
	if err != nil {
		return false, classifyPostgresError("append event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Scan implements EventStore.
func (s *PostgresStore) Scan(ctx context.Context, orgID string, r Range, fn func(*types.Event) error) error {
	q := buildScanQuery(dollar, orgID, r)
	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return classifyPostgresError("scan events", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvent(rows, decodeJSON)
		if err != nil {
			return classifyPostgresError("scan events", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return classifyPostgresError("scan events", err)
	}
	return nil
}

// ListSessions implements EventStore.
func (s *PostgresStore) ListSessions(ctx context.Context, q SessionQuery) ([]types.Session, error) {
	b := buildSessionsQuery(dollar, q)
	rows, err := s.pool.Query(ctx, b.String(), b.args...)
	if err != nil {
		return nil, classifyPostgresError("list sessions", err)
	}
	defer rows.Close()

	var out []types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, classifyPostgresError("list sessions", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError("list sessions", err)
	}
	return out, nil
}

// SessionEvents implements EventStore.
func (s *PostgresStore) SessionEvents(ctx context.Context, q EventQuery) ([]types.Event, error) {
	b := buildSessionEventsQuery(dollar, q)
	rows, err := s.pool.Query(ctx, b.String(), b.args...)
	if err != nil {
		return nil, classifyPostgresError("list session events", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		ev, err := scanEvent(rows, decodeJSON)
		if err != nil {
			return nil, classifyPostgresError("list session events", err)
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError("list session events", err)
	}
	return out, nil
}

// Ping implements EventStore.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return classifyPostgresError("ping", err)
	}
	return nil
}

// Close implements EventStore.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func decodeJSON(b []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// classifyPostgresError marks connection loss and serialization failures as
// retryable.
func classifyPostgresError(op string, err error) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P03", strings.HasPrefix(pgErr.Code, "08"):
			return errors.NewStorageError(errors.CodeStoreUnavailable, "postgres: "+op, err)
		}
		return errors.NewStorageError(errors.CodeStorageFailure, "postgres: "+op, err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return errors.NewStorageError(errors.CodeStoreUnavailable, "postgres: "+op, err)
	}
	return errors.NewStorageError(errors.CodeStorageFailure, "postgres: "+op, err)
}
