package store

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the subset of *pgxpool.Pool and pgx.Tx used by PostgresStore.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const postgresSchema = `CREATE TABLE IF NOT EXISTS citewatch_state (
	id         SMALLINT PRIMARY KEY CHECK (id = 1),
	document   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps the document in a single-row JSONB table.
type PostgresStore struct {
	db     DBTX
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore wraps an existing connection. The schema must exist.
func NewPostgresStore(db DBTX, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// OpenPostgres connects to dsn and ensures the state table exists.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, persistenceError("failed to create postgres pool", err)
	}
	s := NewPostgresStore(pool, logger)
	s.pool = pool
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the state table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return persistenceError("failed to migrate postgres state", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (Record, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT document FROM citewatch_state WHERE id = 1`).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		s.logger.Info("no state row yet, starting empty")
		return Record{}, nil
	}
	if err != nil {
		return Record{}, persistenceError("failed to read postgres state", err)
	}
	rec, err := Decode(doc)
	if err != nil {
		return Record{}, persistenceError("postgres state is corrupt", err)
	}
	return rec, nil
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	data, err := Encode(rec)
	if err != nil {
		return persistenceError("failed to encode state", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO citewatch_state (id, document, updated_at) VALUES (1, $1, now())
		 ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
		data,
	)
	if err != nil {
		return persistenceError("failed to write postgres state", err)
	}
	return nil
}

// Ping checks the pool. Stores built from a bare DBTX report healthy.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
