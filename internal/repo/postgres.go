package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore provides typed access to a Postgres database.
type PostgresStore struct {
	*queries
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

// NewPostgres opens a new connection pool to the database with the desired search_path.
func NewPostgres(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	s := &PostgresStore{
		queries: &queries{c: pgxConn{pool}, d: postgresDialect},
		pool:    pool,
		logger:  logger.With("component", "repo"),
		schema:  schema,
	}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunMigrations applies schema migrations on the connected database.
func (s *PostgresStore) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return runMigrations(ctx, filesystem, s.inTx)
}

// WithTx executes fn within a database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Queries) error) error {
	return s.inTx(ctx, func(c conn) error {
		return fn(&queries{c: c, d: postgresDialect})
	})
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(conn) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(pgxConn{tx})
	})
}

// pgxQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgxConn struct {
	q pgxQuerier
}

func (c pgxConn) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := c.q.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c pgxConn) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return pgxRow{c.q.QueryRow(ctx, query, args...)}
}

func (c pgxConn) query(ctx context.Context, query string, args ...any) (rowsScanner, error) {
	rows, err := c.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

type pgxRow struct {
	row pgx.Row
}

func (r pgxRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func newID() string {
	return uuid.NewString()
}
