package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore provides access to a local SQLite database.
type SQLiteStore struct {
	*queries
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens a new connection to the SQLite database. ":memory:" opens a private
// in-memory database on a single connection.
func NewSQLite(ctx context.Context, databasePath string, logger *slog.Logger) (*SQLiteStore, error) {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is empty")
	}
	memory := path == ":memory:"

	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	// Immediate transactions take the write lock up front so that read-modify-write
	// sequences inside WithTx cannot interleave.
	dsn = fmt.Sprintf("%s%s_txlock=immediate&_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=foreign_keys=ON", dsn, sep)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{
		queries: &queries{c: sqlConn{db}, d: sqliteDialect},
		db:      db,
		logger:  logger.With("component", "repo_sqlite"),
	}, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// Ping ensures the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunMigrations applies the .sql files in filesystem.
func (s *SQLiteStore) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return runMigrations(ctx, filesystem, s.inTx)
}

// WithTx executes fn within a database transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Queries) error) error {
	return s.inTx(ctx, func(c conn) error {
		return fn(&queries{c: c, d: sqliteDialect})
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(conn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(sqlConn{tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// sqlQuerier is satisfied by *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlConn struct {
	q sqlQuerier
}

func (c sqlConn) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c sqlConn) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return sqlRow{c.q.QueryRowContext(ctx, query, args...)}
}

func (c sqlConn) query(ctx context.Context, query string, args ...any) (rowsScanner, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

type sqlRow struct {
	row *sql.Row
}

func (r sqlRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() {
	_ = r.Rows.Close()
}
