// Package repotest opens migrated throwaway stores for tests.
package repotest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"ar-collect/internal/repo"
	"ar-collect/migrations"
)

// NewSQLite returns a migrated SQLite store backed by a file in t.TempDir().
func NewSQLite(t testing.TB) *repo.SQLiteStore {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(store.Close)

	dir, err := migrations.For("sqlite")
	if err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if err := store.RunMigrations(ctx, dir); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return store
}
