package migrations

import (
	"embed"
	"io/fs"
)

// Files exposes embedded SQL migration files ordered lexicographically per dialect.
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS

// For returns the migration directory for the given database driver.
func For(driver string) (fs.FS, error) {
	return fs.Sub(Files, driver)
}
