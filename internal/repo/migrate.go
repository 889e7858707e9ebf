package repo

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
)

// txFunc runs fn inside one transaction on the store's backend.
type txFunc func(ctx context.Context, fn func(conn) error) error

// runMigrations applies every .sql file in filesystem in lexicographical order,
// one transaction per file. Statements are sent verbatim without placeholder binding.
func runMigrations(ctx context.Context, filesystem fs.FS, inTx txFunc) error {
	entries, err := fs.ReadDir(filesystem, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".sql" {
			continue
		}
		script, err := fs.ReadFile(filesystem, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if len(script) == 0 {
			continue
		}
		err = inTx(ctx, func(c conn) error {
			_, err := c.exec(ctx, string(script))
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}
