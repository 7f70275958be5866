package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/hyperengineering/relay/migrations"
	"github.com/pressly/goose/v3"
)

// RunMigrations applies all pending migrations from the given embedded
// migration set (migrations.ClientDir or migrations.ServerDir).
func RunMigrations(ctx context.Context, db *sql.DB, dir string) error {
	fsys, err := fs.Sub(migrations.FS, dir)
	if err != nil {
		return fmt.Errorf("open migration set %q: %w", dir, err)
	}

	// A provider per database keeps the two migration sets from sharing
	// goose's package-level state.
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
