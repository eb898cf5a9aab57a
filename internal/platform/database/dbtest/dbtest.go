// Package dbtest opens a migrated SQLite database in a temp dir for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"hookrelay/internal/platform/config"
	"hookrelay/internal/platform/database"
	"hookrelay/migrations"
)

func New(t testing.TB) *database.DB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite3", DSN: dsn})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := database.Migrate(context.Background(), db, migrations.FS); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}
