// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/jwalitptl/notification-hub/internal/repository/postgres"
)

// NewDB opens a migrated SQLite database in a temp dir. The repositories
// write '?' placeholders, which sqlx leaves alone for this driver.
func NewDB(t testing.TB) *sqlx.DB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "notify.db") +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sqlx.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, postgres.Migrate(context.Background(), db))
	return db
}
