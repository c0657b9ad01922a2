package store

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haatos/simple-lava/internal"
	"github.com/haatos/simple-lava/internal/settings"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	require.NoError(t, err)
	require.NoError(t, RunMigrations(db, settings.DriverSQLite, internal.MigrationsDir))
	return db
}
