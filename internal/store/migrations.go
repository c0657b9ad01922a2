package store

import (
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	assets "github.com/haatos/simple-lava"
	"github.com/haatos/simple-lava/internal/settings"
)

func RunMigrations(db *sql.DB, driver, dir string) error {
	goose.SetBaseFS(assets.MigrationsFS)
	dialect := "sqlite"
	if driver == settings.DriverPostgres {
		dialect = "postgres"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("err running migrations: %w", err)
	}
	return nil
}
