package store

import (
	"database/sql"
	"fmt"
	"runtime"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/haatos/simple-lava/internal/settings"
)

// InitDatabase opens the database of the configured driver. SQLite gets
// a single writer connection; readers may share more.
func InitDatabase(s *settings.AppSettings, readonly bool) (*sql.DB, error) {
	db, err := sql.Open(s.DBDriver, s.DSN(readonly))
	if err != nil {
		return nil, fmt.Errorf("err opening %s database: %w", s.DBDriver, err)
	}
	if s.DBDriver != settings.DriverSQLite {
		return db, nil
	}

	if readonly {
		db.SetMaxOpenConns(max(4, runtime.NumCPU()))
	} else {
		if _, err := db.Exec("PRAGMA temp_store=memory"); err != nil {
			db.Close()
			return nil, err
		}
		db.SetMaxOpenConns(1)
	}

	return db, nil
}
