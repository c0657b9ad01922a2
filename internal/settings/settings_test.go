package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettings_ReadDotenv(t *testing.T) {
	t.Run("success - .env files is read into env variables", func(t *testing.T) {
		// arrange
		testDotEnvFile := filepath.Join(t.TempDir(), ".env.test")
		lines := "#COMMENTED=asdf\nLAVA_TEST=1234\n\nLAVA_TEST2= 2345 \nLAVA_TEST_URL=\"postgres://u@h/db?sslmode=disable\"\n"
		require.NoError(t, os.WriteFile(testDotEnvFile, []byte(lines), 0o644))
		t.Cleanup(func() {
			os.Unsetenv("LAVA_TEST")
			os.Unsetenv("LAVA_TEST2")
			os.Unsetenv("LAVA_TEST_URL")
		})

		// act
		err := ReadDotenv(testDotEnvFile)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, "1234", os.Getenv("LAVA_TEST"))
		assert.Equal(t, "2345", os.Getenv("LAVA_TEST2"))
		assert.Equal(t, "postgres://u@h/db?sslmode=disable", os.Getenv("LAVA_TEST_URL"))
		_, ok := os.LookupEnv("COMMENTED")
		assert.False(t, ok)
	})

	t.Run("success - missing file is ignored", func(t *testing.T) {
		// act
		err := ReadDotenv(filepath.Join(t.TempDir(), "missing"))

		// assert
		assert.NoError(t, err)
	})
}

func TestSettings_NewSettings(t *testing.T) {
	t.Run("success - env overrides the defaults", func(t *testing.T) {
		// arrange
		t.Setenv("LAVA_COORDINATOR_ADDR", "3080")
		t.Setenv("LAVA_DB_DRIVER", DriverPostgres)
		t.Setenv("LAVA_DB_URL", "postgres://lava@db/lava")

		// act
		s := NewSettings()

		// assert
		assert.Equal(t, ":3080", s.CoordinatorAddr)
		assert.Equal(t, "postgres://lava@db/lava", s.DSN(false))
	})

	t.Run("success - sqlite read only dsn", func(t *testing.T) {
		// arrange
		s := &AppSettings{DBDriver: DriverSQLite, SQLiteDatabase: "file:lava.sqlite"}

		// act
		dsn := s.DSN(true)

		// assert
		assert.Contains(t, dsn, "file:lava.sqlite?")
		assert.Contains(t, dsn, "mode=ro")
		assert.NotContains(t, dsn, "_txlock")
	})
}
