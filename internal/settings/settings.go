package settings

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

var Settings *AppSettings

func NewSettings() *AppSettings {
	settings := AppSettings{
		CoordinatorAddr: getEnvOrDefault("LAVA_COORDINATOR_ADDR", ":3079"),
		CoordinatorURL:  getEnvOrDefault("LAVA_COORDINATOR_URL", "http://localhost:3079"),
		DBDriver:        getEnvOrDefault("LAVA_DB_DRIVER", DriverSQLite),
		SQLiteDatabase:  getEnvOrDefault("LAVA_DB_PATH", "file:.///lava.sqlite"),
		PostgresURL:     getEnvOrDefault("LAVA_DB_URL", ""),
		TmpDir:          getEnvOrDefault("LAVA_TMP_DIR", os.TempDir()),
		ArtifactURL:     getEnvOrDefault("LAVA_ARTIFACT_URL", ""),
	}
	if !strings.Contains(settings.CoordinatorAddr, ":") {
		settings.CoordinatorAddr = ":" + settings.CoordinatorAddr
	}
	return &settings
}

func getEnvOrDefault(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return value
}

type AppSettings struct {
	CoordinatorAddr string
	CoordinatorURL  string
	DBDriver        string
	SQLiteDatabase  string
	PostgresURL     string
	TmpDir          string
	// ArtifactURL is where devices can download the files of TmpDir.
	ArtifactURL string
}

// DSN returns the data source name for the configured driver.
func (as *AppSettings) DSN(readonly bool) string {
	if as.DBDriver == DriverPostgres {
		return as.PostgresURL
	}
	return as.SQLiteDbString(readonly)
}

func (as *AppSettings) SQLiteDbString(readonly bool) string {
	params := make(url.Values)
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "foreign_keys(ON)")
	if readonly {
		params.Add("mode", "ro")
	} else {
		params.Add("_txlock", "immediate")
		params.Add("mode", "rwc")
	}

	return as.SQLiteDatabase + "?" + params.Encode()
}

// ReadDotenv sets the variables of a .env file. A missing file is not
// an error.
func ReadDotenv(path string) error {
	re := regexp.MustCompile(`^[^0-9][A-Z0-9_]+=.+$`)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("err opening dotenv: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) > 0 && line[0] != '#' && re.Match(line) {
			name, value, _ := strings.Cut(string(line), "=")
			name = strings.TrimSpace(name)
			value = strings.TrimSpace(value)
			value = strings.Trim(value, `"`)
			if err := os.Setenv(name, value); err != nil {
				return fmt.Errorf("err setting %s: %w", name, err)
			}
		}
	}
	return scanner.Err()
}
