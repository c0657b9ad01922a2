package internal

const (
	ConfigPath        = "config.json"
	DotEnvPath        = "./.env"
	MigrationsDir     = "migrations"
	DBTimestampLayout = "2006-01-02 15:04:05"
	ResultsFileName   = "results.yaml"
)
