package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(viper.New(), t.TempDir())
	require.NoError(t, err)

	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, 5432, cfg.Database.Port)
	require.Equal(t, 48*time.Hour, cfg.Automation.Horizon)
	require.Equal(t, 30*time.Second, cfg.Automation.PollInterval)
	require.Equal(t, "ledger", cfg.Automation.GuardBackend)
	require.Equal(t, "ledger", cfg.Automation.QueueBackend)
	require.Equal(t, "automation-triggers", cfg.Kafka.TriggerTopic)
	require.Equal(t, 10*time.Second, cfg.Channels.Line.Timeout)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	content := `
database:
  driver: sqlite3
  path: /tmp/automation-test.db
automation:
  horizon: 24h
  timezone: Asia/Seoul
  queue_backend: redis
channels:
  twilio:
    timeout: 3s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

	cfg, err := load(viper.New(), dir)
	require.NoError(t, err)

	require.Equal(t, "sqlite3", cfg.Database.Driver)
	require.Equal(t, "/tmp/automation-test.db", cfg.Database.DSN())
	require.Equal(t, 24*time.Hour, cfg.Automation.Horizon)
	require.Equal(t, "redis", cfg.Automation.QueueBackend)
	require.Equal(t, 3*time.Second, cfg.Channels.Twilio.Timeout)

	loc, err := cfg.Automation.Location()
	require.NoError(t, err)
	require.Equal(t, "Asia/Seoul", loc.String())
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("database:\n  driver: oracle\n"), 0o644))

	_, err := load(viper.New(), dir)
	require.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("LINE_CHANNEL_TOKEN", "line-token")

	cfg, err := load(viper.New(), t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "db.internal", cfg.Database.Host)
	require.Equal(t, "line-token", cfg.Channels.Line.ChannelToken)
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("AUTOMATION_DOTENV_LOADED=loaded\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("AUTOMATION_DOTENV_LOADED") })

	require.NoError(t, LoadDotEnv(path))
	require.Equal(t, "loaded", os.Getenv("AUTOMATION_DOTENV_LOADED"))
}

func TestPostgresDSN(t *testing.T) {
	cfg := DatabaseConfig{Driver: "postgres", Host: "h", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	require.Equal(t, "host=h port=5432 user=u password=p dbname=d sslmode=disable", cfg.DSN())
}
