package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outcraftly/models"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "5000", cfg.ServerPort)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Engine.MaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Engine.RetryBackoff)
	assert.Equal(t, 100, cfg.Engine.DispatchLimit)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcraftly.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_port: "8088"
database:
  driver: sqlite
  path: /tmp/outcraftly-test.db
engine:
  retry_backoff: 5m
  max_attempts: 4
`), 0o600))
	t.Setenv("ENGINE_MAX_ATTEMPTS", "6")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "8088", cfg.ServerPort)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Engine.RetryBackoff)
	assert.Equal(t, 6, cfg.Engine.MaxAttempts)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := *cfg
	bad.Database.Driver = "mysql"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.EncryptionKey = "short"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Environment = "production"
	assert.Error(t, bad.Validate())
	bad.TriggerSecret = "cron-secret"
	assert.NoError(t, bad.Validate())

	bad = *cfg
	bad.Engine.MaxAttempts = 0
	assert.Error(t, bad.Validate())
}

func TestOpenSQLiteAndMigrate(t *testing.T) {
	db, err := Open(DatabaseConfig{Driver: "sqlite", Path: "file:config_test?mode=memory&cache=shared", MaxOpenConns: 1})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	for _, m := range models.All() {
		assert.True(t, db.Migrator().HasTable(m))
	}
	assert.True(t, db.Migrator().HasIndex(&models.Enrollment{}, "idx_enrollments_contact_sequence"))
}

func TestMaskPassword(t *testing.T) {
	assert.Equal(t, "host=x password=***** dbname=y", maskPassword("host=x password=secret dbname=y"))
	assert.Equal(t, "host=x", maskPassword("host=x"))
}
