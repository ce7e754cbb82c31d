package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "phobosd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const sampleConfig = `
logging:
  level: DEBUG
  format: json
lrs:
  socket_path: /run/phobosd/lrs
  policy: first_fit
  mount_root: /mnt/phobosd
  families:
    tape:
      sync_time_threshold: 30s
      sync_nb_req_threshold: 10
      sync_wsize_threshold: 1073741824
    dir: {}
  compat:
    ULTRIUM-5: [LTO5, LTO4]
database:
  type: badger
  path: /var/lib/phobosd/index
store:
  layout: raid1
  repl_count: 3
  family: tape
scrub:
  enabled: true
  interval: 15m
  grace_period: 2h
`

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "first_fit", cfg.LRS.Policy)

	tape := cfg.LRS.Families["tape"]
	assert.Equal(t, 30*time.Second, tape.SyncTimeThreshold)
	assert.Equal(t, 10, tape.SyncNbReqThreshold)
	assert.Equal(t, int64(1<<30), tape.SyncWsizeThreshold)

	// The empty dir section picked up every family default.
	dir := cfg.LRS.Families["dir"]
	assert.Equal(t, 10*time.Second, dir.SyncTimeThreshold)
	assert.Equal(t, 5, dir.SyncNbReqThreshold)

	assert.Equal(t, []string{"LTO5", "LTO4"}, cfg.LRS.Compat["ULTRIUM-5"])
	assert.Equal(t, DatabaseBadger, cfg.Database.Type)
	assert.Equal(t, 3, cfg.Store.ReplCount)
	assert.Equal(t, 15*time.Minute, cfg.Scrub.Interval)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout, "default applies")
}

func TestMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultSocketPath, cfg.LRS.SocketPath)
	assert.Equal(t, "best_fit", cfg.LRS.Policy)
	assert.Equal(t, DatabaseMemory, cfg.Database.Type)
	assert.Equal(t, "raid1", cfg.Store.LayoutType)
	assert.Equal(t, 2, cfg.Store.ReplCount)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("PHOBOS_LOGGING_LEVEL", "ERROR")
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "ERROR", cfg.Logging.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Run("BadLogLevel", func(t *testing.T) {
		cfg := GetDefaultConfig()
		cfg.Logging.Level = "LOUD"
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "oneof")
	})

	t.Run("BadPolicy", func(t *testing.T) {
		cfg := GetDefaultConfig()
		cfg.LRS.Policy = "worst_fit"
		assert.Error(t, Validate(cfg))
	})

	t.Run("AdminNeedsLongSecret", func(t *testing.T) {
		cfg := GetDefaultConfig()
		cfg.Admin.Enabled = true
		cfg.Admin.JWTSecret = "short"
		cfg.Admin.PasswordHash = "$2a$10$x"
		assert.Error(t, Validate(cfg))
	})

	t.Run("EmbeddedBackendNeedsPath", func(t *testing.T) {
		cfg := GetDefaultConfig()
		cfg.Database.Type = DatabaseBadger
		cfg.Database.Path = ""
		assert.Error(t, Validate(cfg))
	})

	t.Run("StoreFamilyMustBeConfigured", func(t *testing.T) {
		cfg := GetDefaultConfig()
		cfg.Store.Family = "floppy"
		assert.Error(t, Validate(cfg))
	})

	t.Run("PostgresNeedsConnectionDetails", func(t *testing.T) {
		cfg := GetDefaultConfig()
		cfg.Database.Type = DatabasePostgres
		assert.Error(t, Validate(cfg))
	})
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "phobosd.yaml")
	require.NoError(t, Save(GetDefaultConfig(), path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultSocketPath, cfg.LRS.SocketPath)
}

func TestPostgresDSN(t *testing.T) {
	pg := PostgresConfig{
		Host: "db.example.com", Port: 5433, Database: "phobos",
		User: "lrs", Password: "secret", SSLMode: "require",
	}
	dsn := pg.DSN()
	assert.Contains(t, dsn, "host=db.example.com")
	assert.Contains(t, dsn, "port=5433")
	assert.Contains(t, dsn, "sslmode=require")
}
