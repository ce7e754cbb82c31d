// Package config loads, validates, and hot-reloads the phobosd
// configuration: a YAML/TOML file, PHOBOS_* environment overrides
// following the SECTION_key convention, and defaults, in that order of
// precedence (environment beats the file, the file beats defaults).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cea-hpc/phobosd/internal/telemetry"
	"github.com/cea-hpc/phobosd/pkg/model"
)

// Config is the complete phobosd configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics configures the Prometheus endpoint served by the admin
	// HTTP listener.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Admin configures the HTTP admin surface and the credentials that
	// gate runtime configuration changes.
	Admin AdminConfig `mapstructure:"admin" yaml:"admin"`

	// LRS configures the local resource scheduler.
	LRS LRSConfig `mapstructure:"lrs" yaml:"lrs"`

	// Database selects and configures the state index backend.
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`

	// Store configures the client-side defaults (layout, family).
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// Scrub configures the orphan-extent scrubber.
	Scrub ScrubConfig `mapstructure:"scrub" yaml:"scrub"`

	// ShutdownTimeout bounds the graceful drain on SIGTERM/SIGINT.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum level to output: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	// Format is text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" yaml:"output"`
}

// TelemetryConfig controls tracing and continuous profiling.
type TelemetryConfig struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint       string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure       bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate     float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1" yaml:"sample_rate"`
	ServiceVersion string  `mapstructure:"service_version" yaml:"service_version"`

	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls the pyroscope continuous profiler.
type ProfilingConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	ServerAddress string `mapstructure:"server_address" yaml:"server_address"`
}

// Tracing converts to the telemetry package's config type.
func (t TelemetryConfig) Tracing() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Enabled = t.Enabled
	if t.Endpoint != "" {
		cfg.Endpoint = t.Endpoint
	}
	cfg.Insecure = t.Insecure
	cfg.SampleRate = t.SampleRate
	if t.ServiceVersion != "" {
		cfg.ServiceVersion = t.ServiceVersion
	}
	return cfg
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// AdminConfig configures the HTTP admin listener and its credentials.
// The password is stored as a bcrypt hash; `phobosctl admin hash` and
// the login endpoint never see plaintext at rest.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	// JWTSecret signs admin tokens; at least 32 characters when the
	// admin surface is enabled.
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	// PasswordHash is the bcrypt hash of the admin password.
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash"`
	// TokenDuration is the admin token lifetime.
	TokenDuration time.Duration `mapstructure:"token_duration" yaml:"token_duration"`
}

// FamilyConfig carries the per-family scheduler tunables. The three
// sync thresholds are hot-reloadable.
type FamilyConfig struct {
	// SyncTimeThreshold is the maximum age of the oldest unacked
	// release before a sync fires.
	SyncTimeThreshold time.Duration `mapstructure:"sync_time_threshold" yaml:"sync_time_threshold"`
	// SyncNbReqThreshold is the batched release count that forces a sync.
	SyncNbReqThreshold int `mapstructure:"sync_nb_req_threshold" yaml:"sync_nb_req_threshold"`
	// SyncWsizeThreshold is the batched byte count that forces a sync.
	SyncWsizeThreshold int64 `mapstructure:"sync_wsize_threshold" yaml:"sync_wsize_threshold"`
}

// LRSConfig configures the local resource scheduler.
type LRSConfig struct {
	// SocketPath is the daemon's local stream socket.
	SocketPath string `mapstructure:"socket_path" validate:"required" yaml:"socket_path"`
	// Policy is best_fit or first_fit.
	Policy string `mapstructure:"policy" validate:"oneof=best_fit first_fit" yaml:"policy"`
	// MountRoot is the parent directory of per-drive mount points.
	MountRoot string `mapstructure:"mount_root" validate:"required" yaml:"mount_root"`
	// Families maps a family name to its scheduler tunables.
	Families map[string]FamilyConfig `mapstructure:"families" yaml:"families"`
	// Compat maps a device model to the medium models it accepts.
	Compat map[string][]string `mapstructure:"compat" yaml:"compat"`
	// LibDevice is the library control device for the tape family.
	LibDevice string `mapstructure:"lib_device" yaml:"lib_device"`
}

// DatabaseType selects a state index backend.
type DatabaseType string

const (
	DatabaseMemory   DatabaseType = "memory"
	DatabaseBadger   DatabaseType = "badger"
	DatabaseSQLite   DatabaseType = "sqlite"
	DatabasePostgres DatabaseType = "postgres"
)

// PostgresConfig is the connection configuration of the postgres
// backend.
type PostgresConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	Database     string `mapstructure:"database" yaml:"database"`
	User         string `mapstructure:"user" yaml:"user"`
	Password     string `mapstructure:"password" yaml:"password"`
	SSLMode      string `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
}

// DSN renders the postgres connection string.
func (c PostgresConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		c.Host, c.Port, c.User, c.Password, c.Database)
	if c.SSLMode != "" {
		dsn += " sslmode=" + c.SSLMode
	}
	return dsn
}

// DatabaseConfig selects and configures the state index backend.
type DatabaseConfig struct {
	Type DatabaseType `mapstructure:"type" validate:"oneof=memory badger sqlite postgres" yaml:"type"`
	// Path is the badger directory or the sqlite file, depending on Type.
	Path     string         `mapstructure:"path" yaml:"path"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// StoreConfig carries the client-side defaults.
type StoreConfig struct {
	LayoutType string `mapstructure:"layout" validate:"required" yaml:"layout"`
	ReplCount  int    `mapstructure:"repl_count" validate:"gte=1" yaml:"repl_count"`
	Family     string `mapstructure:"family" validate:"required" yaml:"family"`
}

// ScrubConfig configures the orphan-extent scrubber.
type ScrubConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Interval is the sweep period.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// GracePeriod is how long a pending object may stay pending before
	// its extents are surfaced as orphans.
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
}

// FamilyNames returns the configured family names as model values.
func (c *LRSConfig) FamilyNames() []model.Family {
	out := make([]model.Family, 0, len(c.Families))
	for name := range c.Families {
		out = append(out, model.Family(name))
	}
	return out
}

// Load reads, defaults, and validates the configuration. An empty
// configPath falls back to the default search path; a missing file is
// not an error and yields the defaults plus environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	// A missing file is fine: defaults plus environment still apply.
	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// viper folds map keys to lower case, but device model names in
	// lrs.compat are matched case-sensitively: take a YAML file's compat
	// table with its keys as written.
	if found {
		var raw struct {
			LRS struct {
				Compat map[string][]string `yaml:"compat"`
			} `yaml:"lrs"`
		}
		if data, rerr := os.ReadFile(v.ConfigFileUsed()); rerr == nil &&
			yaml.Unmarshal(data, &raw) == nil && raw.LRS.Compat != nil {
			cfg.LRS.Compat = raw.LRS.Compat
		}
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration as YAML with owner-only permissions
// (the admin section holds credentials).
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// setupViper wires the PHOBOS_* environment convention and the config
// file search path.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("PHOBOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath("/etc/phobosd")
	v.AddConfigPath(defaultConfigDir())
	v.SetConfigName("phobosd")
	v.SetConfigType("yaml")
}

func defaultConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "phobosd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/phobosd"
	}
	return filepath.Join(home, ".config", "phobosd")
}

// DefaultConfigPath is where Save puts a generated config when the
// caller does not pick a location.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "phobosd.yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks combines duration parsing ("30s") and comma-split
// string slices for the mapstructure decoder.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}
