package config

import (
	"time"

	"github.com/cea-hpc/phobosd/pkg/model"
)

// Default values applied to any field the config file and environment
// left unset.
const (
	DefaultSocketPath = "/run/phobosd/lrs"
	DefaultMountRoot  = "/mnt/phobosd"
)

// ApplyDefaults fills in missing values without touching anything the
// operator set.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Admin.Listen == "" {
		cfg.Admin.Listen = "127.0.0.1:7465"
	}
	if cfg.Admin.TokenDuration == 0 {
		cfg.Admin.TokenDuration = 15 * time.Minute
	}

	if cfg.LRS.SocketPath == "" {
		cfg.LRS.SocketPath = DefaultSocketPath
	}
	if cfg.LRS.Policy == "" {
		cfg.LRS.Policy = "best_fit"
	}
	if cfg.LRS.MountRoot == "" {
		cfg.LRS.MountRoot = DefaultMountRoot
	}
	if cfg.LRS.Families == nil {
		cfg.LRS.Families = map[string]FamilyConfig{}
	}
	if _, ok := cfg.LRS.Families[string(model.FamilyDir)]; !ok {
		cfg.LRS.Families[string(model.FamilyDir)] = FamilyConfig{}
	}
	for name, fam := range cfg.LRS.Families {
		cfg.LRS.Families[name] = applyFamilyDefaults(fam)
	}

	if cfg.Database.Type == "" {
		cfg.Database.Type = DatabaseMemory
	}
	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Database.Postgres.MaxOpenConns == 0 {
		cfg.Database.Postgres.MaxOpenConns = 10
	}

	if cfg.Store.LayoutType == "" {
		cfg.Store.LayoutType = "raid1"
	}
	if cfg.Store.ReplCount == 0 {
		cfg.Store.ReplCount = 2
	}
	if cfg.Store.Family == "" {
		cfg.Store.Family = string(model.FamilyDir)
	}

	if cfg.Scrub.Interval == 0 {
		cfg.Scrub.Interval = 10 * time.Minute
	}
	if cfg.Scrub.GracePeriod == 0 {
		cfg.Scrub.GracePeriod = time.Hour
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyFamilyDefaults(fam FamilyConfig) FamilyConfig {
	if fam.SyncTimeThreshold == 0 {
		fam.SyncTimeThreshold = 10 * time.Second
	}
	if fam.SyncNbReqThreshold == 0 {
		fam.SyncNbReqThreshold = 5
	}
	if fam.SyncWsizeThreshold == 0 {
		fam.SyncWsizeThreshold = 1 << 30
	}
	return fam
}

// GetDefaultConfig returns a configuration with every default applied,
// used when no config file exists and by `phobosd config init`.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
