package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cea-hpc/phobosd/internal/admin"
	"github.com/cea-hpc/phobosd/internal/daemon"
	"github.com/cea-hpc/phobosd/internal/logger"
	"github.com/cea-hpc/phobosd/internal/telemetry"
	"github.com/cea-hpc/phobosd/pkg/config"
	"github.com/cea-hpc/phobosd/pkg/device"
	"github.com/cea-hpc/phobosd/pkg/metrics"
	prom "github.com/cea-hpc/phobosd/pkg/metrics/prometheus"
	"github.com/cea-hpc/phobosd/pkg/model"
	"github.com/cea-hpc/phobosd/pkg/scheduler"
	"github.com/cea-hpc/phobosd/pkg/scrub"

	// Static adapter registration.
	_ "github.com/cea-hpc/phobosd/pkg/adapter/dir"
	_ "github.com/cea-hpc/phobosd/pkg/adapter/s3"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the phobosd daemon",
	Long: `Start the daemon: reclaim locks left by a previous run, adopt the
host's devices, and serve the local scheduler socket until SIGTERM or
SIGINT triggers a graceful drain.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Logging.Level = "DEBUG"
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracing := cfg.Telemetry.Tracing()
	tracing.ServiceVersion = Version
	shutdownTracing, err := telemetry.Init(ctx, tracing)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	if cfg.Telemetry.Profiling.Enabled {
		stopProfiling, perr := telemetry.InitProfiling(telemetry.ProfilingConfig{
			Enabled:        true,
			ServiceName:    "phobosd",
			ServiceVersion: Version,
			Endpoint:       cfg.Telemetry.Profiling.ServerAddress,
		})
		if perr != nil {
			return fmt.Errorf("init profiling: %w", perr)
		}
		defer func() { _ = stopProfiling() }()
	}

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("resolve hostname: %w", err)
	}

	idx, err := cfg.CreateIndex(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = idx.Close() }()

	thresholds := map[model.Family]device.SyncThresholds{}
	for name, fam := range cfg.LRS.Families {
		thresholds[model.Family(name)] = device.SyncThresholds{
			Time:  fam.SyncTimeThreshold,
			NbReq: fam.SyncNbReqThreshold,
			Bytes: fam.SyncWsizeThreshold,
		}
	}

	var dmn *daemon.Daemon
	var verifyToken func(string) error
	var adminSrv *admin.Server
	if cfg.Admin.Enabled {
		adminSrv, err = admin.NewServer(admin.Config{
			Listen:         cfg.Admin.Listen,
			PasswordHash:   cfg.Admin.PasswordHash,
			JWTSecret:      cfg.Admin.JWTSecret,
			TokenDuration:  cfg.Admin.TokenDuration,
			MetricsEnabled: cfg.Metrics.Enabled,
			MetricsPath:    cfg.Metrics.Path,
		}, idx, func(section, key, value string) error {
			return dmn.ApplyConfig(section, key, value)
		})
		if err != nil {
			return fmt.Errorf("init admin surface: %w", err)
		}
		verifyToken = adminSrv.Tokens().Verify
	}

	sched := scheduler.New(scheduler.Config{
		Hostname:         hostname,
		PID:              os.Getpid(),
		Index:            idx,
		Adapters:         scheduler.AdaptersFromRegistry(cfg.LRS.FamilyNames()),
		Compat:           device.CompatTable(cfg.LRS.Compat),
		Thresholds:       thresholds,
		Policy:           scheduler.Policy(cfg.LRS.Policy),
		MountRoot:        cfg.LRS.MountRoot,
		DeviceMetrics:    prom.NewDeviceMetrics(),
		SchedulerMetrics: prom.NewSchedulerMetrics(),
		VerifyAdminToken: verifyToken,
		ApplyConfig: func(section, key, value string) error {
			return dmn.ApplyConfig(section, key, value)
		},
	})
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	dmn = daemon.New(cfg, hostname, idx, sched, thresholds)

	if configPath != "" {
		if _, werr := config.Watch(configPath, dmn.ApplyThresholds); werr != nil {
			logger.Warn("config watch disabled", "error", werr)
		}
	}

	if cfg.Scrub.Enabled {
		scrubber := scrub.New(idx, scrub.Options{
			Interval:    cfg.Scrub.Interval,
			GracePeriod: cfg.Scrub.GracePeriod,
		})
		go scrubber.Run(ctx)
	}

	if adminSrv != nil {
		go func() {
			if aerr := adminSrv.Run(ctx); aerr != nil {
				logger.Error("admin surface failed", "error", aerr)
			}
		}()
	}

	return dmn.Run(ctx)
}
