// Package commands implements the phobosctl CLI: the administrative
// client that talks to a running phobosd over its socket and to the
// shared state index for object operations.
package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/cea-hpc/phobosd/internal/logger"
	"github.com/cea-hpc/phobosd/pkg/config"
	"github.com/cea-hpc/phobosd/pkg/store"

	// Static adapter registration for the client-side data path.
	_ "github.com/cea-hpc/phobosd/pkg/adapter/dir"
	_ "github.com/cea-hpc/phobosd/pkg/adapter/s3"
)

var (
	configPath string
	socketPath string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "phobosctl",
	Short: "Administrative client for phobosd",
	Long: `phobosctl issues format, notify, monitor, and ping requests to a
running phobosd daemon and drives object transfers through the store
library.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Init(logger.Config{Level: "WARN", Format: "text", Output: "stderr"})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Daemon socket path (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Render results as JSON")
	rootCmd.AddCommand(pingCmd, monitorCmd, formatCmd, notifyCmd, objectCmd, adminCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig resolves the effective configuration, honoring --socket.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if socketPath != "" {
		cfg.LRS.SocketPath = socketPath
	}
	return cfg, nil
}

// dialDaemon opens a wire client against the configured socket.
func dialDaemon() (*store.Client, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	client, err := store.Dial(cfg.LRS.SocketPath)
	if err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}

// withStore builds the store library from the shared config and runs fn
// against it.
func withStore(ctx context.Context, fn func(*store.Store, *config.Config) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	idx, err := cfg.CreateIndex(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = idx.Close() }()

	st, err := store.NewFromConfig(cfg, idx)
	if err != nil {
		return err
	}
	return fn(st, cfg)
}
