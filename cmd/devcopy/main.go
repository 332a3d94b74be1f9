package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/franksops/devcopy/config"
	"github.com/franksops/devcopy/device"
	"github.com/franksops/devcopy/engine"
	"github.com/franksops/devcopy/optimizer"
	"github.com/franksops/devcopy/provider"
	"github.com/franksops/devcopy/recovery"
	"github.com/franksops/devcopy/store"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "devcopy",
		Short:         "Device-aware file transfers with one queue per destination device",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.json (default $XDG_CONFIG_HOME/devcopy/config.json)")

	root.AddCommand(
		newCopyCmd(),
		newDaemonCmd(),
		newHistoryCmd(),
		newDevicesCmd(),
		newConfigCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		exitWithError(err)
	}
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, "devcopy:", recovery.UserMessage(err))
	os.Exit(1)
}

// env holds what every command that touches transfers needs.
type env struct {
	configs  *config.Manager
	cfg      config.AppConfig
	logger   *slog.Logger
	closeLog func() error
	store    *store.BoltStore
}

func openConfig() (*config.Manager, error) {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return nil, err
		}
	}
	return config.NewManager(path)
}

// openEnv loads the configuration, sets up logging to console (nil for file
// only) and opens the state database.
func openEnv(console io.Writer) (*env, error) {
	configs, err := openConfig()
	if err != nil {
		return nil, err
	}
	cfg := configs.Config()

	logger, closeLog, err := config.SetupLogging(&cfg, console)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		closeLog()
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	db, err := store.NewBoltStore(cfg.DatabasePath())
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	return &env{configs: configs, cfg: cfg, logger: logger, closeLog: closeLog, store: db}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("closing state store", "error", err)
	}
	_ = e.closeLog()
}

func (e *env) detector() *device.Detector {
	return device.NewDetector(e.cfg.Devices, e.logger)
}

func createProvider(preserve bool) provider.Provider {
	p := provider.NewLocalProvider("")
	if preserve {
		p.WithMetadataMapper(provider.NewMetadataMapper())
	}
	return p
}

// newManager builds a TransferManager from the configuration. opts replaces
// the configured copy options when non-nil.
func (e *env) newManager(ctx context.Context, detector *device.Detector, opts *optimizer.Options, observer engine.Observer) (*engine.TransferManager, error) {
	options := e.cfg.CopyOptions
	if opts != nil {
		options = *opts
	}

	return engine.NewTransferManager(ctx, engine.ManagerConfig{
		Source:          createProvider(false),
		Destination:     createProvider(options.PreserveAttributes),
		Optimizer:       optimizer.New(),
		Detector:        detector,
		Recovery:        recovery.NewErrorRecovery(e.cfg.RetryPolicy(), recovery.WithLogger(e.logger)),
		Store:           e.store,
		Options:         options,
		Policy:          e.cfg.ConflictResolution,
		ConflictTimeout: e.cfg.ConflictTimeout(),
		SendTimeout:     e.cfg.SendTimeout(),
		HistoryLimit:    e.cfg.HistoryLimit,
		Ignore:          e.cfg.IgnorePatterns,
		Observer:        observer,
		OnPolicyChange: func(p engine.GlobalPolicy) {
			if err := e.configs.UpdateConflictResolution(p); err != nil {
				e.logger.Error("failed to save conflict policy", "error", err)
			}
		},
		Logger: e.logger,
	})
}
