package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/franksops/devcopy/daemon"
	"github.com/franksops/devcopy/device"
)

const monitorDebounce = 500 * time.Millisecond

func newDaemonCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run in the background, watching mount roots for devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "poll", daemon.DefaultPollInterval, "How often to check for active transfers")
	return cmd
}

func runDaemon(ctx context.Context, interval time.Duration) error {
	e, err := openEnv(os.Stderr)
	if err != nil {
		return err
	}
	defer e.Close()

	detector := e.detector()
	notifier := daemon.NewNotifier(64, e.logger)
	mgr, err := e.newManager(ctx, detector, nil, notifier)
	if err != nil {
		return err
	}
	defer mgr.Shutdown()

	var monitor *device.Monitor
	if len(e.cfg.MountRoots) > 0 {
		monitor = device.NewMonitor(e.cfg.MountRoots, detector, monitorDebounce, e.logger)
		for _, info := range monitor.Scan() {
			e.logger.Info("device present", "path", info.Path, "type", info.Type)
		}
	}

	go logNotifications(ctx, notifier, e.logger)

	d := daemon.New(daemon.Config{
		Transfers:    mgr,
		Monitor:      monitor,
		Notifier:     notifier,
		PollInterval: interval,
		Logger:       e.logger,
	})
	return d.Run(ctx)
}

// logNotifications stands in for a desktop notifier.
func logNotifications(ctx context.Context, n *daemon.Notifier, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case note := <-n.Notifications():
			attrs := []any{"kind", note.Kind, "device", note.Device}
			if note.JobID != 0 {
				attrs = append(attrs, "job", note.JobID, "name", note.Name)
			}
			if note.Err != "" {
				attrs = append(attrs, "error", note.Err)
			}
			logger.Info("notification", attrs...)
		}
	}
}
