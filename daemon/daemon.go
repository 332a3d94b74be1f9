// Package daemon runs devcopy as a background service: it keeps the transfer
// manager alive, watches for devices and publishes notifications.
package daemon

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/franksops/devcopy/device"
)

// DefaultPollInterval is how often the daemon checks for active transfers.
const DefaultPollInterval = time.Second

// Transfers is the part of the transfer manager the daemon drives.
type Transfers interface {
	HasActiveTransfers() bool
	CancelAll()
}

// Config configures a Daemon. Transfers is required.
type Config struct {
	Transfers Transfers
	// Monitor, when set, reports device hot-plug events.
	Monitor  *device.Monitor
	Notifier *Notifier
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Daemon is the host loop.
type Daemon struct {
	transfers Transfers
	monitor   *device.Monitor
	notifier  *Notifier
	interval  time.Duration
	logger    *slog.Logger

	running atomic.Bool
	active  atomic.Bool
}

// New creates a Daemon.
func New(cfg Config) *Daemon {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Daemon{
		transfers: cfg.Transfers,
		monitor:   cfg.Monitor,
		notifier:  cfg.Notifier,
		interval:  cfg.PollInterval,
		logger:    cfg.Logger,
	}
}

// Running reports whether Run is executing.
func (d *Daemon) Running() bool { return d.running.Load() }

// Active reports whether the last poll saw active transfers.
func (d *Daemon) Active() bool { return d.active.Load() }

// Run polls the transfer manager until ctx is done, then cancels every
// transfer that is still running.
func (d *Daemon) Run(ctx context.Context) error {
	d.running.Store(true)
	defer d.running.Store(false)
	d.logger.Info("daemon started", "poll_interval", d.interval)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var devices chan device.Event
	if d.monitor != nil {
		devices = make(chan device.Event, 16)
		go func() {
			if err := d.monitor.Start(ctx, devices); err != nil {
				d.logger.Warn("device monitor stopped", "error", err)
			}
		}()
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.stop()
			return nil
		case ev := <-devices:
			d.logger.Info("device "+ev.Kind.String(), "path", ev.Info.Path, "type", ev.Info.Type)
			if d.notifier != nil {
				d.notifier.DeviceEvent(ev)
			}
		case <-ticker.C:
			d.poll()
		}
	}
}

func (d *Daemon) poll() {
	active := d.transfers.HasActiveTransfers()
	if d.active.Swap(active) != active {
		if active {
			d.logger.Info("transfers running")
		} else {
			d.logger.Info("all transfers finished")
		}
	}
}

func (d *Daemon) stop() {
	d.transfers.CancelAll()
	d.logger.Info("daemon stopped")
}
