package daemon

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/devcopy/device"
	"github.com/franksops/devcopy/engine"
)

type fakeTransfers struct {
	active    atomic.Bool
	polls     atomic.Int32
	cancelled atomic.Int32
}

func (f *fakeTransfers) HasActiveTransfers() bool {
	f.polls.Add(1)
	return f.active.Load()
}

func (f *fakeTransfers) CancelAll() {
	f.cancelled.Add(1)
	f.active.Store(false)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func receive(t *testing.T, n *Notifier) Notification {
	t.Helper()
	select {
	case note := <-n.Notifications():
		return note
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
		return Notification{}
	}
}

func TestDaemon_PollsUntilCancelled(t *testing.T) {
	tr := &fakeTransfers{}
	tr.active.Store(true)
	d := New(Config{Transfers: tr, PollInterval: 5 * time.Millisecond, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return tr.polls.Load() >= 3 }, 2*time.Second, time.Millisecond)
	assert.True(t, d.Running())
	assert.True(t, d.Active())

	tr.active.Store(false)
	require.Eventually(t, func() bool { return !d.Active() }, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.False(t, d.Running())
	assert.EqualValues(t, 1, tr.cancelled.Load())
}

func TestDaemon_DefaultInterval(t *testing.T) {
	d := New(Config{Transfers: &fakeTransfers{}})
	assert.Equal(t, DefaultPollInterval, d.interval)
}

func TestNotifier_Transfers(t *testing.T) {
	n := NewNotifier(4, quietLogger())
	job := engine.NewTransferJob(7, "/media/usb/photos", nil, engine.JobConfig{Name: "photos", Device: "/media/usb"})

	n.TransferStarted(job)
	note := receive(t, n)
	assert.Equal(t, TransferStarted, note.Kind)
	assert.EqualValues(t, 7, note.JobID)
	assert.Equal(t, "/media/usb", note.Device)
	assert.Equal(t, "photos", note.Name)
	assert.False(t, note.Time.IsZero())

	n.TransferFinished(job, engine.TransferResult{JobID: 7, Status: engine.StatusCompleted, FilesCopied: 3})
	note = receive(t, n)
	assert.Equal(t, TransferCompleted, note.Kind)
	require.NotNil(t, note.Result)
	assert.Equal(t, 3, note.Result.FilesCopied)

	n.TransferFinished(job, engine.TransferResult{JobID: 7, Status: engine.StatusError, Errors: []string{"disk full"}})
	note = receive(t, n)
	assert.Equal(t, TransferFailed, note.Kind)
	assert.Equal(t, "disk full", note.Err)

	n.TransferFinished(job, engine.TransferResult{JobID: 7, Status: engine.StatusCancelled})
	assert.Equal(t, "cancelled", receive(t, n).Err)
}

func TestNotifier_DropsWhenFull(t *testing.T) {
	n := NewNotifier(1, quietLogger())
	n.DeviceEvent(device.Event{Kind: device.Connected, Info: device.NewInfo("/media/usb", device.USB3)})
	n.DeviceEvent(device.Event{Kind: device.Disconnected, Info: device.NewInfo("/media/usb", device.Unknown)})

	note := receive(t, n)
	assert.Equal(t, DeviceConnected, note.Kind)
	assert.Equal(t, "usb", note.Name)
	assert.Empty(t, n.Notifications())
}

func TestDaemon_ReportsDevices(t *testing.T) {
	root := t.TempDir()
	detector := device.NewDetector(map[string]device.Type{filepath.Join(root, "stick"): device.USB3}, quietLogger())
	monitor := device.NewMonitor([]string{root}, detector, 10*time.Millisecond, quietLogger())
	notifier := NewNotifier(8, quietLogger())

	d := New(Config{
		Transfers:    &fakeTransfers{},
		Monitor:      monitor,
		Notifier:     notifier,
		PollInterval: 10 * time.Millisecond,
		Logger:       quietLogger(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	// Give the watcher time to register the root.
	require.Eventually(t, d.Running, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	stick := filepath.Join(root, "stick")
	require.NoError(t, os.Mkdir(stick, 0o755))
	note := receive(t, notifier)
	assert.Equal(t, DeviceConnected, note.Kind)
	assert.Equal(t, stick, note.Device)

	require.NoError(t, os.Remove(stick))
	note = receive(t, notifier)
	assert.Equal(t, DeviceDisconnected, note.Kind)
	assert.Equal(t, stick, note.Device)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "transfer-error", TransferFailed.String())
	assert.Equal(t, "device-disconnected", DeviceDisconnected.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
