package daemon

import (
	"log/slog"
	"time"

	"github.com/franksops/devcopy/device"
	"github.com/franksops/devcopy/engine"
)

// Kind identifies a notification.
type Kind int

const (
	TransferStarted Kind = iota
	TransferCompleted
	TransferFailed
	DeviceConnected
	DeviceDisconnected
)

func (k Kind) String() string {
	switch k {
	case TransferStarted:
		return "transfer-started"
	case TransferCompleted:
		return "transfer-completed"
	case TransferFailed:
		return "transfer-error"
	case DeviceConnected:
		return "device-connected"
	case DeviceDisconnected:
		return "device-disconnected"
	}
	return "unknown"
}

// Notification is something a tray icon or desktop notifier would show.
type Notification struct {
	Kind   Kind
	Device string
	JobID  uint64
	Name   string
	// Result is set for finished transfers.
	Result *engine.TransferResult
	Err    string
	Time   time.Time
}

// Notifier turns transfer and device events into notifications. It
// implements engine.Observer. Notifications are dropped when the buffer is
// full so that queues never wait on a slow consumer.
type Notifier struct {
	out    chan Notification
	logger *slog.Logger
	now    func() time.Time
}

var _ engine.Observer = (*Notifier)(nil)

// NewNotifier creates a Notifier with room for buffer pending notifications.
func NewNotifier(buffer int, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		out:    make(chan Notification, buffer),
		logger: logger,
		now:    time.Now,
	}
}

// Notifications returns the stream of notifications.
func (n *Notifier) Notifications() <-chan Notification { return n.out }

func (n *Notifier) publish(note Notification) {
	note.Time = n.now()
	select {
	case n.out <- note:
	default:
		n.logger.Warn("notification dropped", "kind", note.Kind, "job", note.JobID)
	}
}

// TransferStarted implements engine.Observer.
func (n *Notifier) TransferStarted(job *engine.TransferJob) {
	n.publish(Notification{Kind: TransferStarted, Device: job.Device, JobID: job.ID, Name: job.Name})
}

// TransferFinished implements engine.Observer.
func (n *Notifier) TransferFinished(job *engine.TransferJob, res engine.TransferResult) {
	note := Notification{Kind: TransferCompleted, Device: job.Device, JobID: job.ID, Name: job.Name, Result: &res}
	if !res.Succeeded() {
		note.Kind = TransferFailed
		note.Err = res.Status.String()
		if len(res.Errors) > 0 {
			note.Err = res.Errors[0]
		}
	}
	n.publish(note)
}

// DeviceEvent publishes a device arrival or removal.
func (n *Notifier) DeviceEvent(ev device.Event) {
	kind := DeviceConnected
	if ev.Kind == device.Disconnected {
		kind = DeviceDisconnected
	}
	n.publish(Notification{Kind: kind, Device: ev.Info.Path, Name: ev.Info.Name})
}
