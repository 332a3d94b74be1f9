package device

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventKind distinguishes device arrival from removal.
type EventKind int

const (
	Connected EventKind = iota
	Disconnected
)

func (k EventKind) String() string {
	if k == Connected {
		return "connected"
	}
	return "disconnected"
}

// Event reports a device appearing or disappearing under a mount root.
type Event struct {
	Kind EventKind
	Info Info
}

// Monitor watches mount roots (such as /media/$USER) and reports directories
// created or removed beneath them as device events. Events for the same path
// are debounced because mounting produces bursts of filesystem notifications.
type Monitor struct {
	roots    []string
	detector *Detector
	debounce time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewMonitor creates a Monitor over the given mount roots.
func NewMonitor(roots []string, detector *Detector, debounce time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		roots:    roots,
		detector: detector,
		debounce: debounce,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}
}

// Scan returns the devices currently present under the mount roots.
func (m *Monitor) Scan() []Info {
	var infos []Info
	for _, root := range m.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				infos = append(infos, m.detector.Detect(filepath.Join(root, e.Name())))
			}
		}
	}
	return infos
}

// Start watches the roots until ctx is done, sending events to out. Roots that
// do not exist are skipped.
func (m *Monitor) Start(ctx context.Context, out chan<- Event) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	watched := 0
	for _, root := range m.roots {
		if err := w.Add(root); err != nil {
			m.logger.Debug("mount root not watched", "root", root, "error", err)
			continue
		}
		watched++
	}
	if watched == 0 {
		return fmt.Errorf("no mount roots could be watched")
	}

	for {
		select {
		case <-ctx.Done():
			m.stopTimers()
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			m.handle(ctx, ev, out)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("device watcher error", "error", err)
		}
	}
}

func (m *Monitor) handle(ctx context.Context, ev fsnotify.Event, out chan<- Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
		m.schedule(ctx, ev.Name, out)
	}
}

// schedule emits one event for path after the debounce window, based on
// whether the path exists at that point.
func (m *Monitor) schedule(ctx context.Context, path string, out chan<- Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[path]; ok {
		t.Stop()
	}
	m.timers[path] = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		delete(m.timers, path)
		m.mu.Unlock()

		var ev Event
		if st, err := os.Stat(path); err == nil && st.IsDir() {
			m.detector.Forget(path)
			ev = Event{Kind: Connected, Info: m.detector.Detect(path)}
		} else if err != nil {
			m.detector.Forget(path)
			ev = Event{Kind: Disconnected, Info: NewInfo(path, Unknown)}
		} else {
			return
		}

		select {
		case out <- ev:
		case <-ctx.Done():
		}
	})
}

func (m *Monitor) stopTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p, t := range m.timers {
		t.Stop()
		delete(m.timers, p)
	}
}
