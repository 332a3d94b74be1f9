package ui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/franksops/devcopy/engine"
)

func TestFormatSpeed(t *testing.T) {
	tests := []struct {
		bytesPerSec float64
		expected    string
	}{
		{500, "500 B/s"},
		{1024, "1.00 KB/s"},
		{2048, "2.00 KB/s"},
		{1048576, "1.00 MB/s"},
		{1572864, "1.50 MB/s"},
		{1073741824, "1.00 GB/s"},
	}

	for _, tt := range tests {
		result := formatSpeed(tt.bytesPerSec)
		if result != tt.expected {
			t.Errorf("formatSpeed(%v) = %v; want %v", tt.bytesPerSec, result, tt.expected)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	if got := formatBytes(1572864); got != "1.50 MB" {
		t.Errorf("formatBytes = %q; want 1.50 MB", got)
	}
}

func TestFormatETA(t *testing.T) {
	tests := []struct {
		progress       float64
		bytesPerSec    float64
		totalBytes     int64
		completedBytes int64
		expected       string
	}{
		{0.0, 1000, 10000, 0, "Calculating..."},
		{0.5, 0, 10000, 5000, "Calculating..."},
		{0.5, 1000, 10000, 5000, "5s"},
		{1.0, 10, 1000, 1000, "0s"},
		{0.1, 1, 1 << 30, 1 << 20, "> 1d"},
	}

	for _, tt := range tests {
		result := formatETA(tt.progress, tt.bytesPerSec, tt.totalBytes, tt.completedBytes)
		if result != tt.expected {
			t.Errorf("formatETA(%v, %v, %v, %v) = %v; want %v",
				tt.progress, tt.bytesPerSec, tt.totalBytes, tt.completedBytes, result, tt.expected)
		}
	}
}

type fakeController struct {
	paused, resumed, cancelled []uint64
	cancelAll                  int
	err                        error
}

func (f *fakeController) PauseJob(_ context.Context, id uint64) error {
	f.paused = append(f.paused, id)
	return f.err
}

func (f *fakeController) ResumeJob(_ context.Context, id uint64) error {
	f.resumed = append(f.resumed, id)
	return f.err
}

func (f *fakeController) CancelJob(id uint64) error {
	f.cancelled = append(f.cancelled, id)
	return f.err
}

func (f *fakeController) CancelAll() { f.cancelAll++ }

func key(s string) tea.KeyMsg {
	switch s {
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m TUIModel, msg tea.Msg) (TUIModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(TUIModel), cmd
}

func twoQueues() State {
	return State{Queues: []engine.QueueSnapshot{
		{
			DevicePath: "/media/sd",
			DeviceName: "sd",
			Status:     engine.QueueActive,
			Current: &engine.Progress{
				ID: 1, Name: "photos", Status: engine.StatusCopying,
				TotalItems: 10, CompletedItems: 4, TotalBytes: 1000, CopiedBytes: 400,
			},
			Pending: []engine.Progress{{ID: 3, Name: "music", Priority: engine.PriorityBackground}},
		},
		{
			DevicePath: "/media/usb",
			DeviceName: "usb",
			Status:     engine.QueueActive,
			Current: &engine.Progress{
				ID: 2, Name: "backup", Status: engine.StatusPaused,
				TotalItems: 2, TotalBytes: 2000,
			},
		},
	}}
}

func TestTUIModelInitialization(t *testing.T) {
	model := NewTUIModel(State{}, nil)

	view := model.View()
	if view == "" {
		t.Errorf("View rendered empty string")
	}
	if !strings.Contains(view, "Initializing...") {
		t.Errorf("Expected Initializing view when width is 0")
	}
}

func TestTUIModel_RendersQueues(t *testing.T) {
	m := NewTUIModel(State{}, nil)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	m, _ = update(t, m, StateMsg{State: twoQueues()})

	view := m.View()
	for _, want := range []string{"sd", "usb", "photos", "backup", "#3 music (background)", "4/10"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestTUIModel_NarrowWindowKeepsJobColumns(t *testing.T) {
	m := NewTUIModel(State{}, nil)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 40})
	m, _ = update(t, m, StateMsg{State: twoQueues()})

	if m.progress.Width != minBarWidth {
		t.Errorf("bar width = %d; want %d", m.progress.Width, minBarWidth)
	}
	view := m.View()
	for _, want := range []string{"photos", "backup", "4/10", "0/2", "copying", "paused"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}

	m, _ = update(t, m, tea.WindowSizeMsg{Width: 160, Height: 40})
	if got, want := m.progress.Width, 160-jobColumns; got != want {
		t.Errorf("bar width = %d; want %d", got, want)
	}
}

func TestTUIModel_SpeedFromSuccessiveStates(t *testing.T) {
	clock := time.Unix(1000, 0)
	m := NewTUIModel(State{}, nil)
	m.now = func() time.Time { return clock }

	state := twoQueues()
	m, _ = update(t, m, StateMsg{State: state})

	clock = clock.Add(2 * time.Second)
	state.Queues[0].Current.CopiedBytes = 4496
	m, _ = update(t, m, StateMsg{State: state})

	if got := m.speeds[1]; got != 2048 {
		t.Errorf("speed = %v; want 2048", got)
	}

	// Finished jobs drop out of the speed table.
	state.Queues[0].Current = nil
	m, _ = update(t, m, StateMsg{State: state})
	if _, ok := m.speeds[1]; ok {
		t.Errorf("speed of finished job kept")
	}
}

func TestTUIModel_JobControl(t *testing.T) {
	ctrl := &fakeController{}
	m := NewTUIModel(twoQueues(), ctrl)

	_, cmd := update(t, m, key("p"))
	cmd()
	m, _ = update(t, m, key("down"))
	_, cmd = update(t, m, key("p"))
	cmd()
	_, cmd = update(t, m, key("x"))
	cmd()
	_, cmd = update(t, m, key("c"))
	cmd()

	if len(ctrl.paused) != 1 || ctrl.paused[0] != 1 {
		t.Errorf("paused = %v; want [1]", ctrl.paused)
	}
	if len(ctrl.resumed) != 1 || ctrl.resumed[0] != 2 {
		t.Errorf("resumed = %v; want [2]", ctrl.resumed)
	}
	if len(ctrl.cancelled) != 1 || ctrl.cancelled[0] != 2 {
		t.Errorf("cancelled = %v; want [2]", ctrl.cancelled)
	}
	if ctrl.cancelAll != 1 {
		t.Errorf("CancelAll called %d times", ctrl.cancelAll)
	}
}

func TestTUIModel_ControlErrorShown(t *testing.T) {
	ctrl := &fakeController{err: errors.New("job 1 not found")}
	m := NewTUIModel(twoQueues(), ctrl)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})

	_, cmd := update(t, m, key("x"))
	m, _ = update(t, m, cmd())

	if !strings.Contains(m.View(), "job 1 not found") {
		t.Errorf("error not rendered")
	}
}

func conflict(name string) (engine.ConflictRequest, chan engine.ConflictReply) {
	reply := make(chan engine.ConflictReply, 1)
	return engine.ConflictRequest{
		JobID:       1,
		JobName:     "photos",
		Source:      "/src/" + name,
		Destination: "/media/sd/" + name,
		Reply:       reply,
	}, reply
}

func TestTUIModel_ConflictAnswers(t *testing.T) {
	tests := []struct {
		keys []string
		want engine.ConflictReply
	}{
		{[]string{"o"}, engine.ConflictReply{Resolution: engine.ResolveOverwrite}},
		{[]string{"O"}, engine.ConflictReply{Resolution: engine.ResolveOverwrite, Remember: true}},
		{[]string{"s"}, engine.ConflictReply{Resolution: engine.ResolveSkip}},
		{[]string{"S"}, engine.ConflictReply{Resolution: engine.ResolveSkip, Remember: true}},
		{[]string{"r"}, engine.ConflictReply{Resolution: engine.ResolveRenameNew}},
		{[]string{"m", "e"}, engine.ConflictReply{Resolution: engine.ResolveRenameOld, Remember: true}},
		{[]string{"g", "o"}, engine.ConflictReply{Resolution: engine.ResolveOverwrite, RememberGlobally: true}},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.keys, "+"), func(t *testing.T) {
			req, reply := conflict("a.jpg")
			m := NewTUIModel(twoQueues(), nil)
			m, _ = update(t, m, ConflictMsg{Request: req})

			for _, k := range tt.keys {
				m, _ = update(t, m, key(k))
			}

			got, ok := <-reply
			if !ok {
				t.Fatal("reply channel closed without an answer")
			}
			if got != tt.want {
				t.Errorf("reply = %+v; want %+v", got, tt.want)
			}
			if len(m.conflicts) != 0 || m.remember || m.rememberGlobal {
				t.Errorf("prompt state not reset")
			}
		})
	}
}

func TestTUIModel_ConflictDismissAndQueue(t *testing.T) {
	first, firstReply := conflict("a.jpg")
	second, secondReply := conflict("b.jpg")

	m := NewTUIModel(twoQueues(), &fakeController{})
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	m, _ = update(t, m, ConflictMsg{Request: first})
	m, _ = update(t, m, ConflictMsg{Request: second})

	view := m.View()
	if !strings.Contains(view, "/media/sd/a.jpg") || !strings.Contains(view, "1 more waiting") {
		t.Errorf("conflict prompt not rendered:\n%s", view)
	}

	// Job keys are ignored while a prompt is open.
	m, cmd := update(t, m, key("x"))
	if cmd != nil {
		t.Errorf("job command issued during prompt")
	}

	m, _ = update(t, m, key("esc"))
	if _, ok := <-firstReply; ok {
		t.Errorf("dismissed request received an answer")
	}
	if !strings.Contains(m.View(), "/media/sd/b.jpg") {
		t.Errorf("next conflict not shown")
	}

	m, _ = update(t, m, key("s"))
	if got := <-secondReply; got.Resolution != engine.ResolveSkip {
		t.Errorf("second reply = %v; want skip", got.Resolution)
	}
}

func TestTUIModel_QuitsWhenDone(t *testing.T) {
	m := NewTUIModel(twoQueues(), nil)

	req, _ := conflict("a.jpg")
	m, _ = update(t, m, ConflictMsg{Request: req})
	_, cmd := update(t, m, StateMsg{State: State{Done: true}})
	if cmd != nil {
		if _, ok := cmd().(tea.QuitMsg); ok {
			t.Errorf("quit with an open conflict")
		}
	}

	m = NewTUIModel(twoQueues(), nil)
	_, cmd = update(t, m, StateMsg{State: State{Done: true}})
	if cmd == nil {
		t.Fatal("no command when done")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Errorf("expected quit when done")
	}
}
