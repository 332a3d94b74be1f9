package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/franksops/devcopy/engine"
)

// State is the aggregated view of the transfer manager.
type State struct {
	Queues []engine.QueueSnapshot
	// Done is set once nothing is left to transfer.
	Done bool
}

// Controller receives the job commands issued from the TUI.
type Controller interface {
	PauseJob(ctx context.Context, id uint64) error
	ResumeJob(ctx context.Context, id uint64) error
	CancelJob(id uint64) error
	CancelAll()
}

// StateMsg is sent periodically to update the UI state.
type StateMsg struct {
	State State
}

// ConflictMsg delivers a conflict that needs a decision.
type ConflictMsg struct {
	Request engine.ConflictRequest
}

// errMsg reports a failed controller command.
type errMsg struct{ err error }

// Widths of the job line; jobColumns is everything but the progress bar.
const (
	nameWidth   = 40
	jobColumns  = 2 + nameWidth + 1 + 9 + 1 + 11 + 1 + 11 + 1 + 2
	minBarWidth = 10
)

type sample struct {
	bytes int64
	at    time.Time
}

// TUIModel implements the tea.Model interface.
type TUIModel struct {
	state State
	ctrl  Controller

	// conflicts waiting for a decision; the first one is shown.
	conflicts      []engine.ConflictRequest
	remember       bool
	rememberGlobal bool

	selected int
	speeds   map[uint64]float64
	samples  map[uint64]sample
	lastErr  string
	now      func() time.Time

	spinner  spinner.Model
	progress progress.Model
	viewport viewport.Model

	width  int
	height int

	// Styles
	titleStyle    lipgloss.Style
	infoStyle     lipgloss.Style
	streamStyle   lipgloss.Style
	selectedStyle lipgloss.Style
	helpStyle     lipgloss.Style
	errorStyle    lipgloss.Style
	successStyle  lipgloss.Style
	promptStyle   lipgloss.Style
}

func NewTUIModel(initial State, ctrl Controller) TUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	prog := progress.New(progress.WithDefaultGradient())

	return TUIModel{
		state:         initial,
		ctrl:          ctrl,
		speeds:        make(map[uint64]float64),
		samples:       make(map[uint64]sample),
		now:           time.Now,
		spinner:       s,
		progress:      prog,
		titleStyle:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		streamStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		selectedStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true),
		helpStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		promptStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("214")).
			Padding(0, 1),
	}
}

func (m TUIModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
	)
}

// running returns the job each queue is currently working on, in queue order.
func (m TUIModel) running() []engine.Progress {
	var out []engine.Progress
	for _, q := range m.state.Queues {
		if q.Current != nil {
			out = append(out, *q.Current)
		}
	}
	return out
}

func (m TUIModel) selectedJob() (engine.Progress, bool) {
	jobs := m.running()
	if m.selected < 0 || m.selected >= len(jobs) {
		return engine.Progress{}, false
	}
	return jobs[m.selected], true
}

func (m TUIModel) command(fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if len(m.conflicts) > 0 {
			return m.answer(msg)
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.running())-1 {
				m.selected++
			}
		case "p", " ":
			job, ok := m.selectedJob()
			if !ok || m.ctrl == nil {
				break
			}
			if job.Status == engine.StatusPaused {
				return m, m.command(func() error { return m.ctrl.ResumeJob(context.Background(), job.ID) })
			}
			return m, m.command(func() error { return m.ctrl.PauseJob(context.Background(), job.ID) })
		case "x":
			if job, ok := m.selectedJob(); ok && m.ctrl != nil {
				return m, m.command(func() error { return m.ctrl.CancelJob(job.ID) })
			}
		case "c":
			if m.ctrl != nil {
				return m, m.command(func() error { m.ctrl.CancelAll(); return nil })
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = max(minBarWidth, msg.Width-jobColumns)

		headerHeight := 3
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)

	case StateMsg:
		m.setState(msg.State)
		if m.state.Done && len(m.conflicts) == 0 {
			return m, tea.Quit
		}

	case ConflictMsg:
		m.conflicts = append(m.conflicts, msg.Request)

	case errMsg:
		m.lastErr = msg.err.Error()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// setState replaces the state and derives per-job speeds from the byte
// counters of consecutive updates.
func (m *TUIModel) setState(s State) {
	m.state = s
	now := m.now()
	seen := make(map[uint64]bool)
	for _, job := range m.running() {
		seen[job.ID] = true
		if prev, ok := m.samples[job.ID]; ok {
			if dt := now.Sub(prev.at).Seconds(); dt > 0 {
				m.speeds[job.ID] = float64(job.CopiedBytes-prev.bytes) / dt
			}
		}
		m.samples[job.ID] = sample{bytes: job.CopiedBytes, at: now}
	}
	for id := range m.samples {
		if !seen[id] {
			delete(m.samples, id)
			delete(m.speeds, id)
		}
	}
	if n := len(m.running()); m.selected >= n {
		m.selected = max(0, n-1)
	}
}

// answer handles a key press while a conflict prompt is open.
func (m TUIModel) answer(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	req := m.conflicts[0]
	reply := engine.ConflictReply{Remember: m.remember, RememberGlobally: m.rememberGlobal}

	switch msg.String() {
	case "o":
		reply.Resolution = engine.ResolveOverwrite
	case "O":
		reply.Resolution, reply.Remember = engine.ResolveOverwrite, true
	case "s":
		reply.Resolution = engine.ResolveSkip
	case "S":
		reply.Resolution, reply.Remember = engine.ResolveSkip, true
	case "r":
		reply.Resolution = engine.ResolveRenameNew
	case "e":
		reply.Resolution = engine.ResolveRenameOld
	case "m":
		m.remember = !m.remember
		return m, nil
	case "g":
		m.rememberGlobal = !m.rememberGlobal
		return m, nil
	case "esc":
		req.Dismiss()
		m.nextConflict()
		return m, nil
	case "ctrl+c":
		req.Dismiss()
		return m, tea.Quit
	default:
		return m, nil
	}

	req.Respond(reply)
	m.nextConflict()
	return m, nil
}

func (m *TUIModel) nextConflict() {
	m.conflicts = m.conflicts[1:]
	m.remember = false
	m.rememberGlobal = false
}

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sb strings.Builder

	// Header
	var copied, total int64
	var speed float64
	for _, job := range m.running() {
		copied += job.CopiedBytes
		total += job.TotalBytes
		speed += m.speeds[job.ID]
	}
	percent := 0.0
	if total > 0 {
		percent = float64(copied) / float64(total)
	}
	header := fmt.Sprintf("%s devcopy %s", m.spinner.View(), m.titleStyle.Render("Device Transfer Queues"))
	sb.WriteString(header + "\n")
	sb.WriteString(m.infoStyle.Render(fmt.Sprintf("ETA: %s | %s | %s / %s",
		formatETA(percent, speed, total, copied), formatSpeed(speed), formatBytes(copied), formatBytes(total))) + "\n")

	if len(m.conflicts) > 0 {
		sb.WriteString(m.conflictView() + "\n")
	}

	m.viewport.SetContent(m.queuesView())
	sb.WriteString(m.viewport.View())

	// Footer
	help := m.helpStyle.Render("q: quit • ↑/↓: select • p: pause/resume • x: cancel job • c: cancel all")
	switch {
	case m.lastErr != "":
		help = m.errorStyle.Render(m.lastErr) + "\n" + help
	case m.state.Done:
		help = m.successStyle.Render("All transfers complete!") + " Press 'q' to exit."
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

func (m TUIModel) queuesView() string {
	if len(m.state.Queues) == 0 {
		return m.infoStyle.Render("No device queues...")
	}

	var b strings.Builder
	index := 0
	for _, q := range m.state.Queues {
		b.WriteString(fmt.Sprintf("%s [%s] pending: %d | done: %d ok, %d failed\n",
			m.titleStyle.Render(q.DeviceName), q.Status, len(q.Pending),
			q.Stats.SuccessfulTransfers, q.Stats.FailedTransfers))

		if q.Current == nil {
			b.WriteString(m.infoStyle.Render("  idle") + "\n")
			continue
		}
		job := q.Current
		pct := 0.0
		if job.TotalBytes > 0 {
			pct = float64(job.CopiedBytes) / float64(job.TotalBytes)
		}
		name := job.Name
		if len(name) > nameWidth {
			name = "..." + name[len(name)-nameWidth+3:]
		}
		// The bar goes last so a narrow window only clips the bar.
		line := fmt.Sprintf("%-*s %-9s %-11s %s %s",
			nameWidth, name, job.Status, fmt.Sprintf("%d/%d", job.CompletedItems, job.TotalItems),
			m.streamStyle.Render(fmt.Sprintf("%-11s", formatSpeed(m.speeds[job.ID]))), m.progress.ViewAs(pct))
		if index == m.selected {
			line = m.selectedStyle.Render("> ") + line
		} else {
			line = "  " + line
		}
		b.WriteString(line + "\n")
		index++

		for _, p := range q.Pending {
			b.WriteString(m.infoStyle.Render(fmt.Sprintf("    #%d %s (%s)", p.ID, p.Name, p.Priority)) + "\n")
		}
	}
	return b.String()
}

func (m TUIModel) conflictView() string {
	req := m.conflicts[0]
	onOff := func(v bool) string {
		if v {
			return "on"
		}
		return "off"
	}
	body := fmt.Sprintf("%s\n%s\nfrom %s\n\n%s\n%s",
		m.errorStyle.Render("File already exists"),
		req.Destination,
		req.Source,
		"o: overwrite • O: overwrite all • s: skip • S: skip all • r: rename new • e: rename existing",
		m.infoStyle.Render(fmt.Sprintf("m: remember for transfer (%s) • g: remember globally (%s) • esc: cancel transfer",
			onOff(m.remember), onOff(m.rememberGlobal))),
	)
	if n := len(m.conflicts) - 1; n > 0 {
		body += m.infoStyle.Render(fmt.Sprintf("\n%d more waiting", n))
	}
	return m.promptStyle.Render(body)
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GB/s", bytesPerSec/(1024*1024*1024))
	} else if bytesPerSec >= 1024*1024 {
		return fmt.Sprintf("%.2f MB/s", bytesPerSec/(1024*1024))
	} else if bytesPerSec >= 1024 {
		return fmt.Sprintf("%.2f KB/s", bytesPerSec/1024)
	}
	return fmt.Sprintf("%.0f B/s", bytesPerSec)
}

func formatBytes(n int64) string {
	return strings.TrimSuffix(formatSpeed(float64(n)), "/s")
}

func formatETA(progress float64, bytesPerSec float64, totalBytes, completedBytes int64) string {
	if progress == 0 || bytesPerSec <= 0 || totalBytes == 0 {
		return "Calculating..."
	}

	remainingBytes := totalBytes - completedBytes
	if remainingBytes <= 0 {
		return "0s"
	}

	d := time.Duration(float64(remainingBytes) / bytesPerSec * float64(time.Second))
	if d.Hours() > 24 {
		return "> 1d"
	}

	return d.Round(time.Second).String()
}
