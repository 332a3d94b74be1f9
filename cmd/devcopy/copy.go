package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/franksops/devcopy/device"
	"github.com/franksops/devcopy/engine"
	"github.com/franksops/devcopy/optimizer"
	"github.com/franksops/devcopy/recovery"
	"github.com/franksops/devcopy/ui"
)

const tuiRefresh = 250 * time.Millisecond

type copyFlags struct {
	dest       string
	device     string
	deviceType string
	name       string
	priority   string
	algorithm  string
	bufferSize int
	threads    int
	verify     bool
	onConflict string
	headless   bool
}

func newCopyCmd() *cobra.Command {
	var f copyFlags
	cmd := &cobra.Command{
		Use:   "copy SOURCE... --to DIR",
		Short: "Copy files and directories to a device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCopy(cmd, args, f)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.dest, "to", "t", "", "Destination directory")
	flags.StringVar(&f.device, "device", "", "Device the destination lives on (default: the destination)")
	flags.StringVar(&f.deviceType, "device-type", "", "Override the detected device type (nvme, sata-ssd, hdd, usb3, usb2, usb1, sdcard, ramdisk, optical)")
	flags.StringVar(&f.name, "name", "", "Name shown for the transfer")
	flags.StringVarP(&f.priority, "priority", "p", "normal", "Priority: background, normal, interactive, critical")
	flags.StringVar(&f.algorithm, "algorithm", "", "Copy algorithm: standard, parallel-chunks, verified")
	flags.IntVar(&f.bufferSize, "buffer-size", 0, "Buffer size in bytes")
	flags.IntVar(&f.threads, "threads", 0, "Maximum parallel chunks per file")
	flags.BoolVar(&f.verify, "verify", false, "Verify every file after copying")
	flags.StringVar(&f.onConflict, "on-conflict", "", "Resolve conflicts without asking: overwrite, skip, rename_new, rename_old")
	flags.BoolVar(&f.headless, "no-tui", false, "Print progress as text and ask about conflicts on stdin")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// copyOptions applies the flags that were set on top of the configured
// options.
func copyOptions(cmd *cobra.Command, base optimizer.Options, f copyFlags) (optimizer.Options, error) {
	opts := base
	flags := cmd.Flags()
	if flags.Changed("algorithm") {
		a, err := optimizer.ParseAlgorithm(f.algorithm)
		if err != nil {
			return opts, err
		}
		opts.Algorithm = a
	}
	if flags.Changed("buffer-size") {
		if f.bufferSize <= 0 {
			return opts, fmt.Errorf("buffer size must be positive")
		}
		opts.BufferSize = f.bufferSize
	}
	if flags.Changed("threads") {
		if f.threads <= 0 {
			return opts, fmt.Errorf("thread count must be positive")
		}
		opts.MaxThreads = f.threads
	}
	if flags.Changed("verify") {
		opts.VerifyAfterCopy = f.verify
	}
	return opts, nil
}

func conflictOverride(s string, base engine.GlobalPolicy) (engine.GlobalPolicy, error) {
	a, err := engine.ParseConflictAction(s)
	if err != nil {
		return base, err
	}
	base.DefaultAction = a
	base.AskForConfirmation = a == engine.ActionAsk
	return base, nil
}

func entriesFor(paths []string) ([]engine.Entry, error) {
	entries := make([]engine.Entry, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		info, err := os.Lstat(abs)
		if err != nil {
			return nil, recovery.Classify("stat", abs, err)
		}
		entries = append(entries, engine.Entry{Path: abs, Size: info.Size(), IsDir: info.IsDir()})
	}
	return entries, nil
}

func runCopy(cmd *cobra.Command, args []string, f copyFlags) error {
	ctx := cmd.Context()

	var console io.Writer = os.Stderr
	if !f.headless {
		console = nil
	}
	e, err := openEnv(console)
	if err != nil {
		return err
	}
	defer e.Close()

	opts, err := copyOptions(cmd, e.cfg.CopyOptions, f)
	if err != nil {
		return err
	}
	priority, err := engine.ParsePriority(f.priority)
	if err != nil {
		return err
	}
	if f.onConflict != "" {
		if e.cfg.ConflictResolution, err = conflictOverride(f.onConflict, e.cfg.ConflictResolution); err != nil {
			return err
		}
	}
	entries, err := entriesFor(args)
	if err != nil {
		return err
	}
	dest, err := filepath.Abs(f.dest)
	if err != nil {
		return err
	}

	detector := e.detector()
	if f.deviceType != "" {
		t, err := device.ParseType(f.deviceType)
		if err != nil {
			return err
		}
		dev := f.device
		if dev == "" {
			dev = dest
		}
		detector.SetType(dev, t)
	}

	mgr, err := e.newManager(ctx, detector, &opts, nil)
	if err != nil {
		return err
	}
	defer mgr.Shutdown()

	name := f.name
	if name == "" {
		name = filepath.Base(entries[0].Path)
		if len(entries) > 1 {
			name = fmt.Sprintf("%s and %d more", name, len(entries)-1)
		}
	}

	decisions := make(chan engine.ConflictRequest)
	sub := engine.Submission{
		Device:      f.device,
		Destination: dest,
		Name:        name,
		Entries:     entries,
		Priority:    priority,
		Decisions:   decisions,
	}

	var progress chan engine.ProgressEvent
	if f.headless {
		progress = make(chan engine.ProgressEvent, 256)
		sub.Progress = progress
	}

	job, err := mgr.Submit(ctx, sub)
	if err != nil {
		return err
	}

	if f.headless {
		runHeadless(ctx, job, progress, decisions, os.Stdin, os.Stdout)
	} else if err := runTUI(ctx, mgr, decisions); err != nil {
		return err
	}

	select {
	case <-job.Done():
	case <-ctx.Done():
		job.Cancel()
		<-job.Done()
	}
	return summarize(os.Stdout, job)
}

func summarize(w io.Writer, job *engine.TransferJob) error {
	st := job.Stats()
	status := job.Status()
	fmt.Fprintf(w, "%s: %d/%d files, %s in %s\n",
		status, st.FilesCopied, st.FilesTotal, formatBytes(st.BytesTransferred), st.Elapsed.Round(time.Millisecond))
	for _, msg := range st.Errors {
		fmt.Fprintln(w, "  error:", msg)
	}
	switch status {
	case engine.StatusCompleted:
		return nil
	case engine.StatusError:
		return fmt.Errorf("%d item(s) failed", len(st.Errors))
	}
	return fmt.Errorf("transfer %s", status)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// runTUI shows the queues until the user quits or everything has finished.
// The TUI is the decision authority for conflicts.
func runTUI(ctx context.Context, mgr *engine.TransferManager, decisions <-chan engine.ConflictRequest) error {
	state := func() ui.State {
		return ui.State{Queues: mgr.Queues(), Done: !mgr.HasActiveTransfers()}
	}
	program := tea.NewProgram(ui.NewTUIModel(state(), mgr), tea.WithAltScreen(), tea.WithContext(ctx))

	feedCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		ticker := time.NewTicker(tuiRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-feedCtx.Done():
				return
			case req := <-decisions:
				program.Send(ui.ConflictMsg{Request: req})
			case <-ticker.C:
				program.Send(ui.StateMsg{State: state()})
			}
		}
	}()

	_, err := program.Run()
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return err
	}
	// Quitting the TUI early abandons what is still running.
	if mgr.HasActiveTransfers() {
		mgr.CancelAll()
	}
	return nil
}

// runHeadless prints progress and prompts for conflicts on in until the job
// finishes.
func runHeadless(ctx context.Context, job *engine.TransferJob, progress <-chan engine.ProgressEvent, decisions <-chan engine.ConflictRequest, in io.Reader, out io.Writer) {
	reader := bufio.NewReader(in)
	cancelled := ctx.Done()
	for {
		select {
		case ev := <-progress:
			printEvent(out, ev)
		case req := <-decisions:
			promptConflict(reader, out, req)
		case <-cancelled:
			job.Cancel()
			cancelled = nil
		case <-job.Done():
			for {
				select {
				case ev := <-progress:
					printEvent(out, ev)
				default:
					return
				}
			}
		}
	}
}

func printEvent(w io.Writer, ev engine.ProgressEvent) {
	switch ev.Kind {
	case engine.EventFileCompleted:
		fmt.Fprintf(w, "copied  %s (%s)\n", ev.Destination, formatBytes(ev.Size))
	case engine.EventDirectoryCreated:
		fmt.Fprintf(w, "mkdir   %s\n", ev.Destination)
	case engine.EventItemsAdded:
		fmt.Fprintf(w, "added   %d item(s)\n", ev.ItemCount)
	case engine.EventConflictResolved:
		fmt.Fprintf(w, "exists  %s: %s\n", ev.Destination, ev.Action)
	case engine.EventItemFailed:
		fmt.Fprintf(w, "failed  %s: %s\n", ev.Source, ev.Err)
	case engine.EventStatusChanged:
		fmt.Fprintf(w, "status  %s\n", ev.Status)
	}
}

const conflictChoices = "[o]verwrite, [O]verwrite all, [s]kip, [S]kip all, [r]ename, r[e]name existing, [c]ancel"

// parseAnswer maps a typed answer to a reply. ok is false for input that
// should be asked again.
func parseAnswer(s string) (reply engine.ConflictReply, cancel, ok bool) {
	s = strings.TrimSpace(s)
	global := strings.HasSuffix(s, "!")
	s = strings.TrimSuffix(s, "!")

	switch s {
	case "o":
		reply.Resolution = engine.ResolveOverwrite
	case "O":
		reply.Resolution, reply.Remember = engine.ResolveOverwrite, true
	case "s", "":
		reply.Resolution = engine.ResolveSkip
	case "S":
		reply.Resolution, reply.Remember = engine.ResolveSkip, true
	case "r":
		reply.Resolution = engine.ResolveRenameNew
	case "e":
		reply.Resolution = engine.ResolveRenameOld
	case "c":
		return reply, true, true
	default:
		return reply, false, false
	}
	reply.RememberGlobally = global
	return reply, false, true
}

// promptConflict asks on in until it gets a valid answer. End of input
// dismisses the request, which cancels the job.
func promptConflict(in *bufio.Reader, out io.Writer, req engine.ConflictRequest) {
	for {
		fmt.Fprintf(out, "%s already exists.\n%s (append ! to remember as default): ", req.Destination, conflictChoices)
		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(out)
			req.Dismiss()
			return
		}
		reply, cancel, ok := parseAnswer(line)
		if !ok {
			continue
		}
		if cancel {
			req.Dismiss()
			return
		}
		req.Respond(reply)
		return
	}
}
