package main

import (
	"bufio"
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/devcopy/device"
	"github.com/franksops/devcopy/engine"
	"github.com/franksops/devcopy/optimizer"
	"github.com/franksops/devcopy/store"
)

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		in     string
		want   engine.ConflictReply
		cancel bool
		ok     bool
	}{
		{"o\n", engine.ConflictReply{Resolution: engine.ResolveOverwrite}, false, true},
		{"O", engine.ConflictReply{Resolution: engine.ResolveOverwrite, Remember: true}, false, true},
		{"\n", engine.ConflictReply{Resolution: engine.ResolveSkip}, false, true},
		{"S!", engine.ConflictReply{Resolution: engine.ResolveSkip, Remember: true, RememberGlobally: true}, false, true},
		{" r ", engine.ConflictReply{Resolution: engine.ResolveRenameNew}, false, true},
		{"e", engine.ConflictReply{Resolution: engine.ResolveRenameOld}, false, true},
		{"c", engine.ConflictReply{}, true, true},
		{"maybe", engine.ConflictReply{}, false, false},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.in), func(t *testing.T) {
			got, cancel, ok := parseAnswer(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.cancel, cancel)
			if ok && !cancel {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func request() (engine.ConflictRequest, chan engine.ConflictReply) {
	reply := make(chan engine.ConflictReply, 1)
	return engine.ConflictRequest{Source: "/src/a.txt", Destination: "/dst/a.txt", Reply: reply}, reply
}

func TestPromptConflict_AsksAgainOnBadInput(t *testing.T) {
	req, reply := request()
	var out bytes.Buffer
	promptConflict(bufio.NewReader(strings.NewReader("what\nO\n")), &out, req)

	got, ok := <-reply
	require.True(t, ok)
	assert.Equal(t, engine.ResolveOverwrite, got.Resolution)
	assert.True(t, got.Remember)
	assert.Equal(t, 2, strings.Count(out.String(), "/dst/a.txt already exists"))
}

func TestPromptConflict_EndOfInputDismisses(t *testing.T) {
	req, reply := request()
	promptConflict(bufio.NewReader(strings.NewReader("")), &bytes.Buffer{}, req)

	_, ok := <-reply
	assert.False(t, ok)
}

func TestConflictOverride(t *testing.T) {
	p, err := conflictOverride("rename-new", engine.DefaultGlobalPolicy())
	require.NoError(t, err)
	assert.Equal(t, engine.ActionRenameNew, p.DefaultAction)
	assert.False(t, p.AskForConfirmation)
	assert.Equal(t, engine.DefaultRenamePattern, p.RenamePattern)

	p, err = conflictOverride("ask", p)
	require.NoError(t, err)
	assert.True(t, p.AskForConfirmation)

	_, err = conflictOverride("merge", p)
	assert.Error(t, err)
}

func TestCopyOptions_OnlyChangedFlags(t *testing.T) {
	cmd := newCopyCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--to", "/dst", "--algorithm", "verified", "--threads", "2"}))

	base := optimizer.DefaultOptions()
	opts, err := copyOptions(cmd, base, flagsOf(t, cmd))
	require.NoError(t, err)
	assert.Equal(t, optimizer.Verified, opts.Algorithm)
	assert.Equal(t, 2, opts.MaxThreads)
	assert.Equal(t, base.BufferSize, opts.BufferSize)
	assert.Equal(t, base.VerifyAfterCopy, opts.VerifyAfterCopy)

	cmd = newCopyCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--buffer-size", "0"}))
	_, err = copyOptions(cmd, base, flagsOf(t, cmd))
	assert.Error(t, err)
}

// flagsOf reads the parsed flag values back into a copyFlags.
func flagsOf(t *testing.T, cmd *cobra.Command) copyFlags {
	t.Helper()
	var f copyFlags
	var err error
	f.algorithm, err = cmd.Flags().GetString("algorithm")
	require.NoError(t, err)
	f.bufferSize, err = cmd.Flags().GetInt("buffer-size")
	require.NoError(t, err)
	f.threads, err = cmd.Flags().GetInt("threads")
	require.NoError(t, err)
	f.verify, err = cmd.Flags().GetBool("verify")
	require.NoError(t, err)
	return f
}

func TestEntriesFor(t *testing.T) {
	dir := t.TempDir()
	_, err := entriesFor([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)

	entries, err := entriesFor([]string{dir})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsDir)
	assert.Equal(t, dir, entries[0].Path)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 GiB", formatBytes(2<<30))
}

func TestPrintEvent(t *testing.T) {
	var out bytes.Buffer
	printEvent(&out, engine.ProgressEvent{Kind: engine.EventFileCompleted, Destination: "/dst/a", Size: 2048})
	printEvent(&out, engine.ProgressEvent{Kind: engine.EventConflictResolved, Destination: "/dst/b", Action: "Skip"})
	printEvent(&out, engine.ProgressEvent{Kind: engine.EventFileStarted, Destination: "/dst/c"})

	assert.Equal(t, "copied  /dst/a (2.0 KiB)\nexists  /dst/b: Skip\n", out.String())
}

func TestPrintHistory(t *testing.T) {
	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "devcopy.db"))
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	require.NoError(t, db.SaveJob(&store.JobRecord{ID: "1", Name: "photos", Device: "/media/sd", State: store.StateCompleted, TotalItems: 3, CompletedItems: 3, CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, db.SaveJob(&store.JobRecord{ID: "2", Name: "music", Device: "/media/usb", State: store.StateCopying, TotalItems: 9, CompletedItems: 1, CreatedAt: now}))
	require.NoError(t, db.SaveQueueStats(&store.QueueStats{Device: "/media/sd", Successful: 4, Failed: 1, LastTransferAt: now}))

	var out bytes.Buffer
	require.NoError(t, printHistory(&out, db, 1))
	assert.Contains(t, out.String(), "music")
	assert.NotContains(t, out.String(), "photos")
	assert.Contains(t, out.String(), "/media/sd")

	n, err := pruneHistory(db)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	jobs, err := db.ListJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "2", jobs[0].ID)
}

func TestPrintDevices(t *testing.T) {
	var out bytes.Buffer
	info := device.NewInfo("/media/usb", device.USB3)
	info.Removable = true
	printDevices(&out, []device.Info{info})

	assert.Contains(t, out.String(), "/media/usb")
	assert.Contains(t, out.String(), "usb3")
	assert.Contains(t, out.String(), "400 MB/s")
	assert.Contains(t, out.String(), "removable")
}
