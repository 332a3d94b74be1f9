package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/devcopy/device"
	"github.com/franksops/devcopy/engine"
	"github.com/franksops/devcopy/optimizer"
)

func TestLoad_CreatesDefaults(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "devcopy", "config.json")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.FileExists(t, path)
	assert.Equal(t, engine.DefaultGlobalPolicy(), cfg.ConflictResolution)
	assert.Equal(t, optimizer.ParallelChunks, cfg.CopyOptions.Algorithm)
	assert.Equal(t, 30*time.Second, cfg.ConflictTimeout())
	assert.Equal(t, 5*time.Second, cfg.SendTimeout())
	assert.Equal(t, 3, cfg.RetryPolicy().MaxRetries)
	assert.Equal(t, time.Second, cfg.RetryPolicy().RetryDelay)
	assert.Equal(t, engine.DefaultHistoryLimit, cfg.HistoryLimit)
	assert.Equal(t, filepath.Join(os.Getenv("XDG_STATE_HOME"), "devcopy"), cfg.StateDir)
	assert.Equal(t, filepath.Join(cfg.StateDir, "devcopy.db"), cfg.DatabasePath())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestDefaultPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "devcopy", "config.json"), path)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"conflict_resolution": {"default_action": "skip", "ask_for_confirmation": false},
		"copy_options": {"algorithm": "verified", "buffer_size": 131072},
		"devices": {"/media/usb": "usb3", "/mnt/archive": "hdd"},
		"state_dir": "/var/lib/devcopy"
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, engine.ActionSkip, cfg.ConflictResolution.DefaultAction)
	assert.False(t, cfg.ConflictResolution.AskForConfirmation)
	assert.Equal(t, engine.DefaultRenamePattern, cfg.ConflictResolution.RenamePattern)
	assert.Equal(t, optimizer.Verified, cfg.CopyOptions.Algorithm)
	assert.Equal(t, 131072, cfg.CopyOptions.BufferSize)
	assert.True(t, cfg.CopyOptions.PreserveAttributes)
	assert.Equal(t, map[string]device.Type{"/media/usb": device.USB3, "/mnt/archive": device.HDD}, cfg.Devices)
	assert.Equal(t, "/var/lib/devcopy", cfg.StateDir)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad json":        `{"conflict_resolution":`,
		"unknown action":  `{"conflict_resolution": {"default_action": "merge"}}`,
		"unknown device":  `{"devices": {"/media/x": "floppy"}}`,
		"relative device": `{"devices": {"media/x": "usb3"}}`,
		"huge buffer":     `{"copy_options": {"buffer_size": 1073741824}}`,
		"negative retry":  `{"retry": {"max_retries": -1}}`,
		"bad level":       `{"logging": {"level": "loud"}}`,
		"bad pattern":     `{"conflict_resolution": {"rename_pattern": "copy {counter}"}}`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestManager_UpdateConflictResolution(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, path, m.Path())

	policy := engine.GlobalPolicy{DefaultAction: engine.ActionOverwrite, RenamePattern: "{name}-{counter}"}
	require.NoError(t, m.UpdateConflictResolution(policy))
	assert.Equal(t, policy, m.Config().ConflictResolution)

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, policy, reloaded.ConflictResolution)

	// A rejected update leaves both memory and disk untouched.
	err = m.Update(func(c *AppConfig) error {
		c.CopyOptions.MaxThreads = 1000
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, optimizer.DefaultOptions().MaxThreads, m.Config().CopyOptions.MaxThreads)
}

func TestManager_ConfigIsACopy(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	require.NoError(t, m.Update(func(c *AppConfig) error {
		c.Devices = map[string]device.Type{"/media/usb": device.USB3}
		return nil
	}))

	cfg := m.Config()
	cfg.Devices["/media/sd"] = device.SDCard
	cfg.IgnorePatterns[0] = "changed"

	assert.Len(t, m.Config().Devices, 1)
	assert.Equal(t, ".DS_Store", m.Config().IgnorePatterns[0])
}

func TestManager_ConcurrentUpdates(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Update(func(c *AppConfig) error {
				c.HistoryLimit++
				return nil
			}))
		}()
	}
	wg.Wait()

	assert.Equal(t, engine.DefaultHistoryLimit+10, m.Config().HistoryLimit)
}

func TestSetupLogging(t *testing.T) {
	cfg := Default()
	cfg.StateDir = t.TempDir()
	cfg.Logging.Level = "warn"

	var console bytes.Buffer
	logger, closeLog, err := SetupLogging(cfg, &console)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("disk almost full", "device", "/media/usb")
	require.NoError(t, closeLog())

	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "disk almost full")

	name := "devcopy_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(cfg.StateDir, "logs", name))
	require.NoError(t, err)
	assert.Contains(t, string(data), "device=/media/usb")
}

func TestSetupLogging_Disabled(t *testing.T) {
	cfg := Default()
	cfg.StateDir = t.TempDir()
	cfg.Logging.Enabled = false

	var console bytes.Buffer
	logger, closeLog, err := SetupLogging(cfg, &console)
	require.NoError(t, err)
	logger.Error("nothing")
	require.NoError(t, closeLog())

	assert.Empty(t, console.String())
	assert.NoDirExists(t, filepath.Join(cfg.StateDir, "logs"))
}

func TestSetupLogging_FileOnly(t *testing.T) {
	cfg := Default()
	cfg.StateDir = t.TempDir()
	cfg.Logging.Level = "debug"

	logger, closeLog, err := SetupLogging(cfg, nil)
	require.NoError(t, err)
	logger.Debug("detail")
	require.NoError(t, closeLog())

	entries, err := os.ReadDir(filepath.Join(cfg.StateDir, "logs"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "devcopy_"))
}
