package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		output, err := execute(t, "start", "--help")
		require.NoError(t, err)

		assert.Contains(t, output, "Start the frameloader daemon")
		assert.Contains(t, output, "no-watch")
	})

	t.Run("daemon not running", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "test.pid")
		assert.False(t, isRunning(pidFile))
	})

	t.Run("daemon running", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "test.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644))
		assert.True(t, isRunning(pidFile))
	})

	t.Run("refuses a live daemon", func(t *testing.T) {
		path, dir := writeConfig(t, "")
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "data"), 0755))
		pid := []byte(strconv.Itoa(os.Getpid()))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "data", "frameloader.pid"), pid, 0644))

		_, err := execute(t, "start", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already running")
	})
}
