package daemon

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/frameloader/internal/config"
	"github.com/harun/frameloader/internal/logger"
	"github.com/harun/frameloader/pkg/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	tmpDir := t.TempDir()

	resDir := filepath.Join(tmpDir, "resources")
	require.NoError(t, os.MkdirAll(resDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(resDir, "content.js"), []byte("// agent"), 0644))

	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(tmpDir, "data")
	cfg.ResourcesDir = resDir
	cfg.Gateway.Port = 0
	cfg.Gateway.TickInterval = 0
	cfg.Gateway.ShutdownTimeout = 1
	cfg.Logging.Pretty = false
	return cfg
}

// createTestDaemon creates a gateway-hosted daemon on a random port
func createTestDaemon(t *testing.T, cfg *config.Config) (*Daemon, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	log, err := logger.New(logger.Config{Level: "debug", Out: out})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	daemon, err := New(cfg, log)
	require.NoError(t, err)
	return daemon, out
}

func TestNew(t *testing.T) {
	daemon, _ := createTestDaemon(t, testConfig(t))

	assert.NotNil(t, daemon.GetGateway())
	assert.NotNil(t, daemon.GetNotifier())
	assert.NotNil(t, daemon.lifecycle)
	assert.Nil(t, daemon.process)
	assert.Nil(t, daemon.GetRegistry())
}

func TestNew_Errors(t *testing.T) {
	log, err := logger.New(logger.Config{Out: &syncBuffer{}})
	require.NoError(t, err)

	_, err = New(nil, log)
	assert.Error(t, err)

	cfg := testConfig(t)
	_, err = New(cfg, nil)
	assert.Error(t, err)

	cfg.ResourcesDir = filepath.Join(t.TempDir(), "missing")
	_, err = New(cfg, log)
	assert.Error(t, err)
}

func TestNew_BrowserHost(t *testing.T) {
	cfg := testConfig(t)
	cfg.Host = config.HostBrowser
	cfg.Browser.ControlURL = "ws://127.0.0.1:9222"

	daemon, _ := createTestDaemon(t, cfg)
	require.NotNil(t, daemon.process)
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bindings = []config.BindingConfig{
		{Name: "wiki", Include: []string{"*://*.wikipedia.org/*"}, Script: "return 1"},
	}
	daemon, _ := createTestDaemon(t, cfg)

	require.NoError(t, daemon.Start())

	status := daemon.Status()
	assert.True(t, status.Running)
	assert.Equal(t, config.HostGateway, status.Host)
	assert.Equal(t, 1, status.Bindings)
	assert.Equal(t, 0, status.Sessions)
	assert.NotEmpty(t, status.Addr)
	assert.FileExists(t, PIDFile(cfg.DataDir))

	resp, err := http.Get("http://" + status.Addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Error(t, daemon.Start())

	require.NoError(t, daemon.Stop())
	assert.False(t, daemon.Status().Running)
	assert.NoFileExists(t, PIDFile(cfg.DataDir))

	assert.Error(t, daemon.Stop())
}

func TestDaemonStart_InvalidBinding(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bindings = []config.BindingConfig{{Name: "bad", Include: []string{"nope"}}}
	daemon, _ := createTestDaemon(t, cfg)

	assert.Error(t, daemon.Start())
	assert.False(t, daemon.Status().Running)
	assert.NoFileExists(t, PIDFile(cfg.DataDir))
}

func TestDaemonStatus(t *testing.T) {
	daemon, _ := createTestDaemon(t, testConfig(t))

	status := daemon.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)
	assert.Empty(t, status.Addr)

	require.NoError(t, daemon.Start())
	defer daemon.Stop()

	time.Sleep(10 * time.Millisecond)
	status = daemon.Status()
	assert.True(t, status.Running)
	assert.Greater(t, status.Uptime, time.Duration(0))
}

func TestDaemonReload(t *testing.T) {
	daemon, out := createTestDaemon(t, testConfig(t))
	require.NoError(t, daemon.Start())
	defer daemon.Stop()

	next := testConfig(t)
	next.Debug = true
	next.Bindings = []config.BindingConfig{
		{Name: "a", Include: []string{"*://a.example.com/*"}},
		{Name: "b", Include: []string{"*://b.example.com/*"}},
	}
	daemon.Reload(next)

	assert.Equal(t, 2, daemon.Status().Bindings)
	assert.True(t, daemon.GetRegistry().Debug())
	_, ok := daemon.GetBindings().Get("b")
	assert.True(t, ok)
	assert.Contains(t, out.String(), "Configuration reloaded")
}

func TestDaemonReload_NotRunning(t *testing.T) {
	daemon, _ := createTestDaemon(t, testConfig(t))

	next := testConfig(t)
	next.Debug = true
	daemon.Reload(next)

	assert.False(t, daemon.GetConfig().Debug)
}

func TestDaemonReload_NotifiesWithoutHoldingLock(t *testing.T) {
	daemon, _ := createTestDaemon(t, testConfig(t))
	require.NoError(t, daemon.Start())
	defer daemon.Stop()

	entered := make(chan struct{})
	release := make(chan struct{})
	daemon.notifier = notify.New(notify.SinkFunc(func(context.Context, notify.Notice) error {
		close(entered)
		<-release
		return nil
	}))

	next := testConfig(t)
	reloaded := make(chan struct{})
	go func() {
		defer close(reloaded)
		daemon.Reload(next)
	}()
	<-entered

	status := make(chan Status, 1)
	go func() { status <- daemon.Status() }()
	select {
	case s := <-status:
		assert.True(t, s.Running)
	case <-time.After(2 * time.Second):
		t.Fatal("Status blocked while a notification was pending")
	}

	close(release)
	<-reloaded
}

func TestDaemonTrack_DroppedAfterStop(t *testing.T) {
	daemon, _ := createTestDaemon(t, testConfig(t))
	require.NoError(t, daemon.Start())

	ran := make(chan struct{})
	require.True(t, daemon.track(func() { close(ran) }))
	<-ran

	require.NoError(t, daemon.Stop())
	assert.False(t, daemon.track(func() { t.Error("task ran after stop") }))
}
