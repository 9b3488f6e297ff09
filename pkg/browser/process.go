package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
)

const cdpTimeout = 10 * time.Second

// ProcessManager owns the browser behind a profile: it launches Chrome or
// attaches to a running instance, and kills only what it launched.
type ProcessManager struct {
	profile  Profile
	launcher *launcher.Launcher
	browser  *rod.Browser
	mu       sync.RWMutex
}

// NewProcessManager creates a new process manager for a profile
func NewProcessManager(profile Profile) *ProcessManager {
	return &ProcessManager{profile: profile}
}

// Start launches or attaches to the browser and connects to its DevTools
// endpoint. Calling Start on a running manager returns the same browser.
func (pm *ProcessManager) Start(ctx context.Context) (*rod.Browser, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.browser != nil {
		return pm.browser, nil
	}

	controlURL := pm.profile.ControlURL
	if controlURL == "" {
		u, err := pm.launch()
		if err != nil {
			return nil, err
		}
		controlURL = u
	}

	wsURL, err := waitForCDP(ctx, controlURL)
	if err != nil {
		pm.kill()
		return nil, err
	}

	b := rod.New().ControlURL(wsURL).Context(ctx)
	if err := b.Connect(); err != nil {
		pm.kill()
		return nil, &BrowserError{
			Code:    ErrCodeBrowserCrash,
			Message: fmt.Sprintf("Failed to connect to CDP: %v", err),
		}
	}

	// The connect context only bounds the handshake.
	pm.browser = b.Context(context.Background())
	return pm.browser, nil
}

func (pm *ProcessManager) launch() (string, error) {
	if err := pm.ensureUserDataDir(); err != nil {
		return "", &BrowserError{
			Code:    ErrCodeConfiguration,
			Message: fmt.Sprintf("Failed to create user data directory: %v", err),
		}
	}

	l := launcher.New().
		Headless(pm.profile.Headless).
		UserDataDir(pm.profile.UserDataDir)
	if pm.profile.NoSandbox {
		l = l.NoSandbox(true)
	}
	if pm.profile.ChromePath != "" {
		l = l.Bin(pm.profile.ChromePath)
	}
	for _, arg := range pm.profile.Args {
		name, values := parseArg(arg)
		if name != "" {
			l = l.Set(flags.Flag(name), values...)
		}
	}

	u, err := l.Launch()
	if err != nil {
		return "", &BrowserError{
			Code:    ErrCodeBrowserCrash,
			Message: fmt.Sprintf("Failed to launch Chrome: %v", err),
		}
	}
	pm.launcher = l
	return u, nil
}

// waitForCDP resolves controlURL to the browser's websocket endpoint,
// retrying until the endpoint answers.
func waitForCDP(ctx context.Context, controlURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cdpTimeout)
	defer cancel()

	for {
		u, err := launcher.ResolveURL(controlURL)
		if err == nil {
			return u, nil
		}

		select {
		case <-ctx.Done():
			return "", &BrowserError{
				Code:    ErrCodeTimeout,
				Message: fmt.Sprintf("CDP endpoint not available after %v", cdpTimeout),
				Details: err.Error(),
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Stop disconnects from the browser and kills it if it was launched here.
func (pm *ProcessManager) Stop() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var err error
	if pm.browser != nil {
		if pm.launcher != nil {
			err = pm.browser.Close()
		}
		pm.browser = nil
	}
	pm.kill()
	return err
}

func (pm *ProcessManager) kill() {
	if pm.launcher != nil {
		pm.launcher.Kill()
		pm.launcher = nil
	}
}

// IsRunning checks if the browser is connected
func (pm *ProcessManager) IsRunning() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.browser != nil
}

// ensureUserDataDir creates the user data directory if it doesn't exist
func (pm *ProcessManager) ensureUserDataDir() error {
	if pm.profile.UserDataDir == "" {
		name := pm.profile.Name
		if name == "" {
			name = "default"
		}
		pm.profile.UserDataDir = filepath.Join(os.TempDir(), "frameloader-profiles", name)
	}
	return os.MkdirAll(pm.profile.UserDataDir, 0755)
}

// UserDataDir returns the user data directory path
func (pm *ProcessManager) UserDataDir() string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.profile.UserDataDir
}

// parseArg splits a command line switch such as --lang=en,de into the flag
// name and its values.
func parseArg(arg string) (string, []string) {
	arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
	name, value, ok := strings.Cut(arg, "=")
	if !ok || value == "" {
		return name, nil
	}
	return name, strings.Split(value, ",")
}
