package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/frameloader/internal/config"
	"github.com/harun/frameloader/internal/logger"
	"github.com/harun/frameloader/internal/metrics"
	"github.com/harun/frameloader/pkg/browser"
	"github.com/harun/frameloader/pkg/gateway"
	"github.com/harun/frameloader/pkg/loader"
	"github.com/harun/frameloader/pkg/notify"
	"github.com/harun/frameloader/pkg/resources"
	"github.com/rs/zerolog"
)

// Daemon represents the frameloader controller service
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	metrics   *metrics.Metrics
	resources *resources.FS
	notifier  *notify.Service

	// Services
	gatewayServer *gateway.Server
	process       *browser.ProcessManager
	browserHost   *browser.Host
	registry      *loader.Registry
	bindings      *config.BindingSet
	watcher       *config.Watcher

	lifecycle *LifecycleManager

	// Runtime state
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	tasksMu   sync.Mutex
	draining  bool
	running   bool
	startTime time.Time
	mu        sync.RWMutex
}

// Status is a snapshot of the daemon.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Addr      string
	Host      string
	Sessions  int
	Bindings  int
}

// New creates a daemon for cfg. Nothing is started until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	d := &Daemon{
		config:  cfg,
		logger:  log,
		log:     log.Component("daemon"),
		metrics: metrics.NewMetrics(),
	}

	res, err := resources.NewOS(cfg.ResourcesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open resources: %w", err)
	}
	d.resources = res

	var sink notify.Sink = notify.LogSink{Logger: log.Component("notify")}
	if cfg.Notify.Throttle > 0 {
		sink = &notify.ThrottledSink{
			Sink:     sink,
			Interval: time.Duration(cfg.Notify.Throttle) * time.Millisecond,
		}
	}
	d.notifier = notify.New(sink)

	d.gatewayServer, err = gateway.NewServer(gateway.Config{
		Addr:                  cfg.Gateway.Addr(),
		SharedSecret:          cfg.Gateway.SharedSecret,
		ContentResource:       cfg.ContentResource,
		Resources:             res,
		TickInterval:          time.Duration(cfg.Gateway.TickInterval) * time.Millisecond,
		ConnectionsPerMinute:  cfg.Gateway.ConnectionsPerMinute,
		MaxConnectionsPerIP:   cfg.Gateway.MaxConnectionsPerIP,
		RequestsPerMinute:     cfg.Gateway.RequestsPerMinute,
		MaxConcurrentRequests: cfg.Gateway.MaxConcurrentRequests,
		ShutdownTimeout:       time.Duration(cfg.Gateway.ShutdownTimeout) * time.Second,
		Metrics:               d.metrics,
		Logger:                log.Zerolog(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway server: %w", err)
	}

	if cfg.Host == config.HostBrowser {
		d.process = browser.NewProcessManager(browser.Profile{
			Name:        cfg.Browser.Name,
			ControlURL:  cfg.Browser.ControlURL,
			Headless:    cfg.Browser.Headless,
			NoSandbox:   cfg.Browser.NoSandbox,
			UserDataDir: cfg.Browser.UserDataDir,
			ChromePath:  cfg.Browser.ChromePath,
			Args:        cfg.Browser.Args,
		})
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// WatchConfig makes the daemon reload bindings and the debug flag whenever
// the file behind l changes. It must be called before Start.
func (d *Daemon) WatchConfig(l *config.Loader) {
	d.watcher = config.NewWatcher(l, d.Reload, d.logger.Component("config"))
}

// Start starts the daemon
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("daemon is already running")
	}

	d.log.Info().
		Str("host", d.config.Host).
		Str("root_url", d.config.RootURL).
		Msg("Starting frameloader daemon")

	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.tasksMu.Lock()
	d.draining = false
	d.tasksMu.Unlock()

	if err := d.lifecycle.Start(); err != nil {
		d.cancel()
		return err
	}

	if err := d.start(); err != nil {
		d.shutdown()
		return err
	}

	d.running = true
	d.startTime = time.Now()

	d.log.Info().
		Str("addr", d.gatewayServer.Addr()).
		Int("bindings", d.bindings.Len()).
		Msg("Frameloader daemon started")

	return nil
}

func (d *Daemon) start() error {
	var host loader.Host = d.gatewayServer.Host()
	if d.process != nil {
		b, err := d.process.Start(d.ctx)
		if err != nil {
			return fmt.Errorf("failed to start browser: %w", err)
		}
		d.browserHost, err = browser.NewHost(browser.Options{
			Browser:   b,
			Resources: d.resources,
			WorldName: d.config.Browser.WorldName,
			Logger:    d.logger.Zerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create browser host: %w", err)
		}
		host = d.browserHost
	}

	reg, err := loader.NewRegistry(loader.Options{
		Host:             host,
		RootURL:          d.config.RootURL,
		ContentResource:  d.config.ContentResource,
		RequireResource:  d.config.RequireResource,
		PortName:         d.config.PortName,
		Debug:            d.config.Debug,
		Resources:        d.resources,
		Logger:           d.logger.Component("loader"),
		Metrics:          d.metrics,
		ConnectTimeout:   time.Duration(d.config.Loader.ConnectTimeout) * time.Second,
		ApplyConcurrency: d.config.Loader.ApplyConcurrency,
	})
	if err != nil {
		return fmt.Errorf("failed to create registry: %w", err)
	}
	d.registry = reg
	d.gatewayServer.Attach(reg)

	d.bindings = config.NewBindingSet(reg, d.logger.Component("bindings"))
	d.bindings.OnRegister = d.observe
	if err := d.bindings.Sync(d.config.Bindings); err != nil {
		return fmt.Errorf("failed to register bindings: %w", err)
	}

	if d.browserHost != nil {
		d.browserHost.Attach(reg)
		if err := d.browserHost.Start(d.ctx); err != nil {
			return fmt.Errorf("failed to start browser host: %w", err)
		}
	}

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	if d.watcher != nil {
		d.track(func() {
			if err := d.watcher.Run(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.log.Error().Err(err).Msg("Config watcher stopped")
			}
		})
	}

	return nil
}

// observe reports every attachment of b that fails.
func (d *Daemon) observe(b *loader.Binding) {
	b.OnMatch().Add(func(ev loader.MatchEvent) {
		d.track(func() {
			if _, err := ev.Attachment.Wait(d.ctx); err != nil && d.ctx.Err() == nil {
				_ = d.notifier.Error(d.ctx, fmt.Sprintf("Binding %q failed", b.Name()), err,
					ev.URL, ev.Session.ID().String())
			}
		})
	})
	b.OnShow().Add(func(s *loader.Session) {
		d.log.Debug().Str("binding", b.Name()).Str("session", s.ID().String()).Msg("Binding shown")
	})
	b.OnHide().Add(func(s *loader.Session) {
		d.log.Debug().Str("binding", b.Name()).Str("session", s.ID().String()).Msg("Binding hidden")
	})
}

// track runs fn on a goroutine that shutdown waits for. Once shutdown has
// begun fn is dropped.
func (d *Daemon) track(fn func()) bool {
	d.tasksMu.Lock()
	defer d.tasksMu.Unlock()
	if d.draining {
		return false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
	return true
}

// Reload applies the bindings and the debug flag of cfg. Everything else
// takes effect on restart.
func (d *Daemon) Reload(cfg *config.Config) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	ctx := d.ctx

	d.registry.SetDebug(cfg.Debug)
	d.config.Debug = cfg.Debug

	err := d.bindings.Sync(cfg.Bindings)
	if err == nil {
		d.config.Bindings = cfg.Bindings
	}
	count := d.bindings.Len()
	d.mu.Unlock()

	// Sinks may block; d.mu must not be held here.
	if err != nil {
		_ = d.notifier.Error(ctx, "Configuration reload failed", err)
		return
	}
	_ = d.notifier.Info(ctx, "Configuration reloaded", fmt.Sprintf("%d bindings", count))
}

// Stop stops the daemon
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	d.log.Info().Msg("Stopping frameloader daemon")
	d.shutdown()
	d.log.Info().Msg("Frameloader daemon stopped")

	return nil
}

// shutdown releases whatever start managed to bring up.
func (d *Daemon) shutdown() {
	if d.cancel != nil {
		d.cancel()
	}
	d.tasksMu.Lock()
	d.draining = true
	d.tasksMu.Unlock()

	if err := d.gatewayServer.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop gateway server")
	}

	if d.browserHost != nil {
		if err := d.browserHost.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close browser host")
		}
	}

	if d.registry != nil {
		if err := d.registry.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close registry")
		}
	}

	if d.process != nil {
		if err := d.process.Stop(); err != nil {
			d.log.Error().Err(err).Msg("Failed to stop browser")
		}
	}

	d.wg.Wait()

	if err := d.lifecycle.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.log.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Status returns daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		Host:    d.config.Host,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Addr = d.gatewayServer.Addr()
		status.Sessions = len(d.registry.Sessions())
		status.Bindings = d.bindings.Len()
	}

	return status
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetRegistry returns the session registry, nil before Start.
func (d *Daemon) GetRegistry() *loader.Registry {
	return d.registry
}

// GetGateway returns the gateway server
func (d *Daemon) GetGateway() *gateway.Server {
	return d.gatewayServer
}

// GetBindings returns the configured bindings, nil before Start.
func (d *Daemon) GetBindings() *config.BindingSet {
	return d.bindings
}

// GetNotifier returns the notification service
func (d *Daemon) GetNotifier() *notify.Service {
	return d.notifier
}
