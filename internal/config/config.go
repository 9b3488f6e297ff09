package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Host kinds
const (
	HostGateway = "gateway"
	HostBrowser = "browser"
)

// Config represents the main frameloader configuration
type Config struct {
	// RootURL prefixes the controller's own resources.
	RootURL         string `json:"root_url" mapstructure:"root_url"`
	ContentResource string `json:"content_resource" mapstructure:"content_resource"`
	RequireResource string `json:"require_resource" mapstructure:"require_resource"`
	PortName        string `json:"port_name" mapstructure:"port_name"`
	Debug           bool   `json:"debug" mapstructure:"debug"`

	// ResourcesDir is the read-only directory resources are served from.
	ResourcesDir string `json:"resources_dir" mapstructure:"resources_dir"`

	// Host selects who runs injected resources: gateway or browser.
	Host string `json:"host" mapstructure:"host"`

	Loader   LoaderConfig    `json:"loader" mapstructure:"loader"`
	Gateway  GatewayConfig   `json:"gateway" mapstructure:"gateway"`
	Browser  BrowserConfig   `json:"browser" mapstructure:"browser"`
	Agent    AgentConfig     `json:"agent" mapstructure:"agent"`
	Notify   NotifyConfig    `json:"notify" mapstructure:"notify"`
	Logging  LoggingConfig   `json:"logging" mapstructure:"logging"`
	Bindings []BindingConfig `json:"bindings" mapstructure:"bindings"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// LoaderConfig tunes the session registry.
type LoaderConfig struct {
	ConnectTimeout   int `json:"connect_timeout" mapstructure:"connect_timeout"` // seconds
	ApplyConcurrency int `json:"apply_concurrency" mapstructure:"apply_concurrency"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port                  int    `json:"port" mapstructure:"port"`
	Host                  string `json:"host" mapstructure:"host"`
	SharedSecret          string `json:"shared_secret" mapstructure:"shared_secret"`
	TickInterval          int    `json:"tick_interval" mapstructure:"tick_interval"` // milliseconds
	ConnectionsPerMinute  int    `json:"connections_per_minute" mapstructure:"connections_per_minute"`
	MaxConnectionsPerIP   int    `json:"max_connections_per_ip" mapstructure:"max_connections_per_ip"`
	RequestsPerMinute     int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrentRequests int    `json:"max_concurrent_requests" mapstructure:"max_concurrent_requests"`
	ShutdownTimeout       int    `json:"shutdown_timeout" mapstructure:"shutdown_timeout"` // seconds
}

// Addr returns the listen address.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// BrowserConfig describes the browser the browser host drives.
type BrowserConfig struct {
	Name        string   `json:"name" mapstructure:"name"`
	ControlURL  string   `json:"control_url" mapstructure:"control_url"`
	Headless    bool     `json:"headless" mapstructure:"headless"`
	NoSandbox   bool     `json:"no_sandbox" mapstructure:"no_sandbox"`
	UserDataDir string   `json:"user_data_dir" mapstructure:"user_data_dir"`
	ChromePath  string   `json:"chrome_path" mapstructure:"chrome_path"`
	Args        []string `json:"args" mapstructure:"args"`
	WorldName   string   `json:"world_name" mapstructure:"world_name"`
}

// AgentConfig configures a context agent started with the agent command.
type AgentConfig struct {
	// ProbeSchedule is a cron spec for periodic unload probes.
	ProbeSchedule      string   `json:"probe_schedule" mapstructure:"probe_schedule"`
	ProbeOnReinjection bool     `json:"probe_on_reinjection" mapstructure:"probe_on_reinjection"`
	Imports            []string `json:"imports" mapstructure:"imports"`
}

// NotifyConfig configures user notifications.
type NotifyConfig struct {
	Throttle int `json:"throttle" mapstructure:"throttle"` // milliseconds, 0 disables
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	File   string `json:"file" mapstructure:"file"`
	Pretty bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		RootURL:         "http://127.0.0.1:8080/resources/",
		ContentResource: "content.js",
		PortName:        "require.scriptLoader",
		ResourcesDir:    "resources",
		Host:            HostGateway,
		Loader: LoaderConfig{
			ConnectTimeout:   10,
			ApplyConcurrency: 8,
		},
		Gateway: GatewayConfig{
			Port:                  8080,
			Host:                  "127.0.0.1",
			TickInterval:          30000,
			RequestsPerMinute:     60,
			MaxConcurrentRequests: 10,
			ShutdownTimeout:       30,
		},
		Browser: BrowserConfig{
			Name:      "default",
			Headless:  true,
			WorldName: "frameloader",
		},
		Agent: AgentConfig{
			ProbeOnReinjection: true,
		},
		Notify: NotifyConfig{
			Throttle: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
		Bindings: []BindingConfig{},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidateRootURL(c.RootURL); err != nil {
		return err
	}
	if c.ContentResource == "" {
		return fmt.Errorf("content_resource is required")
	}
	if c.PortName == "" {
		return fmt.Errorf("port_name is required")
	}
	if err := v.ValidateHost(c.Host); err != nil {
		return err
	}
	if err := v.ValidatePort(c.Gateway.Port); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Agent.ProbeSchedule != "" {
		if err := v.ValidateCronSchedule(c.Agent.ProbeSchedule); err != nil {
			return fmt.Errorf("agent: %w", err)
		}
	}
	if c.Host == HostBrowser && c.Browser.ControlURL != "" && !strings.Contains(c.Browser.ControlURL, "://") {
		return fmt.Errorf("browser: control_url must be a URL, got %q", c.Browser.ControlURL)
	}

	seen := make(map[string]bool)
	for i, b := range c.Bindings {
		if b.Name == "" {
			return fmt.Errorf("binding %d: name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("binding %s: duplicate name", b.Name)
		}
		seen[b.Name] = true
		if _, err := b.Compile(); err != nil {
			return err
		}
	}
	return nil
}
