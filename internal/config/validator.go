package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateRootURL requires an absolute URL ending in a slash, so resource
// paths can be appended to it.
func (v *Validator) ValidateRootURL(root string) error {
	if root == "" {
		return fmt.Errorf("root_url is required")
	}
	u, err := url.Parse(root)
	if err != nil {
		return fmt.Errorf("invalid root_url: %w", err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("invalid root_url: %s (must be absolute)", root)
	}
	if !strings.HasSuffix(root, "/") {
		return fmt.Errorf("invalid root_url: %s (must end with /)", root)
	}
	return nil
}

// ValidateHost validates the host kind
func (v *Validator) ValidateHost(host string) error {
	validHosts := []string{HostGateway, HostBrowser}
	for _, valid := range validHosts {
		if host == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid host: %s (must be one of: %s)", host, strings.Join(validHosts, ", "))
}

// ValidatePort validates a TCP port. Zero picks a free port.
func (v *Validator) ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateCronSchedule validates a cron spec such as "@every 30s"
func (v *Validator) ValidateCronSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation and reports every
// problem found.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateRootURL(cfg.RootURL); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateHost(cfg.Host); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
		errors = append(errors, fmt.Errorf("gateway: %w", err))
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}
	if cfg.Agent.ProbeSchedule != "" {
		if err := v.ValidateCronSchedule(cfg.Agent.ProbeSchedule); err != nil {
			errors = append(errors, fmt.Errorf("agent: %w", err))
		}
	}
	for _, b := range cfg.Bindings {
		if _, err := b.Compile(); err != nil {
			errors = append(errors, err)
		}
	}

	return errors
}
