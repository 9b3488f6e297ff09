package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/harun/frameloader/pkg/loader"
	"github.com/rs/zerolog"
)

// BindingConfig declares one binding. Modules is either a list of module
// ids or an object keyed by id whose values configure each module.
type BindingConfig struct {
	Name      string   `json:"name" mapstructure:"name"`
	Include   []string `json:"include,omitempty" mapstructure:"include"`
	Exclude   []string `json:"exclude,omitempty" mapstructure:"exclude"`
	Incognito bool     `json:"incognito,omitempty" mapstructure:"incognito"`
	Frames    string   `json:"frames,omitempty" mapstructure:"frames"`
	Modules   any      `json:"modules,omitempty" mapstructure:"modules"`
	Script    string   `json:"script,omitempty" mapstructure:"script"`
	Args      []any    `json:"args,omitempty" mapstructure:"args"`
}

// Options converts the declaration into loader options.
func (b BindingConfig) Options() (loader.BindingOptions, error) {
	frames, err := loader.ParseFrameScope(b.Frames)
	if err != nil {
		return loader.BindingOptions{}, fmt.Errorf("binding %s: %w", b.Name, err)
	}

	opts := loader.BindingOptions{
		Name:      b.Name,
		Include:   b.Include,
		Exclude:   b.Exclude,
		Incognito: b.Incognito,
		Frames:    frames,
	}

	if b.Modules != nil {
		data, err := json.Marshal(b.Modules)
		if err != nil {
			return loader.BindingOptions{}, fmt.Errorf("binding %s: %w", b.Name, err)
		}
		if err := json.Unmarshal(data, &opts.Modules); err != nil {
			return loader.BindingOptions{}, fmt.Errorf("binding %s: %w", b.Name, err)
		}
	}
	if b.Script != "" {
		opts.Entry = &loader.Entry{Source: b.Script, Args: b.Args}
	}
	return opts, nil
}

// Compile builds the binding, rejecting malformed match patterns.
func (b BindingConfig) Compile() (*loader.Binding, error) {
	opts, err := b.Options()
	if err != nil {
		return nil, err
	}
	return loader.NewBinding(opts)
}

// BindingSet keeps a registry's bindings in line with a configuration.
type BindingSet struct {
	reg    *loader.Registry
	logger zerolog.Logger

	// OnRegister, when set, sees every binding before it is registered.
	OnRegister func(*loader.Binding)

	mu       sync.Mutex
	bindings map[string]*loader.Binding
}

// NewBindingSet creates an empty set for reg.
func NewBindingSet(reg *loader.Registry, logger zerolog.Logger) *BindingSet {
	return &BindingSet{
		reg:      reg,
		logger:   logger.With().Str("component", "bindings").Logger(),
		bindings: make(map[string]*loader.Binding),
	}
}

// Sync registers new bindings, updates changed ones in place and
// unregisters those no longer declared. A declaration that fails to compile
// leaves its binding as it was; the first such error is returned.
func (s *BindingSet) Sync(cfgs []BindingConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	fail := func(err error) {
		s.logger.Error().Err(err).Msg("Invalid binding")
		if firstErr == nil {
			firstErr = err
		}
	}

	declared := make(map[string]bool, len(cfgs))
	for _, cfg := range cfgs {
		declared[cfg.Name] = true

		opts, err := cfg.Options()
		if err != nil {
			fail(err)
			continue
		}

		if b, ok := s.bindings[cfg.Name]; ok {
			if err := b.Update(opts); err != nil {
				fail(err)
			}
			continue
		}

		b, err := loader.NewBinding(opts)
		if err != nil {
			fail(err)
			continue
		}
		if s.OnRegister != nil {
			s.OnRegister(b)
		}
		if err := s.reg.Register(b); err != nil {
			fail(err)
			continue
		}
		s.bindings[cfg.Name] = b
		s.logger.Info().Str("binding", cfg.Name).Msg("Binding loaded")
	}

	for name, b := range s.bindings {
		if !declared[name] {
			s.reg.Unregister(b)
			delete(s.bindings, name)
			s.logger.Info().Str("binding", name).Msg("Binding removed")
		}
	}
	return firstErr
}

// Get returns the binding declared under name.
func (s *BindingSet) Get(name string) (*loader.Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[name]
	return b, ok
}

// Len returns the number of registered bindings.
func (s *BindingSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bindings)
}
