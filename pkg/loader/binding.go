package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/harun/frameloader/pkg/matchpattern"
)

// FrameScope selects the frames a binding runs in.
type FrameScope string

const (
	// FramesTop runs only in matching root frames.
	FramesTop FrameScope = "top"
	// FramesMatching runs in every matching frame, whatever the root URL.
	FramesMatching FrameScope = "matching"
)

// ParseFrameScope validates s. The empty string selects FramesTop.
func ParseFrameScope(s string) (FrameScope, error) {
	switch FrameScope(s) {
	case "", FramesTop:
		return FramesTop, nil
	case FramesMatching:
		return FramesMatching, nil
	}
	return "", fmt.Errorf("%w, got %q", ErrInvalidFrames, s)
}

// Modules names the modules a binding loads: a list of ids, or a keyed
// object whose keys are the ids and whose values become each module's
// configuration. On the wire it is an array or an object accordingly.
type Modules struct {
	IDs    []string
	Config map[string]any
}

// ModuleIDs returns Modules loading ids.
func ModuleIDs(ids ...string) Modules {
	return Modules{IDs: ids}
}

// ModuleConfig returns Modules loading the keys of config.
func ModuleConfig(config map[string]any) Modules {
	return Modules{Config: config}
}

// Empty reports whether there is nothing to load.
func (m Modules) Empty() bool {
	return len(m.IDs) == 0 && len(m.Config) == 0
}

// Len returns the number of modules named.
func (m Modules) Len() int {
	if m.Config != nil {
		return len(m.Config)
	}
	return len(m.IDs)
}

func (m Modules) MarshalJSON() ([]byte, error) {
	if m.Config != nil {
		return json.Marshal(m.Config)
	}
	ids := m.IDs
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

func (m *Modules) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*m = Modules{}
		return nil
	case len(data) > 0 && data[0] == '{':
		var config map[string]any
		if err := json.Unmarshal(data, &config); err != nil {
			return err
		}
		*m = Modules{Config: config}
		return nil
	default:
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			return fmt.Errorf("modules must be an array, object or null: %w", err)
		}
		*m = Modules{IDs: ids}
		return nil
	}
}

// Entry is a procedure run after the modules are loaded, with its arguments.
type Entry struct {
	Source string `json:"source"`
	Args   []any  `json:"args,omitempty"`
}

// BindingOptions describes a binding.
type BindingOptions struct {
	Name      string
	Include   []string
	Exclude   []string
	Incognito bool
	Frames    FrameScope
	Modules   Modules
	Entry     *Entry
}

// MatchEvent is fired when a binding attaches to a session because its URL
// matched.
type MatchEvent struct {
	Session    *Session
	URL        string
	Attachment *Attachment
}

// Binding is a declarative script bundle the registry attaches to matching
// sessions. It holds no reference to the sessions it is attached to.
type Binding struct {
	mu    sync.RWMutex
	name  string
	rules *bindingRules

	onMatch Event[MatchEvent]
	onShow  Event[*Session]
	onHide  Event[*Session]
}

type bindingRules struct {
	include   []*matchpattern.Matcher
	exclude   []*matchpattern.Matcher
	incognito bool
	frames    FrameScope
	modules   Modules
	entry     *Entry
}

// NewBinding compiles opts. Malformed rules fail here, never at match time.
func NewBinding(opts BindingOptions) (*Binding, error) {
	rules, err := compileRules(opts)
	if err != nil {
		return nil, err
	}
	return &Binding{name: opts.Name, rules: rules}, nil
}

// Update replaces all rules at once. On error the binding is unchanged.
func (b *Binding) Update(opts BindingOptions) error {
	rules, err := compileRules(opts)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.name = opts.Name
	b.rules = rules
	b.mu.Unlock()
	return nil
}

func compileRules(opts BindingOptions) (*bindingRules, error) {
	include, err := matchpattern.CompileAll(opts.Include)
	if err != nil {
		return nil, fmt.Errorf("binding %q include: %w", opts.Name, err)
	}
	exclude, err := matchpattern.CompileAll(opts.Exclude)
	if err != nil {
		return nil, fmt.Errorf("binding %q exclude: %w", opts.Name, err)
	}
	frames, err := ParseFrameScope(string(opts.Frames))
	if err != nil {
		return nil, fmt.Errorf("binding %q: %w", opts.Name, err)
	}

	var entry *Entry
	if opts.Entry != nil {
		e := *opts.Entry
		if e.Args == nil {
			e.Args = []any{}
		}
		entry = &e
	}

	return &bindingRules{
		include:   include,
		exclude:   exclude,
		incognito: opts.Incognito,
		frames:    frames,
		modules:   opts.Modules,
		entry:     entry,
	}, nil
}

func (b *Binding) snapshot() *bindingRules {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rules
}

// Name returns the binding's name.
func (b *Binding) Name() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.name
}

// Include returns the sources of the include matchers.
func (b *Binding) Include() []string { return matchpattern.Sources(b.snapshot().include) }

// Exclude returns the sources of the exclude matchers.
func (b *Binding) Exclude() []string { return matchpattern.Sources(b.snapshot().exclude) }

func (b *Binding) Incognito() bool    { return b.snapshot().incognito }
func (b *Binding) Frames() FrameScope { return b.snapshot().frames }
func (b *Binding) Modules() Modules   { return b.snapshot().modules }
func (b *Binding) Entry() *Entry      { return b.snapshot().entry }

// OnMatch fires for every URL-triggered attachment.
func (b *Binding) OnMatch() *Event[MatchEvent] { return &b.onMatch }

// OnShow fires when a session the binding is attached to becomes visible.
func (b *Binding) OnShow() *Event[*Session] { return &b.onShow }

// OnHide fires when a session the binding is attached to is hidden.
func (b *Binding) OnHide() *Event[*Session] { return &b.onHide }

// Matches reports whether the binding would attach to a session with the
// given id, URL and incognito flag.
func (b *Binding) Matches(id SessionID, url string, incognito bool) bool {
	return b.snapshot().accepts(id, url, incognito)
}

func (r *bindingRules) accepts(id SessionID, url string, incognito bool) bool {
	if r.frames == FramesTop && !id.IsRoot() {
		return false
	}
	if incognito && !r.incognito {
		return false
	}
	if !matchpattern.AnyMatch(r.include, url) {
		return false
	}
	return !matchpattern.AnyMatch(r.exclude, url)
}
