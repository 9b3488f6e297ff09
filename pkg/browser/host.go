// Package browser drives Chrome over the DevTools protocol as a loader host.
// Resources run in an isolated world of each frame, and agents talk back
// through a runtime binding exposed only to that world.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/harun/frameloader/pkg/channel"
	"github.com/harun/frameloader/pkg/loader"
	"github.com/rs/zerolog"
)

const (
	DefaultBindingName = "__frameloaderPost"
	DefaultReceiveName = "__frameloaderReceive"
	DefaultWorldName   = "frameloader"
)

// Options configures a Host.
type Options struct {
	Browser   *rod.Browser
	Resources loader.ResourceReader
	// BindingName is the function agents post frames through.
	BindingName string
	// ReceiveName is the function the host delivers frames to.
	ReceiveName string
	// WorldName names the isolated world resources run in.
	WorldName string
	Logger    zerolog.Logger
}

// Host implements loader.Host on top of a browser.
type Host struct {
	opts    Options
	browser *rod.Browser
	logger  zerolog.Logger
	prelude string
	reg     atomic.Pointer[loader.Registry]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	pages    map[string]*pageState
	watching map[string]bool
}

type pageState struct {
	target    string
	page      *rod.Page
	incognito bool
	cancel    context.CancelFunc

	mu        sync.Mutex
	mainFrame proto.PageFrameID
	worlds    map[string]proto.RuntimeExecutionContextID
	frames    map[proto.RuntimeExecutionContextID]string
	ports     map[proto.RuntimeExecutionContextID]*cdpPort
}

// NewHost creates a host for opts.Browser. Call Attach and then Start.
func NewHost(opts Options) (*Host, error) {
	if opts.Browser == nil {
		return nil, errors.New("browser is required")
	}
	if opts.Resources == nil {
		return nil, errors.New("resources are required")
	}
	if opts.BindingName == "" {
		opts.BindingName = DefaultBindingName
	}
	if opts.ReceiveName == "" {
		opts.ReceiveName = DefaultReceiveName
	}
	if opts.WorldName == "" {
		opts.WorldName = DefaultWorldName
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		opts:     opts,
		browser:  opts.Browser,
		logger:   opts.Logger.With().Str("component", "browser").Logger(),
		prelude:  prelude(opts.BindingName, opts.ReceiveName),
		ctx:      ctx,
		cancel:   cancel,
		pages:    make(map[string]*pageState),
		watching: make(map[string]bool),
	}, nil
}

// Attach sets the registry navigations and agent ports are reported to.
func (h *Host) Attach(reg *loader.Registry) {
	h.reg.Store(reg)
}

// Start discovers the browser's pages and keeps watching for new ones.
func (h *Host) Start(ctx context.Context) error {
	b := h.browser.Context(h.ctx)
	go b.EachEvent(func(e *proto.TargetTargetCreated) {
		h.targetCreated(e.TargetInfo)
	}, func(e *proto.TargetTargetDestroyed) {
		h.targetDestroyed(string(e.TargetID))
	})()

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(h.browser.Context(ctx)); err != nil {
		return &BrowserError{Code: ErrCodeBrowserCrash, Message: fmt.Sprintf("Failed to discover targets: %v", err)}
	}

	pages, err := h.browser.Context(ctx).Pages()
	if err != nil {
		return &BrowserError{Code: ErrCodeBrowserCrash, Message: fmt.Sprintf("Failed to list pages: %v", err)}
	}
	for _, page := range pages {
		info, err := page.Info()
		if err != nil {
			h.logger.Warn().Err(err).Str("target", string(page.TargetID)).Msg("Failed to get target info")
			continue
		}
		h.targetCreated(info)
	}
	return nil
}

// Close stops watching the browser and disconnects every agent port. The
// browser itself is left running.
func (h *Host) Close() error {
	h.cancel()

	h.mu.Lock()
	pages := make([]*pageState, 0, len(h.pages))
	for _, ps := range h.pages {
		pages = append(pages, ps)
	}
	h.pages = make(map[string]*pageState)
	h.mu.Unlock()

	for _, ps := range pages {
		ps.cancel()
		ps.contextsCleared()
	}
	h.wg.Wait()
	return nil
}

func (h *Host) Inject(ctx context.Context, id loader.SessionID, resource string) error {
	ps, ok := h.page(id.Target)
	if !ok {
		return &BrowserError{Code: ErrCodeNotFound, Message: fmt.Sprintf("target %s not found", id.Target)}
	}

	source, err := h.opts.Resources.ReadFile(resource)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", resource, err)
	}

	world, err := h.world(ctx, ps, id.Frame)
	if err != nil {
		return err
	}
	return evaluate(ps.page.Context(ctx), world, h.prelude+"\n"+string(source))
}

func (h *Host) Targets(_ context.Context) ([]loader.TargetInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	targets := make([]loader.TargetInfo, 0, len(h.pages))
	for _, ps := range h.pages {
		targets = append(targets, loader.TargetInfo{ID: ps.target, Incognito: ps.incognito})
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	return targets, nil
}

func (h *Host) Frames(ctx context.Context, target string) ([]loader.FrameInfo, error) {
	ps, ok := h.page(target)
	if !ok {
		return nil, &BrowserError{Code: ErrCodeNotFound, Message: fmt.Sprintf("target %s not found", target)}
	}
	res, err := proto.PageGetFrameTree{}.Call(ps.page.Context(ctx))
	if err != nil {
		return nil, &BrowserError{Code: ErrCodeBrowserCrash, Message: fmt.Sprintf("Failed to get frame tree: %v", err)}
	}
	return flattenFrames(res.FrameTree), nil
}

func (h *Host) page(target string) (*pageState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ps, ok := h.pages[target]
	return ps, ok
}

func (h *Host) targetCreated(info *proto.TargetTargetInfo) {
	if info == nil || info.Type != proto.TargetTargetInfoTypePage {
		return
	}
	id := string(info.TargetID)

	h.mu.Lock()
	if h.watching[id] || h.ctx.Err() != nil {
		h.mu.Unlock()
		return
	}
	h.watching[id] = true
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		if err := h.watch(info); err != nil {
			h.logger.Warn().Err(err).Str("target", id).Msg("Failed to watch page")
			h.mu.Lock()
			delete(h.watching, id)
			h.mu.Unlock()
		}
	}()
}

func (h *Host) watch(info *proto.TargetTargetInfo) error {
	page, err := h.browser.Context(h.ctx).PageFromTarget(info.TargetID)
	if err != nil {
		return err
	}
	incognito, err := h.isIncognito(info.BrowserContextID)
	if err != nil {
		return err
	}

	pctx, cancel := context.WithCancel(h.ctx)
	ps := &pageState{
		target:    string(info.TargetID),
		page:      page.Context(pctx),
		incognito: incognito,
		cancel:    cancel,
		worlds:    make(map[string]proto.RuntimeExecutionContextID),
		frames:    make(map[proto.RuntimeExecutionContextID]string),
		ports:     make(map[proto.RuntimeExecutionContextID]*cdpPort),
	}

	go ps.page.EachEvent(func(e *proto.PageFrameNavigated) {
		h.frameNavigated(ps, e.Frame)
	}, func(e *proto.RuntimeBindingCalled) {
		h.bindingCalled(ps, e)
	}, func(e *proto.RuntimeExecutionContextDestroyed) {
		ps.contextDestroyed(e.ExecutionContextID)
	}, func(e *proto.RuntimeExecutionContextsCleared) {
		ps.contextsCleared()
	})()

	binding := proto.RuntimeAddBinding{Name: h.opts.BindingName, ExecutionContextName: h.opts.WorldName}
	if err := binding.Call(ps.page); err != nil {
		cancel()
		return err
	}
	tree, err := proto.PageGetFrameTree{}.Call(ps.page)
	if err != nil {
		cancel()
		return err
	}
	ps.mu.Lock()
	ps.mainFrame = tree.FrameTree.Frame.ID
	ps.mu.Unlock()

	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		cancel()
		return h.ctx.Err()
	}
	h.pages[ps.target] = ps
	h.mu.Unlock()

	h.logger.Debug().Str("target", ps.target).Bool("incognito", incognito).Msg("Watching page")
	return nil
}

func (h *Host) isIncognito(id proto.BrowserBrowserContextID) (bool, error) {
	if id == "" {
		return false, nil
	}
	res, err := proto.TargetGetBrowserContexts{}.Call(h.browser.Context(h.ctx))
	if err != nil {
		return false, err
	}
	return slices.Contains(res.BrowserContextIDs, id), nil
}

func (h *Host) targetDestroyed(target string) {
	h.mu.Lock()
	ps := h.pages[target]
	delete(h.pages, target)
	delete(h.watching, target)
	h.mu.Unlock()

	if ps == nil {
		return
	}
	ps.cancel()
	ps.contextsCleared()
	if reg := h.reg.Load(); reg != nil {
		reg.RemoveTarget(target)
	}
}

func (h *Host) frameNavigated(ps *pageState, frame *proto.PageFrame) {
	if frame == nil {
		return
	}
	id := ps.navigated(frame)

	reg := h.reg.Load()
	if reg == nil {
		return
	}
	reg.HandleNavigation(loader.Navigation{
		Target:    ps.target,
		Frame:     id,
		URL:       frame.URL,
		Incognito: ps.incognito,
	})
}

// bindingCalled handles a payload an agent posted: either a connect
// request naming the port or a frame for an open port.
func (h *Host) bindingCalled(ps *pageState, e *proto.RuntimeBindingCalled) {
	if e.Name != h.opts.BindingName {
		return
	}
	frame, ok := ps.frameOf(e.ExecutionContextID)
	if !ok {
		h.logger.Debug().Str("target", ps.target).Int("context", int(e.ExecutionContextID)).Msg("Binding called from unknown context")
		return
	}

	var hello struct {
		Connect *string `json:"connect"`
	}
	if err := json.Unmarshal([]byte(e.Payload), &hello); err == nil && hello.Connect != nil {
		h.connect(ps, e.ExecutionContextID, frame, *hello.Connect)
		return
	}

	var f channel.Frame
	if err := json.Unmarshal([]byte(e.Payload), &f); err != nil {
		h.logger.Warn().Err(err).Str("target", ps.target).Msg("Dropping malformed frame")
		return
	}
	if port := ps.port(e.ExecutionContextID); port != nil {
		port.deliver(f)
	}
}

func (h *Host) connect(ps *pageState, id proto.RuntimeExecutionContextID, frame, name string) {
	reg := h.reg.Load()
	if reg == nil {
		return
	}

	port := newCDPPort(ps.page, id, h.opts.ReceiveName)
	ps.mu.Lock()
	old := ps.ports[id]
	ps.ports[id] = port
	ps.mu.Unlock()
	if old != nil {
		old.disconnect(nil)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		_, err := reg.Connect(port, loader.ConnectInfo{
			Target:    ps.target,
			Frame:     frame,
			Incognito: ps.incognito,
			Name:      name,
		})
		if err != nil {
			h.logger.Warn().Err(err).Str("target", ps.target).Str("frame", frame).Msg("Rejected agent port")
			ps.dropPort(id, port)
		}
	}()
}

// world returns the isolated world of frame, creating it on first use.
func (h *Host) world(ctx context.Context, ps *pageState, frame string) (proto.RuntimeExecutionContextID, error) {
	ps.mu.Lock()
	if id, ok := ps.worlds[frame]; ok {
		ps.mu.Unlock()
		return id, nil
	}
	frameID := ps.cdpFrame(frame)
	ps.mu.Unlock()

	res, err := proto.PageCreateIsolatedWorld{
		FrameID:             frameID,
		WorldName:           h.opts.WorldName,
		GrantUniveralAccess: true,
	}.Call(ps.page.Context(ctx))
	if err != nil {
		return 0, &BrowserError{
			Code:    ErrCodeNotFound,
			Message: fmt.Sprintf("Failed to create world in %s/%s: %v", ps.target, frame, err),
		}
	}

	ps.mu.Lock()
	ps.worlds[frame] = res.ExecutionContextID
	ps.frames[res.ExecutionContextID] = frame
	ps.mu.Unlock()
	return res.ExecutionContextID, nil
}

// navigated records a committed navigation and returns the frame's id as
// the registry knows it.
func (ps *pageState) navigated(frame *proto.PageFrame) string {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if frame.ParentID == "" {
		ps.mainFrame = frame.ID
	}
	id := ps.frameID(frame.ID)
	delete(ps.worlds, id)
	return id
}

// frameID maps a DevTools frame id to a registry frame id. Callers hold mu.
func (ps *pageState) frameID(id proto.PageFrameID) string {
	if id == ps.mainFrame {
		return loader.TopFrame
	}
	return string(id)
}

// cdpFrame is the inverse of frameID. Callers hold mu.
func (ps *pageState) cdpFrame(id string) proto.PageFrameID {
	if id == loader.TopFrame {
		return ps.mainFrame
	}
	return proto.PageFrameID(id)
}

func (ps *pageState) frameOf(id proto.RuntimeExecutionContextID) (string, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	frame, ok := ps.frames[id]
	return frame, ok
}

func (ps *pageState) port(id proto.RuntimeExecutionContextID) *cdpPort {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.ports[id]
}

func (ps *pageState) dropPort(id proto.RuntimeExecutionContextID, port *cdpPort) {
	ps.mu.Lock()
	if ps.ports[id] == port {
		delete(ps.ports, id)
	}
	ps.mu.Unlock()
	port.disconnect(nil)
}

func (ps *pageState) contextDestroyed(id proto.RuntimeExecutionContextID) {
	ps.mu.Lock()
	if frame, ok := ps.frames[id]; ok {
		if ps.worlds[frame] == id {
			delete(ps.worlds, frame)
		}
		delete(ps.frames, id)
	}
	port := ps.ports[id]
	delete(ps.ports, id)
	ps.mu.Unlock()

	if port != nil {
		port.disconnect(nil)
	}
}

func (ps *pageState) contextsCleared() {
	ps.mu.Lock()
	ports := ps.ports
	ps.worlds = make(map[string]proto.RuntimeExecutionContextID)
	ps.frames = make(map[proto.RuntimeExecutionContextID]string)
	ps.ports = make(map[proto.RuntimeExecutionContextID]*cdpPort)
	ps.mu.Unlock()

	for _, port := range ports {
		port.disconnect(nil)
	}
}

// flattenFrames lists a frame tree depth first, root first. The root frame
// gets the id loader.TopFrame.
func flattenFrames(tree *proto.PageFrameTree) []loader.FrameInfo {
	if tree == nil || tree.Frame == nil {
		return nil
	}
	root := tree.Frame.ID

	var frames []loader.FrameInfo
	var walk func(t *proto.PageFrameTree)
	walk = func(t *proto.PageFrameTree) {
		id := string(t.Frame.ID)
		if t.Frame.ID == root {
			id = loader.TopFrame
		}
		frames = append(frames, loader.FrameInfo{ID: id, URL: t.Frame.URL})
		for _, child := range t.ChildFrames {
			walk(child)
		}
	}
	walk(tree)
	return frames
}

func evaluate(page *rod.Page, id proto.RuntimeExecutionContextID, expr string) error {
	res, err := proto.RuntimeEvaluate{
		Expression:    expr,
		ContextID:     id,
		AwaitPromise:  true,
		ReturnByValue: true,
	}.Call(page)
	if err != nil {
		return err
	}
	if res.ExceptionDetails != nil {
		return &BrowserError{
			Code:    ErrCodeScriptExecution,
			Message: exceptionText(res.ExceptionDetails),
		}
	}
	return nil
}

func exceptionText(d *proto.RuntimeExceptionDetails) string {
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	return d.Text
}

// prelude installs the agent side of the port: __frameloader.connect(name)
// returns an object with postMessage and onMessage.
func prelude(binding, receive string) string {
	return fmt.Sprintf(`(() => {
  if (globalThis.__frameloader) return;
  const post = globalThis[%[1]q];
  const listeners = [];
  globalThis[%[2]q] = (frame) => {
    for (const fn of listeners.slice()) fn(frame);
  };
  globalThis.__frameloader = {
    connect(name) {
      post(JSON.stringify({ connect: name }));
      return {
        postMessage(frame) { post(JSON.stringify(frame)); },
        onMessage(fn) { listeners.push(fn); },
      };
    },
  };
})();`, binding, receive)
}
