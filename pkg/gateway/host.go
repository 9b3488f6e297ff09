package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/harun/frameloader/pkg/loader"
)

// ErrAgentNotConnected is returned when a session has no agent to inject into.
var ErrAgentNotConnected = errors.New("no agent connected for session")

// AgentHost is the loader host for contexts whose agents dial in over the
// gateway. Their agent is already running, so injecting the content
// resource only checks that one is connected. Other resources are read from
// the gateway's resources and evaluated by the agent.
type AgentHost struct {
	s *Server
}

func (h *AgentHost) Inject(ctx context.Context, id loader.SessionID, resource string) error {
	if _, ok := h.s.clients.Agent(id); !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotConnected, id)
	}
	if resource == h.s.cfg.ContentResource {
		return nil
	}

	if h.s.cfg.Resources == nil {
		return fmt.Errorf("no resources to read %s from", resource)
	}
	source, err := h.s.cfg.Resources.ReadFile(resource)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", resource, err)
	}

	sess, ok := h.s.existingSession(id)
	if !ok {
		return fmt.Errorf("%w: %s", loader.ErrUnknownSession, id)
	}
	_, err = sess.Request(ctx, "inject", resource, string(source))
	return err
}

// Targets lists the targets with at least one connected agent.
func (h *AgentHost) Targets(_ context.Context) ([]loader.TargetInfo, error) {
	seen := make(map[string]int)
	var targets []loader.TargetInfo
	for _, client := range h.s.clients.Agents() {
		i, ok := seen[client.Session.Target]
		if !ok {
			seen[client.Session.Target] = len(targets)
			targets = append(targets, loader.TargetInfo{ID: client.Session.Target, Incognito: client.Incognito})
			continue
		}
		if client.Session.IsRoot() {
			targets[i].Incognito = client.Incognito
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	return targets, nil
}

// Frames lists the connected frames of target, root first.
func (h *AgentHost) Frames(_ context.Context, target string) ([]loader.FrameInfo, error) {
	urls := make(map[string]string)
	for _, client := range h.s.clients.Agents() {
		if client.Session.Target == target {
			urls[client.Session.Frame] = client.URL
		}
	}
	frames := make([]loader.FrameInfo, 0, len(urls))
	for id, url := range urls {
		frames = append(frames, loader.FrameInfo{ID: id, URL: url})
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].ID < frames[j].ID })
	return frames, nil
}
