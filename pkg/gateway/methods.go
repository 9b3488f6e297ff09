package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/frameloader/pkg/loader"
)

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	r := s.router
	_ = Handle(r, "clients.list", s.handleClientsList)
	_ = Handle(r, "sessions.list", s.handleSessionsList)
	_ = Handle(r, "session.run", s.handleSessionRun)
	_ = Handle(r, "session.require", s.handleSessionRequire)
	_ = Handle(r, "session.detach", s.handleSessionDetach)
	_ = Handle(r, "bindings.list", s.handleBindingsList)
	_ = Handle(r, "bindings.apply", s.handleBindingsApply)
	_ = Handle(r, "debug.set", s.handleDebugSet)
}

type noParams struct{}

type sessionParams struct {
	Target string `json:"target"`
	Frame  string `json:"frame"`
}

func (p sessionParams) id() (loader.SessionID, error) {
	if p.Target == "" {
		return loader.SessionID{}, invalidParams("target is required")
	}
	return loader.SessionID{Target: p.Target, Frame: p.Frame}, nil
}

type runParams struct {
	sessionParams
	Source string `json:"source"`
	Args   []any  `json:"args"`
}

type requireParams struct {
	sessionParams
	Modules loader.Modules `json:"modules"`
}

type applyParams struct {
	Name string `json:"name"`
}

type debugParams struct {
	Debug *bool `json:"debug"`
}

func invalidParams(format string, args ...any) *RPCError {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

// sessionError maps loader errors on a session to RPC errors.
func sessionError(err error) error {
	if errors.Is(err, loader.ErrUnknownSession) || errors.Is(err, loader.ErrSessionDestroyed) {
		return &RPCError{Code: SessionNotFound, Message: err.Error()}
	}
	return err
}

func (s *Server) handleClientsList(context.Context, noParams) (any, error) {
	return s.clients.GetConnectedClients(), nil
}

func (s *Server) handleSessionsList(context.Context, noParams) (any, error) {
	reg, err := s.loaderRegistry()
	if err != nil {
		return nil, err
	}
	sessions := reg.Sessions()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sessionInfo(sess))
	}
	return infos, nil
}

func (s *Server) handleSessionRun(ctx context.Context, params runParams) (any, error) {
	id, err := params.id()
	if err != nil {
		return nil, err
	}
	if params.Source == "" {
		return nil, invalidParams("source is required")
	}
	if _, ok := s.existingSession(id); !ok {
		return nil, &RPCError{Code: SessionNotFound, Message: fmt.Sprintf("%v: %s", loader.ErrUnknownSession, id)}
	}

	reg, err := s.loaderRegistry()
	if err != nil {
		return nil, err
	}
	logger := loggerFromContext(ctx, s.logger)
	logger.Debug().Str("session", id.String()).Msg("Running source in session")
	result, err := reg.Run(ctx, id, params.Source, params.Args...)
	if err != nil {
		return nil, sessionError(err)
	}
	return result, nil
}

func (s *Server) handleSessionRequire(ctx context.Context, params requireParams) (any, error) {
	id, err := params.id()
	if err != nil {
		return nil, err
	}
	if _, ok := s.existingSession(id); !ok {
		return nil, &RPCError{Code: SessionNotFound, Message: fmt.Sprintf("%v: %s", loader.ErrUnknownSession, id)}
	}

	reg, err := s.loaderRegistry()
	if err != nil {
		return nil, err
	}
	n, err := reg.Require(ctx, id, params.Modules)
	if err != nil {
		return nil, sessionError(err)
	}
	return map[string]int{"loaded": n}, nil
}

func (s *Server) handleSessionDetach(_ context.Context, params sessionParams) (any, error) {
	id, err := params.id()
	if err != nil {
		return nil, err
	}
	reg, err := s.loaderRegistry()
	if err != nil {
		return nil, err
	}
	if err := reg.Detach(id); err != nil {
		return nil, sessionError(err)
	}
	return map[string]bool{"detached": true}, nil
}

func (s *Server) handleBindingsList(context.Context, noParams) (any, error) {
	reg, err := s.loaderRegistry()
	if err != nil {
		return nil, err
	}
	bindings := reg.Bindings()
	infos := make([]BindingInfo, 0, len(bindings))
	for _, b := range bindings {
		infos = append(infos, bindingInfo(b))
	}
	return infos, nil
}

func (s *Server) handleBindingsApply(ctx context.Context, params applyParams) (any, error) {
	if params.Name == "" {
		return nil, invalidParams("name is required")
	}
	reg, err := s.loaderRegistry()
	if err != nil {
		return nil, err
	}

	var binding *loader.Binding
	for _, b := range reg.Bindings() {
		if b.Name() == params.Name {
			binding = b
			break
		}
	}
	if binding == nil {
		return nil, invalidParams("unknown binding %q", params.Name)
	}

	result, err := reg.ApplyNow(ctx, binding)
	if err != nil {
		return nil, err
	}

	applied := make([]string, 0, len(result.Applied))
	for _, id := range result.Applied {
		applied = append(applied, id.String())
	}
	failed := make(map[string]string, len(result.Failed))
	for id, err := range result.Failed {
		failed[id.String()] = err.Error()
	}
	return map[string]any{"applied": applied, "failed": failed}, nil
}

func (s *Server) handleDebugSet(_ context.Context, params debugParams) (any, error) {
	if params.Debug == nil {
		return nil, invalidParams("debug is required")
	}
	reg, err := s.loaderRegistry()
	if err != nil {
		return nil, err
	}
	reg.SetDebug(*params.Debug)
	return map[string]bool{"debug": reg.Debug()}, nil
}
