package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/frameloader/internal/metrics"
	"github.com/harun/frameloader/pkg/channel"
)

// methodsFor returns the methods a context agent may call on the controller
// through the channel of s.
func (r *Registry) methodsFor(s *Session) channel.Methods {
	return channel.Methods{
		"loadScript": channel.Concurrent(func(ctx context.Context, call *channel.Call) (any, error) {
			var url string
			if err := call.Arg(0, &url); err != nil {
				return nil, err
			}
			if err := r.loadScript(ctx, s, url); err != nil {
				return nil, remoteError(err)
			}
			return true, nil
		}),
		"ping": channel.Inline(func(context.Context, *channel.Call) (any, error) {
			return true, nil
		}),
		"pagehide": channel.Inline(func(context.Context, *channel.Call) (any, error) {
			s.hide()
			return nil, nil
		}),
		"pageshow": channel.Inline(func(context.Context, *channel.Call) (any, error) {
			s.show()
			return nil, nil
		}),
		"fetchResource": channel.Concurrent(func(_ context.Context, call *channel.Call) (any, error) {
			var url string
			if err := call.Arg(0, &url); err != nil {
				return nil, err
			}
			data, err := r.fetchResource(url)
			if err != nil {
				return nil, remoteError(err)
			}
			return data, nil
		}),
	}
}

// localPath maps a URL in the root namespace to its absolute resource path.
func (r *Registry) localPath(url string) (string, error) {
	if !strings.HasPrefix(url, r.opts.RootURL) {
		return "", fmt.Errorf("%w: %s", ErrResourceNotLocal, url)
	}
	return "/" + strings.TrimLeft(strings.TrimPrefix(url, r.opts.RootURL), "/"), nil
}

// loadScript injects a local resource into the session as code.
func (r *Registry) loadScript(ctx context.Context, s *Session, url string) error {
	path, err := r.localPath(url)
	if err != nil {
		return err
	}
	err = r.host.Inject(ctx, s.id, path)
	r.metrics.InjectionsTotal.WithLabelValues(metrics.Status(err)).Inc()
	if err != nil {
		return &InjectionError{Session: s.id, Resource: path, Err: err}
	}
	return nil
}

// fetchResource reads a local resource for the context's transport.
func (r *Registry) fetchResource(url string) ([]byte, error) {
	path, err := r.localPath(url)
	if err != nil {
		return nil, err
	}
	if r.opts.Resources == nil {
		return nil, fmt.Errorf("no resource filesystem configured")
	}
	return r.opts.Resources.ReadFile(path)
}

// remoteError shapes err the way the context expects to see it.
func remoteError(err error) error {
	if errors.Is(err, ErrResourceNotLocal) {
		return &channel.RemoteError{Name: "Error", Message: "Can only load local resources"}
	}
	return &channel.RemoteError{Name: "Error", Message: err.Error()}
}
