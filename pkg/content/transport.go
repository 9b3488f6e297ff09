package content

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/harun/frameloader/pkg/channel"
)

// Hook is an interceptor an agent installs into its context. Hooks are
// detached in reverse order when the agent unloads.
type Hook interface {
	Detach()
}

// resourceTransport serves GETs for the controller's own resources over the
// channel and passes everything else to base.
type resourceTransport struct {
	agent    *Agent
	base     http.RoundTripper
	detached atomic.Bool
}

// Transport returns a RoundTripper that fetches URLs under the root URL
// through the controller. Once the agent unloads it forwards every request
// to base unchanged.
func (a *Agent) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &resourceTransport{agent: a, base: base}
	a.AddHook(t)
	return t
}

func (t *resourceTransport) Detach() {
	t.detached.Store(true)
}

func (t *resourceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	url := req.URL.String()
	if t.detached.Load() || req.Method != http.MethodGet || !strings.HasPrefix(url, t.agent.opts.RootURL) {
		return t.base.RoundTrip(req)
	}

	data, err := channel.RequestAs[[]byte](req.Context(), t.agent.ch, "fetchResource", url)
	if err != nil {
		return nil, fmt.Errorf("failed to load %q from controller: %w", url, err)
	}

	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Length": {strconv.Itoa(len(data))}},
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: int64(len(data)),
		Request:       req,
	}, nil
}
