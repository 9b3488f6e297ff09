package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/harun/frameloader/pkg/channel"
	"github.com/harun/frameloader/pkg/loader"
	"github.com/rs/zerolog"
)

// DialOptions describes the context an agent connects for.
type DialOptions struct {
	// URL is the gateway's base websocket URL, such as ws://host:port.
	URL       string
	Session   loader.SessionID
	PageURL   string
	Incognito bool
	// Name is the port name; it defaults to loader.DefaultPortName.
	Name         string
	SharedSecret string
	Logger       zerolog.Logger
}

// Dial connects a context agent to the gateway and returns the port its
// channel runs on.
func Dial(ctx context.Context, opts DialOptions) (*channel.WebSocketPort, error) {
	if opts.Name == "" {
		opts.Name = loader.DefaultPortName
	}

	q := url.Values{}
	q.Set("target", opts.Session.Target)
	if opts.Session.Frame != "" {
		q.Set("frame", opts.Session.Frame)
	}
	if opts.PageURL != "" {
		q.Set("url", opts.PageURL)
	}
	q.Set("incognito", strconv.FormatBool(opts.Incognito))
	q.Set("name", opts.Name)

	conn, err := dial(ctx, opts.URL+"/ws?"+q.Encode(), opts.SharedSecret)
	if err != nil {
		return nil, err
	}
	return channel.NewWebSocketPort(conn, opts.Logger), nil
}

// Subscribe connects to the gateway's event stream and calls fn for every
// event until ctx ends or the connection drops.
func Subscribe(ctx context.Context, baseURL, secret string, fn func(EventMessage)) error {
	conn, err := dial(ctx, baseURL+"/events", secret)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var msg EventMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if msg.Type == "event" {
			fn(msg)
		}
	}
}

func dial(ctx context.Context, target, secret string) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial gateway: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}
	if secret != "" {
		if err := authenticateClient(conn, secret); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}
