package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

// WebSocketPort carries frames over a websocket connection, one text
// message per frame.
type WebSocketPort struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu   sync.Mutex
	closed    atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once
	startOnce sync.Once
}

// NewWebSocketPort wraps an established connection.
func NewWebSocketPort(conn *websocket.Conn, logger zerolog.Logger) *WebSocketPort {
	return &WebSocketPort{conn: conn, logger: logger}
}

// Dial connects to a websocket endpoint and returns its port.
func Dial(ctx context.Context, url string, header http.Header, logger zerolog.Logger) (*WebSocketPort, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return NewWebSocketPort(conn, logger), nil
}

// Conn returns the underlying connection.
func (p *WebSocketPort) Conn() *websocket.Conn {
	return p.conn
}

func (p *WebSocketPort) Post(f Frame) error {
	if p.closed.Load() {
		return ErrPortClosed
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(f)
}

func (p *WebSocketPort) Start(onMessage func(Frame), onDisconnect func(error)) {
	p.startOnce.Do(func() {
		go p.readLoop(onMessage, onDisconnect)
	})
}

func (p *WebSocketPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closing.Store(true)
		p.closed.Store(true)

		p.writeMu.Lock()
		_ = p.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		p.writeMu.Unlock()

		err = p.conn.Close()
	})
	return err
}

func (p *WebSocketPort) readLoop(onMessage func(Frame), onDisconnect func(error)) {
	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			p.closed.Store(true)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !p.closing.Load() {
				p.logger.Error().Err(err).Msg("WebSocket error")
			}
			_ = p.conn.Close()
			if onDisconnect != nil {
				onDisconnect(err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			p.logger.Warn().Err(err).Msg("Dropping malformed frame")
			continue
		}
		if onMessage != nil {
			onMessage(f)
		}
	}
}
