package fanout

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteWait = 10 * time.Second
	defaultPongWait  = 60 * time.Second
)

// WebSocketConn adapts a gorilla WebSocket to Conn.
type WebSocketConn struct {
	// PongWait is how long ReadLoop waits for any frame from the peer,
	// pongs included, before giving up. Set it before ReadLoop starts.
	// Default: 60 seconds
	PongWait time.Duration

	w        http.ResponseWriter
	r        *http.Request
	upgrader *websocket.Upgrader

	mu       sync.Mutex
	ws       *websocket.Conn
	closed   bool
}

// NewWebSocketConn returns a Conn whose Accept upgrades the HTTP request.
// A nil upgrader uses gorilla's defaults.
func NewWebSocketConn(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader) *WebSocketConn {
	if upgrader == nil {
		upgrader = &websocket.Upgrader{}
	}
	return &WebSocketConn{w: w, r: r, upgrader: upgrader, PongWait: defaultPongWait}
}

// WrapWebSocket returns a Conn over an already upgraded connection. Accept
// is a no-op.
func WrapWebSocket(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws, PongWait: defaultPongWait}
}

// Accept upgrades the HTTP connection.
func (c *WebSocketConn) Accept(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ws != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ws, err := c.upgrader.Upgrade(c.w, c.r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}
	c.ws = ws
	return nil
}

// SendText writes one text frame. The write deadline comes from ctx, or
// defaults to ten seconds.
func (c *WebSocketConn) SendText(ctx context.Context, data []byte) error {
	ws, err := c.conn()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteWait)
	}
	if err := ws.SetWriteDeadline(deadline); err != nil {
		return c.mapErr(err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return c.mapErr(err)
	}
	return nil
}

// ReadLoop reads frames until the peer closes, ctx is done or the read
// deadline lapses without a pong. Each text frame is passed to handle.
// While it runs, a ping control frame is sent every nine tenths of
// PongWait; any frame from the peer extends the deadline. A normal close
// returns nil and a lapsed deadline returns ErrPongTimeout.
func (c *WebSocketConn) ReadLoop(ctx context.Context, handle func([]byte)) error {
	ws, err := c.conn()
	if err != nil {
		return err
	}

	wait := c.PongWait
	if wait <= 0 {
		wait = defaultPongWait
	}
	_ = ws.SetReadDeadline(time.Now().Add(wait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wait))
	})

	stop := context.AfterFunc(ctx, func() {
		_ = ws.SetReadDeadline(time.Now())
	})
	defer stop()

	done := make(chan struct{})
	defer close(done)
	period := wait * 9 / 10
	if period <= 0 {
		period = wait
	}
	go c.pingLoop(ws, period, done)

	for {
		msgType, msg, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("%w: %v", ErrPongTimeout, err)
			}
			return c.mapErr(err)
		}
		if msgType == websocket.TextMessage && handle != nil {
			handle(msg)
		}
		_ = ws.SetReadDeadline(time.Now().Add(wait))
	}
}

// pingLoop sends ping control frames every period until done is closed or
// a ping cannot be written. WriteControl may run alongside SendText.
func (c *WebSocketConn) pingLoop(ws *websocket.Conn, period time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteWait)); err != nil {
				return
			}
		}
	}
}

// Close sends a best-effort close frame and closes the socket.
func (c *WebSocketConn) Close() error {
	c.mu.Lock()
	if c.closed || c.ws == nil {
		c.closed = true
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return ws.Close()
}

func (c *WebSocketConn) conn() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrDisconnected
	}
	if c.ws == nil {
		return nil, errors.New("fanout: websocket not accepted")
	}
	return c.ws, nil
}

func (c *WebSocketConn) mapErr(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) || errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return err
}
