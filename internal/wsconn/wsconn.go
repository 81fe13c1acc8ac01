// Package wsconn carries datagrams over a WebSocket: each binary message is
// exactly one datagram. It lets peers reach a relay from networks where UDP is
// blocked.
package wsconn

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
	writeWait        = 1 * time.Second
	handshakeTimeout = 10 * time.Second

	// MaxMessageBytes bounds a single inbound message.
	MaxMessageBytes = 64 * 1024
)

// Conn is a datagram connection over a WebSocket. Read and Write may be called
// concurrently with each other but not with themselves.
type Conn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(MaxMessageBytes)
	return &Conn{ws: ws}
}

// Dial connects to a ws:// or wss:// URL.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wsconn: dial (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("wsconn: dial: %w", err)
	}
	return newConn(ws), nil
}

// Upgrader accepts WebSocket datagram connections on an HTTP handler.
type Upgrader struct {
	// CheckOrigin is passed to the underlying upgrader. Nil accepts requests
	// without an Origin header and same-host origins.
	CheckOrigin func(r *http.Request) bool
}

func (u Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	up := websocket.Upgrader{CheckOrigin: u.CheckOrigin}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wsconn: upgrade: %w", err)
	}
	return newConn(ws), nil
}

// Read returns the next binary message. Text messages are skipped. A message
// larger than b is truncated, matching UDP semantics. A failed WebSocket cannot
// be read again, so every read error wraps net.ErrClosed.
func (c *Conn) Read(b []byte) (int, error) {
	for {
		typ, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, net.ErrClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return 0, err
			}
			return 0, fmt.Errorf("%w: %v", net.ErrClosed, err)
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		return copy(b, msg), nil
	}
}

func (c *Conn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close sends a normal close frame and closes the socket. It is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		if err := c.ws.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

func (c *Conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }
