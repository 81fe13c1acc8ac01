package netsession

import (
	"log/slog"
	"time"
)

type clientState int

const (
	clientIdle clientState = iota
	clientHandshaking
	clientConnected
	clientClosed
)

// ClientCallbacks are invoked from the goroutine driving the relay session.
type ClientCallbacks struct {
	OnConnected    func()
	OnData         func(body []byte)
	OnDisconnected func(reason error)
}

// Client is the client half of a session. It implements relay.Transport and
// relay.Ticker; attach the relay session it rides on with Attach.
type Client struct {
	cfg Config
	cb  ClientCallbacks
	log *slog.Logger

	sender Sender
	state  clientState
	cookie uint32

	idle      time.Duration
	handshake time.Duration
	keepalive time.Duration

	buf []byte
}

func NewClient(cfg Config, cb ClientCallbacks) *Client {
	cfg = cfg.withDefaults()
	return &Client{cfg: cfg, cb: cb, log: cfg.Logger}
}

// Attach sets the relay session used to send messages.
func (c *Client) Attach(s Sender) { c.sender = s }

func (c *Client) Connected() bool { return c.state == clientConnected }

// OnConnectionOpened starts the handshake once the relay reports the path as
// valid.
func (c *Client) OnConnectionOpened() {
	if c.state != clientIdle {
		return
	}
	c.state = clientHandshaking
	c.handshake = 0
	c.sendControl(kindHello, 0)
}

func (c *Client) OnPayloadReceived(payload []byte) {
	cookie, k, body, ok := parseMessage(payload)
	if !ok || c.state == clientClosed {
		return
	}

	switch c.state {
	case clientHandshaking:
		if k != kindHelloAck || cookie == 0 {
			return
		}
		c.cookie = cookie
		c.state = clientConnected
		c.idle = 0
		c.keepalive = 0
		c.log.Info("session connected", "cookie", cookie)
		if c.cb.OnConnected != nil {
			c.cb.OnConnected()
		}
	case clientConnected:
		if cookie != c.cookie {
			return
		}
		c.idle = 0
		switch k {
		case kindData:
			if c.cb.OnData != nil {
				c.cb.OnData(body)
			}
		case kindDisconnect:
			c.finish(ErrPeerDisconnected)
		}
	}
}

// OnConnectionClosed is called when the relay path is torn down.
func (c *Client) OnConnectionClosed() {
	c.finish(ErrRelayClosed)
}

func (c *Client) Tick(dt time.Duration) {
	if c.state == clientClosed {
		return
	}
	c.idle += dt
	if c.idle >= c.cfg.Timeout {
		c.finish(ErrTimeout)
		return
	}

	switch c.state {
	case clientHandshaking:
		c.handshake += dt
		if c.handshake >= c.cfg.HandshakeInterval {
			c.handshake = 0
			c.sendControl(kindHello, 0)
		}
	case clientConnected:
		c.keepalive += dt
		if c.keepalive >= c.cfg.KeepaliveInterval {
			c.keepalive = 0
			c.sendControl(kindPing, c.cookie)
		}
	}
}

// Send sends body to the server.
func (c *Client) Send(body []byte) error {
	if c.state != clientConnected {
		return ErrNotConnected
	}
	c.buf = appendMessage(c.buf[:0], c.cookie, kindData, body)
	return c.sender.Send(c.buf)
}

// Disconnect notifies the server and closes the session. It is idempotent.
func (c *Client) Disconnect() {
	if c.state == clientConnected {
		c.sendControl(kindDisconnect, c.cookie)
	}
	c.finish(nil)
}

func (c *Client) finish(reason error) {
	if c.state == clientClosed {
		return
	}
	c.state = clientClosed
	c.log.Info("session disconnected", "reason", errString(reason))
	if c.cb.OnDisconnected != nil {
		c.cb.OnDisconnected(reason)
	}
}

func (c *Client) sendControl(k kind, cookie uint32) {
	if c.sender == nil {
		return
	}
	c.buf = appendMessage(c.buf[:0], cookie, k, nil)
	if err := c.sender.Send(c.buf); err != nil {
		c.log.Warn("session send failed", "kind", int(k), "err", err)
	}
}

func errString(err error) string {
	if err == nil {
		return "local"
	}
	return err.Error()
}
