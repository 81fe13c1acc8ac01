package relay

import "time"

// Conn is the server's entry for one client reached through the relay.
//
// An entry is created when the first payload for an unknown connection id is
// accepted. Until a payload carrying a non-zero cookie arrives the entry is
// not admitted and only cookie-bearing payloads reach the transport.
type Conn struct {
	mux       *ServerMux
	id        uint32
	cookie    uint32
	transport Transport

	helloReceived bool
	closed        bool

	createdAt    time.Duration
	lastActivity time.Duration
}

// ID is the relay-assigned connection id.
func (c *Conn) ID() uint32 { return c.id }

// Cookie is a random non-zero value issued to this connection. Transports
// hand it to the client in their handshake reply and expect it back as the
// first four little-endian bytes of every later payload.
func (c *Conn) Cookie() uint32 { return c.cookie }

// Admitted reports whether a cookie-bearing payload has been received.
func (c *Conn) Admitted() bool { return c.helloReceived }

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool { return c.closed }

// IdleFor is the tick time elapsed since the last payload was received.
func (c *Conn) IdleFor() time.Duration { return c.mux.now - c.lastActivity }

// Age is the tick time elapsed since the entry was created.
func (c *Conn) Age() time.Duration { return c.mux.now - c.createdAt }

// Send writes payload to this connection through the relay.
func (c *Conn) Send(payload []byte) error {
	if c.closed {
		return ErrClosed
	}
	return c.mux.SendTo(c.id, payload)
}

// Close schedules removal of the entry. The entry stays in the table until
// the datagram or tick being processed completes; the transport's
// OnConnectionClosed runs then. Close is idempotent.
func (c *Conn) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.mux.pendingRemoval[c.id] = struct{}{}
}
