// Package netsession is a small unreliable session layer carried inside relay
// payloads. It adds a hello/cookie handshake, keepalives, a liveness timeout
// and an explicit disconnect on top of the relay's opaque datagrams.
//
// Every message is laid out as
//
//	[cookie:4][kind:1][body:N]
//
// with the cookie little-endian. The client's hello carries cookie 0; the
// server answers with the cookie issued by the relay multiplexer for that
// connection and every later message in either direction must carry it.
package netsession

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"time"
)

type kind byte

const (
	kindHello      kind = 1
	kindHelloAck   kind = 2
	kindData       kind = 3
	kindPing       kind = 4
	kindDisconnect kind = 5
)

const headerLen = 5

var (
	ErrNotConnected = errors.New("netsession: not connected")
	// ErrTimeout is reported when nothing was heard from the peer within
	// Config.Timeout.
	ErrTimeout          = errors.New("netsession: peer timed out")
	ErrPeerDisconnected = errors.New("netsession: peer disconnected")
	// ErrRelayClosed is reported when the relay path underneath the session
	// was torn down.
	ErrRelayClosed = errors.New("netsession: relay connection closed")
)

// Sender writes one payload to the peer. relay.ClientSession and relay.Conn
// implement it.
type Sender interface {
	Send(payload []byte) error
}

type Config struct {
	// Timeout closes the session when nothing valid has been received from the
	// peer for this long.
	Timeout time.Duration
	// KeepaliveInterval is the cadence of session pings once connected.
	KeepaliveInterval time.Duration
	// HandshakeInterval is the cadence of hello (client) and hello-ack
	// (server) retransmissions until the handshake completes.
	HandshakeInterval time.Duration

	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		Timeout:           10 * time.Second,
		KeepaliveInterval: time.Second,
		HandshakeInterval: 250 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = d.KeepaliveInterval
	}
	if c.HandshakeInterval <= 0 {
		c.HandshakeInterval = d.HandshakeInterval
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

func appendMessage(dst []byte, cookie uint32, k kind, body []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, cookie)
	dst = append(dst, byte(k))
	return append(dst, body...)
}

func parseMessage(b []byte) (cookie uint32, k kind, body []byte, ok bool) {
	if len(b) < headerLen {
		return 0, 0, nil, false
	}
	return binary.LittleEndian.Uint32(b[:4]), kind(b[4]), b[headerLen:], true
}

// IsHello reports whether payload is a client hello. Servers use it to decide
// whether an unknown connection should be accepted.
func IsHello(payload []byte) bool {
	_, k, _, ok := parseMessage(payload)
	return ok && k == kindHello
}

// Overhead is the number of bytes the session layer adds to each data message.
const Overhead = headerLen
