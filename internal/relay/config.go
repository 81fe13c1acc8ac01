package relay

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/keepalive"
	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/relayproto"
)

// StateFunc is called after the relay-reported state changes.
type StateFunc func(prev, next relayproto.State)

type ClientConfig struct {
	Tokens relayproto.Tokens

	// PingInterval is the keepalive cadence in accumulated tick time.
	PingInterval time.Duration
	// MTU bounds every datagram exchanged with the relay. Outbound payloads are
	// limited to MTU minus the client frame overhead.
	MTU int

	OnStateChange StateFunc

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval: keepalive.DefaultInterval,
		MTU:          relayproto.DefaultMTU,
	}
}

func (c ClientConfig) withDefaults() ClientConfig {
	d := DefaultClientConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.MTU <= 0 {
		c.MTU = d.MTU
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
	return c
}

type ServerConfig struct {
	Tokens relayproto.Tokens

	PingInterval time.Duration
	// MTU bounds every datagram exchanged with the relay. Outbound payloads are
	// limited to MTU minus the server frame overhead.
	MTU int
	// MaxConnections bounds the connection table. New connection ids beyond it
	// are dropped.
	MaxConnections int

	OnStateChange StateFunc

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:   keepalive.DefaultInterval,
		MTU:            relayproto.DefaultMTU,
		MaxConnections: 1024,
	}
}

func (c ServerConfig) withDefaults() ServerConfig {
	d := DefaultServerConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.MTU <= 0 {
		c.MTU = d.MTU
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
	return c
}

type LoopConfig struct {
	// TickInterval is the period at which the endpoint is ticked.
	TickInterval time.Duration
	// QueueBytes bounds datagrams buffered between the socket reader and the
	// loop goroutine. Datagrams that do not fit are dropped.
	QueueBytes int
	// ReadBufferBytes is the largest datagram the reader accepts.
	ReadBufferBytes int
	// ReadErrorBackoff is how long the reader waits after a transient socket
	// error (for example ICMP port unreachable) before reading again.
	ReadErrorBackoff time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		TickInterval:     10 * time.Millisecond,
		QueueBytes:       1 << 20, // 1MiB
		ReadBufferBytes:  65535,
		ReadErrorBackoff: 100 * time.Millisecond,
	}
}

func (c LoopConfig) withDefaults() LoopConfig {
	d := DefaultLoopConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.QueueBytes <= 0 {
		c.QueueBytes = d.QueueBytes
	}
	if c.ReadBufferBytes <= 0 {
		c.ReadBufferBytes = d.ReadBufferBytes
	}
	if c.ReadErrorBackoff <= 0 {
		c.ReadErrorBackoff = d.ReadErrorBackoff
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
	return c
}

// codecs returns the outbound and inbound codecs for a side of the relay.
// Outbound payloads must leave room for sendOverhead; inbound payloads only
// need to fit the relay's own header.
func codecs(mtu, sendOverhead, recvHeader int) (send, recv relayproto.Codec, err error) {
	if mtu <= sendOverhead {
		return relayproto.Codec{}, relayproto.Codec{}, fmt.Errorf("relay: mtu %d must be > %d", mtu, sendOverhead)
	}
	if send, err = relayproto.NewCodec(mtu - sendOverhead); err != nil {
		return relayproto.Codec{}, relayproto.Codec{}, err
	}
	if recv, err = relayproto.NewCodec(mtu - recvHeader); err != nil {
		return relayproto.Codec{}, relayproto.Codec{}, err
	}
	return send, recv, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
