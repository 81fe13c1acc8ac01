package relay

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/keepalive"
	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/relayproto"
)

// ClientSession is a game client's session with the relay.
//
// It is created Disconnected, moves to Checking on Start and then follows the
// state reported by relay pings. Outbound data is only written while Valid.
// A degraded state tears the session down: the transport is told the
// connection closed and the socket is released.
type ClientSession struct {
	conn      PacketConn
	cfg       ClientConfig
	transport Transport
	log       *slog.Logger
	metrics   *metrics.Metrics

	sendCodec relayproto.Codec
	recvCodec relayproto.Codec
	keepalive *keepalive.Scheduler

	state   relayproto.State
	started bool
	opened  bool
	closed  bool

	buf []byte
}

// NewClientSession wraps conn. The session does not read from conn itself;
// received datagrams are passed to HandleDatagram.
func NewClientSession(conn PacketConn, cfg ClientConfig, transport Transport) (*ClientSession, error) {
	if conn == nil {
		return nil, fmt.Errorf("relay: client conn is nil")
	}
	cfg = cfg.withDefaults()
	send, recv, err := codecs(cfg.MTU, relayproto.ClientOverhead, relayproto.RelayClientDataHeaderLen)
	if err != nil {
		return nil, err
	}
	return &ClientSession{
		conn:      conn,
		cfg:       cfg,
		transport: transport,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		sendCodec: send,
		recvCodec: recv,
		keepalive: keepalive.New(cfg.PingInterval),
		state:     relayproto.StateDisconnected,
		buf:       make([]byte, 0, cfg.MTU),
	}, nil
}

func (s *ClientSession) State() relayproto.State { return s.state }

func (s *ClientSession) Tokens() relayproto.Tokens { return s.cfg.Tokens }

// MaxPayload is the largest payload Send accepts.
func (s *ClientSession) MaxPayload() int { return s.sendCodec.MaxPayload }

// Start moves the session to Checking. The first ping is sent by Tick once the
// keepalive interval elapses.
func (s *ClientSession) Start() error {
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.setState(relayproto.StateChecking)
	return nil
}

// HandleDatagram processes one datagram received from the relay. Malformed
// frames are dropped without affecting state.
func (s *ClientSession) HandleDatagram(b []byte) {
	if !s.started || s.closed {
		return
	}
	f, err := s.recvCodec.DecodeRelayToClient(b)
	if err != nil {
		s.metrics.Inc(metrics.DropReasonMalformed)
		return
	}
	switch f.Type {
	case relayproto.MessageTypePing:
		s.metrics.Inc(metrics.PingReceived)
		s.setState(f.State)
		if f.State.Degraded() {
			if err := s.teardown(); err != nil {
				s.log.Warn("relay teardown failed", "err", err)
			}
		}
	case relayproto.MessageTypeData:
		s.metrics.Inc(metrics.DataReceived)
		if s.transport != nil {
			s.transport.OnPayloadReceived(f.Payload)
		}
	}
}

// Send writes payload to the game server through the relay. It is a silent
// no-op unless the relay reports the session as Valid.
func (s *ClientSession) Send(payload []byte) error {
	if len(payload) > s.sendCodec.MaxPayload {
		return fmt.Errorf("%w: %d > %d", relayproto.ErrPayloadTooLarge, len(payload), s.sendCodec.MaxPayload)
	}
	if s.closed || s.state != relayproto.StateValid {
		s.metrics.Inc(metrics.DropReasonNotValid)
		return nil
	}
	frame, err := s.sendCodec.AppendClientData(s.buf[:0], s.cfg.Tokens, payload)
	if err != nil {
		return err
	}
	s.buf = frame
	if s.write(frame) {
		s.metrics.Inc(metrics.DataSent)
	}
	return nil
}

// SendPing writes a keepalive ping carrying the session tokens.
func (s *ClientSession) SendPing() {
	if s.closed {
		return
	}
	s.buf = relayproto.AppendPing(s.buf[:0], s.cfg.Tokens)
	if s.write(s.buf) {
		s.metrics.Inc(metrics.PingSent)
	}
}

// Tick advances the keepalive by dt and ticks the transport if it implements
// Ticker.
func (s *ClientSession) Tick(dt time.Duration) {
	if !s.started || s.closed {
		return
	}
	if s.keepalive.Advance(dt) {
		s.SendPing()
	}
	if t, ok := s.transport.(Ticker); ok && !s.closed {
		t.Tick(dt)
	}
}

// Close tears the session down locally. It is idempotent.
func (s *ClientSession) Close() error {
	if s.closed {
		return nil
	}
	s.setState(relayproto.StateDisconnected)
	return s.teardown()
}

func (s *ClientSession) setState(next relayproto.State) {
	prev := s.state
	if next == prev {
		return
	}
	s.state = next
	s.metrics.Inc(metrics.StateChanged)
	s.log.Info("relay state changed", "relay_state", next.String(), "prev_relay_state", prev.String())
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(prev, next)
	}

	if next == relayproto.StateValid && !s.opened {
		s.opened = true
		if s.transport != nil {
			s.transport.OnConnectionOpened()
		}
	}
}

func (s *ClientSession) teardown() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.transport != nil {
		s.transport.OnConnectionClosed()
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("relay: close client conn: %w", err)
	}
	return nil
}

// write sends one frame. Socket faults are logged and counted; they never
// change session state.
func (s *ClientSession) write(frame []byte) bool {
	if _, err := s.conn.Write(frame); err != nil {
		s.metrics.Inc(metrics.SocketWriteErrors)
		s.log.Warn("relay write failed", "err", err)
		return false
	}
	return true
}
