package relay

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/keepalive"
	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/relayproto"
)

// cookieLen is the size of the little-endian cookie a payload must start with
// before its connection is admitted.
const cookieLen = 4

// ServerMux is the game server's session with the relay. It demultiplexes
// relay Data frames by connection id into Conn entries.
//
// Relay validity is a property of the server's own relay session, so there is
// one state for the whole mux. A degraded state deactivates the mux for good:
// pings stop and Data is dropped in both directions, but connections are left
// for their transports to time out.
type ServerMux struct {
	conn     PacketConn
	cfg      ServerConfig
	acceptor Acceptor
	log      *slog.Logger
	metrics  *metrics.Metrics

	sendCodec relayproto.Codec
	recvCodec relayproto.Codec
	keepalive *keepalive.Scheduler
	random    io.Reader

	state   relayproto.State
	started bool
	active  bool
	closed  bool

	conns          map[uint32]*Conn
	pendingRemoval map[uint32]struct{}
	now            time.Duration

	buf []byte
}

func NewServerMux(conn PacketConn, cfg ServerConfig, acceptor Acceptor) (*ServerMux, error) {
	if conn == nil {
		return nil, fmt.Errorf("relay: server conn is nil")
	}
	if acceptor == nil {
		return nil, fmt.Errorf("relay: acceptor is nil")
	}
	cfg = cfg.withDefaults()
	send, recv, err := codecs(cfg.MTU, relayproto.ServerOverhead, relayproto.RelayServerDataHeaderLen)
	if err != nil {
		return nil, err
	}
	return &ServerMux{
		conn:           conn,
		cfg:            cfg,
		acceptor:       acceptor,
		log:            cfg.Logger,
		metrics:        cfg.Metrics,
		sendCodec:      send,
		recvCodec:      recv,
		keepalive:      keepalive.New(cfg.PingInterval),
		random:         rand.Reader,
		state:          relayproto.StateDisconnected,
		conns:          make(map[uint32]*Conn),
		pendingRemoval: make(map[uint32]struct{}),
		buf:            make([]byte, 0, cfg.MTU),
	}, nil
}

func (s *ServerMux) State() relayproto.State { return s.state }

// Active reports whether the mux is started and its relay session has not
// degraded.
func (s *ServerMux) Active() bool { return s.active }

func (s *ServerMux) MaxPayload() int { return s.sendCodec.MaxPayload }

// Len is the number of live connection entries.
func (s *ServerMux) Len() int { return len(s.conns) }

// Conn returns the entry for id, if any.
func (s *ServerMux) Conn(id uint32) (*Conn, bool) {
	c, ok := s.conns[id]
	return c, ok
}

func (s *ServerMux) Start() error {
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.active = true
	s.setState(relayproto.StateChecking)
	return nil
}

// HandleDatagram processes one datagram received from the relay.
func (s *ServerMux) HandleDatagram(b []byte) {
	if !s.started || s.closed {
		return
	}
	defer s.flushRemovals()

	if !s.active {
		s.metrics.Inc(metrics.DropReasonInactive)
		return
	}
	f, err := s.recvCodec.DecodeRelayToServer(b)
	if err != nil {
		s.metrics.Inc(metrics.DropReasonMalformed)
		return
	}
	switch f.Type {
	case relayproto.MessageTypePing:
		s.metrics.Inc(metrics.PingReceived)
		s.setState(f.State)
		if f.State.Degraded() {
			s.active = false
			s.log.Warn("relay session degraded; dropping traffic", "relay_state", f.State.String(), "connections", len(s.conns))
		}
	case relayproto.MessageTypeData:
		s.handleData(f.ConnectionID, f.Payload)
	}
}

func (s *ServerMux) handleData(id uint32, payload []byte) {
	if id == 0 {
		s.metrics.Inc(metrics.DropReasonZeroConnID)
		return
	}

	if c, ok := s.conns[id]; ok {
		if c.closed {
			s.metrics.Inc(metrics.DropReasonUnknownConn)
			return
		}
		if !c.helloReceived {
			if len(payload) < cookieLen || binary.LittleEndian.Uint32(payload[:cookieLen]) == 0 {
				s.metrics.Inc(metrics.DropReasonNoCookie)
				return
			}
			c.helloReceived = true
		}
		c.lastActivity = s.now
		s.metrics.Inc(metrics.DataReceived)
		c.transport.OnPayloadReceived(payload)
		return
	}

	if len(s.conns) >= s.cfg.MaxConnections {
		s.metrics.Inc(metrics.DropReasonTooManyConn)
		return
	}
	cookie, err := s.newCookie()
	if err != nil {
		s.log.Error("failed to generate connection cookie", "err", err)
		return
	}
	c := &Conn{
		mux:          s,
		id:           id,
		cookie:       cookie,
		createdAt:    s.now,
		lastActivity: s.now,
	}
	t := s.acceptor.Accept(c, payload)
	if t == nil {
		s.metrics.Inc(metrics.ConnectionsRejected)
		return
	}
	c.transport = t
	s.conns[id] = c
	s.metrics.Inc(metrics.ConnectionOpened)
	s.metrics.Inc(metrics.DataReceived)
	s.log.Info("relay connection opened", "conn_id", id, "connections", len(s.conns))

	t.OnConnectionOpened()
	t.OnPayloadReceived(payload)
}

// SendTo writes payload to connection id through the relay. It is a silent
// no-op unless the relay reports the server session as Valid.
func (s *ServerMux) SendTo(id uint32, payload []byte) error {
	if len(payload) > s.sendCodec.MaxPayload {
		return fmt.Errorf("%w: %d > %d", relayproto.ErrPayloadTooLarge, len(payload), s.sendCodec.MaxPayload)
	}
	if s.closed || !s.active || s.state != relayproto.StateValid {
		s.metrics.Inc(metrics.DropReasonNotValid)
		return nil
	}
	frame, err := s.sendCodec.AppendServerData(s.buf[:0], s.cfg.Tokens, id, payload)
	if err != nil {
		return err
	}
	s.buf = frame
	if s.write(frame) {
		s.metrics.Inc(metrics.DataSent)
	}
	return nil
}

// SendPing writes a keepalive ping carrying the server's tokens.
func (s *ServerMux) SendPing() {
	if s.closed {
		return
	}
	s.buf = relayproto.AppendPing(s.buf[:0], s.cfg.Tokens)
	if s.write(s.buf) {
		s.metrics.Inc(metrics.PingSent)
	}
}

// Tick advances tick time, sends a keepalive ping when due and ticks every
// connection's transport. Connections closed during the tick are removed
// after all transports have been ticked.
func (s *ServerMux) Tick(dt time.Duration) {
	if !s.started || s.closed {
		return
	}
	defer s.flushRemovals()

	if dt > 0 {
		s.now += dt
	}
	if s.active && s.keepalive.Advance(dt) {
		s.SendPing()
	}
	for _, c := range s.conns {
		if c.closed {
			continue
		}
		if t, ok := c.transport.(Ticker); ok {
			t.Tick(dt)
		}
	}
}

// Close closes every connection, notifying transports, and releases the
// socket. It is idempotent.
func (s *ServerMux) Close() error {
	if s.closed {
		return nil
	}
	for _, c := range s.conns {
		c.Close()
	}
	s.flushRemovals()
	s.closed = true
	s.active = false
	s.setState(relayproto.StateDisconnected)
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("relay: close server conn: %w", err)
	}
	return nil
}

func (s *ServerMux) flushRemovals() {
	// Transports may close further connections from OnConnectionClosed.
	for len(s.pendingRemoval) > 0 {
		for id := range s.pendingRemoval {
			delete(s.pendingRemoval, id)
			c, ok := s.conns[id]
			if !ok {
				continue
			}
			delete(s.conns, id)
			s.metrics.Inc(metrics.ConnectionClosed)
			s.log.Info("relay connection closed", "conn_id", id, "connections", len(s.conns))
			c.transport.OnConnectionClosed()
		}
	}
}

func (s *ServerMux) setState(next relayproto.State) {
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
}

func (s *ServerMux) newCookie() (uint32, error) {
	var b [cookieLen]byte
	for {
		if _, err := io.ReadFull(s.random, b[:]); err != nil {
			return 0, err
		}
		if v := binary.LittleEndian.Uint32(b[:]); v != 0 {
			return v, nil
		}
	}
}

func (s *ServerMux) write(frame []byte) bool {
	if _, err := s.conn.Write(frame); err != nil {
		s.metrics.Inc(metrics.SocketWriteErrors)
		s.log.Warn("relay write failed", "err", err)
		return false
	}
	return true
}
