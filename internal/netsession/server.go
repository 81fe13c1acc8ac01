package netsession

import (
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/relay"
)

// ServerCallbacks are invoked from the goroutine driving the relay mux.
type ServerCallbacks struct {
	OnConnected    func(s *ServerSession)
	OnData         func(s *ServerSession, body []byte)
	OnDisconnected func(s *ServerSession, reason error)
}

// Server accepts sessions on a relay.ServerMux. It implements relay.Acceptor.
type Server struct {
	cfg      Config
	cb       ServerCallbacks
	log      *slog.Logger
	sessions map[uint32]*ServerSession
}

func NewServer(cfg Config, cb ServerCallbacks) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:      cfg,
		cb:       cb,
		log:      cfg.Logger,
		sessions: make(map[uint32]*ServerSession),
	}
}

var _ relay.Acceptor = (*Server)(nil)

// Accept opens a session when first is a client hello. Anything else on an
// unknown connection is ignored.
func (s *Server) Accept(c *relay.Conn, first []byte) relay.Transport {
	if !IsHello(first) {
		return nil
	}
	sess := &ServerSession{
		srv:  s,
		conn: c,
		log:  s.log.With("conn_id", c.ID()),
	}
	s.sessions[c.ID()] = sess
	return sess
}

// Len is the number of open sessions.
func (s *Server) Len() int { return len(s.sessions) }

// Session returns the session for a relay connection id.
func (s *Server) Session(id uint32) (*ServerSession, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

// Each calls fn for every open session.
func (s *Server) Each(fn func(*ServerSession)) {
	for _, sess := range s.sessions {
		fn(sess)
	}
}

// ServerSession is the server half of one client's session.
type ServerSession struct {
	srv  *Server
	conn *relay.Conn
	log  *slog.Logger

	acked   bool
	closing bool
	closed  bool
	reason  error

	idle      time.Duration
	handshake time.Duration
	keepalive time.Duration

	buf []byte
}

var (
	_ relay.Transport = (*ServerSession)(nil)
	_ relay.Ticker    = (*ServerSession)(nil)
)

// ID is the relay connection id of the session's client.
func (s *ServerSession) ID() uint32 { return s.conn.ID() }

func (s *ServerSession) OnConnectionOpened() {
	s.sendControl(kindHelloAck)
	s.log.Info("session connected")
	if s.srv.cb.OnConnected != nil {
		s.srv.cb.OnConnected(s)
	}
}

func (s *ServerSession) OnPayloadReceived(payload []byte) {
	cookie, k, body, ok := parseMessage(payload)
	if !ok || s.closing || k == kindHello {
		return
	}
	if cookie != s.conn.Cookie() {
		return
	}
	s.acked = true
	s.idle = 0
	switch k {
	case kindData:
		if s.srv.cb.OnData != nil {
			s.srv.cb.OnData(s, body)
		}
	case kindDisconnect:
		s.close(ErrPeerDisconnected)
	}
}

func (s *ServerSession) OnConnectionClosed() {
	if s.closed {
		return
	}
	if !s.closing {
		s.reason = ErrRelayClosed
	}
	s.closed = true
	s.closing = true
	delete(s.srv.sessions, s.conn.ID())
	s.log.Info("session disconnected", "reason", errString(s.reason))
	if s.srv.cb.OnDisconnected != nil {
		s.srv.cb.OnDisconnected(s, s.reason)
	}
}

func (s *ServerSession) Tick(dt time.Duration) {
	if s.closing {
		return
	}
	s.idle += dt
	if s.idle >= s.srv.cfg.Timeout {
		s.close(ErrTimeout)
		return
	}
	if !s.acked {
		s.handshake += dt
		if s.handshake >= s.srv.cfg.HandshakeInterval {
			s.handshake = 0
			s.sendControl(kindHelloAck)
		}
		return
	}
	s.keepalive += dt
	if s.keepalive >= s.srv.cfg.KeepaliveInterval {
		s.keepalive = 0
		s.sendControl(kindPing)
	}
}

// Send sends body to the client.
func (s *ServerSession) Send(body []byte) error {
	if s.closing {
		return ErrNotConnected
	}
	s.buf = appendMessage(s.buf[:0], s.conn.Cookie(), kindData, body)
	return s.conn.Send(s.buf)
}

// Disconnect notifies the client and closes the session.
func (s *ServerSession) Disconnect() {
	if s.closing {
		return
	}
	s.sendControl(kindDisconnect)
	s.close(nil)
}

// close asks the mux to remove the connection; OnConnectionClosed follows
// once the current datagram or tick completes.
func (s *ServerSession) close(reason error) {
	if s.closing {
		return
	}
	s.closing = true
	s.reason = reason
	s.conn.Close()
}

func (s *ServerSession) sendControl(k kind) {
	s.buf = appendMessage(s.buf[:0], s.conn.Cookie(), k, nil)
	if err := s.conn.Send(s.buf); err != nil {
		s.log.Warn("session send failed", "kind", int(k), "err", err)
	}
}
