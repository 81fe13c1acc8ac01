// Package relayemu emulates the relay side of the game relay protocol.
//
// It validates tokens, answers pings with the session state, assigns a
// connection id to every client and forwards data between the clients and the
// single game server of one session. Peers reach it over UDP or over the
// WebSocket datagram endpoint.
package relayemu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/relayproto"
	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/wsconn"
)

// endpoint is a peer's return path.
type endpoint interface {
	key() string
	send(b []byte) error
}

type udpEndpoint struct {
	pc   net.PacketConn
	addr net.Addr
}

func (e udpEndpoint) key() string { return "udp:" + e.addr.String() }

func (e udpEndpoint) send(b []byte) error {
	_, err := e.pc.WriteTo(b, e.addr)
	return err
}

type wsEndpoint struct {
	conn *wsconn.Conn
	id   string
}

func (e wsEndpoint) key() string { return "ws:" + e.id }

func (e wsEndpoint) send(b []byte) error {
	_, err := e.conn.Write(b)
	return err
}

type client struct {
	userToken uint32
	connID    uint32
	ep        endpoint
	limiter   *rate.Limiter
}

// Emulator is safe for concurrent use by any number of serving goroutines.
type Emulator struct {
	cfg     Config
	codec   relayproto.Codec
	log     *slog.Logger
	metrics *metrics.Metrics
	allowed map[uint32]struct{}

	mu         sync.Mutex
	state      relayproto.State
	server     endpoint
	clients    *lru.Cache[uint32, *client]
	byConnID   map[uint32]*client
	nextConnID uint32
	buf        []byte

	wsMu    sync.Mutex
	wsConns map[*wsconn.Conn]struct{}
	closed  bool
}

func New(cfg Config) (*Emulator, error) {
	cfg = cfg.withDefaults()
	if cfg.SessionToken == 0 {
		return nil, fmt.Errorf("relayemu: session token is required")
	}
	codec, err := relayproto.CodecForMTU(cfg.MTU)
	if err != nil {
		return nil, err
	}
	e := &Emulator{
		cfg:        cfg,
		codec:      codec,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		allowed:    make(map[uint32]struct{}, len(cfg.ClientUserTokens)),
		state:      relayproto.StateValid,
		byConnID:   make(map[uint32]*client),
		nextConnID: 1,
		wsConns:    make(map[*wsconn.Conn]struct{}),
	}
	for _, tok := range cfg.ClientUserTokens {
		e.allowed[tok] = struct{}{}
	}
	// The eviction callback runs inside Add, with e.mu held.
	e.clients, err = lru.NewWithEvict[uint32, *client](cfg.MaxClients, func(_ uint32, c *client) {
		delete(e.byConnID, c.connID)
		e.log.Info("client evicted", "conn_id", c.connID, "user_token", c.userToken)
	})
	if err != nil {
		return nil, fmt.Errorf("relayemu: client table: %w", err)
	}
	return e, nil
}

// SetState sets the state reported in replies to valid pings. It lets tests
// and operators simulate a relay session that expired or failed.
func (e *Emulator) SetState(s relayproto.State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Clients is the number of registered clients.
func (e *Emulator) Clients() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clients.Len()
}

// ServerRegistered reports whether the game server has pinged.
func (e *Emulator) ServerRegistered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.server != nil
}

// ServeUDP serves peers on pc until ctx is cancelled or pc fails. pc is
// closed on return.
func (e *Emulator) ServeUDP(ctx context.Context, pc net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() { _ = pc.Close() })
	defer stop()
	defer pc.Close()

	buf := make([]byte, 65535)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("relayemu: read udp: %w", err)
		}
		e.handle(udpEndpoint{pc: pc, addr: addr}, buf[:n])
	}
}

// ServeHTTP implements the WebSocket datagram endpoint.
func (e *Emulator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.Upgrader{}.Upgrade(w, r)
	if err != nil {
		return
	}
	if !e.trackWS(conn) {
		_ = conn.Close()
		return
	}
	defer e.untrackWS(conn)

	ep := wsEndpoint{conn: conn, id: r.RemoteAddr}
	e.log.Info("websocket peer connected", "remote_addr", r.RemoteAddr)
	defer e.log.Info("websocket peer disconnected", "remote_addr", r.RemoteAddr)

	buf := make([]byte, wsconn.MaxMessageBytes)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		e.handle(ep, buf[:n])
	}
}

// Close closes every WebSocket peer. UDP sockets are closed by cancelling the
// context passed to ServeUDP.
func (e *Emulator) Close() error {
	e.wsMu.Lock()
	e.closed = true
	conns := make([]*wsconn.Conn, 0, len(e.wsConns))
	for c := range e.wsConns {
		conns = append(conns, c)
	}
	e.wsConns = make(map[*wsconn.Conn]struct{})
	e.wsMu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return err
}

func (e *Emulator) trackWS(c *wsconn.Conn) bool {
	e.wsMu.Lock()
	defer e.wsMu.Unlock()
	if e.closed {
		return false
	}
	e.wsConns[c] = struct{}{}
	return true
}

func (e *Emulator) untrackWS(c *wsconn.Conn) {
	e.wsMu.Lock()
	delete(e.wsConns, c)
	e.wsMu.Unlock()
	_ = c.Close()
}

func (e *Emulator) handle(ep endpoint, b []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// The user token decides which frame layout applies.
	if len(b) >= relayproto.TokensLen && e.isServerToken(b) {
		e.handleServer(ep, b)
		return
	}
	e.handleClient(ep, b)
}

func (e *Emulator) isServerToken(b []byte) bool {
	return binary.LittleEndian.Uint32(b[:4]) == e.cfg.ServerUserToken
}

func (e *Emulator) handleServer(ep endpoint, b []byte) {
	f, err := e.codec.DecodeServerFrame(b)
	if err != nil {
		e.metrics.Inc(metrics.DropReasonMalformed)
		return
	}
	if f.Tokens.Session != e.cfg.SessionToken {
		e.metrics.Inc(metrics.DropReasonBadTokens)
		e.reply(ep, relayproto.AppendRelayPing(e.buf[:0], relayproto.StateInvalid))
		return
	}
	switch f.Type {
	case relayproto.MessageTypePing:
		e.metrics.Inc(metrics.PingReceived)
		if e.server == nil || e.server.key() != ep.key() {
			e.log.Info("server registered", "endpoint", ep.key())
		}
		e.server = ep
		e.reply(ep, relayproto.AppendRelayPing(e.buf[:0], e.state))
	case relayproto.MessageTypeData:
		if e.server == nil || e.server.key() != ep.key() || e.state != relayproto.StateValid {
			e.metrics.Inc(metrics.DropReasonUnregistered)
			return
		}
		c, ok := e.byConnID[f.ConnectionID]
		if !ok {
			e.metrics.Inc(metrics.DropReasonUnknownConn)
			return
		}
		frame, err := e.codec.AppendRelayClientData(e.buf[:0], f.Payload)
		if err != nil {
			e.metrics.Inc(metrics.DropReasonMalformed)
			return
		}
		e.forward(c.ep, frame)
	}
}

func (e *Emulator) handleClient(ep endpoint, b []byte) {
	f, err := e.codec.DecodeClientFrame(b)
	if err != nil {
		e.metrics.Inc(metrics.DropReasonMalformed)
		return
	}
	if !e.clientAllowed(f.Tokens) {
		e.metrics.Inc(metrics.DropReasonBadTokens)
		e.reply(ep, relayproto.AppendRelayPing(e.buf[:0], relayproto.StateInvalid))
		return
	}
	switch f.Type {
	case relayproto.MessageTypePing:
		e.metrics.Inc(metrics.PingReceived)
		e.register(ep, f.Tokens.User)
		e.reply(ep, relayproto.AppendRelayPing(e.buf[:0], e.state))
	case relayproto.MessageTypeData:
		c, ok := e.clients.Get(f.Tokens.User)
		if !ok || c.ep.key() != ep.key() || e.state != relayproto.StateValid {
			e.metrics.Inc(metrics.DropReasonUnregistered)
			return
		}
		if !c.limiter.Allow() {
			e.metrics.Inc(metrics.DropReasonRateLimited)
			return
		}
		if e.server == nil {
			e.metrics.Inc(metrics.DropReasonUnregistered)
			return
		}
		frame, err := e.codec.AppendRelayServerData(e.buf[:0], c.connID, f.Payload)
		if err != nil {
			e.metrics.Inc(metrics.DropReasonMalformed)
			return
		}
		e.forward(e.server, frame)
	}
}

func (e *Emulator) clientAllowed(t relayproto.Tokens) bool {
	if t.Session != e.cfg.SessionToken || t.User == e.cfg.ServerUserToken {
		return false
	}
	if len(e.allowed) == 0 {
		return true
	}
	_, ok := e.allowed[t.User]
	return ok
}

// register records the client's current endpoint, assigning a connection id
// on first contact.
func (e *Emulator) register(ep endpoint, user uint32) {
	if c, ok := e.clients.Get(user); ok {
		c.ep = ep
		return
	}
	c := &client{
		userToken: user,
		connID:    e.allocConnID(),
		ep:        ep,
		limiter:   rate.NewLimiter(rate.Limit(e.cfg.ClientPacketsPerSecond), burst(e.cfg.ClientPacketsPerSecond)),
	}
	e.clients.Add(user, c)
	e.byConnID[c.connID] = c
	e.log.Info("client registered", "conn_id", c.connID, "user_token", user, "endpoint", ep.key())
}

func (e *Emulator) allocConnID() uint32 {
	for {
		id := e.nextConnID
		e.nextConnID++
		if id == 0 {
			continue
		}
		if _, taken := e.byConnID[id]; !taken {
			return id
		}
	}
}

func (e *Emulator) reply(ep endpoint, frame []byte) {
	e.buf = frame
	if err := ep.send(frame); err != nil {
		e.metrics.Inc(metrics.SocketWriteErrors)
		e.log.Warn("reply failed", "endpoint", ep.key(), "err", err)
	}
}

func (e *Emulator) forward(ep endpoint, frame []byte) {
	e.buf = frame
	if err := ep.send(frame); err != nil {
		e.metrics.Inc(metrics.SocketWriteErrors)
		e.log.Warn("forward failed", "endpoint", ep.key(), "err", err)
		return
	}
	e.metrics.Inc(metrics.DataSent)
}

func burst(pps float64) int {
	if pps < 1 {
		return 1
	}
	return int(pps)
}
