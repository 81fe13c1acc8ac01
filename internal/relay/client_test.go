package relay

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/relayproto"
)

var clientTokens = relayproto.Tokens{User: 1234, Session: 5678}

func newTestClient(t *testing.T, cfg ClientConfig) (*ClientSession, *fakeConn, *recordingTransport) {
	t.Helper()
	conn := &fakeConn{}
	tr := &recordingTransport{}
	cfg.Tokens = clientTokens
	s, err := NewClientSession(conn, cfg, tr)
	if err != nil {
		t.Fatalf("NewClientSession: %v", err)
	}
	return s, conn, tr
}

func relayPing(state relayproto.State) []byte {
	return relayproto.AppendRelayPing(nil, state)
}

func TestClientSession_StartTransitions(t *testing.T) {
	var changes []relayproto.State
	s, conn, _ := newTestClient(t, ClientConfig{
		OnStateChange: func(prev, next relayproto.State) { changes = append(changes, next) },
	})

	if s.State() != relayproto.StateDisconnected {
		t.Fatalf("state=%v, want disconnected", s.State())
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != relayproto.StateChecking {
		t.Fatalf("state=%v, want checking", s.State())
	}
	if len(conn.writes) != 0 {
		t.Fatalf("writes=%d, want 0 after Start", len(conn.writes))
	}
	if err := s.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start err=%v, want ErrAlreadyStarted", err)
	}
	if len(changes) != 1 || changes[0] != relayproto.StateChecking {
		t.Fatalf("state changes=%v, want [checking]", changes)
	}
}

func TestClientSession_SendBeforeValidIsSilentNoop(t *testing.T) {
	m := metrics.New()
	s, conn, _ := newTestClient(t, ClientConfig{Metrics: m})

	if err := s.Send([]byte("early")); err != nil {
		t.Fatalf("Send before Start: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Send([]byte("early")); err != nil {
		t.Fatalf("Send while checking: %v", err)
	}
	if len(conn.writes) != 0 {
		t.Fatalf("writes=%d, want 0", len(conn.writes))
	}
	if got := m.Get(metrics.DropReasonNotValid); got != 2 {
		t.Fatalf("%s=%d, want 2", metrics.DropReasonNotValid, got)
	}
}

func TestClientSession_RelayHandshakeAndSend(t *testing.T) {
	s, conn, tr := newTestClient(t, ClientConfig{PingInterval: 100 * time.Millisecond})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Handshake ping.
	s.Tick(100 * time.Millisecond)
	if len(conn.writes) != 1 {
		t.Fatalf("writes=%d, want 1 ping", len(conn.writes))
	}
	ping, err := relayproto.DefaultCodec.DecodeClientFrame(conn.writes[0])
	if err != nil {
		t.Fatalf("decode ping: %v", err)
	}
	if ping.Type != relayproto.MessageTypePing || ping.Tokens != clientTokens {
		t.Fatalf("ping=%+v, want ping with tokens %+v", ping, clientTokens)
	}

	// Relay validates the session.
	s.HandleDatagram(relayPing(relayproto.StateValid))
	if s.State() != relayproto.StateValid {
		t.Fatalf("state=%v, want valid", s.State())
	}
	if tr.count("opened") != 1 {
		t.Fatalf("opened=%d, want 1", tr.count("opened"))
	}

	if err := s.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(conn.writes) != 2 {
		t.Fatalf("writes=%d, want 2", len(conn.writes))
	}
	data := conn.writes[1]
	if len(data) != relayproto.ClientOverhead+5 {
		t.Fatalf("frame len=%d, want %d", len(data), relayproto.ClientOverhead+5)
	}
	f, err := relayproto.DefaultCodec.DecodeClientFrame(data)
	if err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if f.Type != relayproto.MessageTypeData || string(f.Payload) != "hello" || f.Tokens != clientTokens {
		t.Fatalf("frame=%+v, want data hello with tokens %+v", f, clientTokens)
	}

	// A repeated Valid ping is not a new opening.
	s.HandleDatagram(relayPing(relayproto.StateValid))
	if tr.count("opened") != 1 {
		t.Fatalf("opened=%d after repeat, want 1", tr.count("opened"))
	}
}

func TestClientSession_DegradedStateTearsDown(t *testing.T) {
	for _, state := range []relayproto.State{
		relayproto.StateInvalid,
		relayproto.StateSessionTimeout,
		relayproto.StateError,
		relayproto.StateDisconnected,
	} {
		t.Run(state.String(), func(t *testing.T) {
			s, conn, tr := newTestClient(t, ClientConfig{})
			if err := s.Start(); err != nil {
				t.Fatalf("Start: %v", err)
			}
			s.HandleDatagram(relayPing(relayproto.StateValid))
			s.HandleDatagram(relayPing(state))

			if s.State() != state {
				t.Fatalf("state=%v, want %v", s.State(), state)
			}
			if tr.count("closed") != 1 {
				t.Fatalf("closed=%d, want 1", tr.count("closed"))
			}
			if conn.closes != 1 {
				t.Fatalf("conn closes=%d, want 1", conn.closes)
			}

			writes := len(conn.writes)
			if err := s.Send([]byte("late")); err != nil {
				t.Fatalf("Send after teardown: %v", err)
			}
			s.Tick(time.Second)
			if len(conn.writes) != writes {
				t.Fatalf("writes=%d after teardown, want %d", len(conn.writes), writes)
			}

			// Further pings and Close are no-ops.
			s.HandleDatagram(relayPing(relayproto.StateInvalid))
			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if tr.count("closed") != 1 || conn.closes != 1 {
				t.Fatalf("closed=%d conn closes=%d, want 1 and 1", tr.count("closed"), conn.closes)
			}
		})
	}
}

func TestClientSession_RejectsMalformedWithoutStateChange(t *testing.T) {
	m := metrics.New()
	s, _, tr := newTestClient(t, ClientConfig{Metrics: m})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, b := range [][]byte{
		nil,
		{byte(relayproto.MessageTypePing)},
		{7, byte(relayproto.StateValid)},
		{byte(relayproto.MessageTypePing), 42},
	} {
		s.HandleDatagram(b)
	}
	if s.State() != relayproto.StateChecking {
		t.Fatalf("state=%v, want checking", s.State())
	}
	if len(tr.events) != 0 {
		t.Fatalf("transport events=%v, want none", tr.events)
	}
	if got := m.Get(metrics.DropReasonMalformed); got != 4 {
		t.Fatalf("%s=%d, want 4", metrics.DropReasonMalformed, got)
	}
}

func TestClientSession_DeliversData(t *testing.T) {
	s, _, tr := newTestClient(t, ClientConfig{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.HandleDatagram(relayPing(relayproto.StateValid))

	frame, err := relayproto.DefaultCodec.AppendRelayClientData(nil, []byte("from server"))
	if err != nil {
		t.Fatalf("AppendRelayClientData: %v", err)
	}
	s.HandleDatagram(frame)
	s.HandleDatagram([]byte{byte(relayproto.MessageTypeData)})

	got := tr.payloads()
	if len(got) != 2 || got[0] != "from server" || got[1] != "" {
		t.Fatalf("payloads=%q, want [from server, empty]", got)
	}
}

func TestClientSession_KeepaliveCadence(t *testing.T) {
	s, conn, _ := newTestClient(t, ClientConfig{PingInterval: 500 * time.Millisecond})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 1; i <= 5; i++ {
		s.Tick(100 * time.Millisecond)
		want := 0
		if i == 5 {
			want = 1
		}
		if len(conn.writes) != want {
			t.Fatalf("after tick %d writes=%d, want %d", i, len(conn.writes), want)
		}
	}
	if !bytes.Equal(conn.writes[0], relayproto.AppendPing(nil, clientTokens)) {
		t.Fatalf("ping=%x, want %x", conn.writes[0], relayproto.AppendPing(nil, clientTokens))
	}
}

func TestClientSession_TicksTransport(t *testing.T) {
	s, _, tr := newTestClient(t, ClientConfig{})
	s.Tick(time.Second)
	if tr.ticks != 0 {
		t.Fatalf("ticks=%v before Start, want 0", tr.ticks)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Tick(30 * time.Millisecond)
	s.Tick(20 * time.Millisecond)
	if tr.ticks != 50*time.Millisecond {
		t.Fatalf("ticks=%v, want 50ms", tr.ticks)
	}
}

func TestClientSession_CloseIsIdempotent(t *testing.T) {
	var changes []relayproto.State
	s, conn, tr := newTestClient(t, ClientConfig{
		OnStateChange: func(prev, next relayproto.State) { changes = append(changes, next) },
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.HandleDatagram(relayPing(relayproto.StateValid))

	for i := 0; i < 2; i++ {
		if err := s.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	if s.State() != relayproto.StateDisconnected {
		t.Fatalf("state=%v, want disconnected", s.State())
	}
	if tr.count("closed") != 1 || conn.closes != 1 {
		t.Fatalf("closed=%d conn closes=%d, want 1 and 1", tr.count("closed"), conn.closes)
	}
	want := []relayproto.State{relayproto.StateChecking, relayproto.StateValid, relayproto.StateDisconnected}
	if len(changes) != len(want) {
		t.Fatalf("changes=%v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("changes=%v, want %v", changes, want)
		}
	}
	if err := s.Start(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after Close err=%v, want ErrClosed", err)
	}
}

func TestClientSession_PayloadLimit(t *testing.T) {
	s, conn, _ := newTestClient(t, ClientConfig{MTU: 100})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.HandleDatagram(relayPing(relayproto.StateValid))

	if got := s.MaxPayload(); got != 100-relayproto.ClientOverhead {
		t.Fatalf("MaxPayload=%d, want %d", got, 100-relayproto.ClientOverhead)
	}
	if err := s.Send(make([]byte, s.MaxPayload())); err != nil {
		t.Fatalf("Send at limit: %v", err)
	}
	if err := s.Send(make([]byte, s.MaxPayload()+1)); !errors.Is(err, relayproto.ErrPayloadTooLarge) {
		t.Fatalf("Send over limit err=%v, want ErrPayloadTooLarge", err)
	}
	if len(conn.writes) != 1 || len(conn.writes[0]) != 100 {
		t.Fatalf("writes=%d, want a single 100-byte frame", len(conn.writes))
	}
}

func TestClientSession_WriteErrorsAreNotFatal(t *testing.T) {
	m := metrics.New()
	s, conn, tr := newTestClient(t, ClientConfig{Metrics: m})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.HandleDatagram(relayPing(relayproto.StateValid))

	conn.writeErr = errors.New("boom")
	if err := s.Send([]byte("x")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	s.SendPing()
	if got := m.Get(metrics.SocketWriteErrors); got != 2 {
		t.Fatalf("%s=%d, want 2", metrics.SocketWriteErrors, got)
	}
	if s.State() != relayproto.StateValid || tr.count("closed") != 0 {
		t.Fatalf("state=%v closed=%d, want valid and 0", s.State(), tr.count("closed"))
	}
}

func TestNewClientSession_RejectsTinyMTU(t *testing.T) {
	if _, err := NewClientSession(&fakeConn{}, ClientConfig{MTU: relayproto.ClientOverhead}, nil); err == nil {
		t.Fatalf("NewClientSession succeeded with MTU %d, want error", relayproto.ClientOverhead)
	}
	if _, err := NewClientSession(nil, ClientConfig{}, nil); err == nil {
		t.Fatalf("NewClientSession succeeded with nil conn, want error")
	}
}
