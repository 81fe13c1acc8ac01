package netsession

import (
	"errors"
	"testing"
	"time"
)

type sentMessage struct {
	cookie uint32
	kind   kind
	body   string
}

type fakeSender struct {
	sent []sentMessage
	err  error
}

func (f *fakeSender) Send(payload []byte) error {
	if f.err != nil {
		return f.err
	}
	cookie, k, body, ok := parseMessage(payload)
	if !ok {
		panic("malformed message sent")
	}
	f.sent = append(f.sent, sentMessage{cookie: cookie, kind: k, body: string(body)})
	return nil
}

func (f *fakeSender) last() sentMessage { return f.sent[len(f.sent)-1] }

type clientEvents struct {
	connected    int
	data         []string
	disconnected []error
}

func newTestClient() (*Client, *fakeSender, *clientEvents) {
	ev := &clientEvents{}
	c := NewClient(Config{}, ClientCallbacks{
		OnConnected:    func() { ev.connected++ },
		OnData:         func(body []byte) { ev.data = append(ev.data, string(body)) },
		OnDisconnected: func(reason error) { ev.disconnected = append(ev.disconnected, reason) },
	})
	s := &fakeSender{}
	c.Attach(s)
	return c, s, ev
}

func connectClient(t *testing.T, c *Client, s *fakeSender, cookie uint32) {
	t.Helper()
	c.OnConnectionOpened()
	c.OnPayloadReceived(appendMessage(nil, cookie, kindHelloAck, nil))
	if !c.Connected() {
		t.Fatalf("client not connected after hello-ack")
	}
	s.sent = nil
}

func TestClient_HandshakeAndSend(t *testing.T) {
	c, s, ev := newTestClient()

	if err := c.Send([]byte("early")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send before handshake err=%v, want %v", err, ErrNotConnected)
	}

	c.OnConnectionOpened()
	if len(s.sent) != 1 || s.last() != (sentMessage{cookie: 0, kind: kindHello}) {
		t.Fatalf("sent=%+v, want one hello with cookie 0", s.sent)
	}
	// A second open while handshaking does not restart it.
	c.OnConnectionOpened()
	if len(s.sent) != 1 {
		t.Fatalf("sent=%d messages, want 1", len(s.sent))
	}

	c.Tick(100 * time.Millisecond)
	if len(s.sent) != 1 {
		t.Fatalf("hello resent early")
	}
	c.Tick(150 * time.Millisecond)
	if len(s.sent) != 2 || s.last().kind != kindHello {
		t.Fatalf("sent=%+v, want hello resend after 250ms", s.sent)
	}

	// A hello-ack without a cookie is ignored.
	c.OnPayloadReceived(appendMessage(nil, 0, kindHelloAck, nil))
	if c.Connected() {
		t.Fatalf("connected on zero cookie")
	}

	c.OnPayloadReceived(appendMessage(nil, 77, kindHelloAck, nil))
	if !c.Connected() || ev.connected != 1 {
		t.Fatalf("Connected()=%v connected=%d, want true/1", c.Connected(), ev.connected)
	}

	if err := c.Send([]byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got, want := s.last(), (sentMessage{cookie: 77, kind: kindData, body: "hi"}); got != want {
		t.Fatalf("sent=%+v, want %+v", got, want)
	}
}

func TestClient_DropsWrongCookieAndShortMessages(t *testing.T) {
	c, s, ev := newTestClient()
	connectClient(t, c, s, 9)

	c.OnPayloadReceived(appendMessage(nil, 10, kindData, []byte("spoof")))
	c.OnPayloadReceived([]byte{9, 0, 0})
	c.OnPayloadReceived(appendMessage(nil, 9, kindData, []byte("real")))

	if len(ev.data) != 1 || ev.data[0] != "real" {
		t.Fatalf("data=%v, want [real]", ev.data)
	}
}

func TestClient_KeepaliveAndTimeout(t *testing.T) {
	c, s, ev := newTestClient()
	connectClient(t, c, s, 5)

	c.Tick(time.Second)
	if len(s.sent) != 1 || s.last() != (sentMessage{cookie: 5, kind: kindPing}) {
		t.Fatalf("sent=%+v, want one ping", s.sent)
	}

	// Traffic from the server resets the idle timer.
	c.OnPayloadReceived(appendMessage(nil, 5, kindPing, nil))
	c.Tick(9 * time.Second)
	c.OnPayloadReceived(appendMessage(nil, 5, kindPing, nil))
	c.Tick(9 * time.Second)
	if len(ev.disconnected) != 0 {
		t.Fatalf("disconnected early: %v", ev.disconnected)
	}

	c.Tick(time.Second)
	if len(ev.disconnected) != 1 || !errors.Is(ev.disconnected[0], ErrTimeout) {
		t.Fatalf("disconnected=%v, want [%v]", ev.disconnected, ErrTimeout)
	}
	if err := c.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send after timeout err=%v", err)
	}
}

func TestClient_HandshakeTimesOut(t *testing.T) {
	c, _, ev := newTestClient()
	c.OnConnectionOpened()
	for i := 0; i < 40; i++ {
		c.Tick(250 * time.Millisecond)
	}
	if len(ev.disconnected) != 1 || !errors.Is(ev.disconnected[0], ErrTimeout) {
		t.Fatalf("disconnected=%v, want [%v]", ev.disconnected, ErrTimeout)
	}
}

func TestClient_Disconnect(t *testing.T) {
	c, s, ev := newTestClient()
	connectClient(t, c, s, 3)

	c.Disconnect()
	if len(s.sent) != 1 || s.last() != (sentMessage{cookie: 3, kind: kindDisconnect}) {
		t.Fatalf("sent=%+v, want disconnect", s.sent)
	}
	if len(ev.disconnected) != 1 || ev.disconnected[0] != nil {
		t.Fatalf("disconnected=%v, want [nil]", ev.disconnected)
	}

	c.Disconnect()
	c.OnConnectionClosed()
	if len(ev.disconnected) != 1 {
		t.Fatalf("disconnected=%d times, want 1", len(ev.disconnected))
	}
}

func TestClient_PeerAndRelayClose(t *testing.T) {
	c, s, ev := newTestClient()
	connectClient(t, c, s, 3)
	c.OnPayloadReceived(appendMessage(nil, 3, kindDisconnect, nil))
	if len(ev.disconnected) != 1 || !errors.Is(ev.disconnected[0], ErrPeerDisconnected) {
		t.Fatalf("disconnected=%v, want [%v]", ev.disconnected, ErrPeerDisconnected)
	}

	c, s, ev = newTestClient()
	connectClient(t, c, s, 3)
	c.OnConnectionClosed()
	if len(ev.disconnected) != 1 || !errors.Is(ev.disconnected[0], ErrRelayClosed) {
		t.Fatalf("disconnected=%v, want [%v]", ev.disconnected, ErrRelayClosed)
	}
}

func TestIsHello(t *testing.T) {
	if !IsHello(appendMessage(nil, 0, kindHello, nil)) {
		t.Fatalf("hello not recognised")
	}
	if IsHello(appendMessage(nil, 0, kindData, nil)) {
		t.Fatalf("data recognised as hello")
	}
	if IsHello([]byte{0, 0, 0}) {
		t.Fatalf("short payload recognised as hello")
	}
}
