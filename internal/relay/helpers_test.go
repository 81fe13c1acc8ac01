package relay

import (
	"errors"
	"net"
	"sync"
	"time"
)

// fakeConn records writes and never produces reads.
type fakeConn struct {
	writes   [][]byte
	closes   int
	writeErr error
}

func (c *fakeConn) Read([]byte) (int, error) { return 0, net.ErrClosed }

func (c *fakeConn) Write(b []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (c *fakeConn) Close() error {
	c.closes++
	return nil
}

// chanConn is a PacketConn fed through channels, used where a goroutine reads
// the socket.
type chanConn struct {
	in      chan []byte
	out     chan []byte
	readErr chan error

	closeOnce sync.Once
	closed    chan struct{}
}

func newChanConn() *chanConn {
	return &chanConn{
		in:      make(chan []byte, 64),
		out:     make(chan []byte, 64),
		readErr: make(chan error, 4),
		closed:  make(chan struct{}),
	}
}

func (c *chanConn) Read(b []byte) (int, error) {
	select {
	case pkt := <-c.in:
		return copy(b, pkt), nil
	case err := <-c.readErr:
		return 0, err
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

func (c *chanConn) Write(b []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	select {
	case c.out <- append([]byte(nil), b...):
		return len(b), nil
	default:
		return 0, errors.New("chanConn: out full")
	}
}

func (c *chanConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type event struct {
	kind    string
	payload string
}

// recordingTransport records every callback in order.
type recordingTransport struct {
	events []event
	ticks  time.Duration

	onPayload func(payload []byte)
	onTick    func()
}

func (t *recordingTransport) OnConnectionOpened() {
	t.events = append(t.events, event{kind: "opened"})
}

func (t *recordingTransport) OnPayloadReceived(payload []byte) {
	t.events = append(t.events, event{kind: "payload", payload: string(payload)})
	if t.onPayload != nil {
		t.onPayload(payload)
	}
}

func (t *recordingTransport) OnConnectionClosed() {
	t.events = append(t.events, event{kind: "closed"})
}

func (t *recordingTransport) Tick(dt time.Duration) {
	t.ticks += dt
	if t.onTick != nil {
		t.onTick()
	}
}

func (t *recordingTransport) count(kind string) int {
	n := 0
	for _, e := range t.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func (t *recordingTransport) payloads() []string {
	var out []string
	for _, e := range t.events {
		if e.kind == "payload" {
			out = append(out, e.payload)
		}
	}
	return out
}
