package relay

import "time"

// PacketConn is the physical socket to the relay. Each Read returns exactly one
// datagram and each Write sends exactly one.
//
// pion transport.UDPConn (connected) and wsconn.Conn both satisfy it.
type PacketConn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
}

// Transport is the session layer riding inside relay payloads. It is notified
// when the relay path opens and closes and receives unwrapped payloads.
//
// Calls are made from the goroutine driving HandleDatagram/Tick.
type Transport interface {
	OnConnectionOpened()
	OnPayloadReceived(payload []byte)
	OnConnectionClosed()
}

// Ticker is optionally implemented by a Transport that needs periodic ticks
// for its own timers (liveness, retransmission).
type Ticker interface {
	Tick(dt time.Duration)
}

// Sender is the transport's way to request that a payload be sent to its peer
// through the relay.
type Sender interface {
	Send(payload []byte) error
}

// Acceptor decides whether the first payload received on an unknown
// connection id opens a transport session. Returning nil discards the entry.
type Acceptor interface {
	Accept(c *Conn, first []byte) Transport
}

// AcceptorFunc adapts a function to Acceptor.
type AcceptorFunc func(c *Conn, first []byte) Transport

func (f AcceptorFunc) Accept(c *Conn, first []byte) Transport { return f(c, first) }
