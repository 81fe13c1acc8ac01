package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/metrics"
)

// Endpoint is the tick-driven side of the relay: a ClientSession or ServerMux.
type Endpoint interface {
	HandleDatagram(b []byte)
	Tick(dt time.Duration)
	Close() error
}

// Loop runs an Endpoint on its own goroutines. A reader goroutine moves
// datagrams from the socket into a bounded queue; a single loop goroutine
// drains it, ticks the endpoint and runs closures posted with Do. The endpoint
// is only ever touched from the loop goroutine.
type Loop struct {
	conn PacketConn
	ep   Endpoint
	cfg  LoopConfig
	log  *slog.Logger

	queue *packetQueue
	ops   chan func()

	stopped   chan struct{}
	stopOnce  sync.Once
	runCalled bool
	mu        sync.Mutex
}

// NewLoop pairs ep with the socket it was built on.
func NewLoop(conn PacketConn, ep Endpoint, cfg LoopConfig) *Loop {
	cfg = cfg.withDefaults()
	q := newPacketQueue(cfg.QueueBytes)
	m := cfg.Metrics
	q.SetOnDrop(func() { m.Inc(metrics.ReceiveQueueDrops) })
	return &Loop{
		conn:    conn,
		ep:      ep,
		cfg:     cfg,
		log:     cfg.Logger,
		queue:   q,
		ops:     make(chan func()),
		stopped: make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled or the socket is closed. On return the
// endpoint has been closed. A socket closed by the endpoint itself (for
// example after the relay reported the session invalid) is reported as
// ErrClosed. Other read errors are logged and counted, and reading resumes
// after LoopConfig.ReadErrorBackoff.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.runCalled {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.runCalled = true
	l.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.readLoop(gctx) })
	g.Go(func() error { return l.tickLoop(gctx) })
	err := g.Wait()
	if ctx.Err() != nil && errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Do runs fn on the loop goroutine and waits for it to finish. fn must not
// call Do.
func (l *Loop) Do(fn func()) error {
	done := make(chan struct{})
	select {
	case l.ops <- func() { fn(); close(done) }:
	case <-l.stopped:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-l.stopped:
		return ErrClosed
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.stopped
}

func (l *Loop) readLoop(ctx context.Context) error {
	defer l.queue.Close()
	buf := make([]byte, l.cfg.ReadBufferBytes)
	for {
		n, err := l.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: read: %v", ErrClosed, err)
			}
			l.cfg.Metrics.Inc(metrics.SocketReadErrors)
			l.log.Warn("relay read failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-l.cfg.Clock.After(l.cfg.ReadErrorBackoff):
			}
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		l.queue.Enqueue(pkt)
	}
}

func (l *Loop) tickLoop(ctx context.Context) error {
	defer l.stopOnce.Do(func() { close(l.stopped) })

	ticker := l.cfg.Clock.Ticker(l.cfg.TickInterval)
	defer ticker.Stop()
	last := l.cfg.Clock.Now()

	for {
		select {
		case <-ctx.Done():
			l.drain()
			if err := l.ep.Close(); err != nil {
				l.log.Warn("relay endpoint close failed", "err", err)
			}
			return nil
		case <-l.queue.Ready():
			l.drain()
		case fn := <-l.ops:
			fn()
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			l.ep.Tick(dt)
		}
	}
}

func (l *Loop) drain() {
	for {
		pkt, ok := l.queue.TryDequeue()
		if !ok {
			return
		}
		l.ep.HandleDatagram(pkt)
	}
}
