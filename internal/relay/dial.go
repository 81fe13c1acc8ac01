package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"

	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"

	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/wsconn"
)

// Dial opens the physical socket to the relay at address.
//
// host:port addresses are dialled as connected UDP sockets through n, which
// defaults to the operating system network; tests pass a vnet.Net. ws:// and
// wss:// URLs are dialled as WebSocket datagram connections.
func Dial(ctx context.Context, n transport.Net, address string) (PacketConn, error) {
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		c, err := wsconn.Dial(ctx, address, nil)
		if err != nil {
			return nil, fmt.Errorf("relay: dial %s: %w", address, err)
		}
		return c, nil
	}

	if n == nil {
		std, err := stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("relay: init network: %w", err)
		}
		n = std
	}
	raddr, err := n.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("relay: resolve %s: %w", address, err)
	}
	conn, err := n.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", address, err)
	}
	return &udpConn{UDPConn: conn}, nil
}

// udpConn reports reads failing after Close as net.ErrClosed, which not every
// transport.Net implementation does.
type udpConn struct {
	transport.UDPConn
	closed atomic.Bool
}

func (c *udpConn) Read(b []byte) (int, error) {
	n, err := c.UDPConn.Read(b)
	if err != nil && c.closed.Load() && !errors.Is(err, net.ErrClosed) {
		return n, fmt.Errorf("%w: %v", net.ErrClosed, err)
	}
	return n, err
}

func (c *udpConn) Close() error {
	c.closed.Store(true)
	return c.UDPConn.Close()
}
