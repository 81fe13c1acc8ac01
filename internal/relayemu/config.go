package relayemu

import (
	"io"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/relayproto"
)

type Config struct {
	// SessionToken is the session authorization token shared by the server
	// and every client of the emulated session.
	SessionToken uint32
	// ServerUserToken identifies the game server. Frames carrying it are
	// decoded with the server layout.
	ServerUserToken uint32
	// ClientUserTokens lists the user tokens allowed to join as clients. Empty
	// allows any token other than ServerUserToken.
	ClientUserTokens []uint32

	// MaxClients bounds the client table; the least recently active client is
	// evicted when it is full.
	MaxClients int
	// ClientPacketsPerSecond limits data forwarded from each client.
	ClientPacketsPerSecond float64

	MTU int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func DefaultConfig() Config {
	return Config{
		MaxClients:             256,
		ClientPacketsPerSecond: 500,
		MTU:                    relayproto.DefaultMTU,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxClients <= 0 {
		c.MaxClients = d.MaxClients
	}
	if c.ClientPacketsPerSecond <= 0 {
		c.ClientPacketsPerSecond = d.ClientPacketsPerSecond
	}
	if c.MTU <= 0 {
		c.MTU = d.MTU
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}
