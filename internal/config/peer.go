package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/relayproto"
)

const (
	envVarPeerRole          = "RELAY_PEER_ROLE"
	envVarRelayAddr         = "RELAY_ADDR"
	envVarUserToken         = "RELAY_USER_TOKEN"
	envVarSessionToken      = "RELAY_SESSION_TOKEN"
	envVarPingInterval      = "RELAY_PING_INTERVAL"
	envVarMTU               = "RELAY_MTU"
	envVarTickInterval      = "RELAY_TICK_INTERVAL"
	envVarReceiveQueueBytes = "RELAY_RECEIVE_QUEUE_BYTES"
	envVarMaxConnections    = "RELAY_MAX_CONNECTIONS"
	envVarSessionTimeout    = "RELAY_SESSION_TIMEOUT"
	envVarHTTPListenAddr    = "RELAY_HTTP_LISTEN_ADDR"

	DefaultRelayAddr         = "127.0.0.1:9000"
	DefaultPingInterval      = 500 * time.Millisecond
	DefaultTickInterval      = 10 * time.Millisecond
	DefaultReceiveQueueBytes = 1 << 20
	DefaultMaxConnections    = 1024
	DefaultSessionTimeout    = 10 * time.Second
	DefaultHTTPListenAddr    = "127.0.0.1:8080"

	credentialUserKey    = "user_authorization_token"
	credentialSessionKey = "session_authorization_token"
)

type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// Config configures the relay-peer binary.
type Config struct {
	Common

	Role      Role
	RelayAddr string
	Tokens    relayproto.Tokens

	PingInterval      time.Duration
	MTU               int
	TickInterval      time.Duration
	ReceiveQueueBytes int
	MaxConnections    int
	SessionTimeout    time.Duration

	// HTTPListenAddr is the ops endpoint address. Empty disables it.
	HTTPListenAddr string
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	fs := flag.NewFlagSet("relay-peer", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	resolveCommon, err := commonFlags(fs, lookup)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Role:           Role(envOrDefault(lookup, envVarPeerRole, string(RoleClient))),
		RelayAddr:      envOrDefault(lookup, envVarRelayAddr, DefaultRelayAddr),
		HTTPListenAddr: envOrDefault(lookup, envVarHTTPListenAddr, DefaultHTTPListenAddr),
	}
	if _, ok := lookup(envVarHTTPListenAddr); ok {
		// An explicitly empty value disables the ops endpoint.
		cfg.HTTPListenAddr, _ = lookup(envVarHTTPListenAddr)
	}

	if cfg.Tokens.User, err = envUint32OrDefault(lookup, envVarUserToken, 0); err != nil {
		return Config{}, err
	}
	if cfg.Tokens.Session, err = envUint32OrDefault(lookup, envVarSessionToken, 0); err != nil {
		return Config{}, err
	}
	if cfg.PingInterval, err = envDurationOrDefault(lookup, envVarPingInterval, DefaultPingInterval); err != nil {
		return Config{}, err
	}
	if cfg.MTU, err = envIntOrDefault(lookup, envVarMTU, relayproto.DefaultMTU); err != nil {
		return Config{}, err
	}
	if cfg.TickInterval, err = envDurationOrDefault(lookup, envVarTickInterval, DefaultTickInterval); err != nil {
		return Config{}, err
	}
	if cfg.ReceiveQueueBytes, err = envIntOrDefault(lookup, envVarReceiveQueueBytes, DefaultReceiveQueueBytes); err != nil {
		return Config{}, err
	}
	if cfg.MaxConnections, err = envIntOrDefault(lookup, envVarMaxConnections, DefaultMaxConnections); err != nil {
		return Config{}, err
	}
	if cfg.SessionTimeout, err = envDurationOrDefault(lookup, envVarSessionTimeout, DefaultSessionTimeout); err != nil {
		return Config{}, err
	}

	roleStr := string(cfg.Role)
	fs.StringVar(&roleStr, "role", roleStr, "Peer role: client or server (env "+envVarPeerRole+")")
	fs.StringVar(&cfg.RelayAddr, "relay", cfg.RelayAddr, "Relay address: host:port for UDP, or a ws:// / wss:// URL (env "+envVarRelayAddr+")")
	fs.Var(uint32Value{&cfg.Tokens.User}, "user-token", "Relay user authorization token (env "+envVarUserToken+")")
	fs.Var(uint32Value{&cfg.Tokens.Session}, "session-token", "Relay session authorization token (env "+envVarSessionToken+")")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "Relay keepalive interval (env "+envVarPingInterval+")")
	fs.IntVar(&cfg.MTU, "mtu", cfg.MTU, "Datagram size budget in bytes (env "+envVarMTU+")")
	fs.DurationVar(&cfg.TickInterval, "tick-interval", cfg.TickInterval, "Event loop tick interval (env "+envVarTickInterval+")")
	fs.IntVar(&cfg.ReceiveQueueBytes, "receive-queue-bytes", cfg.ReceiveQueueBytes, "Receive queue bound in bytes (env "+envVarReceiveQueueBytes+")")
	fs.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "Server role: maximum relayed connections (env "+envVarMaxConnections+")")
	fs.DurationVar(&cfg.SessionTimeout, "session-timeout", cfg.SessionTimeout, "Session idle timeout (env "+envVarSessionTimeout+")")
	fs.StringVar(&cfg.HTTPListenAddr, "http-listen-addr", cfg.HTTPListenAddr, "Ops HTTP listen address, empty to disable (env "+envVarHTTPListenAddr+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.Common, err = resolveCommon(); err != nil {
		return Config{}, err
	}

	if err := ApplyCredentialArgs(&cfg.Tokens, fs.Args()); err != nil {
		return Config{}, err
	}

	switch Role(strings.ToLower(strings.TrimSpace(roleStr))) {
	case RoleClient:
		cfg.Role = RoleClient
	case RoleServer:
		cfg.Role = RoleServer
	default:
		return Config{}, fmt.Errorf("invalid role %q (expected client or server)", roleStr)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.RelayAddr) == "" {
		return fmt.Errorf("relay address must not be empty")
	}
	if c.Tokens.Session == 0 {
		return fmt.Errorf("session token must be set (%s, -session-token or %s=N)", envVarSessionToken, credentialSessionKey)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping interval must be > 0")
	}
	if c.MTU <= relayproto.ServerOverhead {
		return fmt.Errorf("mtu %d must be > %d", c.MTU, relayproto.ServerOverhead)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be > 0")
	}
	if c.ReceiveQueueBytes <= 0 {
		return fmt.Errorf("receive queue bytes must be > 0")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be > 0")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("session timeout must be > 0")
	}
	return nil
}

// ApplyCredentialArgs overrides t with any user_authorization_token=N and
// session_authorization_token=N arguments. Other arguments are ignored.
func ApplyCredentialArgs(t *relayproto.Tokens, args []string) error {
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			continue
		}
		var dst *uint32
		switch strings.TrimLeft(key, "-") {
		case credentialUserKey:
			dst = &t.User
		case credentialSessionKey:
			dst = &t.Session
		default:
			continue
		}
		n, err := parseToken(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		*dst = n
	}
	return nil
}
