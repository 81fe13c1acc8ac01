package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/relayproto"
)

const (
	envVarEmulatorUDPAddr      = "RELAY_EMULATOR_UDP_ADDR"
	envVarEmulatorHTTPAddr     = "RELAY_EMULATOR_HTTP_ADDR"
	envVarEmulatorSessionToken = "RELAY_EMULATOR_SESSION_TOKEN"
	envVarEmulatorServerToken  = "RELAY_EMULATOR_SERVER_TOKEN"
	envVarEmulatorClientTokens = "RELAY_EMULATOR_CLIENT_TOKENS"
	envVarEmulatorMaxClients   = "RELAY_EMULATOR_MAX_CLIENTS"
	envVarEmulatorClientPPS    = "RELAY_EMULATOR_CLIENT_PPS"

	DefaultEmulatorUDPAddr  = "127.0.0.1:9000"
	DefaultEmulatorHTTPAddr = "127.0.0.1:9080"

	// DevSessionToken and DevServerToken are the emulator's default tokens.
	// Peers using them in prod mode get a startup warning.
	DevSessionToken uint32 = 1000
	DevServerToken  uint32 = 1

	DefaultEmulatorMaxClients = 256
	DefaultEmulatorClientPPS  = 500.0
)

// EmulatorConfig configures the relay-emulator binary.
type EmulatorConfig struct {
	Common

	UDPAddr string
	// HTTPAddr serves the WebSocket endpoint and ops routes. Empty disables it.
	HTTPAddr string

	SessionToken uint32
	ServerToken  uint32
	ClientTokens []uint32
	MaxClients   int
	ClientPPS    float64
	MTU          int
}

func LoadEmulator(args []string) (EmulatorConfig, error) {
	return loadEmulator(os.LookupEnv, args)
}

func loadEmulator(lookup func(string) (string, bool), args []string) (EmulatorConfig, error) {
	fs := flag.NewFlagSet("relay-emulator", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	resolveCommon, err := commonFlags(fs, lookup)
	if err != nil {
		return EmulatorConfig{}, err
	}

	cfg := EmulatorConfig{
		UDPAddr:  envOrDefault(lookup, envVarEmulatorUDPAddr, DefaultEmulatorUDPAddr),
		HTTPAddr: envOrDefault(lookup, envVarEmulatorHTTPAddr, DefaultEmulatorHTTPAddr),
	}
	if cfg.SessionToken, err = envUint32OrDefault(lookup, envVarEmulatorSessionToken, DevSessionToken); err != nil {
		return EmulatorConfig{}, err
	}
	if cfg.ServerToken, err = envUint32OrDefault(lookup, envVarEmulatorServerToken, DevServerToken); err != nil {
		return EmulatorConfig{}, err
	}
	if cfg.MaxClients, err = envIntOrDefault(lookup, envVarEmulatorMaxClients, DefaultEmulatorMaxClients); err != nil {
		return EmulatorConfig{}, err
	}
	if cfg.ClientPPS, err = envFloatOrDefault(lookup, envVarEmulatorClientPPS, DefaultEmulatorClientPPS); err != nil {
		return EmulatorConfig{}, err
	}
	if cfg.MTU, err = envIntOrDefault(lookup, envVarMTU, relayproto.DefaultMTU); err != nil {
		return EmulatorConfig{}, err
	}
	clientTokens := envOrDefault(lookup, envVarEmulatorClientTokens, "")

	fs.StringVar(&cfg.UDPAddr, "udp-addr", cfg.UDPAddr, "UDP listen address, empty to disable (env "+envVarEmulatorUDPAddr+")")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address for /udp WebSocket peers and ops routes (env "+envVarEmulatorHTTPAddr+")")
	fs.Var(uint32Value{&cfg.SessionToken}, "session-token", "Session authorization token (env "+envVarEmulatorSessionToken+")")
	fs.Var(uint32Value{&cfg.ServerToken}, "server-token", "Game server user token (env "+envVarEmulatorServerToken+")")
	fs.StringVar(&clientTokens, "client-tokens", clientTokens, "Comma-separated client user tokens, empty allows any (env "+envVarEmulatorClientTokens+")")
	fs.IntVar(&cfg.MaxClients, "max-clients", cfg.MaxClients, "Maximum registered clients (env "+envVarEmulatorMaxClients+")")
	fs.Float64Var(&cfg.ClientPPS, "client-pps", cfg.ClientPPS, "Per-client forwarded packets per second (env "+envVarEmulatorClientPPS+")")
	fs.IntVar(&cfg.MTU, "mtu", cfg.MTU, "Datagram size budget in bytes (env "+envVarMTU+")")

	if err := fs.Parse(args); err != nil {
		return EmulatorConfig{}, err
	}
	if cfg.Common, err = resolveCommon(); err != nil {
		return EmulatorConfig{}, err
	}
	if cfg.ClientTokens, err = parseTokenList(clientTokens); err != nil {
		return EmulatorConfig{}, err
	}

	if cfg.UDPAddr == "" && cfg.HTTPAddr == "" {
		return EmulatorConfig{}, fmt.Errorf("at least one of udp-addr or http-addr must be set")
	}
	if cfg.SessionToken == 0 {
		return EmulatorConfig{}, fmt.Errorf("session token must be non-zero")
	}
	if cfg.MaxClients <= 0 {
		return EmulatorConfig{}, fmt.Errorf("max clients must be > 0")
	}
	if cfg.ClientPPS <= 0 {
		return EmulatorConfig{}, fmt.Errorf("client pps must be > 0")
	}
	if cfg.MTU <= relayproto.ServerOverhead {
		return EmulatorConfig{}, fmt.Errorf("mtu %d must be > %d", cfg.MTU, relayproto.ServerOverhead)
	}
	for _, tok := range cfg.ClientTokens {
		if tok == cfg.ServerToken {
			return EmulatorConfig{}, fmt.Errorf("client token %d collides with the server token", tok)
		}
	}
	return cfg, nil
}

func parseTokenList(raw string) ([]uint32, error) {
	var out []uint32
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := parseToken(part)
		if err != nil {
			return nil, fmt.Errorf("invalid client token %q: %w", part, err)
		}
		out = append(out, n)
	}
	return out, nil
}
