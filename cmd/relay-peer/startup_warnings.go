package main

import (
	"log/slog"
	"strings"

	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/config"
	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/keepalive"
	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/relayproto"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if !keepalive.InRecommendedRange(cfg.PingInterval) {
		logger.Warn("startup warning: RELAY_PING_INTERVAL is outside the recommended range (the relay may expire the session or be flooded with pings)",
			"warning_code", "ping_interval_out_of_range",
			"ping_interval", cfg.PingInterval,
			"min_recommended", keepalive.MinRecommendedInterval,
			"max_recommended", keepalive.MaxRecommendedInterval,
			"mode", cfg.Mode,
		)
	}

	if cfg.MTU > relayproto.DefaultMTU {
		logger.Warn("startup warning: RELAY_MTU exceeds the relay's datagram budget (larger datagrams risk IP fragmentation and drops)",
			"warning_code", "mtu_above_default",
			"mtu", cfg.MTU,
			"default_mtu", relayproto.DefaultMTU,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.Tokens.Session == config.DevSessionToken {
		logger.Warn("startup security warning: relay session token is the emulator default while --mode=prod",
			"warning_code", "dev_tokens_in_prod",
			"session_token", cfg.Tokens.Session,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && strings.HasPrefix(strings.ToLower(strings.TrimSpace(cfg.RelayAddr)), "ws://") {
		logger.Warn("startup security warning: relay address uses plaintext ws:// while --mode=prod (tokens travel unencrypted)",
			"warning_code", "relay_ws_plaintext_in_prod",
			"relay_addr", cfg.RelayAddr,
			"mode", cfg.Mode,
		)
	}
}
