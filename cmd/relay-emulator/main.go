package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/config"
	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/relayemu"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

var errServerNotRegistered = errors.New("game server has not registered")

func main() {
	cfg, err := config.LoadEmulator(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.Common)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting relay-emulator",
		"udp_addr", cfg.UDPAddr,
		"http_addr", cfg.HTTPAddr,
		"server_token", cfg.ServerToken,
		"client_tokens", len(cfg.ClientTokens),
		"max_clients", cfg.MaxClients,
		"client_pps", cfg.ClientPPS,
		"mode", cfg.Mode,
	)
	if cfg.Mode == config.ModeProd {
		logger.Warn("startup warning: relay-emulator is a development tool and performs no real authorization",
			"warning_code", "emulator_in_prod",
			"mode", cfg.Mode,
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logger.Error("relay-emulator exited", "err", err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled. ready, when non-nil, receives the bound
// addresses once listeners are up.
func run(ctx context.Context, cfg config.EmulatorConfig, logger *slog.Logger, ready chan<- boundAddrs) error {
	m := metrics.New()
	emu, err := relayemu.New(relayemu.Config{
		SessionToken:           cfg.SessionToken,
		ServerUserToken:        cfg.ServerToken,
		ClientUserTokens:       cfg.ClientTokens,
		MaxClients:             cfg.MaxClients,
		ClientPacketsPerSecond: cfg.ClientPPS,
		MTU:                    cfg.MTU,
		Logger:                 logger.With("component", "relayemu"),
		Metrics:                m,
	})
	if err != nil {
		return err
	}

	var bound boundAddrs
	var pc net.PacketConn
	if cfg.UDPAddr != "" {
		pc, err = net.ListenPacket("udp", cfg.UDPAddr)
		if err != nil {
			return fmt.Errorf("listen udp %s: %w", cfg.UDPAddr, err)
		}
		bound.UDP = pc.LocalAddr().String()
	}

	var ln net.Listener
	if cfg.HTTPAddr != "" {
		ln, err = net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			if pc != nil {
				_ = pc.Close()
			}
			return fmt.Errorf("listen tcp %s: %w", cfg.HTTPAddr, err)
		}
		bound.HTTP = ln.Addr().String()
	}

	g, gctx := errgroup.WithContext(ctx)

	if pc != nil {
		g.Go(func() error {
			return emu.ServeUDP(gctx, pc)
		})
	}

	if ln != nil {
		srv := httpserver.New(httpserver.Config{
			ListenAddr: cfg.HTTPAddr,
			Ready: func() error {
				if !emu.ServerRegistered() {
					return errServerNotRegistered
				}
				return nil
			},
			Metrics:      m,
			MetricLabels: prometheus.Labels{"role": "emulator"},
		}, logger, httpserver.ResolveBuildInfo(buildCommit, buildTime))
		srv.Mux().Handle("GET /udp", emu)

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			// Hijacked WebSocket conns are not tracked by Shutdown.
			if err := emu.Close(); err != nil {
				logger.Warn("closing websocket peers failed", "err", err)
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http server shutdown failed", "err", err)
			}
			return nil
		})
	}

	if ready != nil {
		ready <- bound
	}

	err = g.Wait()
	logger.Info("relay-emulator stopped", "metrics", m.Snapshot())
	return err
}

type boundAddrs struct {
	UDP  string
	HTTP string
}
