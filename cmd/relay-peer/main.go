package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
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
	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/netsession"
	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/relay"
	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/relayproto"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
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

	logger.Info("starting relay-peer",
		"role", cfg.Role,
		"relay_addr", cfg.RelayAddr,
		"user_token", cfg.Tokens.User,
		"mode", cfg.Mode,
		"mtu", cfg.MTU,
		"ping_interval", cfg.PingInterval,
		"tick_interval", cfg.TickInterval,
		"http_listen_addr", cfg.HTTPListenAddr,
	)
	logStartupWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdin, os.Stdout); err != nil {
		logger.Error("relay-peer exited", "err", err)
		os.Exit(1)
	}
}

// peer is the role-specific half of the process: the endpoint driven by the
// relay loop plus an optional goroutine feeding it.
type peer struct {
	endpoint relay.Endpoint
	state    func() relayproto.State
	// drive runs alongside the loop. It may be nil.
	drive func(ctx context.Context, loop *relay.Loop) error
}

func run(parent context.Context, cfg config.Config, logger *slog.Logger, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	m := metrics.New()

	conn, err := relay.Dial(ctx, nil, cfg.RelayAddr)
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", cfg.RelayAddr, err)
	}

	session := netsession.Config{
		Timeout: cfg.SessionTimeout,
		Logger:  logger.With("component", "netsession"),
	}
	onState := warnOnDegraded(ctx, logger)

	var p peer
	switch cfg.Role {
	case config.RoleClient:
		p, err = newClientPeer(conn, cfg, session, onState, logger, m, in, out, cancel)
	case config.RoleServer:
		p, err = newServerPeer(conn, cfg, session, onState, logger, m)
	default:
		err = fmt.Errorf("unsupported role %q", cfg.Role)
	}
	if err != nil {
		_ = conn.Close()
		return err
	}

	loop := relay.NewLoop(conn, p.endpoint, relay.LoopConfig{
		TickInterval: cfg.TickInterval,
		QueueBytes:   cfg.ReceiveQueueBytes,
		Logger:       logger.With("component", "loop"),
		Metrics:      m,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := loop.Run(gctx)
		// The loop ending for any reason ends the process.
		cancel()
		return err
	})
	if p.drive != nil {
		g.Go(func() error {
			return p.drive(gctx, loop)
		})
	}

	if cfg.HTTPListenAddr != "" {
		ln, err := net.Listen("tcp", cfg.HTTPListenAddr)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("listen %s: %w", cfg.HTTPListenAddr, err)
		}
		srv := httpserver.New(httpserver.Config{
			ListenAddr:   cfg.HTTPListenAddr,
			Ready:        relayReady(loop, p.state),
			Metrics:      m,
			MetricLabels: prometheus.Labels{"role": string(cfg.Role)},
		}, logger, httpserver.ResolveBuildInfo(buildCommit, buildTime))
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
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http server shutdown failed", "err", err)
			}
			return nil
		})
	}

	err = g.Wait()
	logger.Info("relay-peer stopped", "metrics", m.Snapshot())
	if errors.Is(err, relay.ErrClosed) && parent.Err() != nil {
		return nil
	}
	return err
}

// warnOnDegraded warns when the relay degrades the session. Transitions after
// ctx is done come from local shutdown and are not reported.
func warnOnDegraded(ctx context.Context, logger *slog.Logger) relay.StateFunc {
	return func(prev, next relayproto.State) {
		if !next.Degraded() || ctx.Err() != nil {
			return
		}
		logger.Warn("relay session degraded", "relay_state", next, "prev_state", prev)
	}
}

// relayReady reports the relay state read from inside the loop.
func relayReady(loop *relay.Loop, state func() relayproto.State) httpserver.ReadyFunc {
	return func() error {
		var s relayproto.State
		if err := loop.Do(func() { s = state() }); err != nil {
			return err
		}
		if s != relayproto.StateValid {
			return fmt.Errorf("relay state is %s", s)
		}
		return nil
	}
}

func newClientPeer(
	conn relay.PacketConn,
	cfg config.Config,
	sessionCfg netsession.Config,
	onState relay.StateFunc,
	logger *slog.Logger,
	m *metrics.Metrics,
	in io.Reader,
	out io.Writer,
	cancel context.CancelFunc,
) (peer, error) {
	client := netsession.NewClient(sessionCfg, netsession.ClientCallbacks{
		OnConnected: func() {
			logger.Info("connected to game server")
		},
		OnData: func(body []byte) {
			fmt.Fprintln(out, string(body))
		},
		OnDisconnected: func(reason error) {
			if reason != nil {
				logger.Warn("disconnected from game server", "reason", reason)
			}
			cancel()
		},
	})
	session, err := relay.NewClientSession(conn, relay.ClientConfig{
		Tokens:        cfg.Tokens,
		PingInterval:  cfg.PingInterval,
		MTU:           cfg.MTU,
		OnStateChange: onState,
		Logger:        logger.With("component", "relay_client"),
		Metrics:       m,
	}, client)
	if err != nil {
		return peer{}, err
	}
	client.Attach(session)
	if err := session.Start(); err != nil {
		return peer{}, err
	}

	drive := func(ctx context.Context, loop *relay.Loop) error {
		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(in)
			for sc.Scan() {
				select {
				case lines <- sc.Text():
				case <-ctx.Done():
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					// stdin closed: say goodbye and stop.
					_ = loop.Do(client.Disconnect)
					return nil
				}
				var sendErr error
				if err := loop.Do(func() { sendErr = client.Send([]byte(line)) }); err != nil {
					return nil
				}
				if sendErr != nil {
					logger.Warn("dropped input line", "err", sendErr)
				}
			}
		}
	}

	return peer{endpoint: session, state: session.State, drive: drive}, nil
}

func newServerPeer(
	conn relay.PacketConn,
	cfg config.Config,
	sessionCfg netsession.Config,
	onState relay.StateFunc,
	logger *slog.Logger,
	m *metrics.Metrics,
) (peer, error) {
	echo := netsession.NewServer(sessionCfg, netsession.ServerCallbacks{
		OnConnected: func(s *netsession.ServerSession) {
			logger.Info("client connected", "conn_id", s.ID())
		},
		OnData: func(s *netsession.ServerSession, body []byte) {
			if err := s.Send(body); err != nil {
				logger.Warn("echo failed", "conn_id", s.ID(), "err", err)
			}
		},
		OnDisconnected: func(s *netsession.ServerSession, reason error) {
			logger.Info("client disconnected", "conn_id", s.ID(), "reason", reason)
		},
	})
	mux, err := relay.NewServerMux(conn, relay.ServerConfig{
		Tokens:         cfg.Tokens,
		PingInterval:   cfg.PingInterval,
		MTU:            cfg.MTU,
		MaxConnections: cfg.MaxConnections,
		OnStateChange:  onState,
		Logger:         logger.With("component", "relay_server"),
		Metrics:        m,
	}, echo)
	if err != nil {
		return peer{}, err
	}
	if err := mux.Start(); err != nil {
		return peer{}, err
	}
	return peer{endpoint: mux, state: mux.State}, nil
}
