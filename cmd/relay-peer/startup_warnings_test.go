package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/config"
	"github.com/wilsonzlin/aero/proxy/game-relay-transport/internal/relayproto"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]bool {
	codes := map[string]bool{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			codes[code] = true
		}
	}
	return codes
}

func baseConfig() config.Config {
	return config.Config{
		Common:       config.Common{Mode: config.ModeDev},
		RelayAddr:    "127.0.0.1:9000",
		Tokens:       relayproto.Tokens{User: 2, Session: 77},
		PingInterval: 500 * time.Millisecond,
		MTU:          relayproto.DefaultMTU,
	}
}

func TestStartupWarnings_DefaultsAreQuiet(t *testing.T) {
	logger, records := newRecordingLogger()
	logStartupWarnings(logger, baseConfig())
	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("unexpected warnings: %v", codes)
	}
}

func TestStartupWarnings_PingInterval(t *testing.T) {
	for _, d := range []time.Duration{50 * time.Millisecond, 2 * time.Second} {
		logger, records := newRecordingLogger()
		cfg := baseConfig()
		cfg.PingInterval = d
		logStartupWarnings(logger, cfg)

		var found bool
		for _, r := range records() {
			if r.attrs["warning_code"] == "ping_interval_out_of_range" {
				found = true
				if r.attrs["ping_interval"] != d {
					t.Fatalf("ping_interval attr = %#v, want %v", r.attrs["ping_interval"], d)
				}
			}
		}
		if !found {
			t.Fatalf("interval %v: expected warning_code=ping_interval_out_of_range, got %#v", d, records())
		}
	}
}

func TestStartupWarnings_LargeMTU(t *testing.T) {
	logger, records := newRecordingLogger()
	cfg := baseConfig()
	cfg.MTU = 1400
	logStartupWarnings(logger, cfg)
	if !warningCodes(records())["mtu_above_default"] {
		t.Fatalf("expected warning_code=mtu_above_default, got %#v", records())
	}
}

func TestStartupWarnings_DevTokensOnlyInProd(t *testing.T) {
	cfg := baseConfig()
	cfg.Tokens.Session = config.DevSessionToken

	logger, records := newRecordingLogger()
	logStartupWarnings(logger, cfg)
	if warningCodes(records())["dev_tokens_in_prod"] {
		t.Fatalf("dev mode should not warn about dev tokens")
	}

	cfg.Mode = config.ModeProd
	logger, records = newRecordingLogger()
	logStartupWarnings(logger, cfg)
	if !warningCodes(records())["dev_tokens_in_prod"] {
		t.Fatalf("expected warning_code=dev_tokens_in_prod, got %#v", records())
	}
}

func TestStartupWarnings_PlaintextWebSocketInProd(t *testing.T) {
	cfg := baseConfig()
	cfg.Mode = config.ModeProd
	cfg.RelayAddr = "ws://relay.example.com/udp"

	logger, records := newRecordingLogger()
	logStartupWarnings(logger, cfg)
	if !warningCodes(records())["relay_ws_plaintext_in_prod"] {
		t.Fatalf("expected warning_code=relay_ws_plaintext_in_prod, got %#v", records())
	}

	cfg.RelayAddr = "wss://relay.example.com/udp"
	logger, records = newRecordingLogger()
	logStartupWarnings(logger, cfg)
	if warningCodes(records())["relay_ws_plaintext_in_prod"] {
		t.Fatalf("wss:// should not warn")
	}
}
