package metrics

import "sync"

// Event names. Drop reasons are recorded as separate events so operators can
// tell relay noise apart from admission failures.
const (
	PingSent               = "ping_sent"
	PingReceived           = "ping_received"
	StateChanged           = "relay_state_changed"
	DataSent               = "data_sent"
	DataReceived           = "data_received"
	ConnectionOpened       = "connection_opened"
	ConnectionClosed       = "connection_closed"
	ConnectionsRejected    = "connections_rejected"
	SocketWriteErrors      = "socket_write_errors"
	SocketReadErrors       = "socket_read_errors"
	ReceiveQueueDrops      = "receive_queue_drops"
	DropReasonMalformed    = "drop_malformed"
	DropReasonNotValid     = "drop_not_valid"
	DropReasonInactive     = "drop_relay_inactive"
	DropReasonZeroConnID   = "drop_zero_connection_id"
	DropReasonNoCookie     = "drop_missing_cookie"
	DropReasonUnknownConn  = "drop_unknown_connection"
	DropReasonTooManyConn  = "drop_too_many_connections"
	DropReasonBadTokens    = "drop_bad_tokens"
	DropReasonRateLimited  = "drop_rate_limited"
	DropReasonUnregistered = "drop_unregistered_peer"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A nil *Metrics is valid and discards every update, so components can take an
// optional registry without nil checks at each call site.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
