package relayproto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType is the type byte carried by every relay frame.
type MessageType byte

const (
	MessageTypePing MessageType = 1
	MessageTypeData MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case MessageTypePing:
		return "ping"
	case MessageTypeData:
		return "data"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// State is the relay-reported validity of a session (RelayConnectionState).
type State byte

const (
	// StateDisconnected is the initial state until the session is started.
	StateDisconnected State = 0
	// StateChecking means validation by the relay is in progress.
	StateChecking State = 1
	// StateValid is the only state in which Data frames may be sent.
	StateValid State = 2
	// StateInvalid means the relay rejected the tokens.
	StateInvalid State = 3
	// StateSessionTimeout means the relay session owner timed out.
	StateSessionTimeout State = 4
	// StateError is any other relay-side failure.
	StateError State = 5
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateChecking:
		return "checking"
	case StateValid:
		return "valid"
	case StateInvalid:
		return "invalid"
	case StateSessionTimeout:
		return "session_timeout"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", byte(s))
	}
}

// Known reports whether s is one of the defined relay states.
func (s State) Known() bool {
	return s <= StateError
}

// Degraded reports whether s means the relay session can no longer carry
// traffic and the owning connection must be torn down.
func (s State) Degraded() bool {
	switch s {
	case StateDisconnected, StateInvalid, StateSessionTimeout, StateError:
		return true
	default:
		return false
	}
}

const (
	// TokensLen is the size of the user+session token prefix of every
	// peer->relay frame.
	TokensLen = 8

	// PingLen is the size of a peer->relay Ping. Client and server pings are
	// byte-identical.
	PingLen = TokensLen + 1

	// ClientOverhead is the header size of a client->relay Data frame.
	ClientOverhead = TokensLen + 1
	// ServerOverhead is the header size of a server->relay Data frame, and the
	// worst case overhead the relay adds to any datagram.
	ServerOverhead = TokensLen + 1 + 4

	// RelayPingLen is the size of a relay->peer Ping.
	RelayPingLen = 2
	// RelayClientDataHeaderLen is the header size of a relay->client Data frame.
	RelayClientDataHeaderLen = 1
	// RelayServerDataHeaderLen is the header size of a relay->server Data frame.
	RelayServerDataHeaderLen = 1 + 4

	// DefaultMTU is the datagram size budget shared by the relay and peers.
	DefaultMTU = 1200

	// DefaultMaxPayload is the largest payload that fits DefaultMTU on both
	// sides of the relay.
	DefaultMaxPayload = DefaultMTU - ServerOverhead
)

var (
	ErrTooShort        = errors.New("relayproto: frame too short")
	ErrUnknownType     = errors.New("relayproto: unknown message type")
	ErrUnknownState    = errors.New("relayproto: unknown relay state")
	ErrPayloadTooLarge = errors.New("relayproto: payload too large")
)

// Tokens are the authorization tokens issued by the relay for one session.
// They are fixed for the lifetime of a session.
type Tokens struct {
	User    uint32
	Session uint32
}

// Frame is a decoded relay->peer frame.
//
// State is set for Ping frames only. ConnectionID is set for relay->server
// Data frames only. Payload aliases the decoded buffer.
type Frame struct {
	Type         MessageType
	State        State
	ConnectionID uint32
	Payload      []byte
}

// PeerFrame is a decoded peer->relay frame, as seen by the relay.
type PeerFrame struct {
	Tokens       Tokens
	Type         MessageType
	ConnectionID uint32
	Payload      []byte
}

// Codec validates and encodes/decodes relay frames.
type Codec struct {
	// MaxPayload is the maximum number of payload bytes allowed in a Data frame.
	MaxPayload int
}

// DefaultCodec is used by the package-level helpers.
var DefaultCodec = Codec{MaxPayload: DefaultMaxPayload}

func NewCodec(maxPayload int) (Codec, error) {
	if maxPayload < 0 {
		return Codec{}, fmt.Errorf("relayproto: max payload must be >= 0")
	}
	return Codec{MaxPayload: maxPayload}, nil
}

// CodecForMTU returns a codec whose payload limit keeps every frame within mtu
// bytes, using the larger server-side overhead.
func CodecForMTU(mtu int) (Codec, error) {
	if mtu <= ServerOverhead {
		return Codec{}, fmt.Errorf("relayproto: mtu %d must be > %d", mtu, ServerOverhead)
	}
	return NewCodec(mtu - ServerOverhead)
}

func grow(dst []byte, n int) ([]byte, int) {
	start := len(dst)
	if cap(dst) < start+n {
		grown := make([]byte, start, start+n)
		copy(grown, dst)
		dst = grown
	}
	return dst[:start+n], start
}

func putTokens(b []byte, t Tokens) {
	binary.LittleEndian.PutUint32(b[0:4], t.User)
	binary.LittleEndian.PutUint32(b[4:8], t.Session)
}

func (c Codec) checkPayload(n int) error {
	if c.MaxPayload < 0 {
		return fmt.Errorf("relayproto: invalid codec max payload %d", c.MaxPayload)
	}
	if n > c.MaxPayload {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, c.MaxPayload)
	}
	return nil
}

// AppendPing appends a peer->relay Ping: [user:4][session:4][type:1].
func AppendPing(dst []byte, t Tokens) []byte {
	dst, start := grow(dst, PingLen)
	putTokens(dst[start:], t)
	dst[start+TokensLen] = byte(MessageTypePing)
	return dst
}

// AppendClientData appends a client->relay Data frame:
// [user:4][session:4][type:1][payload:N].
func (c Codec) AppendClientData(dst []byte, t Tokens, payload []byte) ([]byte, error) {
	if err := c.checkPayload(len(payload)); err != nil {
		return nil, err
	}
	dst, start := grow(dst, ClientOverhead+len(payload))
	putTokens(dst[start:], t)
	dst[start+TokensLen] = byte(MessageTypeData)
	copy(dst[start+ClientOverhead:], payload)
	return dst, nil
}

// AppendServerData appends a server->relay Data frame:
// [user:4][session:4][type:1][connectionId:4][payload:N].
func (c Codec) AppendServerData(dst []byte, t Tokens, connID uint32, payload []byte) ([]byte, error) {
	if err := c.checkPayload(len(payload)); err != nil {
		return nil, err
	}
	dst, start := grow(dst, ServerOverhead+len(payload))
	putTokens(dst[start:], t)
	dst[start+TokensLen] = byte(MessageTypeData)
	binary.LittleEndian.PutUint32(dst[start+TokensLen+1:start+ServerOverhead], connID)
	copy(dst[start+ServerOverhead:], payload)
	return dst, nil
}

// AppendRelayPing appends a relay->peer Ping: [type:1][state:1].
func AppendRelayPing(dst []byte, s State) []byte {
	dst, start := grow(dst, RelayPingLen)
	dst[start] = byte(MessageTypePing)
	dst[start+1] = byte(s)
	return dst
}

// AppendRelayClientData appends a relay->client Data frame: [type:1][payload:N].
func (c Codec) AppendRelayClientData(dst []byte, payload []byte) ([]byte, error) {
	if err := c.checkPayload(len(payload)); err != nil {
		return nil, err
	}
	dst, start := grow(dst, RelayClientDataHeaderLen+len(payload))
	dst[start] = byte(MessageTypeData)
	copy(dst[start+RelayClientDataHeaderLen:], payload)
	return dst, nil
}

// AppendRelayServerData appends a relay->server Data frame:
// [type:1][connectionId:4][payload:N].
func (c Codec) AppendRelayServerData(dst []byte, connID uint32, payload []byte) ([]byte, error) {
	if err := c.checkPayload(len(payload)); err != nil {
		return nil, err
	}
	dst, start := grow(dst, RelayServerDataHeaderLen+len(payload))
	dst[start] = byte(MessageTypeData)
	binary.LittleEndian.PutUint32(dst[start+1:start+RelayServerDataHeaderLen], connID)
	copy(dst[start+RelayServerDataHeaderLen:], payload)
	return dst, nil
}

func decodeRelayPing(b []byte) (Frame, error) {
	if len(b) < RelayPingLen {
		return Frame{}, ErrTooShort
	}
	s := State(b[1])
	if !s.Known() {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownState, b[1])
	}
	return Frame{Type: MessageTypePing, State: s}, nil
}

// DecodeRelayToClient decodes a datagram received by a client from the relay.
func (c Codec) DecodeRelayToClient(b []byte) (Frame, error) {
	if len(b) < 1 {
		return Frame{}, ErrTooShort
	}
	switch MessageType(b[0]) {
	case MessageTypePing:
		return decodeRelayPing(b)
	case MessageTypeData:
		payload := b[RelayClientDataHeaderLen:]
		if err := c.checkPayload(len(payload)); err != nil {
			return Frame{}, err
		}
		return Frame{Type: MessageTypeData, Payload: payload}, nil
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownType, b[0])
	}
}

// DecodeRelayToServer decodes a datagram received by the game server from
// the relay.
func (c Codec) DecodeRelayToServer(b []byte) (Frame, error) {
	if len(b) < 1 {
		return Frame{}, ErrTooShort
	}
	switch MessageType(b[0]) {
	case MessageTypePing:
		return decodeRelayPing(b)
	case MessageTypeData:
		if len(b) < RelayServerDataHeaderLen {
			return Frame{}, ErrTooShort
		}
		payload := b[RelayServerDataHeaderLen:]
		if err := c.checkPayload(len(payload)); err != nil {
			return Frame{}, err
		}
		return Frame{
			Type:         MessageTypeData,
			ConnectionID: binary.LittleEndian.Uint32(b[1:RelayServerDataHeaderLen]),
			Payload:      payload,
		}, nil
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownType, b[0])
	}
}

func decodePeerHeader(b []byte) (PeerFrame, error) {
	if len(b) < PingLen {
		return PeerFrame{}, ErrTooShort
	}
	f := PeerFrame{
		Tokens: Tokens{
			User:    binary.LittleEndian.Uint32(b[0:4]),
			Session: binary.LittleEndian.Uint32(b[4:8]),
		},
		Type: MessageType(b[TokensLen]),
	}
	switch f.Type {
	case MessageTypePing, MessageTypeData:
		return f, nil
	default:
		return PeerFrame{}, fmt.Errorf("%w: %d", ErrUnknownType, b[TokensLen])
	}
}

// DecodeClientFrame decodes a client->relay datagram.
func (c Codec) DecodeClientFrame(b []byte) (PeerFrame, error) {
	f, err := decodePeerHeader(b)
	if err != nil {
		return PeerFrame{}, err
	}
	if f.Type == MessageTypeData {
		payload := b[ClientOverhead:]
		if err := c.checkPayload(len(payload)); err != nil {
			return PeerFrame{}, err
		}
		f.Payload = payload
	}
	return f, nil
}

// DecodeServerFrame decodes a server->relay datagram.
func (c Codec) DecodeServerFrame(b []byte) (PeerFrame, error) {
	f, err := decodePeerHeader(b)
	if err != nil {
		return PeerFrame{}, err
	}
	if f.Type == MessageTypeData {
		if len(b) < ServerOverhead {
			return PeerFrame{}, ErrTooShort
		}
		payload := b[ServerOverhead:]
		if err := c.checkPayload(len(payload)); err != nil {
			return PeerFrame{}, err
		}
		f.ConnectionID = binary.LittleEndian.Uint32(b[TokensLen+1 : ServerOverhead])
		f.Payload = payload
	}
	return f, nil
}
