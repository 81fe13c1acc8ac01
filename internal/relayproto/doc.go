// Package relayproto implements the byte-level framing spoken with the game
// relay.
//
// Peers never address each other directly. Every datagram sent to the relay
// carries the session's user and session authorization tokens, and frames sent
// by the game server also carry the logical connection id of the client they
// are destined for. The relay strips the tokens and forwards the payload.
//
// All integers are fixed-width, unsigned and little-endian. Decoding is total:
// malformed or truncated input returns an error and never panics, so callers
// can drop noise from the relay port without special casing.
package relayproto
