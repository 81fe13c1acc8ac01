// Package relay multiplexes game transport sessions over a relay endpoint.
//
// A ClientSession owns the single socket a game client uses to reach the
// relay; a ServerMux owns the game server's socket and demultiplexes relay
// frames by connection id into per-client Conn entries. Both are driven by
// HandleDatagram and Tick, which never block and never lock: callers either
// invoke them from their own network tick or hand them to a Loop, which reads
// the socket on a goroutine and serializes everything else onto one loop
// goroutine.
//
// Data only flows while the relay reports the session as Valid. Relay pings
// are the only source of state changes apart from local teardown.
package relay
