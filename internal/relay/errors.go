package relay

import "errors"

var (
	ErrAlreadyStarted = errors.New("relay: already started")
	// ErrClosed is returned by operations on a session, mux, connection or loop
	// that has been torn down.
	ErrClosed = errors.New("relay: closed")
)
