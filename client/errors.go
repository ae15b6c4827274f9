package client

import "errors"

var (
	// ErrClosed is returned by Start after Close, or once the monitor stopped.
	ErrClosed = errors.New("duplex: client closed")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("duplex: client already started")
	// ErrAttemptsExhausted is emitted through OnError when an
	// attempt-limited strategy gives up. The client stops afterwards.
	ErrAttemptsExhausted = errors.New("duplex: reconnect attempts exhausted")
	// ErrInvalidURI is returned by New for a uri without scheme or host.
	ErrInvalidURI = errors.New("duplex: invalid uri")
)
