package p2p

import "errors"

var (
	// ErrProtocolInit is wrapped by identity, transport or overlay construction failures.
	ErrProtocolInit = errors.New("protocol initialisation failed")

	// ErrBind is wrapped when the listen address is invalid or unavailable.
	ErrBind = errors.New("cannot bind listen address")

	// ErrChannelClosed is returned by sends after the event loop has terminated.
	ErrChannelClosed = errors.New("outbound channel closed")

	// ErrHandler wraps errors returned by the message handler. They are logged, never fatal.
	ErrHandler = errors.New("message handler failed")

	// ErrHandlerLocked is returned when a handler is installed after Start.
	ErrHandlerLocked = errors.New("handler must be set before start")

	// ErrInvalidMessage is returned for messages whose payload does not match their kind.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrIncompatibleVersion is returned when a peer speaks a different major protocol version.
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
)
