package dime

import "errors"

// Errors surfaced by the frame codec and address resolution. These are fatal
// to the connection (or to Listen/Dial) wherever they occur; protocol-level
// failures (unknown command, missing field) never produce a Go error — they
// produce a {status:-1,...} response frame instead, per the router.
var (
	// ErrBadMagic is returned when a frame's leading 4 bytes are not "DiME".
	ErrBadMagic = errors.New("dime: bad frame magic")
	// ErrMalformedHeader is returned when the JSON header cannot be decoded
	// or is not a JSON object.
	ErrMalformedHeader = errors.New("dime: malformed frame header")
	// ErrFrameTooLarge is returned when a frame's declared total size (the
	// 12-byte prefix plus header and body lengths) exceeds MaxFrameBytes.
	ErrFrameTooLarge = errors.New("dime: frame exceeds maximum size")

	// ErrUnsupportedScheme is returned when no transport factory is
	// registered for a requested URI scheme.
	ErrUnsupportedScheme = errors.New("dime: unsupported address scheme")
	// ErrInvalidAddress is returned when an address cannot be parsed against
	// the <proto>://<hostname>[:<port>] grammar.
	ErrInvalidAddress = errors.New("dime: invalid address")

	// ErrClosed denotes a client whose connection has latched closed. No
	// function in this package returns it.
	ErrClosed = errors.New("dime: client closed")
	// ErrBackpressure describes a client closed for exceeding its configured
	// outbox byte cap. The error frame sent to that client carries the short
	// reason "backpressure" rather than this text.
	ErrBackpressure = errors.New("dime: outbox backpressure limit exceeded")
)
