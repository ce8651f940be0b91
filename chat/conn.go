package chat

import "errors"

var (
	// ErrSendBufferFull means the recipient is not draining its queue; the
	// message was dropped for that recipient only.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrConnClosed means the recipient is gone.
	ErrConnClosed = errors.New("connection closed")
)

// Conn is one client connection as seen by the engine. Implementations must be
// safe for concurrent use.
type Conn interface {
	// ID is unique among all connections of all processes.
	ID() string
	// Send queues one frame without blocking.
	Send(payload []byte) error
	// Close flushes frames already queued and then closes the connection.
	// Calling it more than once is harmless.
	Close() error
	// Closed reports whether Close has been called or the peer has gone away.
	Closed() bool
}
