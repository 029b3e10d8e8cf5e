// Package transport abstracts the WebSocket libraries used to reach the chat server.
package transport

import "context"

// Conn is a single client connection to the chat server.
// Implementations must allow one concurrent reader alongside writers.
type Conn interface {
	// Read blocks until a text frame arrives.
	// Returns an error once the connection is closed or ctx is done.
	Read(ctx context.Context) ([]byte, error)

	// Write sends data as one text frame.
	Write(ctx context.Context, data []byte) error

	// Close sends a normal close frame and releases the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Dialer opens connections to a WebSocket URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}
