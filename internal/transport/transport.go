package transport

import "io"

// Link is the device byte stream. Implementations must let a blocked Read
// return within a bounded time (a read timeout) so the reader can be joined.
type Link interface {
	io.ReadWriteCloser
	// Flush discards data buffered by the OS in both directions.
	Flush() error
}

// CommandSink accepts fire-and-forget outbound commands.
type CommandSink interface {
	Send([]byte) error
}

// Compile-time assertion that a byte AsyncTx is a CommandSink.
var _ CommandSink = (*AsyncTx[[]byte])(nil)
