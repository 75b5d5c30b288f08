package pool

// Connection is the façade the pool holds over whatever transport
// variant actually runs a request — an HTTP/1.1 socket, an HTTP/2
// multiplexed stream (unused by this state machine), or a test double.
// The pool only ever touches connections through this narrow interface;
// wire-level framing, TLS, and response parsing live entirely on the
// other side of it.
type Connection interface {
	// ID is a process-unique identity, stable for the connection's
	// lifetime.
	ID() int64
	// EventLoop reports the loop the underlying transport lives on.
	EventLoop() EventLoopID
	// Execute runs one request to completion asynchronously; the
	// connection calls back into the pool (via http1ConnectionReleased
	// or the request's own completion path) when done. Errors encountered
	// while running are reported to the request, not returned here.
	Execute(req Request)
	// Shutdown cancels whatever is currently executing and then closes
	// the underlying transport. Used for connections that were leased
	// at the moment the pool began shutting down; the pool keeps such a
	// connection tracked until it reports itself released or closed.
	Shutdown()
	// Close closes the underlying transport immediately. Only ever
	// called on a connection the pool still believes is idle.
	Close()
}
