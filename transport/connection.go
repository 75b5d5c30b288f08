// Package transport supplies the connection façade and dialer the pool
// package treats as external collaborators: something that can execute
// one request at a time over a real socket, and something that can
// produce one. Request serialization and response parsing beyond what
// is needed to drive that façade are out of scope, per spec.
package transport

import (
	"bufio"
	"net"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"

	"connpool/pool"
)

// Request is the interface a caller's request object must additionally
// satisfy to run over an HTTPConnection: the outbound *http.Request and
// a place to deliver the response (or error).
type Request interface {
	pool.Request
	Outbound() *http.Request
	Deliver(resp *http.Response, err error)
}

// Releaser is the subset of *pool.Pool an HTTPConnection calls back
// into once a request finishes or the connection dies on its own.
type Releaser interface {
	ConnectionReleased(connID int64)
	ConnectionClosed(connID int64)
}

// HTTPConnection is the HTTP/1.1 façade variant: one net.Conn, one
// request in flight at a time, no multiplexing. Equality and hashing
// are on id alone.
type HTTPConnection struct {
	id       int64
	loop     pool.EventLoopID
	conn     net.Conn
	releaser Releaser

	mu     sync.Mutex
	reader *bufio.Reader
	closed bool
}

// NewHTTPConnection wraps an already-dialed socket. id and loop are
// assigned by the pool at createNewConnection/createNewOverflowConnection
// time and threaded through the factory so the façade's identity
// matches the entry the pool is tracking.
func NewHTTPConnection(id int64, loop pool.EventLoopID, conn net.Conn, releaser Releaser) *HTTPConnection {
	return &HTTPConnection{
		id:       id,
		loop:     loop,
		conn:     conn,
		releaser: releaser,
		reader:   bufio.NewReader(conn),
	}
}

func (c *HTTPConnection) ID() int64                  { return c.id }
func (c *HTTPConnection) EventLoop() pool.EventLoopID { return c.loop }

// Execute writes req's outbound *http.Request and reads back one
// response, delivering the result to req and then reporting the
// connection released (or closed, if the socket died) back to the pool.
// It never blocks the caller: the wire round trip runs on its own
// goroutine, the same way a Connection's I/O runs off of the event loop
// that issued it.
func (c *HTTPConnection) Execute(r pool.Request) {
	hreq, ok := r.(Request)
	if !ok {
		r.Fail(errUnsupportedRequest)
		go c.reportReleased()
		return
	}
	go c.run(hreq)
}

var errUnsupportedRequest = httpConnError("transport: request does not implement transport.Request")

type httpConnError string

func (e httpConnError) Error() string { return string(e) }

func (c *HTTPConnection) run(hreq Request) {
	out := hreq.Outbound()
	if err := out.Write(c.conn); err != nil {
		hreq.Deliver(nil, err)
		c.reportClosed()
		return
	}
	resp, err := http.ReadResponse(c.reader, out)
	if err != nil {
		hreq.Deliver(nil, err)
		c.reportClosed()
		return
	}
	hreq.Deliver(resp, nil)
	c.reportReleased()
}

func (c *HTTPConnection) reportReleased() {
	if c.releaser != nil {
		c.releaser.ConnectionReleased(c.id)
	}
}

func (c *HTTPConnection) reportClosed() {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return
	}
	c.conn.Close()
	if c.releaser != nil {
		c.releaser.ConnectionClosed(c.id)
	}
}

// Shutdown cancels whatever is in flight by closing the socket out from
// under it, then reports the connection closed.
func (c *HTTPConnection) Shutdown() {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return
	}
	if err := c.conn.Close(); err != nil {
		log.Debugf("connpool/transport: close during shutdown of conn %d: %v", c.id, err)
	}
	if c.releaser != nil {
		c.releaser.ConnectionClosed(c.id)
	}
}

// Close closes a connection the pool still believes is idle.
func (c *HTTPConnection) Close() {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return
	}
	if err := c.conn.Close(); err != nil {
		log.Debugf("connpool/transport: close of idle conn %d: %v", c.id, err)
	}
}
