package transport

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"connpool/pool"
)

// TCPFactory dials new HTTP/1.1 connections for a single origin. Set
// TLSConfig to dial over TLS; leave it nil for plain TCP.
//
// SetReleaser must be called once, before the pool it backs starts
// executing requests, so every HTTPConnection it produces can report
// back. A factory is created before the pool.Pool that will use it, so
// the two are wired together in two steps rather than one.
type TCPFactory struct {
	Addr      string
	TLSConfig *tls.Config

	releaser atomic.Pointer[Releaser]
}

// NewTCPFactory builds a factory dialing addr ("host:port").
func NewTCPFactory(addr string) *TCPFactory {
	return &TCPFactory{Addr: addr}
}

// SetReleaser binds the pool this factory's connections report back to.
func (f *TCPFactory) SetReleaser(r Releaser) {
	f.releaser.Store(&r)
}

// MakeConnection implements pool.ConnectionFactory.
func (f *TCPFactory) MakeConnection(id int64, loop pool.EventLoopID, deadline time.Time, done func(pool.Connection, error)) {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	var conn net.Conn
	var err error
	if f.TLSConfig != nil {
		dialer := tls.Dialer{NetDialer: &net.Dialer{}, Config: f.TLSConfig}
		conn, err = dialer.DialContext(ctx, "tcp", f.Addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", f.Addr)
	}
	if err != nil {
		done(nil, err)
		return
	}

	var releaser Releaser
	if p := f.releaser.Load(); p != nil {
		releaser = *p
	}
	done(NewHTTPConnection(id, loop, conn, releaser), nil)
}
