package transport

import (
	"net"
	"testing"
	"time"

	"connpool/pool"
)

func TestTCPFactoryMakeConnectionDialsListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	factory := NewTCPFactory(ln.Addr().String())
	releaser := &fakeReleaser{}
	factory.SetReleaser(releaser)

	done := make(chan struct{})
	var got net.Conn
	var gotErr error
	factory.MakeConnection(42, pool.EventLoopID(0), time.Now().Add(time.Second), func(c pool.Connection, err error) {
		if hc, ok := c.(*HTTPConnection); ok {
			got = hc.conn
		}
		gotErr = err
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("MakeConnection never invoked done")
	}
	if gotErr != nil {
		t.Fatalf("expected a successful dial, got %v", gotErr)
	}
	if got == nil {
		t.Fatalf("expected a non-nil net.Conn wrapped in the façade")
	}

	select {
	case serverConn := <-accepted:
		serverConn.Close()
	case <-time.After(2 * time.Second):
		t.Fatalf("listener never accepted the dial")
	}
}

func TestTCPFactoryMakeConnectionFailsWhenNothingListens(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nobody is listening on addr anymore

	factory := NewTCPFactory(addr)

	done := make(chan struct{})
	var gotErr error
	factory.MakeConnection(1, pool.EventLoopID(0), time.Now().Add(time.Second), func(c pool.Connection, err error) {
		gotErr = err
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("MakeConnection never invoked done")
	}
	if gotErr == nil {
		t.Fatalf("expected a dial error against a closed listener")
	}
}
