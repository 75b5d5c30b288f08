package pool

import (
	"testing"
	"time"
)

func TestPoolExecuteRequestRunsOnANewConnection(t *testing.T) {
	factory := newFakeFactory()
	timers := newFakeTimerService()
	delegate := &fakeDelegate{}

	p, err := New("example.com:443", DefaultConfig(), factory, timers, delegate)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	req := &fakeRequest{id: 1, preferred: 1}
	p.ExecuteRequest(req)

	waitFor(t, func() bool { return req.wasQueued() && p.Stats().Leased == 1 })
}

func TestPoolShutdownWithNoConnectionsFiresDelegate(t *testing.T) {
	factory := newFakeFactory()
	timers := newFakeTimerService()
	delegate := &fakeDelegate{}

	p, err := New("example.com:443", DefaultConfig(), factory, timers, delegate)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p.Shutdown()

	waitFor(t, func() bool {
		fired, _ := delegate.shutdownFired()
		return fired
	})
	p.Close()
}

func TestPoolStatsReflectsLeasedAndQueuedOccupancy(t *testing.T) {
	factory := newFakeFactory()
	timers := newFakeTimerService()
	delegate := &fakeDelegate{}

	cfg := DefaultConfig()
	cfg.MaxConcurrentHTTP1Connections = 1
	p, err := New("example.com:443", cfg, factory, timers, delegate)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	p.ExecuteRequest(&fakeRequest{id: 1, preferred: 1})
	waitFor(t, func() bool { return p.Stats().Leased == 1 })

	p.ExecuteRequest(&fakeRequest{id: 2, preferred: 1})
	waitFor(t, func() bool { return p.Stats().QueuedGeneral == 1 })
}

func TestDefaultConfigMatchesRecognizedDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxConcurrentHTTP1Connections != 8 {
		t.Fatalf("expected default max connections 8, got %d", cfg.MaxConcurrentHTTP1Connections)
	}
	if cfg.ConnectTimeout != 30*time.Second {
		t.Fatalf("expected default connect timeout 30s, got %v", cfg.ConnectTimeout)
	}
	if cfg.IdleTimeout != 90*time.Second {
		t.Fatalf("expected default idle timeout 90s, got %v", cfg.IdleTimeout)
	}
}
