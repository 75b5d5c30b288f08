package poolmanager

import (
	"testing"
	"time"

	"connpool/pool"
	"connpool/transport"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := pool.DefaultConfig()
	cfg.MaxConcurrentHTTP1Connections = 2
	dial := func(origin string) *transport.TCPFactory {
		return transport.NewTCPFactory(origin)
	}
	return New(cfg, pool.NewTimerService(), dial, nil)
}

func TestManagerGetOrCreateReturnsSamePoolForSameOrigin(t *testing.T) {
	m := testManager(t)

	p1, err := m.GetOrCreate("a.example.com:443")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	p2, err := m.GetOrCreate("a.example.com:443")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if p1 != p2 {
		t.Fatalf("expected the same pool instance for repeated lookups of the same origin")
	}
}

func TestManagerGetOrCreateReturnsDistinctPoolsPerOrigin(t *testing.T) {
	m := testManager(t)

	p1, err := m.GetOrCreate("a.example.com:443")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	p2, err := m.GetOrCreate("b.example.com:443")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if p1 == p2 {
		t.Fatalf("expected distinct pools for distinct origins")
	}

	origins := m.Origins()
	if len(origins) != 2 {
		t.Fatalf("expected 2 tracked origins, got %d", len(origins))
	}
}

func TestManagerShutdownAllRemovesPools(t *testing.T) {
	m := testManager(t)
	if _, err := m.GetOrCreate("a.example.com:443"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	m.ShutdownAll()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(m.Origins()) != 0 {
		time.Sleep(time.Millisecond)
	}
	if len(m.Origins()) != 0 {
		t.Fatalf("expected no tracked origins once every pool has shut down")
	}
}
