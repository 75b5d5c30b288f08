// Package poolmanager keys a set of per-origin pools, the part of the
// system a single pool.Pool deliberately leaves unspecified: it owns no
// state machine of its own, only the map from origin to pool and the
// lazy-create-on-miss discipline that has guarded that map since the
// forwarder's GetOrCreatePool.
package poolmanager

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"connpool/pool"
	"connpool/transport"
)

// Dialer builds the collaborators one origin's pool needs: a factory to
// dial it and a releaser-setter to finish wiring the factory back to the
// pool once it exists.
type Dialer func(origin string) *transport.TCPFactory

// Manager owns one pool.Pool per origin, created on first use.
type Manager struct {
	cfg      pool.Config
	timers   pool.TimerService
	dial     Dialer
	registry *Registry // nil if lifecycle events aren't being published

	mu    sync.RWMutex
	pools map[string]*pool.Pool
}

// New builds a manager. registry may be nil.
func New(cfg pool.Config, timers pool.TimerService, dial Dialer, registry *Registry) *Manager {
	return &Manager{
		cfg:      cfg,
		timers:   timers,
		dial:     dial,
		registry: registry,
		pools:    make(map[string]*pool.Pool),
	}
}

// GetOrCreate returns origin's pool, creating it on first use. A second
// lookup under write lock guards against two callers racing to create
// the same origin's pool.
func (m *Manager) GetOrCreate(origin string) (*pool.Pool, error) {
	m.mu.RLock()
	p, ok := m.pools[origin]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[origin]; ok {
		return p, nil
	}

	factory := m.dial(origin)
	delegate := &managerDelegate{manager: m, origin: origin}
	p, err := pool.New(origin, m.cfg, factory, m.timers, delegate)
	if err != nil {
		return nil, err
	}
	factory.SetReleaser(p)
	m.pools[origin] = p
	log.Infof("connpool/poolmanager: created pool for %s", origin)
	if m.registry != nil {
		m.registry.PublishCreated(origin)
	}
	return p, nil
}

// Stats reports every tracked origin's current pool.Stats snapshot.
func (m *Manager) Stats() map[string]pool.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[string]pool.Stats, len(m.pools))
	for origin, p := range m.pools {
		stats[origin] = p.Stats()
	}
	return stats
}

// Origins lists every origin the manager currently has a pool for.
func (m *Manager) Origins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	origins := make([]string, 0, len(m.pools))
	for origin := range m.pools {
		origins = append(origins, origin)
	}
	return origins
}

// ShutdownAll shuts down and closes every pool the manager has created.
// Safe to call once, e.g. on process signal.
func (m *Manager) ShutdownAll() {
	m.mu.RLock()
	pools := make(map[string]*pool.Pool, len(m.pools))
	for origin, p := range m.pools {
		pools[origin] = p
	}
	m.mu.RUnlock()

	for _, p := range pools {
		p.Shutdown()
	}
}

// managerDelegate forwards one origin's PoolDidShutdown into the
// manager so it can release the executor's worker pool and publish the
// event, without the pool.Pool itself knowing about origins at all.
//
// PublishShutdown is called from here, not from ShutdownAll's loop:
// Pool.Shutdown only enqueues the shutdown action and returns
// immediately, while the pool may still have leased connections to
// cancel. PoolDidShutdown is the one notification the spec guarantees
// fires exactly once, after that teardown has actually finished, so
// it's the only correct place to tell the registry the pool "has shut
// down".
type managerDelegate struct {
	manager *Manager
	origin  string
}

func (d *managerDelegate) PoolDidShutdown(unclean bool) {
	d.manager.mu.Lock()
	p := d.manager.pools[d.origin]
	delete(d.manager.pools, d.origin)
	d.manager.mu.Unlock()

	if p != nil {
		p.Close()
	}
	if unclean {
		log.Warnf("connpool/poolmanager: pool for %s shut down uncleanly", d.origin)
	} else {
		log.Infof("connpool/poolmanager: pool for %s shut down", d.origin)
	}
	if d.manager.registry != nil {
		d.manager.registry.PublishShutdown(d.origin, unclean)
	}
}
