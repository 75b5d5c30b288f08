package pool

import "time"

// Config is the subset of pool configuration the state machine and
// executor need; poolconfig.PoolConfig decodes the on-disk form of this
// and converts to it.
type Config struct {
	// MaxConcurrentHTTP1Connections caps general-purpose connections;
	// it does not bound event-loop-bound overflow connections.
	MaxConcurrentHTTP1Connections int
	// ConnectTimeout bounds one dial attempt.
	ConnectTimeout time.Duration
	// IdleTimeout is how long an idle connection is kept before it is
	// closed.
	IdleTimeout time.Duration
}

// DefaultConfig matches spec.md §6's recognized defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentHTTP1Connections: 8,
		ConnectTimeout:                30 * time.Second,
		IdleTimeout:                   90 * time.Second,
	}
}

// Pool is the per-origin HTTP/1.1 connection pool. One instance is
// bound to exactly one origin; pooling across origins is the job of a
// poolmanager.Manager holding many Pools.
type Pool struct {
	OriginKey string
	executor  *Executor
}

// New creates a pool for one origin. factory dials new connections;
// timers schedules request/idle/backoff timers; delegate, if non-nil,
// receives the one-shot PoolDidShutdown notification.
func New(originKey string, cfg Config, factory ConnectionFactory, timers TimerService, delegate Delegate) (*Pool, error) {
	exec, err := NewExecutor(ExecutorConfig{
		MaxConcurrentConnections: cfg.MaxConcurrentHTTP1Connections,
		ConnectTimeout:           cfg.ConnectTimeout,
		IdleTimeout:              cfg.IdleTimeout,
	}, factory, timers, delegate)
	if err != nil {
		return nil, err
	}
	return &Pool{OriginKey: originKey, executor: exec}, nil
}

// ExecuteRequest runs req on an idle connection, or queues it until one
// becomes available, creating a new connection if the pool's dispatch
// rules call for it.
func (p *Pool) ExecuteRequest(req Request) { p.executor.ExecuteRequest(req) }

// CancelRequest removes req from the queue if it is still waiting; a
// request already handed to a connection is unaffected — the transport
// owns cancelling it.
func (p *Pool) CancelRequest(req Request) { p.executor.CancelRequest(req.ID()) }

// ConnectionReleased must be called by every Connection implementation
// once the request it was executing completes.
func (p *Pool) ConnectionReleased(connID int64) { p.executor.ConnectionReleased(connID) }

// ConnectionClosed must be called by every Connection implementation
// when it closes for a reason other than the pool's Close of an idle
// connection, including after a Shutdown at pool shutdown.
func (p *Pool) ConnectionClosed(connID int64) { p.executor.ConnectionClosed(connID) }

// Shutdown drains the queue (failing every waiter with ErrCancelled),
// shuts down every leased connection, and closes every idle one. It is
// a programmer error to call Shutdown twice.
func (p *Pool) Shutdown() { p.executor.Shutdown() }

// Close releases resources the pool's executor holds (its worker pool).
// Call once after the delegate's PoolDidShutdown has fired.
func (p *Pool) Close() { p.executor.Close() }

// Stats reports the pool's current connection and queue occupancy, for
// callers such as diagnostics.Collector.
func (p *Pool) Stats() Stats { return p.executor.Stats() }
