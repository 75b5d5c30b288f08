package pool

import (
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
)

// Delegate receives the pool's lifecycle notification. PoolDidShutdown
// fires exactly once, after the last connection that was open at
// shutdown time has been dealt with.
type Delegate interface {
	PoolDidShutdown(unclean bool)
}

// ConnectionFactory dials a new connection. It must not block the
// caller; done is invoked exactly once, asynchronously, with either a
// live Connection or the error that made the dial fail.
type ConnectionFactory interface {
	MakeConnection(id int64, loop EventLoopID, deadline time.Time, done func(Connection, error))
}

// Executor (PoolExecutor) owns the state lock, drives the state
// machine, and performs every side effect the state machine's actions
// describe — timer scheduling, connection creation, and callback
// delivery — strictly outside of it. A second, narrower lock protects
// the three timer maps; it is never held while the state lock is held
// or while a callback runs.
type Executor struct {
	mu sync.Mutex
	sm *stateMachine

	timerMu       sync.Mutex
	requestTimers map[uint64]TimerHandle
	idleTimers    map[int64]TimerHandle
	backoffTimers map[int64]TimerHandle

	timers         TimerService
	factory        ConnectionFactory
	delegate       Delegate
	workers        *ants.Pool
	connectTimeout time.Duration
	idleTimeout    time.Duration
}

// ExecutorConfig bundles the tunables the executor needs beyond the
// state machine's own maximum-connections figure.
type ExecutorConfig struct {
	MaxConcurrentConnections int
	ConnectTimeout           time.Duration
	IdleTimeout              time.Duration
}

// NewExecutor builds an Executor. The worker pool sized at
// 2*MaxConcurrentConnections bounds the number of goroutines the
// executor will ever have in flight performing side effects, the same
// discipline common/goroutine_pool.go applies to request-handling
// goroutines — side effects run off the caller's goroutine without an
// unbounded go func() per event.
func NewExecutor(cfg ExecutorConfig, factory ConnectionFactory, timers TimerService, delegate Delegate) (*Executor, error) {
	capacity := cfg.MaxConcurrentConnections * 2
	if capacity < 1 {
		capacity = 1
	}
	workers, err := ants.NewPool(capacity, ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &Executor{
		sm:            newStateMachine(cfg.MaxConcurrentConnections),
		requestTimers: make(map[uint64]TimerHandle),
		idleTimers:    make(map[int64]TimerHandle),
		backoffTimers: make(map[int64]TimerHandle),
		timers:        timers,
		factory:       factory,
		delegate:      delegate,
		workers:       workers,
		connectTimeout: cfg.ConnectTimeout,
		idleTimeout:    cfg.IdleTimeout,
	}, nil
}

// run dispatches fn onto the bounded worker pool; if the pool is
// unavailable (closed, or momentarily out of capacity and failing to
// queue), fn still runs, just on its own goroutine, so a side effect is
// never silently dropped.
func (e *Executor) run(fn func()) {
	if err := e.workers.Submit(fn); err != nil {
		log.Warnf("connpool: worker pool rejected task (%v), falling back to bare goroutine", err)
		go fn()
	}
}

// Close releases the executor's worker pool. Call once after
// PoolDidShutdown has fired.
func (e *Executor) Close() {
	e.workers.Release()
}

// Stats reports the pool's current connection and queue occupancy.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sm.stats()
}

// --- caller-facing events ---

func (e *Executor) ExecuteRequest(req Request) {
	e.mu.Lock()
	act := e.sm.executeRequest(req)
	e.mu.Unlock()
	e.perform(act)
}

func (e *Executor) CancelRequest(reqID uint64) {
	e.mu.Lock()
	act := e.sm.cancelRequest(reqID)
	e.mu.Unlock()
	e.perform(act)
}

func (e *Executor) Shutdown() {
	e.mu.Lock()
	act := e.sm.shutdown()
	e.mu.Unlock()
	e.perform(act)
}

// --- transport/factory-facing events ---

// ConnectionReleased is called by a Connection once the request it was
// executing has finished.
func (e *Executor) ConnectionReleased(id int64) {
	e.mu.Lock()
	act := e.sm.http1ConnectionReleased(id)
	e.mu.Unlock()
	e.perform(act)
}

// ConnectionClosed is called by a Connection when it closes for reasons
// other than the pool closing it as idle (peer close, transport error,
// or a Shutdown at pool shutdown).
func (e *Executor) ConnectionClosed(id int64) {
	e.mu.Lock()
	act := e.sm.connectionClosed(id)
	e.mu.Unlock()
	e.perform(act)
}

func (e *Executor) connectionEstablished(conn Connection) {
	e.mu.Lock()
	act := e.sm.newHTTP1ConnectionEstablished(conn)
	e.mu.Unlock()
	e.perform(act)
}

func (e *Executor) connectionFailed(id int64, err error) {
	e.mu.Lock()
	act := e.sm.failedToCreateNewConnection(err, id)
	e.mu.Unlock()
	e.perform(act)
}

// --- timer fire paths ---

func (e *Executor) requestTimeoutFired(reqID uint64) {
	if !claimTimerLocked(e, e.requestTimers, reqID) {
		return
	}
	e.mu.Lock()
	act := e.sm.timeoutRequest(reqID)
	e.mu.Unlock()
	e.perform(act)
}

func (e *Executor) idleTimeoutFired(id int64) {
	if !claimTimerLocked(e, e.idleTimers, id) {
		return
	}
	e.mu.Lock()
	act := e.sm.connectionIdleTimeout(id)
	e.mu.Unlock()
	e.perform(act)
}

func (e *Executor) backoffFired(id int64) {
	if !claimTimerLocked(e, e.backoffTimers, id) {
		return
	}
	e.mu.Lock()
	act := e.sm.connectionCreationBackoffDone(id)
	e.mu.Unlock()
	e.perform(act)
}

// claimAndDelete removes the entry and reports whether it was still
// present; claimTimerLocked does so under timer-lock. A firing timer always claims itself this way
// before acting, so a timer that already lost the race with
// cancellation is a no-op. This is the one critical section every timer
// class shares; claim-then-cancel (rather than cancel-then-claim) is
// what keeps a fire from ever re-entering after its own cancellation.
func claimAndDelete[K comparable](m map[K]TimerHandle, key K) bool {
	_, ok := m[key]
	if ok {
		delete(m, key)
	}
	return ok
}

func claimTimerLocked[K comparable](e *Executor, m map[K]TimerHandle, key K) bool {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	return claimAndDelete(m, key)
}

// --- action performers ---

func (e *Executor) perform(act action) {
	e.performRequest(act.request)
	e.performConnection(act.connection)
}

func (e *Executor) performRequest(ra requestAction) {
	switch ra.kind {
	case raNone:
	case raExecute:
		if ra.cancelTimeout {
			e.cancelRequestTimer(ra.waiter.id)
		}
		ra.conn.Execute(ra.waiter.req)
	case raFail:
		if ra.cancelTimeout {
			e.cancelRequestTimer(ra.waiter.id)
		}
		ra.waiter.req.Fail(ra.err)
	case raFailBulk:
		for _, w := range ra.waiters {
			e.cancelRequestTimer(w.id)
			w.req.Fail(ra.err)
		}
	case raScheduleTimeout:
		e.scheduleRequestTimer(ra.waiter)
		ra.waiter.req.RequestWasQueued()
	case raCancelTimeout:
		e.cancelRequestTimer(ra.waiter.id)
	}
}

func (e *Executor) performConnection(ca connectionAction) {
	switch ca.kind {
	case caNone:
	case caCreate:
		e.createConnection(ca.id, ca.loop)
	case caScheduleBackoff:
		log.Debugf("connpool: conn %d backing off for %s on loop %d", ca.id, ca.backoff, ca.loop)
		e.scheduleBackoffTimer(ca.id, ca.backoff)
	case caScheduleIdleTimeout:
		e.scheduleIdleTimer(ca.id)
	case caCancelIdleTimer:
		e.cancelIdleTimer(ca.id)
	case caCancelBackoffTimer:
		e.cancelBackoffTimer(ca.id)
	case caClose:
		if ca.handle != nil {
			log.Debugf("connpool: closing conn %d", ca.handle.ID())
			e.run(ca.handle.Close)
		}
		e.notifyShutdown(ca.isShutdown)
	case caCleanup:
		e.cleanup(ca.cleanup)
		e.notifyShutdown(ca.isShutdown)
	}
}

func (e *Executor) cleanup(ctx cleanupContext) {
	for _, h := range ctx.close {
		log.Debugf("connpool: closing idle conn %d at shutdown", h.ID())
		e.run(h.Close)
	}
	for _, h := range ctx.cancel {
		log.Warnf("connpool: shutting down leased conn %d at shutdown", h.ID())
		e.run(h.Shutdown)
	}
	for _, id := range ctx.connectBackoff {
		log.Debugf("connpool: cancelling backoff timer for conn %d at shutdown", id)
		e.cancelBackoffTimer(id)
	}
}

func (e *Executor) notifyShutdown(n shutdownNotice) {
	if !n.fire || e.delegate == nil {
		return
	}
	unclean := n.unclean
	if unclean {
		log.Warnf("connpool: pool shut down uncleanly")
	} else {
		log.Infof("connpool: pool shut down")
	}
	e.run(func() { e.delegate.PoolDidShutdown(unclean) })
}

func (e *Executor) createConnection(id int64, loop EventLoopID) {
	deadline := time.Now().Add(e.connectTimeout)
	log.Debugf("connpool: creating conn %d on loop %d", id, loop)
	e.run(func() {
		e.factory.MakeConnection(id, loop, deadline, func(conn Connection, err error) {
			e.run(func() {
				if err != nil {
					log.Warnf("connpool: conn %d failed to connect: %v", id, err)
					e.connectionFailed(id, err)
				} else {
					log.Debugf("connpool: conn %d established on loop %d", id, loop)
					e.connectionEstablished(conn)
				}
			})
		})
	})
}

// --- timer bookkeeping ---

func (e *Executor) scheduleRequestTimer(w *waiter) {
	id := w.id
	handle := e.timers.ScheduleAt(w.deadline, func() { e.run(func() { e.requestTimeoutFired(id) }) })
	e.timerMu.Lock()
	e.requestTimers[id] = handle
	e.timerMu.Unlock()
}

func (e *Executor) cancelRequestTimer(id uint64) {
	e.timerMu.Lock()
	h, ok := e.requestTimers[id]
	if ok {
		delete(e.requestTimers, id)
	}
	e.timerMu.Unlock()
	if ok {
		h.Cancel()
	}
}

func (e *Executor) scheduleIdleTimer(id int64) {
	handle := e.timers.ScheduleAfter(e.idleTimeout, func() { e.run(func() { e.idleTimeoutFired(id) }) })
	e.timerMu.Lock()
	e.idleTimers[id] = handle
	e.timerMu.Unlock()
}

func (e *Executor) cancelIdleTimer(id int64) {
	e.timerMu.Lock()
	h, ok := e.idleTimers[id]
	if ok {
		delete(e.idleTimers, id)
	}
	e.timerMu.Unlock()
	if ok {
		h.Cancel()
	}
}

func (e *Executor) scheduleBackoffTimer(id int64, d time.Duration) {
	handle := e.timers.ScheduleAfter(d, func() { e.run(func() { e.backoffFired(id) }) })
	e.timerMu.Lock()
	e.backoffTimers[id] = handle
	e.timerMu.Unlock()
}

func (e *Executor) cancelBackoffTimer(id int64) {
	e.timerMu.Lock()
	h, ok := e.backoffTimers[id]
	if ok {
		delete(e.backoffTimers, id)
	}
	e.timerMu.Unlock()
	if ok {
		h.Cancel()
	}
}
