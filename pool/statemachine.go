package pool

import (
	"math/rand"
	"time"
)

// requestActionKind enumerates every side effect the executor may need
// to perform against a request.
type requestActionKind int

const (
	raNone requestActionKind = iota
	raExecute
	raFail
	raFailBulk
	raScheduleTimeout
	raCancelTimeout
)

type requestAction struct {
	kind          requestActionKind
	waiter        *waiter
	waiters       []*waiter
	conn          Connection
	cancelTimeout bool
	err           error
	loop          EventLoopID
}

// connectionActionKind enumerates every side effect the executor may
// need to perform against connections or their timers.
type connectionActionKind int

const (
	caNone connectionActionKind = iota
	caCreate
	caScheduleBackoff
	caScheduleIdleTimeout
	caCancelIdleTimer
	caCancelBackoffTimer
	caClose
	caCleanup
)

// shutdownNotice tells the executor whether, and with what unclean
// value, to deliver pool-did-shutdown after performing the action.
type shutdownNotice struct {
	fire    bool
	unclean bool
}

type connectionAction struct {
	kind       connectionActionKind
	id         int64
	loop       EventLoopID
	backoff    time.Duration
	handle     Connection
	cleanup    cleanupContext
	isShutdown shutdownNotice
}

// action is the value every state machine transition produces: what to
// do about the request side, and what to do about the connection side.
// The executor performs both, outside the state lock.
type action struct {
	request    requestAction
	connection connectionAction
}

type lifecycle int

const (
	lifecycleRunning lifecycle = iota
	lifecycleShuttingDown
	lifecycleShutDown
)

// stateMachine (HTTP1StateMachine) is a pure decision function over its
// own fields. It performs no I/O, schedules no timers, and invokes no
// callbacks — every external effect is described by the action it
// returns and carried out by the executor after the state lock is
// released.
type stateMachine struct {
	lifecycle lifecycle
	unclean   bool

	queue *requestQueue
	conns *connectionSet

	failedConsecutiveConnectionAttempts int
	lastConnectFailure                  error
}

func newStateMachine(maxConnections int) *stateMachine {
	return &stateMachine{
		queue: newRequestQueue(),
		conns: newConnectionSet(maxConnections),
	}
}

func (m *stateMachine) executeRequest(req Request) action {
	if m.lifecycle != lifecycleRunning {
		w := newWaiter(req)
		return action{request: requestAction{kind: raFail, waiter: w, err: newPoolError(ErrAlreadyShutdown, nil)}}
	}

	w := newWaiter(req)

	if w.required != nil {
		loop := *w.required
		if idx := m.conns.leaseOnRequired(loop); idx >= 0 {
			conn := m.conns.leaseAt(idx)
			return action{
				request:    requestAction{kind: raExecute, waiter: w, conn: conn, cancelTimeout: false},
				connection: connectionAction{kind: caCancelIdleTimer, id: conn.ID()},
			}
		}
		m.queue.push(w)
		ca := connectionAction{kind: caNone}
		if m.conns.startingEventLoopConnections(loop) < m.queue.count(loop) {
			id := m.conns.createNewOverflowConnection(loop)
			ca = connectionAction{kind: caCreate, id: id, loop: loop}
		}
		return action{
			request:    requestAction{kind: raScheduleTimeout, waiter: w, loop: loop},
			connection: ca,
		}
	}

	preferred := req.PreferredEventLoop()
	if idx := m.conns.leaseOnPreferred(preferred); idx >= 0 {
		conn := m.conns.leaseAt(idx)
		return action{
			request:    requestAction{kind: raExecute, waiter: w, conn: conn, cancelTimeout: false},
			connection: connectionAction{kind: caCancelIdleTimer, id: conn.ID()},
		}
	}
	m.queue.push(w)
	ca := connectionAction{kind: caNone}
	if m.conns.canGrow() && m.conns.startingGeneralPurposeConnections() < m.queue.generalPurposeCount() {
		id := m.conns.createNewConnection(preferred)
		ca = connectionAction{kind: caCreate, id: id, loop: preferred}
	}
	return action{
		request:    requestAction{kind: raScheduleTimeout, waiter: w, loop: preferred},
		connection: ca,
	}
}

func (m *stateMachine) newHTTP1ConnectionEstablished(handle Connection) action {
	m.failedConsecutiveConnectionAttempts = 0
	m.lastConnectFailure = nil
	idx, ctx := m.conns.establish(handle.ID(), handle)
	return m.nextActionForIdle(idx, ctx)
}

func (m *stateMachine) failedToCreateNewConnection(err error, id int64) action {
	m.failedConsecutiveConnectionAttempts++
	m.lastConnectFailure = err

	switch m.lifecycle {
	case lifecycleRunning:
		loop := m.conns.backoffNextConnectionAttempt(id)
		return action{connection: connectionAction{
			kind:    caScheduleBackoff,
			id:      id,
			loop:    loop,
			backoff: m.computeBackoff(),
		}}
	case lifecycleShuttingDown:
		idx, ctx, ok := m.conns.failConnection(id)
		if !ok {
			return action{}
		}
		return m.nextActionForFailed(idx, ctx)
	default:
		invariantViolation("failedToCreateNewConnection after shut-down, id=%d", id)
		return action{}
	}
}

func (m *stateMachine) connectionCreationBackoffDone(id int64) action {
	if m.lifecycle != lifecycleRunning {
		return action{} // race with shutdown
	}
	idx, ctx, ok := m.conns.failConnection(id)
	if !ok {
		invariantViolation("connectionCreationBackoffDone: unknown id %d while running", id)
	}
	return m.nextActionForFailed(idx, ctx)
}

func (m *stateMachine) connectionIdleTimeout(id int64) action {
	handle := m.conns.closeConnectionIfIdle(id)
	if handle == nil {
		return action{} // race with lease
	}
	return action{connection: connectionAction{kind: caClose, handle: handle}}
}

func (m *stateMachine) http1ConnectionReleased(id int64) action {
	idx, ctx := m.conns.releaseConnection(id)
	return m.nextActionForIdle(idx, ctx)
}

func (m *stateMachine) connectionClosed(id int64) action {
	idx, ctx, ok := m.conns.failConnection(id)
	if !ok {
		return action{} // pool-initiated close
	}
	return m.nextActionForFailed(idx, ctx)
}

func (m *stateMachine) timeoutRequest(reqID uint64) action {
	w := m.queue.remove(reqID)
	if w == nil {
		return action{} // race with dispatch
	}
	var err *PoolError
	switch {
	case m.lastConnectFailure != nil:
		err = newPoolError(ErrConnectFailure, m.lastConnectFailure)
	case m.conns.isEmpty():
		err = newPoolError(ErrConnectTimeout, nil)
	default:
		err = newPoolError(ErrGetConnectionTimeout, nil)
	}
	return action{request: requestAction{kind: raFail, waiter: w, err: err, cancelTimeout: false}}
}

func (m *stateMachine) cancelRequest(reqID uint64) action {
	w := m.queue.remove(reqID)
	if w == nil {
		return action{} // already dispatched; transport owns cancellation
	}
	return action{request: requestAction{kind: raCancelTimeout, waiter: w}}
}

func (m *stateMachine) shutdown() action {
	if m.lifecycle != lifecycleRunning {
		invariantViolation("shutdown called twice")
	}

	waiters := m.queue.removeAll()
	ra := requestAction{kind: raNone}
	if len(waiters) > 0 {
		ra = requestAction{kind: raFailBulk, waiters: waiters, err: newPoolError(ErrCancelled, nil)}
	}

	cleanup := m.conns.shutdown()
	unclean := len(cleanup.cancel) > 0 || len(waiters) > 0
	m.unclean = unclean

	var notice shutdownNotice
	if m.conns.isEmpty() {
		m.lifecycle = lifecycleShutDown
		notice = shutdownNotice{fire: true, unclean: unclean}
	} else {
		m.lifecycle = lifecycleShuttingDown
	}

	return action{request: ra, connection: connectionAction{kind: caCleanup, cleanup: cleanup, isShutdown: notice}}
}

// nextActionForIdle is entered whenever an entry becomes idle: after a
// dial succeeds, or after a leased connection is released.
func (m *stateMachine) nextActionForIdle(index int, ctx idleConnectionContext) action {
	switch m.lifecycle {
	case lifecycleRunning:
		if ctx.use == useGeneralPurpose {
			if w := m.queue.popFirst(nil); w != nil {
				conn := m.conns.leaseAt(index)
				return action{request: requestAction{kind: raExecute, waiter: w, conn: conn, cancelTimeout: true}}
			}
			loop := ctx.eventLoop
			if w := m.queue.popFirst(&loop); w != nil {
				conn := m.conns.leaseAt(index)
				return action{request: requestAction{kind: raExecute, waiter: w, conn: conn, cancelTimeout: true}}
			}
			id, entryLoop := m.conns.parkAt(index)
			return action{connection: connectionAction{kind: caScheduleIdleTimeout, id: id, loop: entryLoop}}
		}

		// Event-loop-bound entries only ever serve their own loop, and
		// are never parked: an overflow connection with nothing left
		// to do is closed immediately.
		loop := ctx.eventLoop
		if w := m.queue.popFirst(&loop); w != nil {
			conn := m.conns.leaseAt(index)
			return action{request: requestAction{kind: raExecute, waiter: w, conn: conn, cancelTimeout: true}}
		}
		handle := m.conns.closeAt(index)
		return action{connection: connectionAction{kind: caClose, handle: handle}}

	case lifecycleShuttingDown:
		handle := m.conns.closeAt(index)
		notice := shutdownNotice{}
		if m.conns.isEmpty() {
			m.lifecycle = lifecycleShutDown
			notice = shutdownNotice{fire: true, unclean: m.unclean}
		}
		return action{connection: connectionAction{kind: caClose, handle: handle, isShutdown: notice}}

	default:
		invariantViolation("nextActionForIdle called after shut-down")
		return action{}
	}
}

// nextActionForFailed is entered whenever an entry closes, whether from
// a dial failure, an unsolicited close, or a backoff timer firing.
func (m *stateMachine) nextActionForFailed(index int, ctx failedConnectionContext) action {
	switch m.lifecycle {
	case lifecycleRunning:
		var waiting int
		if ctx.use == useGeneralPurpose {
			waiting = m.queue.generalPurposeCount()
		} else {
			waiting = m.queue.count(ctx.eventLoop)
		}
		if ctx.connectionsStartingForUseCase < waiting {
			newID, loop := m.conns.replaceAt(index)
			return action{connection: connectionAction{kind: caCreate, id: newID, loop: loop}}
		}
		m.conns.removeAt(index)
		return action{}

	case lifecycleShuttingDown:
		m.conns.removeAt(index)
		if m.conns.isEmpty() {
			m.lifecycle = lifecycleShutDown
			return action{connection: connectionAction{
				kind:       caCleanup,
				isShutdown: shutdownNotice{fire: true, unclean: m.unclean},
			}}
		}
		return action{}

	default:
		invariantViolation("nextActionForFailed called after shut-down")
		return action{}
	}
}

// Stats is a point-in-time snapshot of one pool's connection and queue
// occupancy, reported to callers such as diagnostics.Collector.
type Stats struct {
	Starting      int
	BackingOff    int
	Idle          int
	Leased        int
	QueuedGeneral int
	QueuedBound   int
}

func (m *stateMachine) stats() Stats {
	starting, backingOff, idle, leased := m.conns.counts()
	return Stats{
		Starting:      starting,
		BackingOff:    backingOff,
		Idle:          idle,
		Leased:        leased,
		QueuedGeneral: m.queue.generalPurposeCount(),
		QueuedBound:   m.queue.totalBoundCount(),
	}
}

// computeBackoff implements the formula in spec §4.3.3: base 100ms,
// 1.25x growth per consecutive failure, capped at 60s, plus ±3% jitter
// sampled fresh on every call.
func (m *stateMachine) computeBackoff() time.Duration {
	const (
		base = 100 * time.Millisecond
		cap_ = 60 * time.Second
	)
	attempts := m.failedConsecutiveConnectionAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(base)
	for i := 1; i < attempts; i++ {
		delay *= 1.25
	}
	if delay > float64(cap_) {
		delay = float64(cap_)
	}
	jitter := (rand.Float64()*2 - 1) * 0.03 * delay
	return time.Duration(delay + jitter)
}
