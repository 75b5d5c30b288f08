package pool

import (
	"sync"
	"time"
)

// fakeRequest is the test double every pool_test.go-style test drives the
// state machine and executor with, standing in for whatever concrete
// request type a real caller (or transport.Request) would supply.
type fakeRequest struct {
	id        uint64
	preferred EventLoopID
	required  *EventLoopID
	deadline  time.Time

	mu      sync.Mutex
	queued  bool
	failErr error
}

func (r *fakeRequest) ID() uint64 { return r.id }

func (r *fakeRequest) RequiredEventLoop() (EventLoopID, bool) {
	if r.required == nil {
		return 0, false
	}
	return *r.required, true
}

func (r *fakeRequest) PreferredEventLoop() EventLoopID { return r.preferred }

func (r *fakeRequest) ConnectionDeadline() time.Time {
	if r.deadline.IsZero() {
		return time.Now().Add(time.Minute)
	}
	return r.deadline
}

func (r *fakeRequest) RequestWasQueued() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = true
}

func (r *fakeRequest) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failErr = err
}

func (r *fakeRequest) wasQueued() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queued
}

func (r *fakeRequest) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failErr
}

// fakeConnection stands in for a transport.HTTPConnection: it records
// what it was asked to execute rather than touching a real socket.
type fakeConnection struct {
	id   int64
	loop EventLoopID

	mu       sync.Mutex
	executed []Request
	shutdown bool
	closed   bool
}

func (c *fakeConnection) ID() int64                  { return c.id }
func (c *fakeConnection) EventLoop() EventLoopID      { return c.loop }

func (c *fakeConnection) Execute(req Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executed = append(c.executed, req)
}

func (c *fakeConnection) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = true
}

func (c *fakeConnection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConnection) executedRequests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, len(c.executed))
	copy(out, c.executed)
	return out
}

// fakeFactory dials fake connections synchronously (the done callback
// runs on the executor's own worker goroutine, same as a real factory's
// would) instead of a real net.Conn; failOnce makes the next dial for a
// given id fail with err, modeling a transient connect failure.
type fakeFactory struct {
	mu        sync.Mutex
	failNext  map[int64]error
	created   []int64
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{failNext: make(map[int64]error)}
}

func (f *fakeFactory) MakeConnection(id int64, loop EventLoopID, deadline time.Time, done func(Connection, error)) {
	f.mu.Lock()
	f.created = append(f.created, id)
	err, shouldFail := f.failNext[id]
	if shouldFail {
		delete(f.failNext, id)
	}
	f.mu.Unlock()

	if shouldFail {
		done(nil, err)
		return
	}
	done(&fakeConnection{id: id, loop: loop}, nil)
}

func (f *fakeFactory) failOnce(id int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[id] = err
}

// fakeTimerHandle and fakeTimerService give tests explicit control over
// when a scheduled callback fires, instead of waiting on wall-clock
// time the way realTimerService does. Cancelling a handle removes it
// from the service immediately, so pendingCount always reflects live
// timers rather than ones that merely haven't been swept out yet.
type fakeTimerHandle struct {
	svc *fakeTimerService
	key int
	fn  func()
}

func (h *fakeTimerHandle) Cancel() {
	h.svc.mu.Lock()
	delete(h.svc.scheduled, h.key)
	h.svc.mu.Unlock()
}

type fakeTimerService struct {
	mu        sync.Mutex
	next      int
	scheduled map[int]*fakeTimerHandle
}

func newFakeTimerService() *fakeTimerService {
	return &fakeTimerService{scheduled: make(map[int]*fakeTimerHandle)}
}

func (s *fakeTimerService) ScheduleAfter(d time.Duration, fn func()) TimerHandle {
	return s.schedule(fn)
}

func (s *fakeTimerService) ScheduleAt(t time.Time, fn func()) TimerHandle {
	return s.schedule(fn)
}

func (s *fakeTimerService) schedule(fn func()) TimerHandle {
	s.mu.Lock()
	s.next++
	key := s.next
	h := &fakeTimerHandle{svc: s, key: key, fn: fn}
	s.scheduled[key] = h
	s.mu.Unlock()
	return h
}

// fireAll runs every still-scheduled callback, the way every real timer
// would fire at once if the clock were advanced far enough.
func (s *fakeTimerService) fireAll() {
	s.mu.Lock()
	pending := make([]*fakeTimerHandle, 0, len(s.scheduled))
	for k, h := range s.scheduled {
		pending = append(pending, h)
		delete(s.scheduled, k)
	}
	s.mu.Unlock()

	for _, h := range pending {
		h.fn()
	}
}

// fireNewest fires only the most recently scheduled timer, leaving
// everything else pending — useful when a test needs to fire a backoff
// timer without also tripping an unrelated request timeout.
func (s *fakeTimerService) fireNewest() {
	s.mu.Lock()
	newestKey := -1
	for k := range s.scheduled {
		if k > newestKey {
			newestKey = k
		}
	}
	if newestKey == -1 {
		s.mu.Unlock()
		return
	}
	h := s.scheduled[newestKey]
	delete(s.scheduled, newestKey)
	s.mu.Unlock()
	h.fn()
}

func (s *fakeTimerService) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scheduled)
}

// fakeDelegate records whether and how PoolDidShutdown fired.
type fakeDelegate struct {
	mu      sync.Mutex
	fired   bool
	unclean bool
}

func (d *fakeDelegate) PoolDidShutdown(unclean bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fired = true
	d.unclean = unclean
}

func (d *fakeDelegate) shutdownFired() (bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired, d.unclean
}
