package bootstrap

import (
	"sync"

	"github.com/cochaviz/preview/internal/sandbox"
)

// readiness turns the runtime's repeatable readiness callback into a
// single-shot value. The first event is kept; the listener is removed right
// after it so later deliveries never reach the cycle.
type readiness struct {
	ch   chan sandbox.ReadinessEvent
	once sync.Once

	mu          sync.Mutex
	closed      bool
	unsubscribe func()
}

func awaitReadiness(rt sandbox.Runtime) *readiness {
	r := &readiness{ch: make(chan sandbox.ReadinessEvent, 1)}
	r.setUnsubscribe(rt.OnServerReady(r.deliver))
	return r
}

func (r *readiness) C() <-chan sandbox.ReadinessEvent {
	return r.ch
}

func (r *readiness) deliver(event sandbox.ReadinessEvent) {
	r.once.Do(func() {
		r.ch <- event
	})
	r.Close()
}

// Close removes the listener. It may run before the runtime has handed back
// the unsubscribe func, in which case setUnsubscribe calls it on arrival.
func (r *readiness) Close() {
	r.mu.Lock()
	r.closed = true
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (r *readiness) setUnsubscribe(fn func()) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		fn()
		return
	}
	r.unsubscribe = fn
	r.mu.Unlock()
}
