package birpc

import (
	"sync"
	"time"
)

// timer is an opaque, idempotently cancellable handle around time.AfterFunc,
// the shape the ack and response timers are built from. A record
// holds at most one of each kind live at any moment; stop is safe to call
// more than once and safe to call on a timer whose function already fired.
type timer struct {
	mu      sync.Mutex
	t       *time.Timer
	stopped bool
}

func newTimer(d time.Duration, fn func()) *timer {
	tm := &timer{}
	tm.t = time.AfterFunc(d, fn)
	return tm
}

func (t *timer) stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	t.t.Stop()
}
