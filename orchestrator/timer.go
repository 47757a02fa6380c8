package orchestrator

import (
	"sync"
	"time"
)

// requestTimer is the one timer a request owns. It is re-armed for every
// attempt, backoff wait and refresh, each time with a different action.
type requestTimer struct {
	timer *time.Timer
	mut   sync.Mutex
	fn    func()
	at    time.Time
}

func newRequestTimer() *requestTimer {
	t := &requestTimer{}
	t.timer = time.AfterFunc(time.Hour, t.fire)
	t.timer.Stop()

	return t
}

// arm schedules fn after d, replacing whatever was scheduled before.
func (t *requestTimer) arm(d time.Duration, fn func()) {
	t.timer.Stop()

	if d <= 0 {
		t.mut.Lock()
		t.fn = nil
		t.mut.Unlock()

		fn()

		return
	}

	t.mut.Lock()
	t.fn = fn
	t.at = time.Now().Add(d)
	t.mut.Unlock()

	t.timer.Reset(d)
}

func (t *requestTimer) fire() {
	t.mut.Lock()

	// A fire of the previous arming that lost the race with Stop.
	if t.fn == nil || time.Now().Before(t.at) {
		t.mut.Unlock()
		return
	}

	fn := t.fn
	t.fn = nil
	t.mut.Unlock()

	fn()
}

func (t *requestTimer) disarm() {
	t.timer.Stop()

	t.mut.Lock()
	t.fn = nil
	t.mut.Unlock()
}
