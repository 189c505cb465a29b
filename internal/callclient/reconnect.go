package callclient

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ReconnectManager bounds how long a call may stay without a working media
// path. It allows one ICE restart in flight at a time.
type ReconnectManager struct {
	clock    clock.Clock
	grace    time.Duration
	onExpire func()

	mu       sync.Mutex
	timer    *clock.Timer
	gen      uint64
	inFlight bool
	attempts int
	stopped  bool
}

func NewReconnectManager(clk clock.Clock, grace time.Duration, onExpire func()) *ReconnectManager {
	return &ReconnectManager{clock: clk, grace: grace, onExpire: onExpire}
}

// Begin starts the grace timer. It returns false if the timer is already
// running.
func (r *ReconnectManager) Begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.timer != nil {
		return false
	}

	r.gen++
	gen := r.gen
	r.timer = r.clock.AfterFunc(r.grace, func() {
		r.mu.Lock()
		if r.gen != gen || r.timer == nil {
			r.mu.Unlock()
			return
		}
		r.timer = nil
		r.inFlight = false
		r.mu.Unlock()

		r.onExpire()
	})
	return true
}

// Active reports whether the grace timer is running
func (r *ReconnectManager) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

// TryRestart claims the single restart slot
func (r *ReconnectManager) TryRestart() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.inFlight {
		return false
	}
	r.inFlight = true
	r.attempts++
	return true
}

// RestartDone releases the restart slot
func (r *ReconnectManager) RestartDone() {
	r.mu.Lock()
	r.inFlight = false
	r.mu.Unlock()
}

// Recovered cancels the grace timer after the media path came back
func (r *ReconnectManager) Recovered() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked()
	r.inFlight = false
}

// Stop cancels the manager permanently
func (r *ReconnectManager) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked()
	r.stopped = true
}

func (r *ReconnectManager) cancelLocked() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Attempts returns how many restarts were started
func (r *ReconnectManager) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}
