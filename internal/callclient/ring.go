package callclient

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// repeater calls fn every interval until fn returns false or Stop is called.
// The next tick is scheduled before fn runs so a slow fn does not drift the
// schedule.
type repeater struct {
	mu      sync.Mutex
	timer   *clock.Timer
	stopped bool
}

func startRepeater(clk clock.Clock, interval time.Duration, fn func() bool) *repeater {
	r := &repeater{}
	var tick func()
	tick = func() {
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return
		}
		r.timer = clk.AfterFunc(interval, tick)
		r.mu.Unlock()

		if !fn() {
			r.Stop()
		}
	}

	r.mu.Lock()
	r.timer = clk.AfterFunc(interval, tick)
	r.mu.Unlock()
	return r
}

func (r *repeater) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// RingController counts rings while a call waits for an answer and fires
// onExpire once the bound is reached.
type RingController struct {
	clock    clock.Clock
	interval time.Duration
	max      int
	onTick   func(count int)
	onExpire func()

	mu      sync.Mutex
	count   int
	rep     *repeater
	stopped bool
}

// NewRingController creates a controller that rings every interval and
// expires after max rings
func NewRingController(clk clock.Clock, interval time.Duration, max int, onTick func(int), onExpire func()) *RingController {
	return &RingController{
		clock:    clk,
		interval: interval,
		max:      max,
		onTick:   onTick,
		onExpire: onExpire,
	}
}

// Start begins ringing. Calling Start twice has no effect.
func (r *RingController) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rep != nil || r.stopped {
		return
	}
	r.rep = startRepeater(r.clock, r.interval, r.tick)
}

func (r *RingController) tick() bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	r.count++
	count := r.count
	expired := count >= r.max
	if expired {
		r.stopped = true
	}
	r.mu.Unlock()

	if r.onTick != nil {
		r.onTick(count)
	}
	if expired {
		if r.onExpire != nil {
			r.onExpire()
		}
		return false
	}
	return true
}

// Stop cancels the ring. Pending ticks are discarded.
func (r *RingController) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.rep != nil {
		r.rep.Stop()
	}
}

// Count returns the number of rings so far
func (r *RingController) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
