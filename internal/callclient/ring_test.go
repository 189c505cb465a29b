package callclient

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ringRecorder struct {
	mu      sync.Mutex
	ticks   []int
	expired atomic.Int32
}

func (r *ringRecorder) onTick(n int) {
	r.mu.Lock()
	r.ticks = append(r.ticks, n)
	r.mu.Unlock()
}

func (r *ringRecorder) last() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ticks) == 0 {
		return 0
	}
	return r.ticks[len(r.ticks)-1]
}

func TestRingController_ExpiresAfterMaxRings(t *testing.T) {
	clk := clock.NewMock()
	rec := &ringRecorder{}
	ring := NewRingController(clk, 4*time.Second, 5, rec.onTick, func() { rec.expired.Add(1) })
	ring.Start()
	ring.Start()

	for i := 1; i <= 4; i++ {
		clk.Add(4 * time.Second)
		require.Eventually(t, func() bool { return rec.last() == i }, time.Second, 5*time.Millisecond)
		assert.Zero(t, rec.expired.Load())
	}

	clk.Add(4 * time.Second)
	require.Eventually(t, func() bool { return rec.expired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 5, ring.Count())

	clk.Add(20 * time.Second)
	assert.Never(t, func() bool { return rec.expired.Load() > 1 || rec.last() > 5 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestRingController_Stop(t *testing.T) {
	clk := clock.NewMock()
	rec := &ringRecorder{}
	ring := NewRingController(clk, 4*time.Second, 5, rec.onTick, func() { rec.expired.Add(1) })
	ring.Start()

	clk.Add(4 * time.Second)
	require.Eventually(t, func() bool { return rec.last() == 1 }, time.Second, 5*time.Millisecond)

	ring.Stop()
	clk.Add(30 * time.Second)
	assert.Never(t, func() bool { return rec.last() != 1 || rec.expired.Load() != 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 1, ring.Count())

	// a stopped controller cannot be restarted
	ring.Start()
	clk.Add(4 * time.Second)
	assert.Never(t, func() bool { return rec.last() != 1 }, 50*time.Millisecond, 5*time.Millisecond)
}
