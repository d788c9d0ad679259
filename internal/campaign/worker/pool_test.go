package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Preallocates(t *testing.T) {
	p := New(3, 5)
	stats := p.Stats()
	assert.Equal(t, 3, stats.Created)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 5, stats.Max)
}

func TestNew_Clamps(t *testing.T) {
	assert.Equal(t, 2, New(10, 2).Stats().Created)
	assert.Equal(t, 0, New(-1, 2).Stats().Created)
	assert.Equal(t, 1, New(0, 0).Stats().Max)
}

func TestAcquire_WarmSlotsFirst(t *testing.T) {
	p := New(2, 4)

	a, ok := p.Acquire()
	require.True(t, ok)
	b, ok := p.Acquire()
	require.True(t, ok)
	assert.ElementsMatch(t, []int{1, 2}, []int{a.ID, b.ID})
	assert.Equal(t, 2, p.Stats().Created)

	c, ok := p.Acquire()
	require.True(t, ok)
	assert.Equal(t, 3, c.ID, "third acquire grows the pool")
	assert.Equal(t, SlotBusy, c.State())
}

func TestAcquire_DropsAtMax(t *testing.T) {
	p := New(1, 2)

	s1, ok := p.Acquire()
	require.True(t, ok)
	_, ok = p.Acquire()
	require.True(t, ok)

	start := time.Now()
	slot, ok := p.Acquire()
	assert.False(t, ok)
	assert.Nil(t, slot)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "acquire must not block")

	p.Release(s1)
	again, ok := p.Acquire()
	require.True(t, ok)
	assert.Same(t, s1, again)
	assert.Equal(t, int64(2), again.Iterations())
	assert.Equal(t, 2, p.Stats().Created)
}

func TestRelease_Idempotent(t *testing.T) {
	p := New(1, 1)
	s, ok := p.Acquire()
	require.True(t, ok)

	p.Release(s)
	p.Release(s)
	p.Release(nil)
	assert.Equal(t, 0, p.Active())

	_, ok = p.Acquire()
	require.True(t, ok)
	_, ok = p.Acquire()
	assert.False(t, ok, "double release must not create a phantom slot")
}

func TestPool_NeverExceedsMax(t *testing.T) {
	const limit = 8
	p := New(2, limit)

	var inFlight, peak, dropped atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s, ok := p.Acquire()
				if !ok {
					dropped.Add(1)
					continue
				}
				n := inFlight.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(50 * time.Microsecond)
				inFlight.Add(-1)
				p.Release(s)
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	assert.LessOrEqual(t, int(peak.Load()), limit)
	assert.LessOrEqual(t, stats.Peak, limit)
	assert.LessOrEqual(t, stats.Created, limit)
	assert.Equal(t, 0, stats.Active)
}
