package httpserver

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestConnectionLimits_Global(t *testing.T) {
	limits := NewConnectionLimits(2, 10, 100, 100, clockwork.NewFakeClock())

	ok, _ := limits.Acquire("1.1.1.1")
	assert.True(t, ok)
	ok, _ = limits.Acquire("2.2.2.2")
	assert.True(t, ok)

	ok, reason := limits.Acquire("3.3.3.3")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonGlobal, reason)

	limits.Release("1.1.1.1")
	ok, _ = limits.Acquire("3.3.3.3")
	assert.True(t, ok)
	assert.Equal(t, int64(2), limits.Current())
}

func TestConnectionLimits_PerIP(t *testing.T) {
	limits := NewConnectionLimits(100, 2, 100, 100, clockwork.NewFakeClock())

	for range 2 {
		ok, _ := limits.Acquire("1.1.1.1")
		assert.True(t, ok)
	}

	ok, reason := limits.Acquire("1.1.1.1")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonPerIP, reason)
	assert.Equal(t, int64(2), limits.Current(), "global slot is rolled back")

	ok, _ = limits.Acquire("2.2.2.2")
	assert.True(t, ok, "other addresses are unaffected")

	limits.Release("1.1.1.1")
	limits.Release("1.1.1.1")
	assert.Equal(t, 0, limits.perIP.count("1.1.1.1"))
	limits.Release("1.1.1.1")
	assert.Equal(t, 0, limits.perIP.count("1.1.1.1"), "extra release never goes negative")
}

func TestConnectionLimits_HandshakeRate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limits := NewConnectionLimits(100, 100, 1, 2, clock)

	for range 2 {
		ok, _ := limits.Acquire("1.1.1.1")
		assert.True(t, ok)
	}
	ok, reason := limits.Acquire("1.1.1.1")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonRate, reason)

	clock.Advance(time.Second)
	ok, _ = limits.Acquire("1.1.1.1")
	assert.True(t, ok, "bucket refills with the clock")
}

func TestConnectionLimits_IdleBucketsSwept(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limits := NewConnectionLimits(100, 100, 1, 1, clock)

	limits.Acquire("1.1.1.1")
	limits.Release("1.1.1.1")
	assert.Len(t, limits.rate.buckets, 1)

	clock.Advance(rateLimiterIdleTTL + rateLimiterSweepInterval + time.Second)
	limits.Acquire("2.2.2.2")

	assert.Len(t, limits.rate.buckets, 1)
	assert.Contains(t, limits.rate.buckets, "2.2.2.2")
}

func TestConnectionLimits_Concurrent(t *testing.T) {
	limits := NewConnectionLimits(100, 1000, 10000, 10000, clockwork.NewFakeClock())
	var granted atomic.Int64

	start := make(chan struct{})
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if ok, _ := limits.Acquire("1.1.1.1"); ok {
				granted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(100), granted.Load())
	assert.Equal(t, int64(100), limits.Current())
}
