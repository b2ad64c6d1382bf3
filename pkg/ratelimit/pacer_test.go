package ratelimit

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacer_ImmediateWithinBudget(t *testing.T) {
	p := NewPacer(PacerConfig{GlobalRequests: 3, GlobalWindow: time.Minute})

	var n int32
	for i := 0; i < 3; i++ {
		d, _ := p.Schedule("MSFT", func() { atomic.AddInt32(&n, 1) })
		assert.Zero(t, d)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&n), "预算内应同步执行")
}

func TestPacer_DelaysWithoutBlocking(t *testing.T) {
	p := NewPacer(PacerConfig{KeyRequests: 1, KeyWindow: 200 * time.Millisecond})

	fired := make(chan time.Time, 2)
	d, _ := p.Schedule("AAPL", func() { fired <- time.Now() })
	require.Zero(t, d)
	<-fired

	start := time.Now()
	d, _ = p.Schedule("AAPL", func() { fired <- time.Now() })
	assert.Less(t, time.Since(start), 50*time.Millisecond, "Schedule 不应阻塞")
	assert.Greater(t, d, 100*time.Millisecond)

	// 不同 key 不受影响
	d2, _ := p.Schedule("MSFT", func() {})
	assert.Zero(t, d2)

	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), 100*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed fn never ran")
	}
}

func TestPacer_CancelBeforeFire(t *testing.T) {
	p := NewPacer(PacerConfig{GlobalRequests: 1, GlobalWindow: 300 * time.Millisecond})

	p.Schedule("X", func() {})

	var ran int32
	d, cancel := p.Schedule("X", func() { atomic.StoreInt32(&ran, 1) })
	require.Greater(t, d, time.Duration(0))

	assert.True(t, cancel())
	assert.False(t, cancel(), "重复 cancel 返回 false")

	time.Sleep(d + 100*time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestPacer_Unlimited(t *testing.T) {
	p := NewPacer(PacerConfig{})
	for i := 0; i < 100; i++ {
		d, cancel := p.Schedule("K", func() {})
		assert.Zero(t, d)
		assert.False(t, cancel())
	}
	assert.Equal(t, 1, p.Keys().Len())
}

func TestStore_Cleanup(t *testing.T) {
	s := NewStore(1, 1, time.Nanosecond)
	s.Reserve("a")
	s.Reserve("b")
	require.Equal(t, 2, s.Len())

	time.Sleep(time.Millisecond)
	s.cleanup()
	assert.Equal(t, 0, s.Len())
}
