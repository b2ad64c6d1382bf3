package orderid

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twsrx.com/internal/errhub"
	"twsrx.com/pkg/xerr"
)

func TestGate_FirstResolveWins(t *testing.T) {
	g := New(errhub.New())

	_, err := g.NextID()
	assert.True(t, xerr.IsUsage(err))

	assert.True(t, g.Resolve(100))
	assert.False(t, g.Resolve(500))

	id, err := g.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), id)

	a, _ := g.NextID()
	b, _ := g.NextID()
	assert.Equal(t, int64(100), a)
	assert.Equal(t, int64(101), b)
}

func TestGate_AwaitResolvedLater(t *testing.T) {
	g := New(errhub.New())
	go func() {
		time.Sleep(20 * time.Millisecond)
		g.Resolve(7)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	id, err := g.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
}

func TestGate_Timeout(t *testing.T) {
	g := New(errhub.New())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Await(ctx)
	assert.ErrorIs(t, err, xerr.ErrTimeout)

	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	_, err = g.Await(ctx2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGate_HubFaultSupersedes(t *testing.T) {
	hub := errhub.New()
	g := New(hub)
	boom := errors.New("reader crashed")
	go func() {
		time.Sleep(10 * time.Millisecond)
		hub.Fault(boom)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := g.Await(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestGate_NextIDUniqueUnderConcurrency(t *testing.T) {
	g := New(errhub.New())
	g.Resolve(1)

	var (
		mu   sync.Mutex
		seen = map[int64]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id, err := g.NextID()
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
}

func TestGate_RearmKeepsIDsMonotonic(t *testing.T) {
	g := New(errhub.New())
	g.Resolve(10)
	for i := 0; i < 5; i++ {
		_, _ = g.NextID()
	}

	g.Rearm()
	assert.False(t, g.Resolved())
	_, err := g.NextID()
	assert.True(t, xerr.IsUsage(err))

	// 重连后服务端给的号比已用的小，继续往上发
	assert.True(t, g.Resolve(3))
	id, err := g.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(15), id)
	next, _ := g.NextID()
	assert.Equal(t, int64(15), next)

	g.Rearm()
	g.Resolve(100)
	next, _ = g.NextID()
	assert.Equal(t, int64(100), next)
}
