package orderid

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"twsrx.com/pkg/logger"
	"twsrx.com/pkg/xerr"
)

// FaultSource 提供故障信号（errhub.Hub 实现）
type FaultSource interface {
	Faulted() <-chan struct{}
	Err() error
}

// Gate 一次性门闩：连接后第一条 nextValidId 打开它，之后 NextID 递增发号。
// 重连前 Rearm，发号在整个进程内单调，不会重复。
type Gate struct {
	hub FaultSource

	mu       sync.Mutex
	ready    chan struct{}
	resolved bool
	seed     int64
	next     atomic.Int64
}

func New(hub FaultSource) *Gate {
	return &Gate{hub: hub, ready: make(chan struct{})}
}

// Resolve 每个窗口只有第一次生效，返回是否生效
func (g *Gate) Resolve(id int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resolved {
		logger.Debug(context.Background(), "ignoring repeated next valid id", zap.Int64("id", id))
		return false
	}
	if floor := g.next.Load(); floor > id {
		id = floor
	}
	g.seed = id
	g.next.Store(id)
	g.resolved = true
	close(g.ready)
	return true
}

// Rearm 重新打开等待窗口，已发出的号不会再发
func (g *Gate) Rearm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.resolved {
		return
	}
	g.resolved = false
	g.ready = make(chan struct{})
}

// Await 等到门闩打开。ctx 超时返回 ErrTimeout；Hub 故障优先返回故障。
func (g *Gate) Await(ctx context.Context) (int64, error) {
	g.mu.Lock()
	if g.resolved {
		seed := g.seed
		g.mu.Unlock()
		return seed, nil
	}
	ready := g.ready
	g.mu.Unlock()

	select {
	case <-ready:
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.seed, nil
	case <-g.hub.Faulted():
		return 0, g.hub.Err()
	case <-ctx.Done():
		// 同时发生时故障优先
		select {
		case <-g.hub.Faulted():
			return 0, g.hub.Err()
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, xerr.ErrTimeout
		}
		return 0, ctx.Err()
	}
}

func (g *Gate) Resolved() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolved
}

// NextID 返回当前值并加一；未打开时是使用错误
func (g *Gate) NextID() (int64, error) {
	if !g.Resolved() {
		return 0, xerr.Usage("next id", "order id unresolved")
	}
	return g.next.Add(1) - 1, nil
}
