package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

var ErrAlreadyConnected = errors.New("stream: already connected")

// Lazy 冷流：每次 Subscribe 才执行生产者，生产者负责发出请求并返回订阅
type Lazy[T any] struct {
	subscribe func(ctx context.Context) (*Subscription[T], error)
}

func Defer[T any](fn func(ctx context.Context) (*Subscription[T], error)) *Lazy[T] {
	return &Lazy[T]{subscribe: fn}
}

func (l *Lazy[T]) Subscribe(ctx context.Context) (*Subscription[T], error) {
	return l.subscribe(ctx)
}

// Replay 热捕获的只读视图：所有订阅者看到同一序列
type Replay[T any] struct {
	s *Subject[T]
}

func NewReplay[T any](s *Subject[T]) *Replay[T] { return &Replay[T]{s: s} }

func (r *Replay[T]) Subscribe() *Subscription[T] { return r.s.Subscribe() }

// Same 两个句柄是否指向同一份捕获
func (r *Replay[T]) Same(o *Replay[T]) bool { return o != nil && r.s == o.s }

// Failed 立即失败的 Replay
func Failed[T any](err error) *Replay[T] {
	s := NewReplaySubject[T]()
	s.Fail(err)
	return NewReplay(s)
}

// Connectable 休眠的热流：Subscribe 只挂接，Connect 才向上游注册
type Connectable[T any] struct {
	subject *Subject[T]
	connect func(ctx context.Context, sink *Subject[T]) (func(), error)

	mu         sync.Mutex
	connected  bool
	closed     bool
	disconnect func()
}

func NewConnectable[T any](connect func(ctx context.Context, sink *Subject[T]) (func(), error)) *Connectable[T] {
	return &Connectable[T]{subject: NewSubject[T](), connect: connect}
}

func (c *Connectable[T]) Subscribe() *Subscription[T] { return c.subject.Subscribe() }

// Connect 激活上游。只能调用一次。
func (c *Connectable[T]) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.connected {
		return ErrAlreadyConnected
	}
	disconnect, err := c.connect(ctx, c.subject)
	if err != nil {
		return err
	}
	c.connected = true
	c.disconnect = disconnect
	return nil
}

// Close 断开上游并完成流，幂等
func (c *Connectable[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	disconnect := c.disconnect
	c.mu.Unlock()

	if disconnect != nil {
		disconnect()
	}
	c.subject.Complete()
}

// Collect 读到终止为止；完成时 err 为 nil
func Collect[T any](ctx context.Context, sub *Subscription[T]) ([]T, error) {
	var out []T
	for {
		v, err := sub.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
}
