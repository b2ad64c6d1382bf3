// Package stream 提供推送式数据流的基础件：多订阅者广播、每订阅者无界缓冲、
// 恰好一次终止（完成或失败），以及最后一个订阅者离开时的回调。
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosed 订阅已被调用方关闭
var ErrClosed = errors.New("stream: subscription closed")

// Subject 多订阅者广播。发布方永不阻塞：每个订阅者有自己的无界缓冲。
// 锁顺序：Subject.mu -> Subscription.mu
type Subject[T any] struct {
	mu     sync.Mutex
	replay bool
	items  []T
	done   bool
	err    error
	subs   map[*Subscription[T]]struct{}
	onIdle func()
}

func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{subs: make(map[*Subscription[T]]struct{})}
}

// NewReplaySubject 记录全部数据，迟到的订阅者先收到历史再收到终止
func NewReplaySubject[T any]() *Subject[T] {
	s := NewSubject[T]()
	s.replay = true
	return s
}

// OnIdle 在终止前最后一个订阅者关闭时调用 fn，最多一次
func (s *Subject[T]) OnIdle(fn func()) {
	s.mu.Lock()
	s.onIdle = fn
	s.mu.Unlock()
}

func (s *Subject[T]) Next(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	if s.replay {
		s.items = append(s.items, v)
	}
	for sub := range s.subs {
		sub.push(v)
	}
	return true
}

func (s *Subject[T]) Complete() bool { return s.terminate(nil) }

func (s *Subject[T]) Fail(err error) bool {
	if err == nil {
		err = errors.New("stream: nil error")
	}
	return s.terminate(err)
}

func (s *Subject[T]) terminate(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	s.err = err
	s.onIdle = nil
	for sub := range s.subs {
		sub.finish(err)
	}
	clear(s.subs)
	return true
}

// Terminated 返回是否已终止以及失败原因（完成时为 nil）
func (s *Subject[T]) Terminated() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done, s.err
}

func (s *Subject[T]) Subscribe() *Subscription[T] {
	sub := newSubscription(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replay {
		for _, v := range s.items {
			sub.push(v)
		}
	}
	if s.done {
		sub.finish(s.err)
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

func (s *Subject[T]) detach(sub *Subscription[T]) {
	s.mu.Lock()
	if _, ok := s.subs[sub]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subs, sub)
	var idle func()
	if len(s.subs) == 0 && !s.done {
		idle, s.onIdle = s.onIdle, nil
	}
	s.mu.Unlock()

	if idle != nil {
		idle()
	}
}

// Subscription 单个订阅者的视图。Recv 依次返回数据，之后返回 io.EOF 或失败原因。
type Subscription[T any] struct {
	parent *Subject[T]

	mu       sync.Mutex
	buf      []T
	finished bool
	err      error
	closed   bool
	notify   chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func newSubscription[T any](parent *Subject[T]) *Subscription[T] {
	return &Subscription[T]{
		parent: parent,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *Subscription[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	if s.closed || s.finished {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, v)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription[T]) finish(err error) {
	s.mu.Lock()
	if s.finished || s.closed {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.err = err
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
	s.wake()
}

// Recv 阻塞直到有数据、终止或 ctx 结束
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			v := s.buf[0]
			s.buf[0] = zero
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return v, nil
		}
		if s.closed {
			s.mu.Unlock()
			return zero, ErrClosed
		}
		if s.finished {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				return zero, io.EOF
			}
			return zero, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close 取消订阅，幂等。未消费的数据丢弃。
func (s *Subscription[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.buf = nil
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
	s.wake()

	s.parent.detach(s)
}

// Done 在终止被记录或订阅被关闭时关闭
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Err 终止原因；完成或尚未终止时为 nil
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
