package errhub

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"twsrx.com/internal/stream"
	"twsrx.com/pkg/logger"
	"twsrx.com/pkg/metrics"
	"twsrx.com/pkg/xerr"
)

// NoReqID 未关联请求的错误
const NoReqID int64 = -1

type Event struct {
	ReqID int64  `json:"req_id"`
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
}

func (e Event) IsError() bool { return xerr.IsError(e.Code) }

func (e Event) Err() error { return xerr.New(e.ReqID, e.Code, e.Msg) }

// Listener 内部监听者，在发布协程上同步调用，保证和数据回调的先后顺序
type Listener interface {
	OnErrorEvent(ev Event)
	OnFault(err error)
}

// Hub 进程级错误广播。永不完成；故障后终止且不可恢复。
type Hub struct {
	subject *stream.Subject[Event]

	mu        sync.RWMutex
	listeners []Listener
	fault     error
	faulted   chan struct{}
}

func New() *Hub {
	return &Hub{
		subject: stream.NewSubject[Event](),
		faulted: make(chan struct{}),
	}
}

// Register 内部组件挂接。已故障时立即回调 OnFault。
func (h *Hub) Register(l Listener) {
	h.mu.Lock()
	fault := h.fault
	if fault == nil {
		h.listeners = append(h.listeners, l)
	}
	h.mu.Unlock()
	if fault != nil {
		l.OnFault(fault)
	}
}

// Errors 订阅错误序列；故障后订阅直接拿到故障
func (h *Hub) Errors() *stream.Subscription[Event] {
	return h.subject.Subscribe()
}

// Publish 由回调协程调用
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	if h.fault != nil {
		h.mu.RUnlock()
		return
	}
	ls := h.listeners
	h.mu.RUnlock()

	metrics.OnHubEvent(ev.IsError())
	logger.Debug(context.Background(), "tws error event",
		zap.Int64("req_id", ev.ReqID), zap.Int("code", ev.Code), zap.String("msg", ev.Msg))

	for _, l := range ls {
		l.OnErrorEvent(ev)
	}
	h.subject.Next(ev)
}

// Fault 进入终止故障态。只保留第一个故障，之后的记日志丢弃。
func (h *Hub) Fault(err error) {
	err = xerr.Fatal(err)

	h.mu.Lock()
	if h.fault != nil {
		h.mu.Unlock()
		logger.Error(context.Background(), "dropping fault after hub already faulted", zap.Error(err))
		return
	}
	h.fault = err
	ls := h.listeners
	h.listeners = nil
	close(h.faulted)
	h.mu.Unlock()

	metrics.HubEventsTotal.WithLabelValues("fault").Inc()
	logger.Error(context.Background(), "error hub faulted", zap.Error(err))

	for _, l := range ls {
		l.OnFault(err)
	}
	h.subject.Fail(err)
}

// Err 故障原因，未故障为 nil
func (h *Hub) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.fault
}

// Faulted 故障时关闭
func (h *Hub) Faulted() <-chan struct{} { return h.faulted }
