package history

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"twsrx.com/internal/errhub"
	"twsrx.com/internal/stream"
	"twsrx.com/internal/wire"
	"twsrx.com/pkg/logger"
	"twsrx.com/pkg/metrics"
	"twsrx.com/pkg/ratelimit"
	"twsrx.com/pkg/xerr"
)

// Sender 表需要的那部分命令
type Sender interface {
	RequestHistoricalData(req wire.HistoricalRequest)
	CancelHistoricalData(reqID int64)
}

type entry struct {
	reqID    int64
	intraday bool
	subject  *stream.Subject[Bar]

	mu     sync.Mutex
	sent   bool // 请求已写到线上
	dead   bool // 已终止或已取消，之后不再发请求
	unpace func() bool
}

// Table reqID -> 每个请求自己的流。回调协程写，调用方协程开/关。
type Table struct {
	sender Sender
	pacer  *ratelimit.Pacer

	mu      sync.Mutex
	entries map[int64]*entry
	fault   error
}

var _ errhub.Listener = (*Table)(nil)

// New pacer 为 nil 时不节流
func New(sender Sender, pacer *ratelimit.Pacer) *Table {
	return &Table{
		sender:  sender,
		pacer:   pacer,
		entries: make(map[int64]*entry),
	}
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Open 登记一个请求。最后一个订阅者在终止前离开时调用 cancel 并移除登记。
func (t *Table) Open(reqID int64, intraday bool, cancel func()) (*stream.Subscription[Bar], error) {
	e, sub, err := t.open(reqID, intraday)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.sent = true
	e.mu.Unlock()
	if cancel != nil {
		e.subject.OnIdle(func() {
			if t.remove(reqID, e) {
				e.mu.Lock()
				e.dead = true
				e.mu.Unlock()
				cancel()
				metrics.OnStreamTerminal("history", nil, true)
			}
		})
	}
	return sub, nil
}

func (t *Table) open(reqID int64, intraday bool) (*entry, *stream.Subscription[Bar], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fault != nil {
		return nil, nil, t.fault
	}
	if _, ok := t.entries[reqID]; ok {
		return nil, nil, xerr.Usage("open history", "request id in use")
	}
	e := &entry{reqID: reqID, intraday: intraday, subject: stream.NewSubject[Bar]()}
	t.entries[reqID] = e
	metrics.OpenHistoryRequests.Set(float64(len(t.entries)))
	return e, e.subject.Subscribe(), nil
}

// Request 登记并发出历史数据请求，受节流控制。返回的订阅关闭即取消。
func (t *Table) Request(req wire.HistoricalRequest) (*stream.Subscription[Bar], error) {
	intraday := IsIntraday(req.BarSize)
	if req.FormatDate == 0 {
		req.FormatDate = wire.FormatDateString
		if intraday {
			req.FormatDate = wire.FormatDateEpoch
		}
	}

	e, sub, err := t.open(req.ReqID, intraday)
	if err != nil {
		return nil, err
	}
	e.subject.OnIdle(func() { t.cancel(e) })

	ctx := logger.WithReqID(context.Background(), req.ReqID)
	send := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.dead || e.sent {
			return
		}
		e.sent = true
		t.sender.RequestHistoricalData(req)
	}

	if t.pacer == nil {
		send()
	} else {
		delay, unpace := t.pacer.Schedule(req.Contract.Key(), send)
		e.mu.Lock()
		e.unpace = unpace
		e.mu.Unlock()
		if delay > 0 {
			logger.Info(ctx, "historical request paced", zap.Duration("delay", delay))
		}
	}

	logger.Info(ctx, "historical request",
		zap.String("symbol", req.Contract.Symbol),
		zap.String("duration", req.Duration),
		zap.String("bar_size", req.BarSize),
		zap.String("end", req.EndDateTime()))
	return sub, nil
}

// cancel 订阅方提前离开：未发出的请求直接撤销，已发出的发一次取消
func (t *Table) cancel(e *entry) {
	if !t.remove(e.reqID, e) {
		return
	}
	e.mu.Lock()
	wasSent := e.sent
	e.dead = true
	unpace := e.unpace
	e.mu.Unlock()

	if unpace != nil {
		unpace()
	}
	if wasSent {
		t.sender.CancelHistoricalData(e.reqID)
	}
	metrics.OnStreamTerminal("history", nil, true)
	logger.Info(logger.WithReqID(context.Background(), e.reqID), "historical request cancelled", zap.Bool("sent", wasSent))
}

// Close 幂等移除登记，返回之前是否存在
func (t *Table) Close(reqID int64) bool {
	t.mu.Lock()
	e := t.entries[reqID]
	t.mu.Unlock()
	if e == nil {
		return false
	}
	return t.remove(reqID, e)
}

func (t *Table) remove(reqID int64, e *entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.entries[reqID]; !ok || cur != e {
		return false
	}
	delete(t.entries, reqID)
	metrics.OpenHistoryRequests.Set(float64(len(t.entries)))
	return true
}

func (t *Table) lookup(reqID int64) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[reqID]
}

// finish 移除并终止，err 为 nil 表示完成
func (t *Table) finish(e *entry, err error) {
	if !t.remove(e.reqID, e) {
		return
	}
	e.mu.Lock()
	e.dead = true
	e.mu.Unlock()

	if err != nil {
		e.subject.Fail(err)
	} else {
		e.subject.Complete()
	}
	metrics.OnStreamTerminal("history", err, false)
}

// OnBar 回调：未知 reqID 直接丢弃；解码失败让该流失败
func (t *Table) OnBar(reqID int64, raw wire.RawBar) {
	e := t.lookup(reqID)
	if e == nil {
		return
	}
	bar, err := DecodeBar(raw, e.intraday)
	if err != nil {
		logger.Warn(logger.WithReqID(context.Background(), reqID), "malformed bar", zap.Error(err))
		t.finish(e, xerr.Malformed(reqID, "%v", err))
		return
	}
	e.subject.Next(bar)
}

func (t *Table) OnEnd(reqID int64) {
	e := t.lookup(reqID)
	if e == nil {
		return
	}
	logger.Debug(logger.WithReqID(context.Background(), reqID), "historical data end")
	t.finish(e, nil)
}

// OnErrorEvent 只处理带本表 reqID 的错误码；通知码和无 reqID 的忽略
func (t *Table) OnErrorEvent(ev errhub.Event) {
	if ev.ReqID == errhub.NoReqID || !ev.IsError() {
		return
	}
	e := t.lookup(ev.ReqID)
	if e == nil {
		return
	}
	t.finish(e, ev.Err())
}

// OnFault Hub 故障：所有请求失败，之后 Open 直接失败
func (t *Table) OnFault(err error) {
	t.failAll(err, true)
}

// Reset 连接断开：所有请求失败，表可以继续使用
func (t *Table) Reset(err error) {
	t.failAll(err, false)
}

func (t *Table) failAll(err error, permanent bool) {
	t.mu.Lock()
	if permanent && t.fault == nil {
		t.fault = err
	}
	all := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		all = append(all, e)
	}
	clear(t.entries)
	metrics.OpenHistoryRequests.Set(0)
	t.mu.Unlock()

	for _, e := range all {
		e.mu.Lock()
		e.dead = true
		unpace := e.unpace
		e.mu.Unlock()
		if unpace != nil {
			unpace()
		}
		e.subject.Fail(err)
		metrics.OnStreamTerminal("history", err, false)
	}
}
