// Package session 对外的入口：校验连接生命周期，把 TWS 回调分发给
// 错误总线、订单号门闩、历史请求表和账户更新复用器。
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"twsrx.com/internal/account"
	"twsrx.com/internal/errhub"
	"twsrx.com/internal/history"
	"twsrx.com/internal/orderid"
	"twsrx.com/internal/stream"
	"twsrx.com/internal/wire"
	"twsrx.com/pkg/logger"
	"twsrx.com/pkg/metrics"
	"twsrx.com/pkg/ratelimit"
	"twsrx.com/pkg/xerr"
)

type State int

const (
	Disconnected State = iota
	Connected
	Disposed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Disposed:
		return "disposed"
	}
	return "unknown"
}

// Dialer 用 Client 作为回调创建发送端
type Dialer func(h wire.Handler) wire.Sender

// TCPDialer 真实 TCP 连接
func TCPDialer(opts wire.Options) Dialer {
	return func(h wire.Handler) wire.Sender { return wire.NewConn(h, opts) }
}

// HistoricalQuery 历史 K 线查询；End 零值表示现在
type HistoricalQuery struct {
	Contract   wire.Contract
	End        time.Time
	Duration   string
	BarSize    string
	WhatToShow string
	UseRTH     bool
}

// LiveFeed 休眠的实时账户流：Connect 才注册，Close 注销
type LiveFeed = stream.Connectable[account.Data]

type Client struct {
	cfg    Config
	sender wire.Sender

	hub   *errhub.Hub
	gate  *orderid.Gate
	table *history.Table
	mux   *account.Mux

	stopJanitor context.CancelFunc

	mu         sync.Mutex
	state      State
	connecting bool
	abort      context.CancelCauseFunc
}

func New(cfg Config, dial Dialer) *Client {
	cfg = cfg.withDefaults()
	c := &Client{cfg: cfg, hub: errhub.New()}
	c.sender = dial(c)
	c.gate = orderid.New(c.hub)

	pacer := ratelimit.NewPacer(cfg.Pacing)
	jctx, cancel := context.WithCancel(context.Background())
	pacer.Keys().StartJanitor(jctx, time.Minute)
	c.stopJanitor = cancel

	c.table = history.New(c.sender, pacer)
	c.mux = account.New(c.sender, cfg.DisableConfirmTimeout)
	c.hub.Register(c.table)
	c.hub.Register(c.mux)
	metrics.SessionState.Set(float64(Disconnected))
	return c
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	metrics.SessionState.Set(float64(s))
}

// Connect 连到配置的地址
func (c *Client) Connect(ctx context.Context) error {
	return c.ConnectTo(ctx, c.cfg.Host, c.cfg.Port)
}

// ConnectTo 发出连接并等待 nextValidId。超时会关闭套接字并返回 ErrTimeout；
// 期间总线故障优先于超时。
func (c *Client) ConnectTo(ctx context.Context, host string, port int) error {
	c.mu.Lock()
	switch {
	case c.state == Disposed:
		c.mu.Unlock()
		return xerr.Usage("connect", Disposed.String())
	case c.state == Connected:
		c.mu.Unlock()
		return xerr.Usage("connect", Connected.String())
	case c.connecting:
		c.mu.Unlock()
		return xerr.Usage("connect", "connecting")
	}
	if err := c.hub.Err(); err != nil {
		c.mu.Unlock()
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}
	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	c.connecting = true
	c.abort = abort
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.abort = nil
		c.mu.Unlock()
	}()

	lctx := context.Background()
	start := time.Now()
	logger.Info(lctx, "connecting", zap.String("host", host), zap.Int("port", port), zap.Int("client_id", c.cfg.ClientID))

	if err := c.sender.Connect(host, port, c.cfg.ClientID); err != nil {
		metrics.ConnectDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		logger.Error(lctx, "connect failed", zap.Error(err))
		return err
	}

	seed, err := c.gate.Await(ctx)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(err, context.Canceled) && cause != nil && !errors.Is(cause, context.Canceled) {
			err = cause
		}
		outcome := "error"
		switch {
		case xerr.IsFatal(err):
			outcome = "fault"
		case errors.Is(err, xerr.ErrTimeout):
			outcome = "timeout"
			logger.Warn(lctx, "timed out waiting for next valid id", zap.Duration("elapsed", time.Since(start)))
		}
		metrics.ConnectDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		c.sender.Disconnect()
		return err
	}

	c.mu.Lock()
	if c.state == Disposed {
		c.mu.Unlock()
		c.sender.Disconnect()
		return xerr.Usage("connect", Disposed.String())
	}
	c.setStateLocked(Connected)
	c.mu.Unlock()

	metrics.ConnectDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	logger.Info(lctx, "connected", zap.Int64("next_order_id", seed))
	return nil
}

// Disconnect 发出断开，立即视为 Disconnected
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state == Disposed {
		c.mu.Unlock()
		return xerr.Usage("disconnect", Disposed.String())
	}
	c.setStateLocked(Disconnected)
	c.gate.Rearm()
	c.mu.Unlock()

	c.sender.Disconnect()
	logger.Info(context.Background(), "disconnected")
	return nil
}

// DisconnectAndWait 断开后等一段宽限期，对端释放 client id 后才能用同一个 id 重连
func (c *Client) DisconnectAndWait(ctx context.Context) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	switch st {
	case Disposed:
		return xerr.Usage("disconnect", Disposed.String())
	case Disconnected:
		return nil
	}

	if err := c.Disconnect(); err != nil {
		return err
	}
	t := time.NewTimer(c.cfg.DisconnectGrace)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 释放会话，幂等
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == Disposed {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(Disposed)
	if c.abort != nil {
		c.abort(xerr.Usage("connect", Disposed.String()))
	}
	c.mu.Unlock()

	c.sender.Disconnect()
	c.stopJanitor()
	c.table.Reset(xerr.ErrConnectionClosed)
	c.mux.Reset(xerr.ErrConnectionClosed)
	logger.Info(context.Background(), "session disposed")
	return nil
}

// Errors 错误事件流，永不完成；总线故障后以故障结束
func (c *Client) Errors() *stream.Subscription[errhub.Event] {
	return c.hub.Errors()
}

// NextOrderID 从门闩取下一个订单号
func (c *Client) NextOrderID() (int64, error) {
	if err := c.requireConnected("next order id"); err != nil {
		return 0, err
	}
	return c.gate.NextID()
}

func (c *Client) requireConnected(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return xerr.Usage(op, c.state.String())
	}
	return c.hub.Err()
}

// RequestHistoricalData 冷流：每次 Subscribe 分配新 reqID 并发出请求，关闭订阅即取消
func (c *Client) RequestHistoricalData(q HistoricalQuery) *stream.Lazy[history.Bar] {
	return stream.Defer(func(ctx context.Context) (*stream.Subscription[history.Bar], error) {
		if err := c.requireConnected("request historical data"); err != nil {
			return nil, err
		}
		id, err := c.gate.NextID()
		if err != nil {
			return nil, err
		}
		return c.table.Request(wire.HistoricalRequest{
			ReqID:      id,
			Contract:   q.Contract,
			End:        q.End,
			Duration:   q.Duration,
			BarSize:    q.BarSize,
			WhatToShow: q.WhatToShow,
			UseRTH:     q.UseRTH,
		})
	})
}

// RequestPortfolioSnapshot 一次账户快照，可重放。account 为空表示默认账户。
// 需要抢占实时订阅时会阻塞到退订确认或超时。
func (c *Client) RequestPortfolioSnapshot(ctx context.Context, acct string) (*stream.Replay[account.Data], error) {
	if err := c.requireConnected("request portfolio snapshot"); err != nil {
		return nil, err
	}
	return c.mux.Snapshot(ctx, acct)
}

// RequestPortfolioLive 实时账户流，Connect 之前不占用槽位
func (c *Client) RequestPortfolioLive(acct string) *LiveFeed {
	return stream.NewConnectable(func(ctx context.Context, sink *stream.Subject[account.Data]) (func(), error) {
		if err := c.requireConnected("request portfolio live"); err != nil {
			return nil, err
		}
		reg, err := c.mux.Live(acct, sink)
		if err != nil {
			return nil, err
		}
		return func() { c.mux.UnsubscribeLive(reg) }, nil
	})
}

// ---- wire.Handler ----

func (c *Client) OnNextValidID(id int64) {
	if c.gate.Resolve(id) {
		logger.Debug(context.Background(), "next valid id", zap.Int64("id", id))
	}
}

func (c *Client) OnError(reqID int64, code int, msg string) {
	c.hub.Publish(errhub.Event{ReqID: reqID, Code: code, Msg: msg})
}

// OnErrorString 只有文本的旧式错误回调，按未关联的错误处理
func (c *Client) OnErrorString(msg string) {
	c.hub.Publish(errhub.Event{ReqID: errhub.NoReqID, Code: 0, Msg: msg})
}

func (c *Client) OnFatal(err error) {
	c.hub.Fault(err)
}

func (c *Client) OnHistoricalBar(reqID int64, bar wire.RawBar) {
	c.table.OnBar(reqID, bar)
}

func (c *Client) OnHistoricalDataEnd(reqID int64, _, _ string) {
	c.table.OnEnd(reqID)
}

func (c *Client) OnPortfolioPosition(u wire.PortfolioUpdate) {
	c.mux.OnPortfolioPosition(u)
}

func (c *Client) OnAccountValue(key, value, currency, acct string) {
	c.mux.OnAccountValue(key, value, currency, acct)
}

func (c *Client) OnAccountTime(hhmm string) {
	c.mux.OnAccountTime(hhmm)
}

func (c *Client) OnAccountDownloadEnd(acct string) {
	c.mux.OnAccountDownloadEnd(acct)
}

// OnConnectionClosed 套接字关闭：未完成的流以 ErrConnectionClosed 结束
func (c *Client) OnConnectionClosed() {
	c.mu.Lock()
	if c.state == Connected {
		c.setStateLocked(Disconnected)
	}
	c.gate.Rearm()
	if c.abort != nil {
		c.abort(xerr.ErrConnectionClosed)
	}
	c.mu.Unlock()

	c.table.Reset(xerr.ErrConnectionClosed)
	c.mux.Reset(xerr.ErrConnectionClosed)
	logger.Info(context.Background(), "connection closed")
}

var _ wire.Handler = (*Client)(nil)
