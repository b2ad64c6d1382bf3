package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twsrx.com/internal/account"
	"twsrx.com/internal/stream"
	"twsrx.com/internal/wire"
	"twsrx.com/pkg/xerr"
)

// fakeTWS 记录命令；Connect 后按设置回 nextValidId 或执行 onConnect
type fakeTWS struct {
	h wire.Handler

	mu                sync.Mutex
	cmds              []string
	nextID            int64
	connectErr        error
	onConnect         func(h wire.Handler)
	closeOnDisconnect bool
}

func (f *fakeTWS) record(s string) {
	f.mu.Lock()
	f.cmds = append(f.cmds, s)
	f.mu.Unlock()
}

func (f *fakeTWS) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

func (f *fakeTWS) count(cmd string) int {
	n := 0
	for _, c := range f.commands() {
		if c == cmd {
			n++
		}
	}
	return n
}

func (f *fakeTWS) Connect(host string, port int, clientID int) error {
	f.record(fmt.Sprintf("connect %s:%d/%d", host, port, clientID))
	if f.connectErr != nil {
		return f.connectErr
	}
	switch {
	case f.onConnect != nil:
		go f.onConnect(f.h)
	case f.nextID > 0:
		go f.h.OnNextValidID(f.nextID)
	}
	return nil
}

func (f *fakeTWS) Disconnect() {
	f.record("disconnect")
	if f.closeOnDisconnect {
		f.h.OnConnectionClosed()
	}
}

func (f *fakeTWS) RequestHistoricalData(req wire.HistoricalRequest) {
	f.record(fmt.Sprintf("req_hist %d %s %s", req.ReqID, req.Contract.Symbol, req.BarSize))
}

func (f *fakeTWS) CancelHistoricalData(reqID int64) {
	f.record(fmt.Sprintf("cancel_hist %d", reqID))
}

func (f *fakeTWS) SetAccountUpdates(enable bool, acct string) {
	if enable {
		f.record("enable " + acct)
		return
	}
	f.record("disable " + acct)
}

func newClient(t *testing.T, f *fakeTWS) *Client {
	t.Helper()
	cfg := Config{
		ConnectTimeout:        300 * time.Millisecond,
		DisconnectGrace:       50 * time.Millisecond,
		DisableConfirmTimeout: 100 * time.Millisecond,
	}
	c := New(cfg, func(h wire.Handler) wire.Sender {
		f.h = h
		return f
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func connected(t *testing.T, nextID int64) (*Client, *fakeTWS) {
	t.Helper()
	f := &fakeTWS{nextID: nextID}
	c := newClient(t, f)
	require.NoError(t, c.Connect(ctxT(t)))
	return c, f
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func minuteQuery() HistoricalQuery {
	return HistoricalQuery{
		Contract:   wire.Contract{Symbol: "MSFT", SecType: "STK", Exchange: "SMART", Currency: "USD"},
		End:        time.Date(2026, 10, 16, 20, 0, 0, 0, time.UTC),
		Duration:   "1 D",
		BarSize:    "1 min",
		WhatToShow: "TRADES",
	}
}

func rawBar(ts int64, close string) wire.RawBar {
	return wire.RawBar{
		Date: strconv.FormatInt(ts, 10), Open: "100", High: "101", Low: "99",
		Close: close, Volume: "1200", WAP: "-1", Count: "14",
	}
}

func TestClient_ConnectResolvesOrderID(t *testing.T) {
	c, f := connected(t, 7)

	assert.Equal(t, Connected, c.State())
	assert.Equal(t, []string{"connect 127.0.0.1:7496/0"}, f.commands())

	id, err := c.NextOrderID()
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	id, _ = c.NextOrderID()
	assert.Equal(t, int64(8), id)

	err = c.Connect(ctxT(t))
	assert.True(t, xerr.IsUsage(err))
}

func TestClient_ConnectTimeoutClosesSocket(t *testing.T) {
	f := &fakeTWS{}
	c := newClient(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Connect(ctx)
	assert.ErrorIs(t, err, xerr.ErrTimeout)
	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, 1, f.count("disconnect"))

	// 没有 deadline 时用 ConnectTimeout
	err = c.ConnectTo(context.Background(), "gw", 4002)
	assert.ErrorIs(t, err, xerr.ErrTimeout)
}

func TestClient_FaultSupersedesTimeout(t *testing.T) {
	boom := errors.New("socket reset")
	f := &fakeTWS{onConnect: func(h wire.Handler) { h.OnFatal(boom) }}
	c := newClient(t, f)
	errs := c.Errors()

	err := c.Connect(ctxT(t))
	assert.True(t, xerr.IsFatal(err))
	assert.ErrorIs(t, err, boom)

	_, err = errs.Recv(ctxT(t))
	assert.ErrorIs(t, err, boom)

	// 故障后的会话只能丢弃
	err = c.Connect(ctxT(t))
	assert.True(t, xerr.IsFatal(err))
}

func TestClient_ConnectAbortedByConnectionClose(t *testing.T) {
	f := &fakeTWS{onConnect: func(h wire.Handler) { h.OnConnectionClosed() }}
	c := newClient(t, f)

	err := c.Connect(ctxT(t))
	assert.ErrorIs(t, err, xerr.ErrConnectionClosed)
	assert.Equal(t, Disconnected, c.State())
}

func TestClient_ConnectError(t *testing.T) {
	refused := errors.New("connection refused")
	f := &fakeTWS{connectErr: refused}
	c := newClient(t, f)

	assert.ErrorIs(t, c.Connect(ctxT(t)), refused)
	assert.Equal(t, Disconnected, c.State())
}

func TestClient_RequestsRequireConnection(t *testing.T) {
	f := &fakeTWS{}
	c := newClient(t, f)

	_, err := c.RequestHistoricalData(minuteQuery()).Subscribe(ctxT(t))
	assert.True(t, xerr.IsUsage(err))

	_, err = c.RequestPortfolioSnapshot(ctxT(t), "DU1")
	assert.True(t, xerr.IsUsage(err))

	err = c.RequestPortfolioLive("DU1").Connect(ctxT(t))
	assert.True(t, xerr.IsUsage(err))

	_, err = c.NextOrderID()
	assert.True(t, xerr.IsUsage(err))

	assert.Empty(t, f.commands())
}

func TestClient_HistoricalEndToEnd(t *testing.T) {
	c, f := connected(t, 1)

	lazy := c.RequestHistoricalData(minuteQuery())
	assert.Equal(t, 0, f.count("req_hist 1 MSFT 1 min"), "nothing sent before subscribe")

	sub, err := lazy.Subscribe(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 1, f.count("req_hist 1 MSFT 1 min"))

	c.OnHistoricalBar(1, rawBar(1760644800, "100.5"))
	c.OnHistoricalBar(1, rawBar(1760644860, "100.7"))
	c.OnHistoricalBar(1, rawBar(1760644920, "100.6"))
	c.OnHistoricalDataEnd(1, "", "")

	bars, err := stream.Collect(ctxT(t), sub)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.True(t, bars[0].Time.Equal(time.Unix(1760644800, 0)))
	assert.Equal(t, "100.7", bars[1].Close.String())
	assert.False(t, bars[2].HasWAP())

	// 每次订阅一个新请求号
	_, err = lazy.Subscribe(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 1, f.count("req_hist 2 MSFT 1 min"))
}

func TestClient_HistoricalErrorAndCancel(t *testing.T) {
	c, f := connected(t, 10)

	sub, err := c.RequestHistoricalData(minuteQuery()).Subscribe(ctxT(t))
	require.NoError(t, err)
	c.OnError(10, 162, "HMDS query returned no data")
	_, err = stream.Collect(ctxT(t), sub)
	code, ok := xerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, 162, code)

	sub, err = c.RequestHistoricalData(minuteQuery()).Subscribe(ctxT(t))
	require.NoError(t, err)
	c.OnHistoricalBar(11, rawBar(1760644800, "100"))
	sub.Close()
	assert.Equal(t, 1, f.count("cancel_hist 11"))

	// 取消之后迟到的数据直接丢掉
	c.OnHistoricalBar(11, rawBar(1760644860, "101"))
	c.OnHistoricalDataEnd(11, "", "")
	assert.Equal(t, 1, f.count("cancel_hist 11"))
}

func TestClient_SnapshotsQueueFIFO(t *testing.T) {
	c, f := connected(t, 1)

	a, err := c.RequestPortfolioSnapshot(ctxT(t), "A")
	require.NoError(t, err)
	b, err := c.RequestPortfolioSnapshot(ctxT(t), "B")
	require.NoError(t, err)
	assert.Equal(t, []string{"enable A"}, f.commands()[1:])

	c.OnAccountValue("NetLiquidation", "100", "USD", "A")
	c.OnAccountDownloadEnd("A")
	assert.Equal(t, []string{"enable A", "disable A", "enable B"}, f.commands()[1:])

	c.OnAccountValue("NetLiquidation", "200", "USD", "B")
	c.OnAccountDownloadEnd("B")

	itemsA, err := stream.Collect(ctxT(t), a.Subscribe())
	require.NoError(t, err)
	require.Len(t, itemsA, 1)
	assert.Equal(t, "100", itemsA[0].Value)

	itemsB, err := stream.Collect(ctxT(t), b.Subscribe())
	require.NoError(t, err)
	require.Len(t, itemsB, 1)
	assert.Equal(t, "B", itemsB[0].Account)
}

func TestClient_LiveFeedLifecycle(t *testing.T) {
	c, f := connected(t, 1)

	feed := c.RequestPortfolioLive("DU1")
	sub := feed.Subscribe()
	assert.Equal(t, 0, f.count("enable DU1"), "dormant until connect")

	require.NoError(t, feed.Connect(ctxT(t)))
	assert.Equal(t, 1, f.count("enable DU1"))

	c.OnAccountValue("CashBalance", "5000", "USD", "DU1")
	got, err := sub.Recv(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, account.KindValue, got.Kind)
	assert.Equal(t, "5000", got.Value)

	feed.Close()
	assert.Equal(t, 1, f.count("disable DU1"))
	_, err = stream.Collect(ctxT(t), sub)
	assert.NoError(t, err)
}

func TestClient_ConnectionClosedFailsStreams(t *testing.T) {
	c, f := connected(t, 1)
	f.closeOnDisconnect = true

	hist, err := c.RequestHistoricalData(minuteQuery()).Subscribe(ctxT(t))
	require.NoError(t, err)
	snap, err := c.RequestPortfolioSnapshot(ctxT(t), "DU1")
	require.NoError(t, err)

	c.OnConnectionClosed()
	assert.Equal(t, Disconnected, c.State())

	_, err = stream.Collect(ctxT(t), hist)
	assert.ErrorIs(t, err, xerr.ErrConnectionClosed)
	_, err = stream.Collect(ctxT(t), snap.Subscribe())
	assert.ErrorIs(t, err, xerr.ErrConnectionClosed)

	// 重连后请求号继续往上走
	require.NoError(t, c.Connect(ctxT(t)))
	id, err := c.NextOrderID()
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
}

func TestClient_DisconnectAndWait(t *testing.T) {
	c, f := connected(t, 1)

	start := time.Now()
	require.NoError(t, c.DisconnectAndWait(ctxT(t)))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, 1, f.count("disconnect"))

	// 已经断开时直接返回
	require.NoError(t, c.DisconnectAndWait(ctxT(t)))
	assert.Equal(t, 1, f.count("disconnect"))
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	c, f := connected(t, 1)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, Disposed, c.State())
	assert.Equal(t, 1, f.count("disconnect"))

	assert.True(t, xerr.IsUsage(c.Connect(ctxT(t))))
	assert.True(t, xerr.IsUsage(c.Disconnect()))
	_, err := c.RequestPortfolioSnapshot(ctxT(t), "")
	assert.True(t, xerr.IsUsage(err))
}

func TestClient_ErrorsCarryInformationalEvents(t *testing.T) {
	c, _ := connected(t, 1)
	errs := c.Errors()

	c.OnError(-1, 2104, "Market data farm connection is OK")
	c.OnErrorString("unexpected end of stream")

	ev, err := errs.Recv(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, 2104, ev.Code)
	assert.False(t, ev.IsError())

	ev, err = errs.Recv(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), ev.ReqID)
	assert.True(t, ev.IsError())
}
