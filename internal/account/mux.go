package account

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"twsrx.com/internal/errhub"
	"twsrx.com/internal/stream"
	"twsrx.com/internal/wire"
	"twsrx.com/pkg/logger"
	"twsrx.com/pkg/metrics"
	"twsrx.com/pkg/xerr"
)

// ErrCancelled 排队中的快照被最后一个订阅者放弃
var ErrCancelled = errors.New("account: snapshot cancelled while queued")

const DefaultDisableConfirmTimeout = 2 * time.Second

type SlotState int

const (
	Idle SlotState = iota
	ServingSnapshot
	ServingLive
	ServingLivePendingSnapshot
)

func (s SlotState) String() string {
	switch s {
	case ServingSnapshot:
		return "serving-snapshot"
	case ServingLive:
		return "serving-live"
	case ServingLivePendingSnapshot:
		return "serving-live-pending-snapshot"
	default:
		return "idle"
	}
}

// Sender 复用器只用到账户订阅开关
type Sender interface {
	SetAccountUpdates(enable bool, account string)
}

type snapshot struct {
	id      string
	account string
	subject *stream.Subject[Data]
	handle  *stream.Replay[Data]
}

// LiveReg 一个实时订阅的登记
type LiveReg struct {
	id      string
	account string
	sink    *stream.Subject[Data]
}

func (r *LiveReg) Account() string { return r.account }

// preemption 实时订阅被快照抢占，等待退订确认
type preemption struct {
	done  chan struct{}
	timer *time.Timer
}

// Mux 管理唯一的账户更新订阅槽：快照按 FIFO 排队，实时订阅优先级最低。
// 改变槽位的线上命令都在 mu 内发出；mu 内不调用用户代码。
type Mux struct {
	sender         Sender
	confirmTimeout time.Duration

	mu      sync.Mutex
	state   SlotState
	enabled string // 线上当前开启的账户，on 为 true 时有效
	on      bool
	active  *snapshot
	queue   []*snapshot
	live    *LiveReg
	preempt *preemption
	fault   error
}

var _ errhub.Listener = (*Mux)(nil)

func New(sender Sender, confirmTimeout time.Duration) *Mux {
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultDisableConfirmTimeout
	}
	return &Mux{sender: sender, confirmTimeout: confirmTimeout}
}

func (m *Mux) State() SlotState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Mux) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Mux) setStateLocked(s SlotState) {
	if m.state != s {
		logger.Debug(context.Background(), "account slot transition",
			zap.Stringer("from", m.state), zap.Stringer("to", s))
	}
	m.state = s
	metrics.AccountSlotState.Set(float64(s))
	metrics.SnapshotQueueDepth.Set(float64(len(m.queue)))
}

func (m *Mux) enableLocked(account string) {
	m.on = true
	m.enabled = account
	m.sender.SetAccountUpdates(true, account)
}

func (m *Mux) disableLocked() {
	if !m.on {
		return
	}
	m.on = false
	m.sender.SetAccountUpdates(false, m.enabled)
}

// Snapshot 请求一次账户快照。
// 槽位空闲时立即开启；同账户快照进行中时返回同一份捕获；否则排队。
// 若实时订阅占着槽位，先退订并等待确认（或超时）再返回。
func (m *Mux) Snapshot(ctx context.Context, account string) (*stream.Replay[Data], error) {
	m.mu.Lock()
	if m.fault != nil {
		err := m.fault
		m.mu.Unlock()
		return nil, err
	}

	if m.state == ServingSnapshot && m.active.account == account {
		h := m.active.handle
		m.mu.Unlock()
		logger.Debug(logger.WithAccount(ctx, account), "coalescing snapshot")
		return h, nil
	}

	snap := m.newSnapshot(account)
	lctx := logger.WithAccount(ctx, account)

	switch m.state {
	case Idle:
		m.activateLocked(snap)
		m.mu.Unlock()
		logger.Info(lctx, "snapshot started", zap.String("capture", snap.id))
		return snap.handle, nil

	case ServingSnapshot:
		m.queue = append(m.queue, snap)
		m.setStateLocked(m.state)
		m.mu.Unlock()
		logger.Info(lctx, "snapshot queued", zap.String("capture", snap.id))
		return snap.handle, nil
	}

	// 实时订阅占着槽位
	m.queue = append(m.queue, snap)
	if m.state == ServingLive {
		m.disableLocked()
		p := &preemption{done: make(chan struct{})}
		p.timer = time.AfterFunc(m.confirmTimeout, func() { m.confirmTimedOut(p) })
		m.preempt = p
		m.setStateLocked(ServingLivePendingSnapshot)
		logger.Info(lctx, "preempting live account updates", zap.String("capture", snap.id))
	} else {
		m.setStateLocked(m.state)
	}
	p := m.preempt
	m.mu.Unlock()

	select {
	case <-p.done:
		return snap.handle, nil
	case <-ctx.Done():
		if m.dropQueued(snap, ctx.Err()) {
			return nil, ctx.Err()
		}
		// 已经激活，跑完为止
		return snap.handle, nil
	}
}

func (m *Mux) newSnapshot(account string) *snapshot {
	s := &snapshot{
		id:      uuid.NewString(),
		account: account,
		subject: stream.NewReplaySubject[Data](),
	}
	s.handle = stream.NewReplay(s.subject)
	s.subject.OnIdle(func() { m.dropQueued(s, ErrCancelled) })
	return s
}

// dropQueued 仍在排队的快照出队并失败，没有线上流量。已激活的不动。
func (m *Mux) dropQueued(s *snapshot, err error) bool {
	m.mu.Lock()
	i := slices.Index(m.queue, s)
	if i < 0 {
		m.mu.Unlock()
		return false
	}
	m.queue = slices.Delete(m.queue, i, i+1)
	m.setStateLocked(m.state)
	m.mu.Unlock()

	s.subject.Fail(err)
	metrics.OnStreamTerminal("snapshot", nil, true)
	logger.Info(logger.WithAccount(context.Background(), s.account), "queued snapshot dropped", zap.String("capture", s.id))
	return true
}

func (m *Mux) activateLocked(s *snapshot) {
	m.active = s
	m.setStateLocked(ServingSnapshot)
	m.enableLocked(s.account)
}

// handoffLocked 槽位空出后：下一个排队快照，否则待激活的实时订阅，否则空闲
func (m *Mux) handoffLocked() {
	m.active = nil
	if m.preempt != nil {
		m.preempt.timer.Stop()
		close(m.preempt.done)
		m.preempt = nil
	}

	if len(m.queue) > 0 {
		next := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.activateLocked(next)
		logger.Info(logger.WithAccount(context.Background(), next.account), "snapshot started", zap.String("capture", next.id))
		return
	}
	if m.live != nil {
		m.setStateLocked(ServingLive)
		m.enableLocked(m.live.account)
		logger.Info(logger.WithAccount(context.Background(), m.live.account), "live account updates resumed", zap.String("reg", m.live.id))
		return
	}
	m.setStateLocked(Idle)
}

func (m *Mux) confirmTimedOut(p *preemption) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.preempt != p {
		return
	}
	metrics.DisableConfirmTimeoutsTotal.Inc()
	logger.Warn(context.Background(), "account unsubscribe not confirmed, proceeding", zap.Duration("timeout", m.confirmTimeout))
	m.handoffLocked()
}

func (m *Mux) confirmDisable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != ServingLivePendingSnapshot {
		return
	}
	logger.Debug(context.Background(), "account unsubscribe confirmed")
	m.handoffLocked()
}

// Live 登记实时订阅，替换之前的登记（之前的立即完成）。
// 快照进行中时只登记，等槽位空出再激活。
func (m *Mux) Live(account string, sink *stream.Subject[Data]) (*LiveReg, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil {
		return nil, m.fault
	}

	reg := &LiveReg{id: uuid.NewString(), account: account, sink: sink}
	prev := m.live
	m.live = reg
	lctx := logger.WithAccount(context.Background(), account)

	switch m.state {
	case Idle:
		m.setStateLocked(ServingLive)
		m.enableLocked(account)
		logger.Info(lctx, "live account updates started", zap.String("reg", reg.id))
	case ServingLive:
		m.disableLocked()
		m.enableLocked(account)
		logger.Info(lctx, "live account updates replaced", zap.String("reg", reg.id))
	default:
		logger.Info(lctx, "live account updates pending", zap.String("reg", reg.id), zap.Stringer("slot", m.state))
	}

	if prev != nil {
		prev.sink.Complete()
		metrics.OnStreamTerminal("live", nil, false)
	}
	return reg, nil
}

// UnsubscribeLive 注销实时订阅并完成其流；若它占着槽位则退订并交接
func (m *Mux) UnsubscribeLive(reg *LiveReg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reg == nil || m.live != reg {
		return
	}
	m.live = nil
	reg.sink.Complete()
	metrics.OnStreamTerminal("live", nil, true)
	logger.Info(logger.WithAccount(context.Background(), reg.account), "live account updates stopped", zap.String("reg", reg.id))

	if m.state == ServingLive {
		m.disableLocked()
		m.handoffLocked()
	}
}

// ownerLocked 当前槽位的接收方和账户；挂起抢占期间仍算实时订阅的
func (m *Mux) ownerLocked() (*stream.Subject[Data], string) {
	switch m.state {
	case ServingSnapshot:
		return m.active.subject, m.active.account
	case ServingLive, ServingLivePendingSnapshot:
		if m.live != nil {
			return m.live.sink, m.live.account
		}
	}
	return nil, ""
}

func (m *Mux) route(d Data) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sink, _ := m.ownerLocked(); sink != nil {
		sink.Next(d)
	}
}

func (m *Mux) OnAccountValue(key, value, currency, account string) {
	m.route(ValueData(key, value, currency, account))
}

func (m *Mux) OnAccountTime(hhmm string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sink, account := m.ownerLocked(); sink != nil {
		sink.Next(ValueData(KeyAccountTime, hhmm, "", account))
	}
}

func (m *Mux) OnPortfolioPosition(u wire.PortfolioUpdate) {
	p, err := DecodePosition(u)
	if err != nil {
		logger.Warn(logger.WithAccount(context.Background(), u.Account), "malformed position", zap.Error(err))
		m.failOwner(xerr.Malformed(errhub.NoReqID, "%v", err))
		return
	}
	m.route(PositionData(p))
}

// OnAccountDownloadEnd 快照完成：完成捕获，退订该账户，交接槽位
func (m *Mux) OnAccountDownloadEnd(account string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != ServingSnapshot {
		return
	}
	s := m.active
	if s.account != "" && account != "" && s.account != account {
		logger.Debug(context.Background(), "download end for other account", zap.String("got", account), zap.String("want", s.account))
		return
	}
	s.subject.Complete()
	metrics.OnStreamTerminal("snapshot", nil, false)
	logger.Info(logger.WithAccount(context.Background(), s.account), "snapshot complete", zap.String("capture", s.id))

	m.disableLocked()
	m.handoffLocked()
}

// failOwner 当前占槽的流失败，然后交接
func (m *Mux) failOwner(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case ServingSnapshot:
		m.active.subject.Fail(err)
		metrics.OnStreamTerminal("snapshot", err, false)
		m.disableLocked()
		m.handoffLocked()
	case ServingLive:
		reg := m.live
		m.live = nil
		reg.sink.Fail(err)
		metrics.OnStreamTerminal("live", err, false)
		m.disableLocked()
		m.handoffLocked()
	case ServingLivePendingSnapshot:
		if m.live != nil {
			m.live.sink.Fail(err)
			metrics.OnStreamTerminal("live", err, false)
			m.live = nil
		}
	}
}

// OnErrorEvent 2100 是退订确认；无 reqID 的错误码让所有账户流失败
func (m *Mux) OnErrorEvent(ev errhub.Event) {
	if ev.Code == xerr.CodeAccountUnsubscribed {
		m.confirmDisable()
		return
	}
	if ev.ReqID != errhub.NoReqID || !ev.IsError() {
		return
	}
	err := ev.Err()
	logger.Warn(context.Background(), "account streams failed by protocol error", zap.Error(err))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAllLocked(err)
	m.disableLocked()
}

// OnFault Hub 故障：全部失败，之后的调用直接返回故障
func (m *Mux) OnFault(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault == nil {
		m.fault = err
	}
	m.failAllLocked(err)
	m.on = false
}

// Reset 连接断开：全部失败，回到空闲，可继续使用
func (m *Mux) Reset(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAllLocked(err)
	m.on = false
}

func (m *Mux) failAllLocked(err error) {
	if m.active != nil {
		m.active.subject.Fail(err)
		metrics.OnStreamTerminal("snapshot", err, false)
		m.active = nil
	}
	for _, s := range m.queue {
		s.subject.Fail(err)
		metrics.OnStreamTerminal("snapshot", err, false)
	}
	m.queue = nil
	if m.live != nil {
		m.live.sink.Fail(err)
		metrics.OnStreamTerminal("live", err, false)
		m.live = nil
	}
	if m.preempt != nil {
		m.preempt.timer.Stop()
		close(m.preempt.done)
		m.preempt = nil
	}
	m.setStateLocked(Idle)
}
