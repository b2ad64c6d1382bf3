package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"twsrx.com/pkg/logger"
	"twsrx.com/pkg/metrics"
	"twsrx.com/pkg/safe"
)

// TWS 客户端侧错误码
const (
	codeNotConnected = 504
	codeWriteFailed  = 509
)

type Options struct {
	DialTimeout     time.Duration
	MaxMessageBytes uint32
	// Dial 可替换，测试里用 net.Pipe
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
	// Tap 在分发前看到每条收到的消息（读协程上调用），例如 Recorder.Record
	Tap func(serverVersion int, fields [][]byte)
}

func (o *Options) withDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.MaxMessageBytes == 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if o.Dial == nil {
		d := &net.Dialer{}
		o.Dial = d.DialContext
	}
}

// Conn 基于 TCP 的 Sender。一个读协程负责解码并回调 Handler。
type Conn struct {
	h    Handler
	opts Options

	mu            sync.Mutex // 保护 nc 和写入
	nc            net.Conn
	serverVersion int
	connTime      string
}

var _ Sender = (*Conn)(nil)

func NewConn(h Handler, opts Options) *Conn {
	opts.withDefaults()
	return &Conn{h: h, opts: opts}
}

func (c *Conn) ServerVersion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVersion
}

// Connect 拨号、握手、发送 START_API，然后启动读协程
func (c *Conn) Connect(host string, port int, clientID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc != nil {
		return errors.New("wire: already connected")
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	defer cancel()

	nc, err := c.opts.Dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("wire: dial %s: %w", addr, err)
	}

	br := bufio.NewReader(nc)
	if err := c.handshake(nc, br, clientID); err != nil {
		_ = nc.Close()
		return err
	}
	c.nc = nc

	logger.Info(context.Background(), "tws connected",
		zap.String("addr", addr), zap.Int("client_id", clientID),
		zap.Int("server_version", c.serverVersion), zap.String("conn_time", c.connTime))
	metrics.OnWireCommand("connect")

	version := c.serverVersion
	safe.GoWith(context.Background(), func() { c.readLoop(nc, br, version) }, func(r any) {
		c.h.OnFatal(safe.PanicError(r))
	})
	return nil
}

func (c *Conn) handshake(nc net.Conn, br *bufio.Reader, clientID int) error {
	_ = nc.SetDeadline(time.Now().Add(c.opts.DialTimeout))
	defer func() { _ = nc.SetDeadline(time.Time{}) }()

	if _, err := io.WriteString(nc, apiPrefix); err != nil {
		return fmt.Errorf("wire: handshake: %w", err)
	}
	if err := writeRaw(nc, clientVersion); err != nil {
		return fmt.Errorf("wire: handshake: %w", err)
	}

	fields, err := ReadMessage(br, c.opts.MaxMessageBytes)
	if err != nil {
		return fmt.Errorf("wire: handshake: %w", err)
	}
	r := newFieldReader(fields)
	c.serverVersion = r.int()
	c.connTime = r.str()
	if r.err != nil {
		return fmt.Errorf("wire: handshake reply: %w", r.err)
	}

	if err := WriteMessage(nc, encodeStartAPI(clientID)...); err != nil {
		return fmt.Errorf("wire: start api: %w", err)
	}
	return nil
}

// writeRaw 写一个不以 NUL 结尾的带长度字符串（握手版本串）
func writeRaw(w io.Writer, s string) error {
	buf := make([]byte, 4, 4+len(s))
	binary.BigEndian.PutUint32(buf, uint32(len(s)))
	buf = append(buf, s...)
	_, err := w.Write(buf)
	return err
}

// Disconnect 关闭连接；读协程退出时回调 OnConnectionClosed
func (c *Conn) Disconnect() {
	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()
	if nc == nil {
		return
	}
	metrics.OnWireCommand("disconnect")
	_ = nc.Close()
}

func (c *Conn) RequestHistoricalData(req HistoricalRequest) {
	c.send(req.ReqID, "req_hist", encodeHistoricalRequest(req))
}

func (c *Conn) CancelHistoricalData(reqID int64) {
	c.send(reqID, "cancel_hist", encodeCancelHistorical(reqID))
}

func (c *Conn) SetAccountUpdates(enable bool, account string) {
	cmd := "acct_disable"
	if enable {
		cmd = "acct_enable"
	}
	c.send(-1, cmd, encodeAccountUpdates(enable, account))
}

// send 写一条命令。失败在另一个协程上通过 OnError 回报，调用方此时可能还持有自己的锁。
func (c *Conn) send(reqID int64, cmd string, fields []string) {
	c.mu.Lock()
	nc := c.nc
	var err error
	if nc != nil {
		err = WriteMessage(nc, fields...)
	}
	c.mu.Unlock()

	if nc == nil {
		safe.Go(func() { c.h.OnError(reqID, codeNotConnected, "Not connected") })
		return
	}
	if err != nil {
		logger.Warn(context.Background(), "tws write failed", zap.String("cmd", cmd), zap.Error(err))
		msg := "Failed to send message: " + err.Error()
		safe.Go(func() { c.h.OnError(reqID, codeWriteFailed, msg) })
		_ = nc.Close()
		return
	}
	metrics.OnWireCommand(cmd)
}

func (c *Conn) readLoop(nc net.Conn, br *bufio.Reader, serverVersion int) {
	defer func() {
		c.mu.Lock()
		if c.nc == nc {
			c.nc = nil
		}
		c.mu.Unlock()
		_ = nc.Close()
		logger.Info(context.Background(), "tws connection closed")
		c.h.OnConnectionClosed()
	}()

	for {
		fields, err := ReadMessage(br, c.opts.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, ErrMessageTooLarge) || errors.Is(err, io.ErrUnexpectedEOF) {
				c.h.OnFatal(err)
			}
			return
		}
		if len(fields) == 0 {
			continue
		}
		if c.opts.Tap != nil {
			c.opts.Tap(serverVersion, fields)
		}
		if err := c.dispatch(fields, serverVersion); err != nil {
			c.h.OnFatal(err)
			return
		}
	}
}

func (c *Conn) dispatch(fields [][]byte, serverVersion int) error {
	r := newFieldReader(fields)
	msgID := r.int()
	if r.err != nil {
		return fmt.Errorf("wire: bad message id: %w", r.err)
	}
	metrics.OnWireMessage(msgID)

	switch msgID {
	case InErrMsg:
		r.skip(1)
		id := r.int64()
		code := r.int()
		msg := r.str()
		if r.err != nil {
			return fmt.Errorf("wire: ERR_MSG: %w", r.err)
		}
		c.h.OnError(id, code, msg)

	case InAcctValue:
		r.skip(1)
		key, val, cur, acct := r.str(), r.str(), r.str(), r.str()
		if r.err != nil {
			return fmt.Errorf("wire: ACCT_VALUE: %w", r.err)
		}
		c.h.OnAccountValue(key, val, cur, acct)

	case InPortfolioValue:
		r.skip(1)
		var u PortfolioUpdate
		u.Contract.ConID = r.int64()
		u.Contract.Symbol = r.str()
		u.Contract.SecType = r.str()
		u.Contract.LastTradeDate = r.str()
		u.Contract.Strike = r.float()
		u.Contract.Right = r.str()
		u.Contract.Multiplier = r.str()
		u.Contract.PrimaryExchange = r.str()
		u.Contract.Currency = r.str()
		u.Contract.LocalSymbol = r.str()
		u.Contract.TradingClass = r.str()
		u.Position = r.str()
		u.MarketPrice = r.str()
		u.MarketValue = r.str()
		u.AverageCost = r.str()
		u.UnrealizedPNL = r.str()
		u.RealizedPNL = r.str()
		u.Account = r.str()
		if r.err != nil {
			return fmt.Errorf("wire: PORTFOLIO_VALUE: %w", r.err)
		}
		c.h.OnPortfolioPosition(u)

	case InAcctUpdateTime:
		r.skip(1)
		ts := r.str()
		if r.err != nil {
			return fmt.Errorf("wire: ACCT_UPDATE_TIME: %w", r.err)
		}
		c.h.OnAccountTime(ts)

	case InNextValidID:
		r.skip(1)
		id := r.int64()
		if r.err != nil {
			return fmt.Errorf("wire: NEXT_VALID_ID: %w", r.err)
		}
		c.h.OnNextValidID(id)

	case InAcctDownloadEnd:
		r.skip(1)
		acct := r.str()
		if r.err != nil {
			return fmt.Errorf("wire: ACCT_DOWNLOAD_END: %w", r.err)
		}
		c.h.OnAccountDownloadEnd(acct)

	case InHistoricalData:
		return c.dispatchHistorical(r, serverVersion)

	case InHistoricalDataEnd:
		id := r.int64()
		start, end := r.str(), r.str()
		if r.err != nil {
			return fmt.Errorf("wire: HISTORICAL_DATA_END: %w", r.err)
		}
		c.h.OnHistoricalDataEnd(id, start, end)

	default:
		logger.Debug(context.Background(), "ignoring tws message", zap.Int("msg_id", msgID))
	}
	return nil
}

func (c *Conn) dispatchHistorical(r *fieldReader, serverVersion int) error {
	old := serverVersion < minServerVerSyntRealtimeBars
	if old {
		r.skip(1)
	}
	id := r.int64()
	start, end := r.str(), r.str()
	n := r.int()
	if r.err != nil {
		return fmt.Errorf("wire: HISTORICAL_DATA: %w", r.err)
	}
	for i := 0; i < n; i++ {
		var b RawBar
		b.Date = r.str()
		b.Open = r.str()
		b.High = r.str()
		b.Low = r.str()
		b.Close = r.str()
		b.Volume = r.str()
		b.WAP = r.str()
		if old {
			r.skip(1) // hasGaps
		}
		b.Count = r.str()
		if r.err != nil {
			return fmt.Errorf("wire: HISTORICAL_DATA bar %d: %w", i, r.err)
		}
		c.h.OnHistoricalBar(id, b)
	}
	if serverVersion < minServerVerHistoricalDataEnd {
		c.h.OnHistoricalDataEnd(id, start, end)
	}
	return nil
}
