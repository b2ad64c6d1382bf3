package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
)

// 入站消息号
const (
	InErrMsg            = 4
	InAcctValue         = 6
	InPortfolioValue    = 7
	InAcctUpdateTime    = 8
	InNextValidID       = 9
	InHistoricalData    = 17
	InAcctDownloadEnd   = 54
	InHistoricalDataEnd = 108
)

// 出站消息号
const (
	OutReqAcctData          = 6
	OutReqHistoricalData    = 20
	OutCancelHistoricalData = 25
	OutStartAPI             = 71
)

const (
	apiPrefix     = "API\x00"
	clientVersion = "v100..v151"

	// 低于这个版本 HISTORICAL_DATA 带 version 字段和 hasGaps
	minServerVerSyntRealtimeBars = 124
	// 从这个版本开始结束事件单独下发（108）
	minServerVerHistoricalDataEnd = 196

	DefaultMaxMessageBytes = 16 * 1024 * 1024
)

var (
	ErrMessageTooLarge = errors.New("wire: message too large")
	ErrShortMessage    = errors.New("wire: missing fields")
)

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

// ReadMessage 读一条 4 字节大端长度前缀的消息，按 NUL 切成字段
func ReadMessage(r io.Reader, max uint32) ([][]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if max > 0 && n > max {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return splitFields(payload), nil
}

func splitFields(payload []byte) [][]byte {
	payload = bytes.TrimSuffix(payload, []byte{0})
	if len(payload) == 0 {
		return nil
	}
	return bytes.Split(payload, []byte{0})
}

var framePool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// WriteMessage 写一条带长度前缀的消息，每个字段以 NUL 结尾
func WriteMessage(w io.Writer, fields ...string) error {
	buf := framePool.Get().(*bytes.Buffer)
	buf.Reset()
	defer framePool.Put(buf)

	// 先占 4 字节长度，写完字段再回填
	buf.Write([]byte{0, 0, 0, 0})
	for _, f := range fields {
		buf.WriteString(f)
		buf.WriteByte(0)
	}
	frame := buf.Bytes()
	binary.BigEndian.PutUint32(frame[:4], uint32(len(frame)-4))
	_, err := w.Write(frame)
	return err
}

// fieldReader 顺序读取字段；第一次出错后后续都返回零值，最后检查 err
type fieldReader struct {
	fields [][]byte
	pos    int
	err    error
}

func newFieldReader(fields [][]byte) *fieldReader {
	return &fieldReader{fields: fields}
}

func (r *fieldReader) str() string {
	if r.err != nil {
		return ""
	}
	if r.pos >= len(r.fields) {
		r.err = fmt.Errorf("%w: want field %d of %d", ErrShortMessage, r.pos+1, len(r.fields))
		return ""
	}
	s := string(r.fields[r.pos])
	r.pos++
	return s
}

func (r *fieldReader) int64() int64 {
	s := r.str()
	if r.err != nil || s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		r.err = fmt.Errorf("wire: field %d: %w", r.pos, err)
	}
	return v
}

func (r *fieldReader) int() int { return int(r.int64()) }

func (r *fieldReader) float() float64 {
	s := r.str()
	if r.err != nil || s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		r.err = fmt.Errorf("wire: field %d: %w", r.pos, err)
	}
	return v
}

func (r *fieldReader) skip(n int) {
	for i := 0; i < n; i++ {
		r.str()
	}
}

func (r *fieldReader) remaining() int { return len(r.fields) - r.pos }

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func floatField(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// encodeHistoricalRequest REQ_HISTORICAL_DATA，服务端版本 >= 124 的布局
func encodeHistoricalRequest(req HistoricalRequest) []string {
	c := req.Contract
	formatDate := req.FormatDate
	if formatDate == 0 {
		formatDate = FormatDateEpoch
	}
	return []string{
		strconv.Itoa(OutReqHistoricalData),
		itoa(req.ReqID),
		itoa(c.ConID),
		c.Symbol,
		c.SecType,
		c.LastTradeDate,
		floatField(c.Strike),
		c.Right,
		c.Multiplier,
		c.Exchange,
		c.PrimaryExchange,
		c.Currency,
		c.LocalSymbol,
		c.TradingClass,
		boolField(c.IncludeExpired),
		req.EndDateTime(),
		req.BarSize,
		req.Duration,
		boolField(req.UseRTH),
		req.WhatToShow,
		strconv.Itoa(formatDate),
		"0", // keepUpToDate
		"",  // chartOptions
	}
}

func encodeCancelHistorical(reqID int64) []string {
	return []string{strconv.Itoa(OutCancelHistoricalData), "1", itoa(reqID)}
}

func encodeAccountUpdates(enable bool, account string) []string {
	return []string{strconv.Itoa(OutReqAcctData), "2", boolField(enable), account}
}

func encodeStartAPI(clientID int) []string {
	return []string{strconv.Itoa(OutStartAPI), "2", strconv.Itoa(clientID), ""}
}
