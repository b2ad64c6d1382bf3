package xerr

import (
	"errors"
	"fmt"
)

// 协议错误码
const (
	// CodeMalformed 本地解码失败（字段缺失/格式错误），不是服务端下发的码
	CodeMalformed = -2

	// 信息码区间 [InfoLow, InfoHigh)，1101 除外
	InfoLow  = 1100
	InfoHigh = 10000

	// CodeConnectivityLost 连接恢复但数据丢失，必须当成错误
	CodeConnectivityLost = 1101

	// CodeAccountUnsubscribed 账户更新已退订（disable 确认）
	CodeAccountUnsubscribed = 2100
)

var (
	ErrTimeout          = errors.New("tws: timeout")
	ErrConnectionClosed = errors.New("tws: connection closed")
	ErrNotResolved      = errors.New("tws: order id not resolved")
)

// IsError 判断一个码是否会让流失败；其余都是通知。
func IsError(code int) bool {
	return code < InfoLow || code >= InfoHigh || code == CodeConnectivityLost
}

// ProtocolError 服务端回报的错误，ReqID < 0 表示没有关联请求
type ProtocolError struct {
	ReqID int64  `json:"req_id"`
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
}

func (e *ProtocolError) Error() string {
	if e.ReqID < 0 {
		return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
	}
	return fmt.Sprintf("ErrCode:%d, ReqID:%d, Msg:%s", e.Code, e.ReqID, e.Msg)
}

func New(reqID int64, code int, msg string) error {
	return &ProtocolError{ReqID: reqID, Code: code, Msg: msg}
}

func Malformed(reqID int64, format string, args ...any) error {
	return &ProtocolError{ReqID: reqID, Code: CodeMalformed, Msg: fmt.Sprintf(format, args...)}
}

// FatalError 传输层内部异常。出现后整个会话不可再用，只能丢弃重建。
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "tws: fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func Fatal(err error) error {
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{Err: err}
}

// UsageError 在错误的生命周期状态下调用
type UsageError struct {
	Op    string
	State string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("tws: %s not allowed while %s", e.Op, e.State)
}

func Usage(op, state string) error {
	return &UsageError{Op: op, State: state}
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

func IsUsage(err error) bool {
	var ue *UsageError
	return errors.As(err, &ue)
}

// CodeOf 取出协议错误码，非协议错误返回 0,false
func CodeOf(err error) (int, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code, true
	}
	return 0, false
}
