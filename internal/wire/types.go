// Package wire 是 TWS 连接的收发层：Sender 发命令，Handler 收回调。
// 回调全部在单个读协程上按到达顺序串行调用。
package wire

import "time"

type Contract struct {
	ConID           int64   `json:"con_id,omitempty"`
	Symbol          string  `json:"symbol"`
	SecType         string  `json:"sec_type"`
	LastTradeDate   string  `json:"last_trade_date,omitempty"` // 到期日或合约月份
	Strike          float64 `json:"strike,omitempty"`
	Right           string  `json:"right,omitempty"`
	Multiplier      string  `json:"multiplier,omitempty"`
	Exchange        string  `json:"exchange,omitempty"`
	PrimaryExchange string  `json:"primary_exchange,omitempty"`
	Currency        string  `json:"currency"`
	LocalSymbol     string  `json:"local_symbol,omitempty"`
	TradingClass    string  `json:"trading_class,omitempty"`
	IncludeExpired  bool    `json:"include_expired,omitempty"`
}

// Key 节流分桶用
func (c Contract) Key() string {
	if c.ConID != 0 {
		return c.SecType + ":" + c.Exchange + ":" + itoa(c.ConID)
	}
	return c.SecType + ":" + c.Exchange + ":" + c.Symbol + ":" + c.Currency + ":" + c.LastTradeDate
}

const (
	FormatDateString = 1 // yyyyMMdd
	FormatDateEpoch  = 2 // epoch seconds
)

type HistoricalRequest struct {
	ReqID      int64
	Contract   Contract
	End        time.Time // 零值表示“现在”
	Duration   string    // "1 D"
	BarSize    string    // "1 min"
	WhatToShow string    // TRADES/MIDPOINT/BID/ASK...
	UseRTH     bool
	FormatDate int
}

// EndDateTime 线上格式 yyyyMMdd HH:mm:ss UTC，零值发空串
func (r HistoricalRequest) EndDateTime() string {
	if r.End.IsZero() {
		return ""
	}
	return r.End.UTC().Format(EndTimeLayout)
}

const EndTimeLayout = "20060102 15:04:05 UTC"

// RawBar 未解码的 K 线字段，由上层解码并校验
type RawBar struct {
	Date   string
	Open   string
	High   string
	Low    string
	Close  string
	Volume string
	WAP    string
	Count  string
}

// PortfolioUpdate 未解码的持仓行
type PortfolioUpdate struct {
	Contract      Contract
	Position      string
	MarketPrice   string
	MarketValue   string
	AverageCost   string
	UnrealizedPNL string
	RealizedPNL   string
	Account       string
}

// Sender 发往 TWS 的命令。除 Connect 外都是发出即返回，失败稍后通过 Handler.OnError 回报（504/509）。
type Sender interface {
	Connect(host string, port int, clientID int) error
	Disconnect()
	RequestHistoricalData(req HistoricalRequest)
	CancelHistoricalData(reqID int64)
	SetAccountUpdates(enable bool, account string)
}

// Handler 来自 TWS 的回调
type Handler interface {
	OnNextValidID(id int64)
	OnError(reqID int64, code int, msg string)
	OnFatal(err error)
	OnHistoricalBar(reqID int64, bar RawBar)
	OnHistoricalDataEnd(reqID int64, start, end string)
	OnPortfolioPosition(u PortfolioUpdate)
	OnAccountValue(key, value, currency, account string)
	OnAccountTime(hhmm string)
	OnAccountDownloadEnd(account string)
	OnConnectionClosed()
}
