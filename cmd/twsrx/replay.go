package main

import (
	"errors"
	"flag"

	"twsrx.com/internal/errhub"
	"twsrx.com/internal/wire"
)

// replayLine 回放时每个回调一行
type replayLine struct {
	Type    string                `json:"type"`
	ReqID   *int64                `json:"req_id,omitempty"`
	ID      int64                 `json:"id,omitempty"`
	Event   *errhub.Event         `json:"event,omitempty"`
	Bar     *wire.RawBar          `json:"bar,omitempty"`
	Start   string                `json:"start,omitempty"`
	End     string                `json:"end,omitempty"`
	Update  *wire.PortfolioUpdate `json:"update,omitempty"`
	Key     string                `json:"key,omitempty"`
	Value   string                `json:"value,omitempty"`
	Ccy     string                `json:"currency,omitempty"`
	Account string                `json:"account,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// replayHandler 把回调原样打印出来，不做任何关联
type replayHandler struct {
	out *printer
	err error
}

func (h *replayHandler) emit(l replayLine) {
	if h.err != nil {
		return
	}
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	h.err = h.out.enc.Encode(l)
}

func (h *replayHandler) OnNextValidID(id int64) { h.emit(replayLine{Type: "next_valid_id", ID: id}) }

func (h *replayHandler) OnError(reqID int64, code int, msg string) {
	h.emit(replayLine{Type: "error", Event: &errhub.Event{ReqID: reqID, Code: code, Msg: msg}})
}

func (h *replayHandler) OnFatal(err error) { h.emit(replayLine{Type: "fatal", Error: err.Error()}) }

func (h *replayHandler) OnHistoricalBar(reqID int64, bar wire.RawBar) {
	h.emit(replayLine{Type: "bar", ReqID: &reqID, Bar: &bar})
}

func (h *replayHandler) OnHistoricalDataEnd(reqID int64, start, end string) {
	h.emit(replayLine{Type: "bar_end", ReqID: &reqID, Start: start, End: end})
}

func (h *replayHandler) OnPortfolioPosition(u wire.PortfolioUpdate) {
	h.emit(replayLine{Type: "position", Update: &u})
}

func (h *replayHandler) OnAccountValue(key, value, currency, account string) {
	h.emit(replayLine{Type: "account_value", Key: key, Value: value, Ccy: currency, Account: account})
}

func (h *replayHandler) OnAccountTime(hhmm string) {
	h.emit(replayLine{Type: "account_time", Value: hhmm})
}

func (h *replayHandler) OnAccountDownloadEnd(account string) {
	h.emit(replayLine{Type: "account_end", Account: account})
}

func (h *replayHandler) OnConnectionClosed() {}

func runReplay(args []string, out *printer) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	in := fs.String("in", "", "record file written with -record")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return errors.New("replay: -in is required")
	}

	h := &replayHandler{out: out}
	if _, err := wire.Replay(*in, h); err != nil {
		return err
	}
	return h.err
}
