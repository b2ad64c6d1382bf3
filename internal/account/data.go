package account

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"twsrx.com/internal/wire"
)

// KeyAccountTime 账户时间标记作为一个 key/value 行下发
const KeyAccountTime = "AccountTime"

type Kind int

const (
	KindValue Kind = iota
	KindPosition
)

func (k Kind) String() string {
	if k == KindPosition {
		return "position"
	}
	return "value"
}

// PositionLine 一行持仓
type PositionLine struct {
	Account       string          `json:"account"`
	ConID         int64           `json:"con_id"`
	SecType       string          `json:"sec_type"`
	Symbol        string          `json:"symbol"`
	Series        string          `json:"series,omitempty"` // 到期/行权价/方向
	Currency      string          `json:"currency"`
	Position      decimal.Decimal `json:"position"`
	Price         decimal.Decimal `json:"price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	UnrealizedPNL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPNL   decimal.Decimal `json:"realized_pnl"`
}

// Data 账户更新的一行：key/value 标量，或者一行持仓。
// 持仓同时投影到 Key=Symbol, Value=Position, Currency=SecType。
type Data struct {
	Kind     Kind          `json:"kind"`
	Key      string        `json:"key"`
	Value    string        `json:"value"`
	Currency string        `json:"currency"`
	Account  string        `json:"account"`
	Position *PositionLine `json:"position,omitempty"`
}

func ValueData(key, value, currency, account string) Data {
	return Data{Kind: KindValue, Key: key, Value: value, Currency: currency, Account: account}
}

func PositionData(p PositionLine) Data {
	return Data{
		Kind:     KindPosition,
		Key:      p.Symbol,
		Value:    p.Position.String(),
		Currency: p.SecType,
		Account:  p.Account,
		Position: &p,
	}
}

func (d Data) String() string {
	if d.Kind == KindPosition && d.Position != nil {
		p := d.Position
		return fmt.Sprintf("%s %s %s %s pos=%s px=%s mv=%s", p.Account, p.SecType, p.Symbol, p.Series, p.Position, p.Price, p.MarketValue)
	}
	return fmt.Sprintf("%s %s=%s %s", d.Account, d.Key, d.Value, d.Currency)
}

func decimalField(name, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("position %s %q: %w", name, s, err)
	}
	return d, nil
}

func series(c wire.Contract) string {
	var parts []string
	if c.LastTradeDate != "" {
		parts = append(parts, c.LastTradeDate)
	}
	if c.Strike != 0 {
		parts = append(parts, decimal.NewFromFloat(c.Strike).String())
	}
	if c.Right != "" && c.Right != "?" && c.Right != "0" {
		parts = append(parts, c.Right)
	}
	return strings.Join(parts, " ")
}

// DecodePosition 解码线上的持仓行
func DecodePosition(u wire.PortfolioUpdate) (PositionLine, error) {
	p := PositionLine{
		Account:  u.Account,
		ConID:    u.Contract.ConID,
		SecType:  u.Contract.SecType,
		Symbol:   u.Contract.Symbol,
		Series:   series(u.Contract),
		Currency: u.Contract.Currency,
	}
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"position", u.Position, &p.Position},
		{"price", u.MarketPrice, &p.Price},
		{"market_value", u.MarketValue, &p.MarketValue},
		{"average_cost", u.AverageCost, &p.AverageCost},
		{"unrealized_pnl", u.UnrealizedPNL, &p.UnrealizedPNL},
		{"realized_pnl", u.RealizedPNL, &p.RealizedPNL},
	}
	for _, f := range fields {
		d, err := decimalField(f.name, f.raw)
		if err != nil {
			return PositionLine{}, err
		}
		*f.dst = d
	}
	return p, nil
}
