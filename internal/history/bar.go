package history

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"twsrx.com/internal/wire"
)

// Sentinel 表示“无值”。Close 等于它当且仅当这是空 bar。
var Sentinel = decimal.New(math.MinInt64, 0)

// Bar 一个周期的 OHLCV，时间是周期开始（UTC）
type Bar struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
	WAP    decimal.Decimal `json:"wap"`
	Count  int64           `json:"count"`
}

// EmptyBar 没有成交的占位 bar
func EmptyBar(t time.Time) Bar {
	return Bar{
		Time:   t.UTC(),
		Open:   Sentinel,
		High:   Sentinel,
		Low:    Sentinel,
		Close:  Sentinel,
		Volume: 0,
		WAP:    Sentinel,
	}
}

func (b Bar) IsEmpty() bool { return b.Close.Equal(Sentinel) }

func (b Bar) HasWAP() bool { return !b.WAP.Equal(Sentinel) }

func (b Bar) String() string {
	ts := b.Time.Format(time.RFC3339)
	if b.IsEmpty() {
		return ts + " |(empty)"
	}
	wap := "-"
	if b.HasWAP() {
		wap = b.WAP.String()
	}
	return fmt.Sprintf("%s |%s,%s,%s,%s,%d|%s", ts, b.Open, b.High, b.Low, b.Close, b.Volume, wap)
}

// IsIntraday 按 bar 尺寸判断：含 day/week/month 的是日线及以上
func IsIntraday(barSize string) bool {
	s := strings.ToLower(barSize)
	return !strings.Contains(s, "day") && !strings.Contains(s, "week") && !strings.Contains(s, "month")
}

// ParseBarTime 日内是 epoch 秒，日线是 yyyyMMdd（UTC 零点）
func ParseBarTime(s string, intraday bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if intraday {
		sec, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("bar time %q: %w", s, err)
		}
		return time.Unix(sec, 0).UTC(), nil
	}
	t, err := time.ParseInLocation("20060102", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("bar date %q: %w", s, err)
	}
	return t, nil
}

func parseDecimal(name, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("bar %s %q: %w", name, s, err)
	}
	return d, nil
}

// DecodeBar 解码线上字段
func DecodeBar(raw wire.RawBar, intraday bool) (Bar, error) {
	var (
		b   Bar
		err error
	)
	if b.Time, err = ParseBarTime(raw.Date, intraday); err != nil {
		return Bar{}, err
	}
	if b.Open, err = parseDecimal("open", raw.Open); err != nil {
		return Bar{}, err
	}
	if b.High, err = parseDecimal("high", raw.High); err != nil {
		return Bar{}, err
	}
	if b.Low, err = parseDecimal("low", raw.Low); err != nil {
		return Bar{}, err
	}
	if b.Close, err = parseDecimal("close", raw.Close); err != nil {
		return Bar{}, err
	}

	vol, err := parseDecimal("volume", raw.Volume)
	if err != nil {
		return Bar{}, err
	}
	b.Volume = vol.IntPart()

	b.WAP = Sentinel
	if w := strings.TrimSpace(raw.WAP); w != "" && w != "-1" {
		if b.WAP, err = parseDecimal("wap", w); err != nil {
			return Bar{}, err
		}
	}

	if c := strings.TrimSpace(raw.Count); c != "" {
		if b.Count, err = strconv.ParseInt(c, 10, 64); err != nil {
			return Bar{}, fmt.Errorf("bar count %q: %w", c, err)
		}
	}
	return b, nil
}
