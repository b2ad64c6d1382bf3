package history

import (
	"time"

	"github.com/shopspring/decimal"
)

// Rollup 低周期 bar 合成高周期 bar，输入须按时间递增。
//   - Open 取第一根，Close 取最后一根，High/Low 取极值，Volume/Count 累加
//   - WAP 按成交量加权；任一子 bar 缺 WAP 时结果也缺
//   - 空 bar 只推进时间，不参与价格
//   - 比当前桶更早的 bar 丢弃
type Rollup struct {
	interval time.Duration
	emit     func(Bar)

	cur     *Bar
	wapNum  decimal.Decimal // sum(wap*volume)
	wapOK   bool
	dropped int
}

func NewRollup(interval time.Duration, emit func(Bar)) *Rollup {
	return &Rollup{interval: interval, emit: emit}
}

func (r *Rollup) bucket(t time.Time) time.Time {
	return t.UTC().Truncate(r.interval)
}

func (r *Rollup) Offer(child Bar) {
	bs := r.bucket(child.Time)
	if r.cur != nil && bs.Before(r.cur.Time) {
		r.dropped++
		return
	}
	if r.cur != nil && bs.After(r.cur.Time) {
		r.Flush()
	}
	if r.cur == nil {
		b := EmptyBar(bs)
		r.cur = &b
		r.wapNum = decimal.Zero
		r.wapOK = true
	}
	if child.IsEmpty() {
		return
	}

	cb := r.cur
	if cb.IsEmpty() {
		cb.Open, cb.High, cb.Low = child.Open, child.High, child.Low
	} else {
		if child.High.GreaterThan(cb.High) {
			cb.High = child.High
		}
		if child.Low.LessThan(cb.Low) {
			cb.Low = child.Low
		}
	}
	cb.Close = child.Close
	cb.Volume += child.Volume
	cb.Count += child.Count

	if child.HasWAP() {
		r.wapNum = r.wapNum.Add(child.WAP.Mul(decimal.NewFromInt(child.Volume)))
	} else {
		r.wapOK = false
	}
}

// Flush 输出正在构建的 bar
func (r *Rollup) Flush() {
	if r.cur == nil {
		return
	}
	b := *r.cur
	r.cur = nil
	if !b.IsEmpty() && r.wapOK && b.Volume > 0 {
		b.WAP = r.wapNum.Div(decimal.NewFromInt(b.Volume))
	}
	r.emit(b)
}

// Dropped 因乱序丢掉的子 bar 数
func (r *Rollup) Dropped() int { return r.dropped }
