package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"twsrx.com/pkg/metrics"
)

// PacerConfig 历史数据请求的节流参数。Requests<=0 表示该层不限。
type PacerConfig struct {
	GlobalRequests int           `mapstructure:"global_requests"` // 默认 60
	GlobalWindow   time.Duration `mapstructure:"global_window"`   // 默认 10m
	KeyRequests    int           `mapstructure:"key_requests"`    // 同一合约，默认 6
	KeyWindow      time.Duration `mapstructure:"key_window"`      // 默认 2s
}

func DefaultPacerConfig() PacerConfig {
	return PacerConfig{
		GlobalRequests: 60,
		GlobalWindow:   10 * time.Minute,
		KeyRequests:    6,
		KeyWindow:      2 * time.Second,
	}
}

func limitOf(n int, window time.Duration) (rate.Limit, int) {
	if n <= 0 || window <= 0 {
		return rate.Inf, 0
	}
	return rate.Every(window / time.Duration(n)), n
}

// Pacer 全局桶 + 按合约分桶。只算延迟不阻塞，到点由定时器执行发送。
type Pacer struct {
	global *rate.Limiter
	keys   *Store
}

func NewPacer(cfg PacerConfig) *Pacer {
	gl, gb := limitOf(cfg.GlobalRequests, cfg.GlobalWindow)
	kl, kb := limitOf(cfg.KeyRequests, cfg.KeyWindow)
	return &Pacer{
		global: rate.NewLimiter(gl, gb),
		keys:   NewStore(kl, kb, 10*time.Minute),
	}
}

// Keys 暴露分桶 Store，调用方可以挂 janitor
func (p *Pacer) Keys() *Store { return p.keys }

// Schedule 在配额允许时执行 fn。无需等待时同步执行。
// 返回的 cancel 在 fn 尚未执行时阻止它并归还配额，返回 true；否则返回 false。
func (p *Pacer) Schedule(key string, fn func()) (delay time.Duration, cancel func() bool) {
	now := time.Now()
	g := p.global.ReserveN(now, 1)
	k := p.keys.get(key).ReserveN(now, 1)

	delay = max(g.DelayFrom(now), k.DelayFrom(now))
	if delay <= 0 {
		fn()
		return 0, func() bool { return false }
	}
	metrics.ObservePacing(delay)

	var (
		mu   sync.Mutex
		done bool
	)
	timer := time.AfterFunc(delay, func() {
		mu.Lock()
		if done {
			mu.Unlock()
			return
		}
		done = true
		mu.Unlock()
		fn()
	})

	return delay, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return false
		}
		done = true
		timer.Stop()
		g.Cancel()
		k.Cancel()
		return true
	}
}
