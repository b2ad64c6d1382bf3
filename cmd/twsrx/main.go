// twsrx 命令行：连上 TWS / IB Gateway，把历史 K 线或账户数据按 JSON 行打印到 stdout。
//
//	twsrx -f config/twsrx.yaml history -symbol MSFT -duration "1 D" -bar "1 min"
//	twsrx portfolio -account DU123456 -live
//	twsrx -record session.wal portfolio
//	twsrx replay -in session.wal
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"twsrx.com/internal/account"
	"twsrx.com/internal/errhub"
	"twsrx.com/internal/history"
	"twsrx.com/internal/session"
	"twsrx.com/internal/stream"
	"twsrx.com/internal/wire"
	"twsrx.com/pkg/config"
	"twsrx.com/pkg/logger"
)

var (
	configFile  = flag.String("f", "", "the config file (default config/twsrx.yaml)")
	metricsAddr = flag.String("metrics", "", "serve prometheus /metrics on this address")
	logLevel    = flag.String("log", "", "override log level")
	recordFile  = flag.String("record", "", "append every received message to this file")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: twsrx [flags] history|portfolio|replay [command flags]\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "twsrx:", err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := defaultConfig()
	_, err := config.LoadAndWatch("twsrx", *configFile, &cfg, func() {
		// 只热更新日志级别，连接参数要重启生效
		logger.SetLevel(cfg.Log.Level)
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	logger.InitWithFile(cfg.Name, cfg.Log.Level, cfg.Log.File)
	defer logger.Sync()

	if command == "replay" {
		return runReplay(args, newPrinter(os.Stdout))
	}

	var body func(ctx context.Context, c *session.Client, out *printer) error
	switch command {
	case "history":
		h, err := parseHistoryFlags(args)
		if err != nil {
			return err
		}
		body = func(ctx context.Context, c *session.Client, out *printer) error {
			return runHistory(ctx, c, h, out)
		}
	case "portfolio":
		p, err := parsePortfolioFlags(args)
		if err != nil {
			return err
		}
		body = func(ctx context.Context, c *session.Client, out *printer) error {
			return runPortfolio(ctx, c, p, out)
		}
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}

	opts := wire.Options{DialTimeout: cfg.TWS.ConnectTimeout}
	if *recordFile != "" {
		rec, err := wire.NewRecorder(*recordFile)
		if err != nil {
			return fmt.Errorf("open record file: %w", err)
		}
		defer rec.Close()
		opts.Tap = rec.Record
	}

	client := session.New(cfg.TWS, session.TCPDialer(opts))
	defer client.Close()

	out := newPrinter(os.Stdout)
	errs := client.Errors()
	defer errs.Close()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s:%d: %w", cfg.TWS.Host, cfg.TWS.Port, err)
	}
	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), cfg.TWS.DisconnectGrace+time.Second)
		defer cancel()
		_ = client.DisconnectAndWait(wctx)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
		g.Go(func() error {
			logger.Info(gctx, "metrics listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		return printErrors(gctx, errs, out)
	})
	g.Go(func() error {
		// 命令结束后收掉其余协程
		defer cancel()
		return body(gctx, client, out)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// printer 多个协程共用 stdout，一行一个 JSON
type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newPrinter(w io.Writer) *printer {
	return &printer{enc: json.NewEncoder(w)}
}

type line struct {
	Type  string        `json:"type"`
	Bar   *history.Bar  `json:"bar,omitempty"`
	Data  *account.Data `json:"data,omitempty"`
	Event *errhub.Event `json:"event,omitempty"`
}

func (p *printer) print(l line) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(l)
}

// printErrors 打印总线事件，直到 ctx 结束或总线故障
func printErrors(ctx context.Context, errs *stream.Subscription[errhub.Event], out *printer) error {
	for {
		ev, err := errs.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, stream.ErrClosed) {
				return nil
			}
			return err
		}
		kind := "info"
		if ev.IsError() {
			kind = "error"
		}
		if err := out.print(line{Type: kind, Event: &ev}); err != nil {
			return err
		}
	}
}

func drain[T any](ctx context.Context, sub *stream.Subscription[T], emit func(T) error) error {
	defer sub.Close()
	for {
		v, err := sub.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := emit(v); err != nil {
			return err
		}
	}
}

type historyArgs struct {
	query  session.HistoricalQuery
	rollup time.Duration
}

func parseHistoryFlags(args []string) (historyArgs, error) {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	symbol := fs.String("symbol", "", "contract symbol")
	conID := fs.Int64("conid", 0, "contract id")
	secType := fs.String("sectype", "STK", "security type")
	exchange := fs.String("exchange", "SMART", "exchange")
	currency := fs.String("currency", "USD", "currency")
	expiry := fs.String("expiry", "", "last trade date or contract month")
	end := fs.String("end", "", "end time, yyyyMMdd HH:mm:ss (UTC); empty is now")
	duration := fs.String("duration", "1 D", "duration, e.g. \"1 D\", \"2 W\"")
	bar := fs.String("bar", "1 min", "bar size, e.g. \"1 min\", \"1 day\"")
	what := fs.String("what", "TRADES", "what to show")
	rth := fs.Bool("rth", false, "regular trading hours only")
	rollup := fs.Duration("rollup", 0, "merge bars into this period before printing, e.g. 5m")
	if err := fs.Parse(args); err != nil {
		return historyArgs{}, err
	}
	if *symbol == "" && *conID == 0 {
		return historyArgs{}, errors.New("history: -symbol or -conid is required")
	}
	if *rollup < 0 {
		return historyArgs{}, errors.New("history: -rollup must be positive")
	}
	endTime, err := parseEnd(*end)
	if err != nil {
		return historyArgs{}, err
	}
	q := session.HistoricalQuery{
		Contract: wire.Contract{
			ConID:         *conID,
			Symbol:        *symbol,
			SecType:       strings.ToUpper(*secType),
			Exchange:      *exchange,
			Currency:      *currency,
			LastTradeDate: *expiry,
		},
		End:        endTime,
		Duration:   *duration,
		BarSize:    *bar,
		WhatToShow: strings.ToUpper(*what),
		UseRTH:     *rth,
	}
	return historyArgs{query: q, rollup: *rollup}, nil
}

// parseEnd 接受 "20060102 15:04:05"、带 " UTC" 后缀的写法或 RFC3339，一律按 UTC
func parseEnd(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	s = strings.TrimSuffix(s, " UTC")
	if t, err := time.ParseInLocation("20060102 15:04:05", s, time.UTC); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation("20060102", s, time.UTC); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("history: bad -end %q", s)
}

func runHistory(ctx context.Context, c *session.Client, h historyArgs, out *printer) error {
	sub, err := c.RequestHistoricalData(h.query).Subscribe(ctx)
	if err != nil {
		return err
	}

	n := 0
	var printErr error
	write := func(b history.Bar) {
		if printErr == nil {
			n++
			printErr = out.print(line{Type: "bar", Bar: &b})
		}
	}
	emit := func(b history.Bar) error {
		write(b)
		return printErr
	}
	var r *history.Rollup
	if h.rollup > 0 {
		r = history.NewRollup(h.rollup, write)
		emit = func(b history.Bar) error {
			r.Offer(b)
			return printErr
		}
	}

	err = drain(ctx, sub, emit)
	if r != nil && err == nil {
		r.Flush()
		err = printErr
	}
	logger.Info(ctx, "history done", zap.String("symbol", h.query.Contract.Symbol), zap.Int("bars", n))
	return err
}

type portfolioArgs struct {
	account string
	live    bool
	dur     time.Duration
}

func parsePortfolioFlags(args []string) (portfolioArgs, error) {
	fs := flag.NewFlagSet("portfolio", flag.ContinueOnError)
	acct := fs.String("account", "", "account id; empty is the default account")
	live := fs.Bool("live", false, "keep streaming updates after the snapshot")
	dur := fs.Duration("for", 0, "stop live streaming after this long; 0 runs until interrupted")
	if err := fs.Parse(args); err != nil {
		return portfolioArgs{}, err
	}
	return portfolioArgs{account: *acct, live: *live, dur: *dur}, nil
}

func runPortfolio(ctx context.Context, c *session.Client, p portfolioArgs, out *printer) error {
	emit := func(d account.Data) error {
		return out.print(line{Type: "account", Data: &d})
	}

	if !p.live {
		snap, err := c.RequestPortfolioSnapshot(ctx, p.account)
		if err != nil {
			return err
		}
		return drain(ctx, snap.Subscribe(), emit)
	}

	feed := c.RequestPortfolioLive(p.account)
	defer feed.Close()
	sub := feed.Subscribe()
	if err := feed.Connect(ctx); err != nil {
		sub.Close()
		return err
	}
	if p.dur > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.dur)
		defer cancel()
	}
	err := drain(ctx, sub, emit)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
