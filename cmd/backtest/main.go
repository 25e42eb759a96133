// cmd/backtest replays stored bars from SQLite through the strategies and the
// paper gateway on a simulated clock, then prints the P&L.
//
// Each bar is expanded into four synthetic ticks (open, near extreme, far
// extreme, close) and a timer event at its last second, so time exits and
// stops fire as they would live.
//
// Usage:
//
//	go run ./cmd/backtest --config=configs/trader.yaml --from=2026-03-02
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"vqi-trader/config"
	"vqi-trader/internal/execution"
	"vqi-trader/internal/logger"
	"vqi-trader/internal/marketdata/replay"
	"vqi-trader/internal/markethours"
	"vqi-trader/internal/model"
	"vqi-trader/internal/portfolio"
	sqlitestore "vqi-trader/internal/store/sqlite"
	"vqi-trader/internal/strategy"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	_ = godotenv.Load()

	// Flags
	cfgPath := flag.String("config", "configs/trader.yaml", "Path to the YAML config")
	dbPath := flag.String("db", "", "Path to the bar database (default: sqlite.bars_path)")
	fromStr := flag.String("from", "", "Replay bars after this date (YYYY-MM-DD, exchange time); earlier bars warm up the indicators")
	journalPath := flag.String("journal", "", "Record fills to this SQLite journal")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("[backtest] config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[backtest] invalid config: %v", err)
	}
	if *dbPath == "" {
		*dbPath = cfg.SQLite.BarsPath
	}
	slogger := logger.Init("backtest", logger.ParseLevel(cfg.App.LogLevel))

	cal, err := markethours.New(cfg.Market)
	if err != nil {
		log.Fatalf("[backtest] market calendar: %v", err)
	}
	var from time.Time
	if *fromStr != "" {
		from, err = time.ParseInLocation("2006-01-02", *fromStr, cal.Location())
		if err != nil {
			log.Fatalf("[backtest] invalid --from: %v", err)
		}
	}

	// Open SQLite
	reader, err := sqlitestore.NewReader(*dbPath)
	if err != nil {
		log.Fatalf("[backtest] sqlite open failed: %v", err)
	}
	defer reader.Close()

	// Setup context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	// ---- Simulated world ----
	var now time.Time
	pf := portfolio.New(cfg.Instruments())
	pnl := portfolio.NewPnLTracker()
	risk := portfolio.NewRiskManager(cfg.Risk, pf, cfg.Paper.Equity, slogger)
	paper := execution.NewPaperGateway(cfg.PaperConfig(), nil, slogger)

	env := strategy.Env{
		Gateway:   paper,
		Calendar:  cal,
		Risk:      risk,
		Portfolio: pf,
		PnL:       pnl,
		Clock:     func() time.Time { return now },
		Log:       slogger,
	}
	if *journalPath != "" {
		journal, err := execution.NewJournal(*journalPath)
		if err != nil {
			log.Fatalf("[backtest] journal init failed: %v", err)
		}
		defer journal.Close()
		env.Journal = journal
	}

	engine := strategy.NewEngine(env, 1024)
	paper.SetSink(engine)

	settings := make(map[string]strategy.Settings, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		st, err := strategy.New(s, env)
		if err != nil {
			log.Fatalf("[backtest] strategy %s: %v", s.Name, err)
		}
		if err := engine.Add(st); err != nil {
			log.Fatalf("[backtest] strategy %s: %v", s.Name, err)
		}
		settings[s.Name] = s
	}

	// Bars before --from warm up the indicators.
	err = engine.Init(ctx, func(st strategy.Strategy) ([]model.Bar, error) {
		if from.IsZero() {
			return nil, nil
		}
		s := settings[st.Name()]
		bars, err := reader.ReadBars(s.Instrument.Exchange, s.Instrument.Symbol, s.BarWindow, time.Time{})
		if err != nil {
			return nil, err
		}
		return lastBefore(bars, from, s.HistoryBars), nil
	})
	if err != nil {
		log.Fatalf("[backtest] strategy init failed: %v", err)
	}

	// ---- Replay ----
	bars, err := replay.New(reader).Load(tickSources(cfg.Strategies), from)
	if err != nil {
		log.Fatalf("[backtest] load bars: %v", err)
	}
	if len(bars) == 0 {
		log.Fatalf("[backtest] no bars in %s after %v", *dbPath, from)
	}
	log.Printf("[backtest] replaying %d bars from %s to %s", len(bars),
		bars[0].TS.In(cal.Location()).Format(time.DateTime),
		bars[len(bars)-1].TS.In(cal.Location()).Format(time.DateTime))

	engine.StartSync(ctx)
	started := time.Now()
	processed := 0
	for _, group := range groupByTS(bars) {
		if ctx.Err() != nil {
			log.Println("[backtest] interrupted")
			break
		}
		for _, t := range interleave(group) {
			now = t.TickTS
			paper.UpdatePrice(t.Symbol, t.Price, now)
			engine.Process(ctx, strategy.TickEvent(t))
		}
		now = group[0].TS.Add(time.Duration(group[0].Window)*time.Minute - time.Second)
		paper.Advance(now)
		engine.Process(ctx, strategy.TimerEvent(now))
		processed += len(group)
	}
	engine.StopSync(ctx)

	// Print summary
	sum := pnl.GetSummary(pf)
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║        BACKTEST COMPLETE             ║")
	fmt.Println("╠══════════════════════════════════════╣")
	fmt.Printf("║  Bars processed:    %-16d ║\n", processed)
	fmt.Printf("║  Fills:             %-16d ║\n", len(paper.Trades()))
	fmt.Printf("║  Realized P&L:      %-16.2f ║\n", sum.RealizedPnL)
	fmt.Printf("║  Unrealized P&L:    %-16.2f ║\n", sum.UnrealizedPnL)
	fmt.Printf("║  Open positions:    %-16d ║\n", sum.OpenPositions)
	fmt.Printf("║  Elapsed:           %-16v ║\n", time.Since(started).Truncate(time.Millisecond))
	fmt.Println("╚══════════════════════════════════════╝")
}

// tickSources picks the shortest bar window per instrument: every strategy
// on the instrument builds its own bars from the same ticks.
func tickSources(ss []strategy.Settings) []replay.Source {
	shortest := make(map[string]replay.Source)
	var order []string
	for _, s := range ss {
		key := s.Instrument.Exchange + ":" + s.Instrument.Symbol
		cur, ok := shortest[key]
		if !ok {
			order = append(order, key)
		}
		if !ok || s.BarWindow < cur.Window {
			shortest[key] = replay.Source{Exchange: s.Instrument.Exchange, Symbol: s.Instrument.Symbol, Window: s.BarWindow}
		}
	}
	out := make([]replay.Source, len(order))
	for i, k := range order {
		out[i] = shortest[k]
	}
	return out
}

// lastBefore returns up to n bars with TS before t, oldest first.
func lastBefore(bars []model.Bar, t time.Time, n int) []model.Bar {
	end := sort.Search(len(bars), func(i int) bool { return !bars[i].TS.Before(t) })
	start := end - n
	if start < 0 {
		start = 0
	}
	return bars[start:end]
}

// groupByTS splits time-ordered bars into runs sharing a timestamp.
func groupByTS(bars []model.Bar) [][]model.Bar {
	var out [][]model.Bar
	for i := 0; i < len(bars); {
		j := i + 1
		for j < len(bars) && bars[j].TS.Equal(bars[i].TS) {
			j++
		}
		out = append(out, bars[i:j])
		i = j
	}
	return out
}

// interleave expands the bars into ticks ordered by time across instruments.
func interleave(group []model.Bar) []model.Tick {
	var ticks []model.Tick
	for _, b := range group {
		ticks = append(ticks, replay.Ticks(b)...)
	}
	sort.SliceStable(ticks, func(i, j int) bool { return ticks[i].TickTS.Before(ticks[j].TickTS) })
	return ticks
}
