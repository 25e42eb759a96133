// cmd/trader runs the VQI strategies live against a WebSocket tick feed with
// the paper gateway.
//
// Pipeline:
//
//	[WS feed] → tickCh → [FanOut] ─┬→ [Bar aggregators] → [SQLite + Redis]
//	                               ├→ [Paper gateway prices]
//	                               └→ [Strategy engine] → orders → [Paper gateway]
//	                                         └→ snapshots → [Redis + /api/v1/stream]
//
// Usage:
//
//	go run ./cmd/trader --config=configs/trader.yaml
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"vqi-trader/config"
	"vqi-trader/internal/api"
	"vqi-trader/internal/execution"
	"vqi-trader/internal/gateway"
	"vqi-trader/internal/logger"
	"vqi-trader/internal/marketdata/bargen"
	"vqi-trader/internal/marketdata/bus"
	"vqi-trader/internal/marketdata/wsfeed"
	"vqi-trader/internal/markethours"
	"vqi-trader/internal/metrics"
	"vqi-trader/internal/model"
	"vqi-trader/internal/notification"
	"vqi-trader/internal/portfolio"
	"vqi-trader/internal/scheduler"
	redisstore "vqi-trader/internal/store/redis"
	sqlitestore "vqi-trader/internal/store/sqlite"
	"vqi-trader/internal/strategy"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[trader] starting...")

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfgPath := flag.String("config", getEnv("CONFIG_PATH", "configs/trader.yaml"), "Path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("[trader] config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[trader] invalid config: %v", err)
	}
	slogger := logger.Init("trader", logger.ParseLevel(cfg.App.LogLevel))

	cal, err := markethours.New(cfg.Market)
	if err != nil {
		log.Fatalf("[trader] market calendar: %v", err)
	}

	// ---- Setup metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	names := make([]string, len(cfg.Strategies))
	for i, s := range cfg.Strategies {
		names[i] = s.Name
	}
	health.SetStrategies(names)
	metricsSrv := metrics.NewServer(cfg.App.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Setup context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- SQLite: bars, strategy state, trade journal ----
	for _, p := range []string{cfg.SQLite.BarsPath, cfg.SQLite.JournalPath} {
		if p != "" {
			os.MkdirAll(filepath.Dir(p), 0o755)
		}
	}
	barStore, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLite.BarsPath})
	if err != nil {
		log.Fatalf("[trader] sqlite init failed: %v", err)
	}
	defer barStore.Close()
	barStore.OnCommit = func(_ int, d time.Duration) {
		prom.SQLiteCommitDur.Observe(d.Seconds())
	}
	health.SetSQLiteOK(true)

	barReader, err := sqlitestore.NewReader(cfg.SQLite.BarsPath)
	if err != nil {
		log.Fatalf("[trader] sqlite reader init failed: %v", err)
	}
	defer barReader.Close()

	var journal *execution.Journal
	if cfg.SQLite.JournalPath != "" {
		journal, err = execution.NewJournal(cfg.SQLite.JournalPath)
		if err != nil {
			log.Fatalf("[trader] journal init failed: %v", err)
		}
		defer journal.Close()
	}
	log.Println("[trader] sqlite ready")

	// ---- Redis publisher (optional) ----
	var publisher *redisstore.Publisher
	if cfg.Redis.Enabled {
		publisher, err = redisstore.New(redisstore.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Prefix:    cfg.Redis.Prefix,
			LatestTTL: cfg.Redis.LatestTTL,
		}, prom)
		if err != nil {
			log.Printf("[trader] WARNING: redis init failed: %v (continuing without redis)", err)
			publisher = nil
			health.SetRedisConnected(false)
		} else {
			health.SetRedisConnected(true)
			publisher.OnDrop = func() {
				prom.SnapshotDrops.WithLabelValues("redis").Inc()
			}
			go publisher.Run(ctx)
			log.Println("[trader] redis publisher ready")
		}
	}

	// ---- Snapshot stream for WebSocket clients ----
	hub := gateway.NewHub(500)
	hub.OnDrop = func() {
		prom.SnapshotDrops.WithLabelValues("stream").Inc()
	}
	publishers := model.Publishers{hub}
	if publisher != nil {
		publishers = append(publishers, publisher)
	}

	// ---- Periodic liveness checks ----
	if publisher != nil {
		health.StartLivenessChecker(ctx, publisher.Client(), barStore.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, barStore.DB(), 10*time.Second)
	}

	// ---- Notifications ----
	backends := []notification.Notifier{notification.NewLogNotifier()}
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.WebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.Notify.WebhookURL))
	}
	dispatcher := notification.NewDispatcher(256, backends...)
	dispatcher.Start(ctx)

	// ---- Portfolio, risk, paper gateway ----
	pf := portfolio.New(cfg.Instruments())
	pnl := portfolio.NewPnLTracker()
	risk := portfolio.NewRiskManager(cfg.Risk, pf, cfg.Paper.Equity, slogger)
	paper := execution.NewPaperGateway(cfg.PaperConfig(), nil, slogger)

	env := strategy.Env{
		Gateway:   paper,
		Publisher: publishers,
		Calendar:  cal,
		Risk:      risk,
		Portfolio: pf,
		PnL:       pnl,
		State:     barStore,
		Notifier:  dispatcher,
		Log:       slogger,
		Metrics:   prom,
	}
	if journal != nil {
		env.Journal = journal
	}

	// ---- Strategy engine ----
	engine := strategy.NewEngine(env, cfg.Feed.QueueSize)
	paper.SetSink(engine)

	settings := make(map[string]strategy.Settings, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		st, err := strategy.New(s, env)
		if err != nil {
			log.Fatalf("[trader] strategy %s: %v", s.Name, err)
		}
		if err := engine.Add(st); err != nil {
			log.Fatalf("[trader] strategy %s: %v", s.Name, err)
		}
		settings[s.Name] = s
	}

	err = engine.Init(ctx, func(st strategy.Strategy) ([]model.Bar, error) {
		s := settings[st.Name()]
		return barReader.ReadLastBars(s.Instrument.Exchange, s.Instrument.Symbol, s.BarWindow, s.HistoryBars)
	})
	if err != nil {
		log.Fatalf("[trader] strategy init failed: %v", err)
	}
	engine.Start(ctx)
	go paper.Run(ctx, 10*time.Millisecond)

	// ---- Tick fan-out ----
	tickCh := make(chan model.Tick, cfg.Feed.QueueSize)
	fanout := bus.New(cfg.Feed.QueueSize, prom)

	paperIn := fanout.Subscribe("paper")
	engineIn := fanout.Subscribe("engine", engine.Symbols()...)

	// One aggregator per distinct bar window; bars are stored, not traded.
	barCh := make(chan model.Bar, 5000)
	for _, w := range barWindows(cfg.Strategies) {
		aggIn := fanout.Subscribe("agg_" + strconv.Itoa(w))
		aggregator := bargen.NewAggregator(time.Duration(w) * time.Minute)
		aggregator.OnDroppedTick = func() {
			prom.DroppedTicks.Inc()
		}
		aggregator.OnBar = func(b model.Bar) {
			prom.BarsTotal.WithLabelValues(b.Symbol).Inc()
		}
		go aggregator.Run(ctx, aggIn, barCh)
	}

	go fanout.Run(ctx, tickCh)
	go fanout.ReportSaturation(ctx, 5*time.Second)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-paperIn:
				if !ok {
					return
				}
				paper.UpdatePrice(t.Symbol, t.Price, t.TickTS)
			}
		}
	}()
	go engine.RunTicks(ctx, engineIn)

	// ---- Fan out bars to SQLite + Redis (off the hot path) ----
	sqliteBarCh := make(chan model.Bar, 5000)
	redisBarCh := make(chan model.Bar, 5000)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-barCh:
				if !ok {
					return
				}
				select {
				case sqliteBarCh <- b:
				default:
				}
				if publisher == nil {
					continue
				}
				select {
				case redisBarCh <- b:
				default:
				}
			}
		}
	}()
	go barStore.Run(ctx, sqliteBarCh)
	if publisher != nil {
		go publisher.RunBars(ctx, redisBarCh)
	}

	// ---- Scheduler: timer events, daily reset, session tracking ----
	sched := scheduler.New(ctx, cfg.Schedule, cal)
	sched.Timer = func(ctx context.Context, now time.Time) {
		engine.Dispatch(ctx, strategy.TimerEvent(now))
	}
	sched.Risk = risk
	sched.Health = health
	sched.Metrics = prom
	sched.Notifier = dispatcher
	if err := sched.RegisterAll(); err != nil {
		log.Fatalf("[trader] scheduler: %v", err)
	}
	sched.Start()

	// ---- WebSocket feed ----
	feed, err := wsfeed.New(wsfeed.Config{
		URL:               cfg.Feed.URL,
		Symbols:           cfg.Symbols(),
		ReconnectDelay:    cfg.Feed.ReconnectDelay,
		MaxReconnectDelay: cfg.Feed.MaxReconnectDelay,
	})
	if err != nil {
		log.Fatalf("[trader] feed init failed: %v", err)
	}
	feed.OnReconnect = func() {
		prom.WSReconnects.Inc()
	}
	feed.OnConnected = health.SetWSConnected
	feed.OnTick = func(t model.Tick) {
		prom.TicksTotal.Inc()
		health.SetLastTickTime(t.TickTS)
	}
	feed.OnDrop = func() {
		prom.DroppedTicks.Inc()
	}
	go func() {
		if err := feed.Start(ctx, tickCh); err != nil {
			log.Printf("[trader] feed error: %v", err)
			health.SetWSConnected(false)
		}
	}()

	log.Println("[trader] ╔════════════════════════════════════════════════════════════════╗")
	log.Println("[trader] ║  VQI Trader (paper mode)                                       ║")
	log.Println("[trader] ║                                                                ║")
	log.Println("[trader] ║  [WS feed] → [FanOut] → [Strategy engine] → [Paper gateway]    ║")
	log.Printf("[trader] ║  Strategies: %-49v ║", names)
	log.Printf("[trader] ║  Source: %-53s ║", cfg.Feed.URL)
	log.Printf("[trader] ║  %-61s ║", cal.StatusString(time.Now()))
	log.Println("[trader] ╚════════════════════════════════════════════════════════════════╝")

	// ---- REST API + snapshot stream ----
	var apiSrv *api.Server
	if cfg.App.APIAddr != "" {
		apiSrv = api.NewServer(cfg.App.APIAddr, api.Deps{
			Hub:       hub,
			Portfolio: pf,
			PnL:       pnl,
			Risk:      risk,
			Health:    health,
		})
		apiSrv.Start()
	}

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[trader] shutdown signal received, cleaning up...")

	// Stop new timer events before the strategies cancel their orders.
	sched.Stop()
	engine.Stop()
	cancel()
	dispatcher.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
	if apiSrv != nil {
		apiSrv.Stop(shutdownCtx)
	}
	hub.Close()

	if publisher != nil {
		publisher.Close()
	}

	sum := pnl.GetSummary(pf)
	log.Printf("[trader] session P&L: realized=%.2f unrealized=%.2f trades=%d open=%d",
		sum.RealizedPnL, sum.UnrealizedPnL, sum.TotalTrades, sum.OpenPositions)
	log.Println("[trader] shutdown complete.")
}

// barWindows returns the distinct bar windows of the strategies, ascending.
func barWindows(ss []strategy.Settings) []int {
	seen := make(map[int]bool)
	var out []int
	for _, s := range ss {
		if !seen[s.BarWindow] {
			seen[s.BarWindow] = true
			out = append(out, s.BarWindow)
		}
	}
	sort.Ints(out)
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
