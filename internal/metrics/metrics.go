package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the trader. A nil *Metrics is
// valid everywhere it is accepted and records nothing.
type Metrics struct {
	// Market data
	TicksTotal   prometheus.Counter
	BarsTotal    *prometheus.CounterVec // labels: symbol
	WSReconnects prometheus.Counter
	DroppedTicks prometheus.Counter

	// Strategy loop
	CycleDur            prometheus.Histogram
	ThrottledCycles     *prometheus.CounterVec // labels: strategy
	IndicatorComputeDur prometheus.Histogram
	VQIValue            *prometheus.GaugeVec // labels: strategy
	Position            *prometheus.GaugeVec // labels: strategy
	QueueSaturationPct  *prometheus.GaugeVec // labels: queue
	DroppedEvents       *prometheus.CounterVec

	// Orders
	ReconcileTotal  *prometheus.CounterVec // labels: strategy, outcome
	OrdersSubmitted *prometheus.CounterVec // labels: strategy, reference
	OrdersCancelled *prometheus.CounterVec // labels: strategy
	GatewayErrors   *prometheus.CounterVec // labels: op
	FillsTotal      *prometheus.CounterVec // labels: strategy
	RiskExits       *prometheus.CounterVec // labels: strategy, reason
	EntriesBlocked  *prometheus.CounterVec // labels: strategy, reason
	RealizedPnL     prometheus.Gauge

	// Persistence / telemetry
	RedisPublishDur          prometheus.Histogram
	SQLiteCommitDur          prometheus.Histogram
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	SnapshotDrops            *prometheus.CounterVec // labels: sink

	// Market session
	MarketState        prometheus.Gauge       // 0=closed, 1=open
	SessionTransitions *prometheus.CounterVec // labels: type=open|close|ws_disconnect
}

// NewMetrics registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not panic.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	fast := []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005}
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_ticks_total",
			Help: "Total ticks received from the feed",
		}),
		BarsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_bars_total",
			Help: "Total window bars finalized (by symbol)",
		}, []string{"symbol"}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_ws_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		}),
		DroppedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_dropped_ticks_total",
			Help: "Ticks dropped (late, malformed or channel full)",
		}),

		CycleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_cycle_duration_seconds",
			Help:    "Strategy decision cycle latency",
			Buckets: fast,
		}),
		ThrottledCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_throttled_cycles_total",
			Help: "Cycles whose snapshot publication was skipped by the throttle",
		}, []string{"strategy"}),
		IndicatorComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_indicator_compute_duration_seconds",
			Help:    "VQI update latency per cycle",
			Buckets: fast,
		}),
		VQIValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trader_vqi_value",
			Help: "Latest VQI oscillator value",
		}, []string{"strategy"}),
		Position: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trader_position",
			Help: "Signed strategy position",
		}, []string{"strategy"}),
		QueueSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trader_event_queue_saturation_pct",
			Help: "Queue fill percentage (len/cap * 100) per engine instrument or fan-out subscriber",
		}, []string{"queue"}),
		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_dropped_events_total",
			Help: "Market data events dropped because an instrument queue was full",
		}, []string{"symbol"}),

		ReconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_reconcile_total",
			Help: "Order-intent reconciliation outcomes",
		}, []string{"strategy", "outcome"}),
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_submitted_total",
			Help: "Orders submitted (by reason)",
		}, []string{"strategy", "reference"}),
		OrdersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_cancelled_total",
			Help: "Cancel requests issued",
		}, []string{"strategy"}),
		GatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_gateway_errors_total",
			Help: "Order gateway request failures",
		}, []string{"op"}),
		FillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_fills_total",
			Help: "Fills received",
		}, []string{"strategy"}),
		RiskExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_risk_exits_total",
			Help: "Exit intents raised by stop-loss, time exit or trailing stop",
		}, []string{"strategy", "reason"}),
		EntriesBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_entries_blocked_total",
			Help: "Entries refused by the risk manager",
		}, []string{"strategy", "reason"}),
		RealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_realized_pnl",
			Help: "Realized P&L across all strategies",
		}),

		RedisPublishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_redis_publish_duration_seconds",
			Help:    "Redis snapshot publish latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		SnapshotDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_snapshot_drops_total",
			Help: "Strategy snapshots dropped by a full telemetry sink",
		}, []string{"sink"}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_session_transitions_total",
			Help: "Market session transitions (open, close, ws_disconnect)",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.BarsTotal,
		m.WSReconnects,
		m.DroppedTicks,
		m.CycleDur,
		m.ThrottledCycles,
		m.IndicatorComputeDur,
		m.VQIValue,
		m.Position,
		m.QueueSaturationPct,
		m.DroppedEvents,
		m.ReconcileTotal,
		m.OrdersSubmitted,
		m.OrdersCancelled,
		m.GatewayErrors,
		m.FillsTotal,
		m.RiskExits,
		m.EntriesBlocked,
		m.RealizedPnL,
		m.RedisPublishDur,
		m.SQLiteCommitDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.SnapshotDrops,
		m.MarketState,
		m.SessionTransitions,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool      `json:"ws_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	Strategies     []string  `json:"strategies"`
	MarketOpen     bool      `json:"market_open"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetStrategies(names []string) {
	h.mu.Lock()
	h.Strategies = names
	h.mu.Unlock()
}

func (h *HealthStatus) SetMarketOpen(v bool) {
	h.mu.Lock()
	h.MarketOpen = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either dependency
// may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint. Only the tick feed is required;
// Redis and SQLite are optional and degrade the status when down.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	switch {
	case h.MarketOpen && !h.WSConnected:
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	case !h.RedisConnected || !h.SQLiteOK:
		overallStatus = "degraded"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string   `json:"status"`
		Uptime          string   `json:"uptime"`
		MarketOpen      bool     `json:"market_open"`
		WSConnected     bool     `json:"ws_connected"`
		LastTickTime    string   `json:"last_tick_time"`
		TickAge         string   `json:"tick_age"`
		RedisConnected  bool     `json:"redis_connected"`
		RedisLatencyMs  float64  `json:"redis_latency_ms"`
		SQLiteOK        bool     `json:"sqlite_ok"`
		SQLiteLatencyMs float64  `json:"sqlite_latency_ms"`
		Strategies      []string `json:"strategies"`
		LastCheckAt     string   `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		MarketOpen:      h.MarketOpen,
		WSConnected:     h.WSConnected,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		Strategies:      h.Strategies,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
