package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"vqi-trader/internal/barseries"
	"vqi-trader/internal/execution"
	"vqi-trader/internal/indicator"
	"vqi-trader/internal/logger"
	"vqi-trader/internal/marketdata/bargen"
	"vqi-trader/internal/model"
	"vqi-trader/internal/portfolio"
	"vqi-trader/internal/pricing"
)

// DefaultVQSettings returns the settings of the always-in-market VQ
// strategy. It runs with the small-move filter on.
func DefaultVQSettings(name string, inst model.Instrument) Settings {
	s := DefaultSettings(name, inst)
	s.Kind = KindVQ
	s.BarWindow = 1
	s.VQI.FilterEnabled = true
	s.VQI.Filter = 1
	s.CloseLead = 0
	return s
}

// VQ stays in the market on the side of the VQI sign and reverses when it
// flips. It acts only on closed bars: each bar cancels whatever is still
// working and resubmits at the close. A zero reading holds the position.
type VQ struct {
	cfg Settings
	env Env
	log *slog.Logger
	rec *execution.Reconciler

	gen    *bargen.Generator
	series *barseries.Series
	vqi    *indicator.VQI

	pos        model.Position
	trading    bool
	inited     bool
	lastTS     time.Time
	value      float64
	closePrice float64
}

// NewVQ validates s and builds a VQ strategy.
func NewVQ(s Settings, env Env) (*VQ, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", s.Name, err)
	}
	if env.Gateway == nil {
		return nil, fmt.Errorf("strategy %s: gateway is required", s.Name)
	}
	series := barseries.New(s.HistoryBars)
	vqi, err := indicator.NewVQI(series, s.VQI)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", s.Name, err)
	}
	log := logger.ForStrategy(env.logger(), s.Name, s.Instrument.Symbol)
	rec := execution.NewReconciler(env.Gateway, s.Name, s.Instrument, log, env.Metrics)
	rec.SetClock(env.now)
	return &VQ{
		cfg:    s,
		env:    env,
		log:    log,
		rec:    rec,
		gen:    bargen.New(s.Instrument.Symbol, s.Instrument.Exchange, s.Window()),
		series: series,
		vqi:    vqi,
		pos:    model.Position{Symbol: s.Instrument.Symbol},
	}, nil
}

func (s *VQ) Name() string   { return s.cfg.Name }
func (s *VQ) Symbol() string { return s.cfg.Instrument.Symbol }

// Position returns the strategy's current position.
func (s *VQ) Position() model.Position { return s.pos }

func (s *VQ) OnInit(ctx context.Context, history []model.Bar) error {
	for _, b := range history {
		s.onClosedBar(ctx, b)
	}
	s.inited = true
	s.log.Info("strategy initialized", "history", len(history), "ready", s.vqi.Ready())
	return nil
}

func (s *VQ) OnStart(ctx context.Context) {
	s.trading = true
	s.log.Info("strategy started")
}

func (s *VQ) OnStop(ctx context.Context) {
	s.trading = false
	if _, err := s.rec.CancelAll(ctx); err != nil {
		s.log.Warn("cancel on stop failed", "error", err)
	}
	s.log.Info("strategy stopped")
}

func (s *VQ) OnTick(ctx context.Context, t model.Tick) {
	u, ok := s.gen.Update(t)
	if ok && u.Closed != nil {
		s.onClosedBar(ctx, *u.Closed)
	}
}

func (s *VQ) OnBar(ctx context.Context, b model.Bar) { s.onClosedBar(ctx, b) }

func (s *VQ) OnOrder(ctx context.Context, o model.Order) {}

func (s *VQ) OnTrade(ctx context.Context, t model.Trade) {
	portfolio.ApplyFill(&s.pos, t)
	if s.env.Metrics != nil {
		s.env.Metrics.Position.WithLabelValues(s.cfg.Name).Set(s.pos.Pos)
	}
	s.log.Info("trade", "trade_id", t.TradeID, "direction", t.Direction, "offset", t.Offset, "price", t.Price, "pos", s.pos.Pos)
}

func (s *VQ) OnTimer(ctx context.Context, now time.Time) {}

func (s *VQ) onClosedBar(ctx context.Context, b model.Bar) {
	if !s.lastTS.IsZero() && !b.TS.After(s.lastTS) {
		return
	}
	s.lastTS = b.TS
	b.Forming = false

	if s.trading {
		if _, err := s.rec.CancelAll(ctx); err != nil {
			s.log.Warn("cancel all failed", "error", err)
		}
	}

	s.series.Update(b, true)
	s.value = s.vqi.Update(true)
	s.closePrice = pricing.RoundTo(b.Close, s.cfg.Instrument.PriceTick)
	if s.env.Metrics != nil {
		s.env.Metrics.VQIValue.WithLabelValues(s.cfg.Name).Set(s.value)
	}
	if !s.vqi.Ready() {
		return
	}

	if s.trading {
		switch {
		case s.value > 0:
			if s.pos.Short() {
				s.submit(ctx, model.Long, model.Close, math.Abs(s.pos.Pos), refReverse)
			}
			if !s.pos.Long() {
				s.submit(ctx, model.Long, model.Open, s.cfg.Volume, refTrend)
			}
		case s.value < 0:
			if s.pos.Long() {
				s.submit(ctx, model.Short, model.Close, s.pos.Pos, refReverse)
			}
			if !s.pos.Short() {
				s.submit(ctx, model.Short, model.Open, s.cfg.Volume, refTrend)
			}
		}
	}

	if s.env.Publisher != nil && s.inited {
		s.env.Publisher.Publish(ctx, model.Snapshot{
			Strategy: s.cfg.Name,
			Symbol:   s.Symbol(),
			VQI:      s.value,
			Close:    s.closePrice,
			Pos:      s.pos.Pos,
			Trading:  s.trading,
			TS:       s.env.now(),
		})
	}
}

// submit sends an order straight to the gateway. Both legs of a reversal
// go out in the same cycle, which the reconciler's one-intent model would
// cancel against each other.
func (s *VQ) submit(ctx context.Context, dir model.Direction, off model.Offset, volume float64, reference string) {
	req := model.OrderRequest{
		Strategy:  s.cfg.Name,
		Symbol:    s.cfg.Instrument.Symbol,
		Exchange:  s.cfg.Instrument.Exchange,
		Direction: dir,
		Offset:    off,
		Price:     s.closePrice,
		Volume:    volume,
		Reference: reference,
	}
	id, err := s.env.Gateway.Submit(ctx, req)
	if err != nil {
		if s.env.Metrics != nil {
			s.env.Metrics.GatewayErrors.WithLabelValues("submit").Inc()
		}
		s.log.Warn("submit failed", "direction", dir, "offset", off, "error", err)
		return
	}
	if s.env.Metrics != nil {
		s.env.Metrics.OrdersSubmitted.WithLabelValues(s.cfg.Name, reference).Inc()
	}
	s.log.Info("order submitted", "order_id", id, "direction", dir, "offset", off, "price", s.closePrice, "volume", volume)
}

var _ Strategy = (*VQ)(nil)
