package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"vqi-trader/internal/barseries"
	"vqi-trader/internal/execution"
	"vqi-trader/internal/indicator"
	"vqi-trader/internal/logger"
	"vqi-trader/internal/marketdata/bargen"
	"vqi-trader/internal/markethours"
	"vqi-trader/internal/model"
	"vqi-trader/internal/notification"
	"vqi-trader/internal/portfolio"
	"vqi-trader/internal/pricing"
	"vqi-trader/internal/trend"
)

// Order references, also used as metric labels.
const (
	refTrend        = "trend"
	refBreakout     = "breakout"
	refStopLoss     = "stop_loss"
	refTimeExit     = "time_exit"
	refTrailingStop = "trailing_stop"
	refReverse      = "reverse"
)

// RTH is the intraday VQI trend strategy. Every tick re-evaluates the
// forming bar: hard stop-loss, flatten at the end of each bar, optional
// trailing stop, then at most one entry per bar following the VQI trend with
// a breakout fallback. All orders go through the reconciler so repeated
// cycles converge on one working order.
type RTH struct {
	cfg Settings
	env Env
	log *slog.Logger
	rec *execution.Reconciler

	gen    *bargen.Generator
	series *barseries.Series
	vqi    *indicator.VQI
	ref    *indicator.ColumnMA

	pos     model.Position
	trading bool
	inited  bool

	cur      model.Bar // newest bar in the series
	hasCur   bool
	curFinal bool
	prevBar  *model.Bar

	value      float64
	prevValue  float64
	trend      trend.State
	closePrice float64
	refPrice   float64
	closeTime  time.Time
	enableOpen bool

	lastPublish time.Time

	longStop  *portfolio.TrailingStop
	shortStop *portfolio.TrailingStop
}

// NewRTH validates s and builds an RTH strategy.
func NewRTH(s Settings, env Env) (*RTH, error) {
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
	ref, err := indicator.NewColumnMA(series, barseries.Close, s.RefPeriod, indicator.MethodSMA)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", s.Name, err)
	}
	log := logger.ForStrategy(env.logger(), s.Name, s.Instrument.Symbol)
	rec := execution.NewReconciler(env.Gateway, s.Name, s.Instrument, log, env.Metrics)
	rec.SetClock(env.now)
	return &RTH{
		cfg:       s,
		env:       env,
		log:       log,
		rec:       rec,
		gen:       bargen.New(s.Instrument.Symbol, s.Instrument.Exchange, s.Window()),
		series:    series,
		vqi:       vqi,
		ref:       ref,
		pos:       model.Position{Symbol: s.Instrument.Symbol},
		trend:     trend.Side,
		longStop:  portfolio.NewTrailingStop(model.Long, s.TrailingPoint),
		shortStop: portfolio.NewTrailingStop(model.Short, s.TrailingPoint),
	}, nil
}

func (s *RTH) Name() string   { return s.cfg.Name }
func (s *RTH) Symbol() string { return s.cfg.Instrument.Symbol }

// Position returns the strategy's current position.
func (s *RTH) Position() model.Position { return s.pos }

// Trend returns the last classified trend.
func (s *RTH) Trend() trend.State { return s.trend }

// Value returns the last VQI value.
func (s *RTH) Value() float64 { return s.value }

// OnInit replays history through the indicators without trading and
// restores persisted variables.
func (s *RTH) OnInit(ctx context.Context, history []model.Bar) error {
	for _, b := range history {
		b.Forming = false
		s.OnBar(ctx, b)
	}
	if err := s.restore(); err != nil {
		return err
	}
	s.inited = true
	s.log.Info("strategy initialized", "history", len(history), "ready", s.vqi.Ready(), "vqi", s.value)
	return nil
}

func (s *RTH) OnStart(ctx context.Context) {
	s.trading = true
	s.log.Info("strategy started")
	s.publish(ctx, true)
}

func (s *RTH) OnStop(ctx context.Context) {
	s.trading = false
	if _, err := s.rec.CancelAll(ctx); err != nil {
		s.log.Warn("cancel on stop failed", "error", err)
	}
	s.persist()
	s.log.Info("strategy stopped")
	s.publish(ctx, true)
}

// OnTick folds the tick into the forming bar and runs a decision cycle on it.
func (s *RTH) OnTick(ctx context.Context, t model.Tick) {
	u, ok := s.gen.Update(t)
	if !ok {
		return
	}
	if u.Closed != nil {
		s.finalize(*u.Closed)
	}
	s.cycle(ctx, u.Bar, u.NewBar, false)
}

// OnBar accepts finalized bars from history, replay or a bar feed. A bar
// that closes the forming bar built from ticks only finalizes it; a newer
// bar runs a full decision cycle; older bars are ignored.
func (s *RTH) OnBar(ctx context.Context, b model.Bar) {
	switch {
	case !s.hasCur || b.TS.After(s.cur.TS):
		s.cycle(ctx, b, true, true)
	case b.TS.Equal(s.cur.TS) && !s.curFinal:
		s.finalize(b)
	}
}

func (s *RTH) OnOrder(ctx context.Context, o model.Order) {
	s.log.Debug("order update", "order_id", o.ID, "status", o.Status, "traded", o.Traded)
}

func (s *RTH) OnTrade(ctx context.Context, t model.Trade) {
	portfolio.ApplyFill(&s.pos, t)
	if s.pos.Flat() {
		s.resetTrailing()
	}
	if s.env.Metrics != nil {
		s.env.Metrics.Position.WithLabelValues(s.cfg.Name).Set(s.pos.Pos)
	}
	s.log.Info("trade", append(logger.LogWithTrace(ctx),
		"trade_id", t.TradeID, "direction", t.Direction, "offset", t.Offset,
		"price", t.Price, "volume", t.Volume, "pos", s.pos.Pos)...)
	s.persist()
	s.publish(ctx, true)
}

// OnTimer flattens at the scheduled bar close even when no tick arrives.
func (s *RTH) OnTimer(ctx context.Context, now time.Time) {
	if !s.trading || !s.hasCur || s.pos.Flat() || now.Before(s.closeTime) {
		return
	}
	s.timeExit(ctx, s.closePrice)
}

// finalize replaces the newest bar with its final values.
func (s *RTH) finalize(b model.Bar) {
	b.Forming = false
	s.series.Update(b, false)
	s.cur, s.curFinal = b, true
	s.value = s.vqi.Update(true)
	s.ref.Update(true)
}

func (s *RTH) cycle(ctx context.Context, bar model.Bar, newBar, closed bool) {
	start := time.Now()
	defer func() {
		if s.env.Metrics != nil {
			s.env.Metrics.CycleDur.Observe(time.Since(start).Seconds())
		}
	}()

	if newBar {
		s.prevValue = s.value
		if s.hasCur {
			prev := s.cur
			s.prevBar = &prev
		}
		s.closeTime = markethours.BarCloseTime(bar.TS, s.cfg.Window(), s.cfg.CloseLead)
		s.enableOpen = s.env.Calendar == nil || !s.env.Calendar.EntryBlocked(bar.TS)
	}
	s.cur, s.hasCur, s.curFinal = bar, true, closed
	s.series.Update(bar, newBar)

	computeStart := time.Now()
	s.value = s.vqi.Update(closed)
	s.ref.Update(closed)
	if s.env.Metrics != nil {
		s.env.Metrics.IndicatorComputeDur.Observe(time.Since(computeStart).Seconds())
		s.env.Metrics.VQIValue.WithLabelValues(s.cfg.Name).Set(s.value)
	}
	if !s.vqi.Ready() {
		s.publish(ctx, newBar)
		return
	}

	s.trend = trend.Classify(s.value, s.prevValue, s.prevBar, s.cfg.Hammer)

	tick := s.cfg.Instrument.PriceTick
	s.closePrice = pricing.RoundTo(bar.Close, tick)
	s.refPrice = pricing.RoundTo(s.ref.Value(), tick)
	switch s.trend {
	case trend.Up:
		s.refPrice = math.Min(s.closePrice, s.refPrice)
	case trend.Down:
		s.refPrice = math.Max(s.closePrice, s.refPrice)
	}

	if s.trading {
		s.decide(ctx, newBar)
	}
	s.publish(ctx, newBar)
}

func (s *RTH) decide(ctx context.Context, newBar bool) {
	price := s.closePrice

	if s.cfg.StopLoss > 0 {
		if s.pos.Short() && price >= s.pos.ShortPrice+s.cfg.StopLoss {
			s.exit(ctx, model.Long, price, refStopLoss)
		}
		if s.pos.Long() && price <= s.pos.LongPrice-s.cfg.StopLoss {
			s.exit(ctx, model.Short, price, refStopLoss)
		}
	}

	if newBar || !s.env.now().Before(s.closeTime) {
		s.timeExit(ctx, price)
	}

	if s.cfg.TrailingEnabled {
		s.trail(ctx, price)
	}

	if !s.pos.Flat() || !s.enableOpen {
		return
	}
	if s.env.Risk != nil {
		if ok, reason := s.env.Risk.CanOpen(s.cfg.Name, s.Symbol(), s.cfg.Volume); !ok {
			if s.env.Metrics != nil {
				s.env.Metrics.EntriesBlocked.WithLabelValues(s.cfg.Name, reason).Inc()
			}
			s.log.Debug("entry blocked", "reason", reason)
			return
		}
	}

	settled := false
	switch s.trend {
	case trend.Up:
		settled = s.enter(ctx, model.Long, s.refPrice, refTrend)
	case trend.Down:
		settled = s.enter(ctx, model.Short, s.refPrice, refTrend)
	default:
		if _, err := s.rec.CancelAll(ctx); err != nil {
			s.log.Warn("cancel all failed", "error", err)
		}
	}
	if settled || s.prevBar == nil {
		return
	}

	switch {
	case price > s.prevBar.High:
		s.enter(ctx, model.Long, price, refBreakout)
	case price < s.prevBar.Low:
		s.enter(ctx, model.Short, price, refBreakout)
	}
}

func (s *RTH) timeExit(ctx context.Context, price float64) {
	switch {
	case s.pos.Long():
		s.exit(ctx, model.Short, price, refTimeExit)
	case s.pos.Short():
		s.exit(ctx, model.Long, price, refTimeExit)
	}
}

func (s *RTH) trail(ctx context.Context, price float64) {
	switch {
	case s.pos.Long():
		s.shortStop = resetStop(s.shortStop)
		if s.longStop.State() == portfolio.NotStarted && price >= s.pos.LongPrice+s.cfg.TrailingStart {
			if err := s.longStop.Enter(price); err == nil {
				s.log.Info("trailing stop armed", "side", model.Long, "price", price, "stop", s.longStop.Stop())
			}
		}
		if s.longStop.Update(price) == portfolio.Exit {
			s.exit(ctx, model.Short, price, refTrailingStop)
		}
	case s.pos.Short():
		s.longStop = resetStop(s.longStop)
		if s.shortStop.State() == portfolio.NotStarted && price <= s.pos.ShortPrice-s.cfg.TrailingStart {
			if err := s.shortStop.Enter(price); err == nil {
				s.log.Info("trailing stop armed", "side", model.Short, "price", price, "stop", s.shortStop.Stop())
			}
		}
		if s.shortStop.Update(price) == portfolio.Exit {
			s.exit(ctx, model.Long, price, refTrailingStop)
		}
	default:
		s.resetTrailing()
	}
}

func (s *RTH) resetTrailing() {
	s.longStop = resetStop(s.longStop)
	s.shortStop = resetStop(s.shortStop)
}

// resetStop returns a fresh ratchet if ts has been used.
func resetStop(ts *portfolio.TrailingStop) *portfolio.TrailingStop {
	if ts.State() == portfolio.NotStarted {
		return ts
	}
	return portfolio.NewTrailingStop(ts.Side(), ts.Distance())
}

// exit places a closing order and disables entries for the rest of the bar.
func (s *RTH) exit(ctx context.Context, dir model.Direction, price float64, reason string) {
	intent := model.OrderIntent{Price: price, Direction: dir, Offset: model.Close}
	out, err := s.rec.Place(ctx, intent, math.Abs(s.pos.Pos), reason)
	if err != nil {
		s.log.Warn("exit did not settle", append(logger.LogWithTrace(ctx), "reason", reason, "error", err)...)
	}
	if out.Settled() {
		s.enableOpen = false
	}
	if out != execution.Submitted {
		return
	}
	s.log.Info("exit", append(logger.LogWithTrace(ctx), "reason", reason, "intent", intent.String(), "pos", s.pos.Pos)...)
	if s.env.Metrics != nil {
		s.env.Metrics.RiskExits.WithLabelValues(s.cfg.Name, reason).Inc()
	}
	if reason != refTimeExit {
		s.alert(ctx, reason, intent)
	}
}

// enter places an opening order and reports whether it settled.
func (s *RTH) enter(ctx context.Context, dir model.Direction, price float64, reason string) bool {
	intent := model.OrderIntent{Price: price, Direction: dir, Offset: model.Open}
	out, err := s.rec.Place(ctx, intent, s.cfg.Volume, reason)
	if err != nil {
		s.log.Warn("entry did not settle", append(logger.LogWithTrace(ctx), "reason", reason, "error", err)...)
	}
	if out == execution.Submitted {
		s.log.Info("entry", append(logger.LogWithTrace(ctx), "reason", reason, "intent", intent.String(), "trend", s.trend)...)
	}
	return out.Settled()
}

func (s *RTH) alert(ctx context.Context, reason string, intent model.OrderIntent) {
	if s.env.Notifier == nil {
		return
	}
	err := s.env.Notifier.Send(ctx, notification.Alert{
		Level:    notification.AlertWarning,
		Title:    "Risk exit: " + reason,
		Message:  fmt.Sprintf("%s pos=%v close=%v", intent, s.pos.Pos, s.closePrice),
		Strategy: s.cfg.Name,
		Symbol:   s.Symbol(),
	})
	if err != nil {
		s.log.Warn("alert not sent", "error", err)
	}
}

// publish pushes a snapshot. Forced on new bars; otherwise at most once per
// Throttle.
func (s *RTH) publish(ctx context.Context, force bool) {
	if s.env.Publisher == nil || !s.inited {
		return
	}
	now := s.env.now()
	if !force && now.Sub(s.lastPublish) < s.cfg.Throttle {
		if s.env.Metrics != nil {
			s.env.Metrics.ThrottledCycles.WithLabelValues(s.cfg.Name).Inc()
		}
		return
	}
	s.lastPublish = now
	s.env.Publisher.Publish(ctx, model.Snapshot{
		Strategy:  s.cfg.Name,
		Symbol:    s.Symbol(),
		VQI:       s.value,
		PrevVQI:   s.prevValue,
		Trend:     s.trend.String(),
		Close:     s.closePrice,
		RefPrice:  s.refPrice,
		CloseTime: s.closeTime,
		Pos:       s.pos.Pos,
		Trading:   s.trading,
		TS:        now,
	})
}

// rthState is the persisted part of the strategy.
type rthState struct {
	Pos        float64 `json:"pos"`
	LongPrice  float64 `json:"long_price"`
	ShortPrice float64 `json:"short_price"`
}

func (s *RTH) persist() {
	if s.env.State == nil {
		return
	}
	data, _ := json.Marshal(rthState{Pos: s.pos.Pos, LongPrice: s.pos.LongPrice, ShortPrice: s.pos.ShortPrice})
	if err := s.env.State.SaveState(s.cfg.Name, data); err != nil {
		s.log.Warn("persist state failed", "error", err)
	}
}

func (s *RTH) restore() error {
	if s.env.State == nil {
		return nil
	}
	data, err := s.env.State.LoadState(s.cfg.Name)
	if err != nil || data == nil {
		return err
	}
	var st rthState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("strategy %s: restore state: %w", s.cfg.Name, err)
	}
	s.pos.Pos, s.pos.LongPrice, s.pos.ShortPrice = st.Pos, st.LongPrice, st.ShortPrice
	s.log.Info("state restored", "pos", st.Pos, "long_price", st.LongPrice, "short_price", st.ShortPrice)
	return nil
}

var _ Strategy = (*RTH)(nil)
