// Package strategy runs bar-driven trading strategies.
//
// A Strategy is an explicit set of event handlers. The Engine owns one
// goroutine per instrument and delivers every event for that instrument
// serially, so strategy state needs no locks.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vqi-trader/internal/indicator"
	"vqi-trader/internal/markethours"
	"vqi-trader/internal/metrics"
	"vqi-trader/internal/model"
	"vqi-trader/internal/notification"
	"vqi-trader/internal/portfolio"
	"vqi-trader/internal/trend"
)

// Strategy is the interface that all trading strategies must implement.
// Handlers are never called concurrently for the same instrument.
type Strategy interface {
	// Name returns the unique name of the strategy instance.
	Name() string

	// Symbol returns the instrument the strategy trades.
	Symbol() string

	// OnInit warms up indicators from history, oldest bar first.
	OnInit(ctx context.Context, history []model.Bar) error

	// OnStart enables trading. OnStop disables it.
	OnStart(ctx context.Context)
	OnStop(ctx context.Context)

	OnTick(ctx context.Context, t model.Tick)
	OnBar(ctx context.Context, b model.Bar)
	OnOrder(ctx context.Context, o model.Order)
	OnTrade(ctx context.Context, t model.Trade)
	OnTimer(ctx context.Context, now time.Time)
}

// TradeRecorder persists fills (the SQLite journal).
type TradeRecorder interface {
	RecordTrade(t model.Trade) error
}

// StateStore persists strategy variables across restarts.
type StateStore interface {
	SaveState(strategy string, data []byte) error
	LoadState(strategy string) ([]byte, error)
}

// Env is what a strategy may talk to. Gateway is required; everything
// else is optional.
type Env struct {
	Gateway   model.OrderGateway
	Publisher model.Publisher
	Calendar  *markethours.Calendar
	Risk      *portfolio.RiskManager
	Portfolio *portfolio.Portfolio
	PnL       *portfolio.PnLTracker
	Journal   TradeRecorder
	State     StateStore
	Notifier  notification.Notifier
	Clock     func() time.Time
	Log       *slog.Logger
	Metrics   *metrics.Metrics
}

func (e Env) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

func (e Env) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// Kinds of strategy Settings.Kind accepts.
const (
	KindRTH = "rth"
	KindVQ  = "vq"
)

// Settings configures one strategy instance.
type Settings struct {
	Name       string           `yaml:"name"`
	Kind       string           `yaml:"kind"` // "rth" | "vq"
	Instrument model.Instrument `yaml:"instrument"`
	BarWindow  int              `yaml:"bar_window"` // minutes

	VQI indicator.VQIConfig `yaml:"vqi"`

	RefPeriod       int               `yaml:"ref_period"` // SMA of close for the entry price
	StopLoss        float64           `yaml:"stop_loss"`  // points, 0 disables
	TrailingEnabled bool              `yaml:"trailing_enabled"`
	TrailingStart   float64           `yaml:"trailing_start"` // favourable move that arms the trailing stop
	TrailingPoint   float64           `yaml:"trailing_point"` // trailing distance
	Volume          float64           `yaml:"volume"`
	Hammer          trend.HammerShape `yaml:"hammer"`
	CloseLead       time.Duration     `yaml:"close_lead"` // flatten this long before the bar ends
	Throttle        time.Duration     `yaml:"throttle"`   // minimum interval between telemetry snapshots
	HistoryBars     int               `yaml:"history_bars"`
}

// DefaultSettings returns the settings of the intraday RTH strategy on a
// 5-point-tick index future.
func DefaultSettings(name string, inst model.Instrument) Settings {
	return Settings{
		Name:       name,
		Kind:       KindRTH,
		Instrument: inst,
		BarWindow:  5,
		VQI: indicator.VQIConfig{
			Period:        5,
			Smoothing:     2,
			Method:        indicator.MethodLWMA,
			Filter:        2,
			CurrencyPoint: 1,
		},
		RefPeriod:     3,
		StopLoss:      20,
		TrailingStart: 100,
		TrailingPoint: 20,
		Volume:        1,
		Hammer:        trend.DefaultHammer(),
		CloseLead:     5 * time.Second,
		Throttle:      200 * time.Millisecond,
		HistoryBars:   256,
	}
}

// Window returns the bar length.
func (s Settings) Window() time.Duration {
	return time.Duration(s.BarWindow) * time.Minute
}

// Validate reports every invalid field at once.
func (s Settings) Validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if s.Kind != KindRTH && s.Kind != KindVQ {
		errs = append(errs, fmt.Errorf("kind must be %q or %q, got %q", KindRTH, KindVQ, s.Kind))
	}
	if s.Instrument.Symbol == "" {
		errs = append(errs, errors.New("instrument.symbol is required"))
	}
	if s.Instrument.PriceTick <= 0 {
		errs = append(errs, fmt.Errorf("instrument.price_tick must be > 0, got %v", s.Instrument.PriceTick))
	}
	if s.BarWindow < 1 {
		errs = append(errs, fmt.Errorf("bar_window must be >= 1 minute, got %d", s.BarWindow))
	}
	if err := s.VQI.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("vqi: %w", err))
	}
	if s.RefPeriod < 1 {
		errs = append(errs, fmt.Errorf("ref_period must be >= 1, got %d", s.RefPeriod))
	}
	if s.StopLoss < 0 {
		errs = append(errs, fmt.Errorf("stop_loss must be >= 0, got %v", s.StopLoss))
	}
	if s.TrailingEnabled && (s.TrailingPoint <= 0 || s.TrailingStart < 0) {
		errs = append(errs, fmt.Errorf("trailing_point must be > 0 and trailing_start >= 0 when trailing is enabled"))
	}
	if s.Volume <= 0 {
		errs = append(errs, fmt.Errorf("volume must be > 0, got %v", s.Volume))
	}
	if s.CloseLead < 0 || s.CloseLead >= s.Window() {
		errs = append(errs, fmt.Errorf("close_lead must be within the bar window, got %v", s.CloseLead))
	}
	if s.Throttle < 0 {
		errs = append(errs, fmt.Errorf("throttle must be >= 0, got %v", s.Throttle))
	}
	if s.HistoryBars < s.VQI.Warmup()+1 {
		errs = append(errs, fmt.Errorf("history_bars must exceed the VQI warm-up (%d), got %d", s.VQI.Warmup(), s.HistoryBars))
	}
	return errors.Join(errs...)
}

// New builds the strategy named by s.Kind.
func New(s Settings, env Env) (Strategy, error) {
	switch s.Kind {
	case KindRTH:
		return NewRTH(s, env)
	case KindVQ:
		return NewVQ(s, env)
	}
	return nil, fmt.Errorf("unknown strategy kind %q", s.Kind)
}
