// Package scheduler drives the time-based work of the trader: strategy
// timer events, the daily risk reset and session open/close tracking.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"vqi-trader/internal/markethours"
	"vqi-trader/internal/metrics"
	"vqi-trader/internal/notification"
	"vqi-trader/internal/portfolio"
)

// Config holds the cron specs. Specs take a leading seconds field.
type Config struct {
	Timer        string `yaml:"timer"`         // strategy timer events
	DailyReset   string `yaml:"daily_reset"`   // risk manager daily P&L reset
	SessionCheck string `yaml:"session_check"` // market open/close tracking
}

// DefaultConfig fires the strategy timer every second, resets daily risk
// before the day session and checks the session state every minute.
func DefaultConfig() Config {
	return Config{
		Timer:        "@every 1s",
		DailyReset:   "0 30 8 * * 1-5",
		SessionCheck: "0 * * * * *",
	}
}

// Scheduler manages all cron tasks. Every dependency is optional.
type Scheduler struct {
	Cron     *cron.Cron
	Timer    func(ctx context.Context, now time.Time)
	Risk     *portfolio.RiskManager
	Calendar *markethours.Calendar
	Health   *metrics.HealthStatus
	Metrics  *metrics.Metrics
	Notifier notification.Notifier
	Ctx      context.Context

	cfg Config
	now func() time.Time

	mu         sync.Mutex
	known      bool
	marketOpen bool
}

// New creates a Scheduler running in cal's timezone (JST when cal is nil).
func New(ctx context.Context, cfg Config, cal *markethours.Calendar) *Scheduler {
	loc := markethours.JST
	if cal != nil {
		loc = cal.Location()
	}
	return &Scheduler{
		Cron:     cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		Calendar: cal,
		Ctx:      ctx,
		cfg:      cfg,
		now:      time.Now,
	}
}

// RegisterAll registers the timer, daily reset and session tasks. Empty
// specs are skipped.
func (s *Scheduler) RegisterAll() error {
	tasks := []struct {
		name string
		spec string
		fn   func()
	}{
		{"timer", s.cfg.Timer, s.Tick},
		{"daily reset", s.cfg.DailyReset, s.DailyReset},
		{"session check", s.cfg.SessionCheck, s.CheckSession},
	}
	for _, t := range tasks {
		if t.spec == "" {
			continue
		}
		if _, err := s.Cron.AddFunc(t.spec, t.fn); err != nil {
			return fmt.Errorf("register %s task: %w", t.name, err)
		}
	}
	return nil
}

// Start checks the session once and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.CheckSession()
	s.Cron.Start()
	log.Println("[scheduler] started")
}

// Stop stops the cron scheduler and waits for running tasks.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	log.Println("[scheduler] stopped")
}

// Tick delivers a timer event.
func (s *Scheduler) Tick() {
	if s.Timer == nil {
		return
	}
	s.Timer(s.Ctx, s.now())
}

// DailyReset clears the daily P&L used by the loss gate.
func (s *Scheduler) DailyReset() {
	if s.Risk == nil {
		return
	}
	before := s.Risk.GetStatus().DailyPnL
	s.Risk.ResetDaily()
	log.Printf("[scheduler] daily risk reset (daily_pnl was %.0f)", before)
}

// CheckSession records market open/close transitions.
func (s *Scheduler) CheckSession() {
	if s.Calendar == nil {
		return
	}
	now := s.now()
	open := s.Calendar.IsMarketOpen(now)

	s.mu.Lock()
	changed := !s.known || open != s.marketOpen
	first := !s.known
	s.known, s.marketOpen = true, open
	s.mu.Unlock()
	if !changed {
		return
	}

	if s.Health != nil {
		s.Health.SetMarketOpen(open)
	}
	if s.Metrics != nil {
		if open {
			s.Metrics.MarketState.Set(1)
		} else {
			s.Metrics.MarketState.Set(0)
		}
	}
	log.Printf("[scheduler] %s", s.Calendar.StatusString(now))
	if first {
		return
	}

	kind := "close"
	if open {
		kind = "open"
	}
	if s.Metrics != nil {
		s.Metrics.SessionTransitions.WithLabelValues(kind).Inc()
	}
	s.trySend(notification.Alert{
		Level:   notification.AlertInfo,
		Title:   "Session " + kind,
		Message: s.Calendar.StatusString(now),
	})
}

// MarketOpen returns the last observed session state.
func (s *Scheduler) MarketOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marketOpen
}

func (s *Scheduler) trySend(a notification.Alert) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Send(s.Ctx, a); err != nil {
		log.Printf("[scheduler] send notification: %v", err)
	}
}
