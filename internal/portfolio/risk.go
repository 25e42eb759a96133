package portfolio

import (
	"log/slog"
	"sync"
)

// RiskLimits defines configurable risk management thresholds. Zero disables
// a limit.
type RiskLimits struct {
	MaxPositionSize  float64 `json:"max_position_size" yaml:"max_position_size"`   // max contracts per holding
	MaxDailyLoss     float64 `json:"max_daily_loss" yaml:"max_daily_loss"`         // currency
	MaxOpenPositions int     `json:"max_open_positions" yaml:"max_open_positions"` // concurrent holdings
	MaxDrawdownPct   float64 `json:"max_drawdown_pct" yaml:"max_drawdown_pct"`     // 0-100
}

// DefaultRiskLimits returns conservative default limits.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxPositionSize:  1,
		MaxDailyLoss:     100000,
		MaxOpenPositions: 5,
		MaxDrawdownPct:   5.0,
	}
}

// RiskManager gates new entries against risk limits and tracks equity.
// Exits are never gated.
type RiskManager struct {
	mu        sync.RWMutex
	limits    RiskLimits
	portfolio *Portfolio
	log       *slog.Logger

	dailyPnL   float64
	equity     float64
	peakEquity float64
}

// NewRiskManager creates a RiskManager with the given limits, portfolio, and starting equity.
func NewRiskManager(limits RiskLimits, pf *Portfolio, initialEquity float64, log *slog.Logger) *RiskManager {
	if log == nil {
		log = slog.Default()
	}
	return &RiskManager{
		limits:     limits,
		portfolio:  pf,
		log:        log,
		equity:     initialEquity,
		peakEquity: initialEquity,
	}
}

// CanOpen checks whether strategy may open qty more contracts in symbol.
// Returns false with a reason if not.
func (rm *RiskManager) CanOpen(strategy, symbol string, qty float64) (bool, string) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if rm.limits.MaxDailyLoss > 0 && rm.dailyPnL <= -rm.limits.MaxDailyLoss {
		return false, "max daily loss reached"
	}

	if rm.limits.MaxDrawdownPct > 0 && rm.peakEquity > 0 {
		drawdown := (rm.peakEquity - rm.equity) / rm.peakEquity * 100
		if drawdown > rm.limits.MaxDrawdownPct {
			return false, "max drawdown exceeded"
		}
	}

	if rm.portfolio == nil {
		return true, ""
	}
	cur := rm.portfolio.Position(strategy, symbol)
	if rm.limits.MaxPositionSize > 0 && abs(cur.Pos)+qty > rm.limits.MaxPositionSize {
		return false, "position size exceeds limit"
	}
	if rm.limits.MaxOpenPositions > 0 && cur.Flat() && len(rm.portfolio.GetPositions()) >= rm.limits.MaxOpenPositions {
		return false, "max open positions reached"
	}
	return true, ""
}

// RecordPnL updates daily P&L and equity tracking.
func (rm *RiskManager) RecordPnL(pnl float64) {
	if pnl == 0 {
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.dailyPnL += pnl
	rm.equity += pnl
	if rm.equity > rm.peakEquity {
		rm.peakEquity = rm.equity
	}

	rm.log.Info("pnl recorded", "pnl", pnl, "daily_pnl", rm.dailyPnL, "equity", rm.equity, "peak", rm.peakEquity)
}

// ResetDaily resets the daily P&L counter (call at session start).
func (rm *RiskManager) ResetDaily() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.dailyPnL = 0
}

// RiskStatus is a point-in-time risk report.
type RiskStatus struct {
	DailyPnL    float64    `json:"daily_pnl"`
	Equity      float64    `json:"equity"`
	PeakEquity  float64    `json:"peak_equity"`
	DrawdownPct float64    `json:"drawdown_pct"`
	Limits      RiskLimits `json:"limits"`
}

// GetStatus returns current risk status.
func (rm *RiskManager) GetStatus() RiskStatus {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	drawdown := 0.0
	if rm.peakEquity > 0 {
		drawdown = (rm.peakEquity - rm.equity) / rm.peakEquity * 100
	}
	return RiskStatus{
		DailyPnL:    rm.dailyPnL,
		Equity:      rm.equity,
		PeakEquity:  rm.peakEquity,
		DrawdownPct: drawdown,
		Limits:      rm.limits,
	}
}
