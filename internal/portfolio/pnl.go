package portfolio

import (
	"sync"

	"vqi-trader/internal/model"
)

// PnLTracker tracks realized P&L from fills with an average-price cost basis.
type PnLTracker struct {
	mu     sync.RWMutex
	trades []model.Trade

	realizedPnL float64
	costBasis   map[string]costEntry // key = "strategy:symbol"
}

type costEntry struct {
	Qty      float64 // signed
	AvgPrice float64
}

// NewPnLTracker creates a new P&L tracker.
func NewPnLTracker() *PnLTracker {
	return &PnLTracker{
		trades:    make([]model.Trade, 0, 500),
		costBasis: make(map[string]costEntry),
	}
}

// RecordTrade records a fill and returns the P&L it realized. size is the
// contract multiplier.
func (p *PnLTracker) RecordTrade(t model.Trade, size float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.trades = append(p.trades, t)
	key := t.Strategy + ":" + t.Symbol
	entry := p.costBasis[key]

	qty := t.Volume
	if t.Direction == model.Short {
		qty = -qty
	}

	var realized float64
	switch {
	case entry.Qty == 0 || sameSign(entry.Qty, qty):
		// Increase position: weighted average price.
		total := entry.AvgPrice*abs(entry.Qty) + t.Price*abs(qty)
		entry.Qty += qty
		entry.AvgPrice = total / abs(entry.Qty)
	default:
		// Reduce or reverse.
		closing := abs(qty)
		if closing > abs(entry.Qty) {
			closing = abs(entry.Qty)
		}
		if entry.Qty > 0 {
			realized = (t.Price - entry.AvgPrice) * closing * size
		} else {
			realized = (entry.AvgPrice - t.Price) * closing * size
		}
		entry.Qty += qty
		switch {
		case entry.Qty == 0:
			entry.AvgPrice = 0
		case !sameSign(entry.Qty, -qty):
			// Reversed through flat: the remainder opened at the fill price.
			entry.AvgPrice = t.Price
		}
		p.realizedPnL += realized
	}

	p.costBasis[key] = entry
	return realized
}

// GetRealizedPnL returns total realized P&L.
func (p *PnLTracker) GetRealizedPnL() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.realizedPnL
}

// GetTrades returns a snapshot of all trades.
func (p *PnLTracker) GetTrades() []model.Trade {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]model.Trade, len(p.trades))
	copy(cp, p.trades)
	return cp
}

// PnLSummary is a point-in-time P&L report.
type PnLSummary struct {
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	TotalPnL      float64 `json:"total_pnl"`
	TotalTrades   int     `json:"total_trades"`
	OpenPositions int     `json:"open_positions"`
}

// GetSummary combines realized P&L with the portfolio's mark-to-market.
func (p *PnLTracker) GetSummary(pf *Portfolio) PnLSummary {
	unrealized := pf.TotalUnrealizedPnL()
	open := len(pf.GetPositions())

	p.mu.RLock()
	defer p.mu.RUnlock()
	return PnLSummary{
		RealizedPnL:   p.realizedPnL,
		UnrealizedPnL: unrealized,
		TotalPnL:      p.realizedPnL + unrealized,
		TotalTrades:   len(p.trades),
		OpenPositions: open,
	}
}

func sameSign(a, b float64) bool { return (a > 0) == (b > 0) }

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
