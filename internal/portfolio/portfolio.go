// Package portfolio tracks positions, P&L, and portfolio-level risk.
//
// Strategies keep their own model.Position and update it with ApplyFill on
// their goroutine. The shared Portfolio aggregates the same fills across all
// strategies for exposure, P&L and the risk gate.
package portfolio

import (
	"sort"
	"sync"

	"vqi-trader/internal/model"
)

// ApplyFill updates p with a confirmed fill. Opening fills record the fill
// price as the entry price for that side.
func ApplyFill(p *model.Position, t model.Trade) {
	if t.Direction == model.Long {
		p.Pos += t.Volume
	} else {
		p.Pos -= t.Volume
	}
	if t.Offset == model.Open {
		if t.Direction == model.Long {
			p.LongPrice = t.Price
		} else {
			p.ShortPrice = t.Price
		}
	}
}

// Holding is one strategy's position in one instrument.
type Holding struct {
	model.Position
	Strategy  string  `json:"strategy"`
	Size      float64 `json:"size"`
	LastPrice float64 `json:"last_price"`
}

// EntryPrice returns the entry price of the open side, 0 when flat.
func (h *Holding) EntryPrice() float64 {
	switch {
	case h.Long():
		return h.LongPrice
	case h.Short():
		return h.ShortPrice
	}
	return 0
}

// UnrealizedPnL returns the mark-to-market P&L in currency.
func (h *Holding) UnrealizedPnL() float64 {
	if h.Flat() || h.LastPrice == 0 {
		return 0
	}
	return (h.LastPrice - h.EntryPrice()) * h.Pos * h.Size
}

// Portfolio tracks all holdings.
type Portfolio struct {
	mu       sync.RWMutex
	holdings map[string]*Holding // key = "strategy:symbol"
	sizes    map[string]float64  // symbol -> contract multiplier
}

// New creates a new empty Portfolio. Unknown instruments get size 1.
func New(instruments []model.Instrument) *Portfolio {
	sizes := make(map[string]float64, len(instruments))
	for _, in := range instruments {
		if in.Size > 0 {
			sizes[in.Symbol] = in.Size
		}
	}
	return &Portfolio{
		holdings: make(map[string]*Holding),
		sizes:    sizes,
	}
}

// Size returns the contract multiplier for symbol.
func (pf *Portfolio) Size(symbol string) float64 {
	if s, ok := pf.sizes[symbol]; ok {
		return s
	}
	return 1
}

// ApplyTrade applies a fill and returns the updated position.
func (pf *Portfolio) ApplyTrade(t model.Trade) model.Position {
	key := t.Strategy + ":" + t.Symbol
	pf.mu.Lock()
	defer pf.mu.Unlock()
	h, ok := pf.holdings[key]
	if !ok {
		h = &Holding{Strategy: t.Strategy, Size: pf.Size(t.Symbol)}
		h.Symbol = t.Symbol
		pf.holdings[key] = h
	}
	ApplyFill(&h.Position, t)
	h.LastPrice = t.Price
	return h.Position
}

// UpdatePrice marks every holding in symbol at price.
func (pf *Portfolio) UpdatePrice(symbol string, price float64) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	for _, h := range pf.holdings {
		if h.Symbol == symbol {
			h.LastPrice = price
		}
	}
}

// Position returns a strategy's position in symbol.
func (pf *Portfolio) Position(strategy, symbol string) model.Position {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	if h, ok := pf.holdings[strategy+":"+symbol]; ok {
		return h.Position
	}
	return model.Position{Symbol: symbol}
}

// GetPositions returns a snapshot of all non-flat holdings, sorted by key.
func (pf *Portfolio) GetPositions() []Holding {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	result := make([]Holding, 0, len(pf.holdings))
	for _, h := range pf.holdings {
		if !h.Flat() {
			result = append(result, *h)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Strategy != result[j].Strategy {
			return result[i].Strategy < result[j].Strategy
		}
		return result[i].Symbol < result[j].Symbol
	})
	return result
}

// TotalUnrealizedPnL returns the total unrealized P&L across all holdings.
func (pf *Portfolio) TotalUnrealizedPnL() float64 {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	var total float64
	for _, h := range pf.holdings {
		total += h.UnrealizedPnL()
	}
	return total
}
