package bargen

import (
	"context"
	"log"
	"time"

	"vqi-trader/internal/model"
)

// Aggregator builds finalized window bars for many instruments from a tick
// stream. It runs in a single goroutine.
type Aggregator struct {
	window time.Duration
	gens   map[string]*Generator // key = "exchange:symbol"

	flushInterval time.Duration
	now           func() time.Time

	// Metrics hooks (optional, set externally)
	OnDroppedTick func()
	OnBar         func(b model.Bar)
}

// NewAggregator creates an aggregator for window-long bars.
func NewAggregator(window time.Duration) *Aggregator {
	return &Aggregator{
		window:        window,
		gens:          make(map[string]*Generator),
		flushInterval: 100 * time.Millisecond, // check frequency for bucket rollover
		now:           time.Now,
	}
}

// Run consumes ticks from tickCh and sends finalized bars to barCh. Blocks
// until ctx is cancelled or tickCh closes; open bars are flushed on exit.
func (a *Aggregator) Run(ctx context.Context, tickCh <-chan model.Tick, barCh chan<- model.Bar) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flushAll(barCh)
			return

		case tick, ok := <-tickCh:
			if !ok {
				a.flushAll(barCh)
				return
			}
			a.processTick(tick, barCh)

		case <-ticker.C:
			// Emit bars whose bucket ended without a new tick.
			a.flushOld(a.now(), barCh)
		}
	}
}

func (a *Aggregator) processTick(t model.Tick, barCh chan<- model.Bar) {
	key := t.Key()
	g, ok := a.gens[key]
	if !ok {
		g = New(t.Symbol, t.Exchange, a.window)
		g.OnDroppedTick = func(model.Tick) {
			if a.OnDroppedTick != nil {
				a.OnDroppedTick()
			}
		}
		a.gens[key] = g
	}
	u, ok := g.Update(t)
	if ok && u.Closed != nil {
		a.emit(*u.Closed, barCh)
	}
}

func (a *Aggregator) flushOld(now time.Time, barCh chan<- model.Bar) {
	for _, g := range a.gens {
		if b, ok := g.Flush(now); ok {
			a.emit(b, barCh)
		}
	}
}

func (a *Aggregator) flushAll(barCh chan<- model.Bar) {
	for _, g := range a.gens {
		if b, ok := g.Current(); ok {
			b.Forming = false
			a.emit(b, barCh)
		}
	}
	a.gens = make(map[string]*Generator)
}

// emit sends a finalized bar to barCh. Non-blocking to avoid deadlocks.
func (a *Aggregator) emit(b model.Bar, barCh chan<- model.Bar) {
	if a.OnBar != nil {
		a.OnBar(b)
	}
	select {
	case barCh <- b:
	default:
		log.Printf("[bargen] barCh full, dropping bar %s ts=%v", b.Key(), b.TS)
	}
}
