// Package bargen builds fixed-window OHLC bars from ticks.
//
// A Generator serves one instrument and is driven synchronously by its
// owner, so a strategy sees the forming bar on every tick. The Aggregator
// wraps one Generator per instrument behind a channel pipeline and emits
// only finalized bars, for persistence.
package bargen

import (
	"time"

	"vqi-trader/internal/model"
)

// Update is the result of folding one tick into a Generator.
type Update struct {
	Bar    model.Bar  // the forming bar after this tick
	NewBar bool       // this tick opened Bar's bucket
	Closed *model.Bar // the bar finalized by this tick, if any
}

// Generator builds window bars for one instrument. Not goroutine-safe.
type Generator struct {
	symbol   string
	exchange string
	window   time.Duration

	cur     model.Bar
	started bool

	// OnDroppedTick is called for ticks that belong to an already finalized
	// bucket (optional).
	OnDroppedTick func(t model.Tick)
}

// New creates a generator for window-long bars. Buckets are aligned to the
// window on the absolute time line, so a 5m window yields :00, :05, ...
func New(symbol, exchange string, window time.Duration) *Generator {
	if window <= 0 {
		window = time.Minute
	}
	return &Generator{symbol: symbol, exchange: exchange, window: window}
}

// Window returns the bar length.
func (g *Generator) Window() time.Duration { return g.window }

// Update folds t into the current bar. ok is false when the tick is late
// and was dropped.
func (g *Generator) Update(t model.Tick) (u Update, ok bool) {
	bucket := t.TickTS.Truncate(g.window)

	if g.started {
		switch {
		case bucket.Before(g.cur.TS):
			if g.OnDroppedTick != nil {
				g.OnDroppedTick(t)
			}
			return Update{}, false
		case bucket.After(g.cur.TS):
			closed := g.finalize()
			u.Closed = &closed
		}
	}

	if !g.started {
		g.cur = model.Bar{
			Symbol:   g.symbol,
			Exchange: g.exchange,
			Window:   int(g.window / time.Minute),
			TS:       bucket,
			Open:     t.Price,
			High:     t.Price,
			Low:      t.Price,
			Close:    t.Price,
			Volume:   t.Volume,
			Forming:  true,
		}
		g.started = true
		u.NewBar = true
	} else {
		b := &g.cur
		if t.Price > b.High {
			b.High = t.Price
		}
		if t.Price < b.Low {
			b.Low = t.Price
		}
		b.Close = t.Price
		b.Volume += t.Volume
	}

	u.Bar = g.cur
	return u, true
}

// Flush finalizes the current bar if its bucket has ended by now.
func (g *Generator) Flush(now time.Time) (model.Bar, bool) {
	if !g.started || now.Before(g.cur.TS.Add(g.window)) {
		return model.Bar{}, false
	}
	return g.finalize(), true
}

// Current returns the forming bar.
func (g *Generator) Current() (model.Bar, bool) {
	return g.cur, g.started
}

func (g *Generator) finalize() model.Bar {
	b := g.cur
	b.Forming = false
	g.started = false
	return b
}
