// Package replay reads historical bars from a bar store and emits them at a
// configurable speed for backtesting.
package replay

import (
	"context"
	"log"
	"sort"
	"time"

	"vqi-trader/internal/model"
)

// Source identifies one bar stream to replay.
type Source struct {
	Exchange string
	Symbol   string
	Window   int // minutes
}

// Replayer reads historical bars and replays them at a configurable speed.
type Replayer struct {
	reader model.BarReader
}

// New creates a Replayer backed by a bar reader.
func New(reader model.BarReader) *Replayer {
	return &Replayer{reader: reader}
}

// Load returns all bars for the sources after the given time, oldest first.
// Bars of different instruments that share a timestamp keep source order.
func (r *Replayer) Load(sources []Source, after time.Time) ([]model.Bar, error) {
	var all []model.Bar
	for _, s := range sources {
		bars, err := r.reader.ReadBars(s.Exchange, s.Symbol, s.Window, after)
		if err != nil {
			return nil, err
		}
		all = append(all, bars...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].TS.Before(all[j].TS) })
	return all, nil
}

// Run replays all bars for the sources, emitting them into outCh.
// speed controls the playback rate: 1.0 = real-time, 10.0 = 10x, 0 = as fast as possible.
func (r *Replayer) Run(ctx context.Context, sources []Source, after time.Time, speed float64, outCh chan<- model.Bar) error {
	bars, err := r.Load(sources, after)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		log.Println("[replay] no bars found in store")
		return nil
	}

	log.Printf("[replay] loaded %d bars across %d sources, speed=%.1fx", len(bars), len(sources), speed)

	var prevTS time.Time
	emitted := 0

	for _, b := range bars {
		// Simulate time gaps between bars
		if speed > 0 && !prevTS.IsZero() {
			gap := b.TS.Sub(prevTS)
			if gap > 0 {
				scaledGap := time.Duration(float64(gap) / speed)
				// Cap max sleep to avoid very long waits
				if scaledGap > 5*time.Second {
					scaledGap = 5 * time.Second
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(scaledGap):
				}
			}
		}
		prevTS = b.TS

		b.Forming = false
		select {
		case <-ctx.Done():
			log.Printf("[replay] cancelled after %d bars", emitted)
			return ctx.Err()
		case outCh <- b:
		}
		emitted++
	}

	log.Printf("[replay] completed: %d bars replayed", emitted)
	return nil
}

// Ticks expands a bar into four synthetic ticks spread across its window:
// open, the nearer extreme, the farther extreme, close. A bullish bar visits
// its low first, a bearish one its high.
func Ticks(b model.Bar) []model.Tick {
	window := time.Duration(b.Window) * time.Minute
	if window <= 0 {
		window = time.Minute
	}
	step := window / 4

	first, second := b.Low, b.High
	if b.Close < b.Open {
		first, second = b.High, b.Low
	}
	prices := [4]float64{b.Open, first, second, b.Close}
	vol := b.Volume / 4

	out := make([]model.Tick, len(prices))
	for i, p := range prices {
		out[i] = model.Tick{
			Symbol:   b.Symbol,
			Exchange: b.Exchange,
			Price:    p,
			Volume:   vol,
			TickTS:   b.TS.Add(time.Duration(i) * step),
		}
	}
	return out
}
