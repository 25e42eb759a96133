// Package bus fans feed ticks out to the trader's consumers.
package bus

import (
	"context"
	"sync"
	"time"

	"vqi-trader/internal/metrics"
	"vqi-trader/internal/model"
)

type subscriber struct {
	name    string
	ch      chan model.Tick
	symbols map[string]bool // nil = every symbol
}

func (s *subscriber) wants(symbol string) bool {
	return s.symbols == nil || s.symbols[symbol]
}

// FanOut delivers each tick to every named subscriber interested in its
// symbol. Delivery never blocks: a full subscriber loses the tick, which is
// counted in metrics.DroppedTicks, so a slow consumer cannot stall the feed.
type FanOut struct {
	mu      sync.RWMutex
	subs    []*subscriber
	bufSize int
	m       *metrics.Metrics

	// OnDrop, if set, is called with the subscriber name on every drop.
	OnDrop func(name string)
}

// New creates a FanOut whose subscriber channels hold bufSize ticks. m may
// be nil.
func New(bufSize int, m *metrics.Metrics) *FanOut {
	return &FanOut{bufSize: bufSize, m: m}
}

// Subscribe registers a consumer and returns its channel. With symbols it
// only receives ticks for those instruments. Subscribe before Run.
func (f *FanOut) Subscribe(name string, symbols ...string) <-chan model.Tick {
	s := &subscriber{name: name, ch: make(chan model.Tick, f.bufSize)}
	if len(symbols) > 0 {
		s.symbols = make(map[string]bool, len(symbols))
		for _, sym := range symbols {
			s.symbols[sym] = true
		}
	}
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()
	return s.ch
}

// Run distributes ticks from input until ctx ends or input closes, then
// closes every subscriber channel.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Tick) {
	defer func() {
		f.mu.RLock()
		for _, s := range f.subs {
			close(s.ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-input:
			if !ok {
				return
			}
			f.deliver(t)
		}
	}
}

func (f *FanOut) deliver(t model.Tick) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		if !s.wants(t.Symbol) {
			continue
		}
		select {
		case s.ch <- t:
		default:
			if f.m != nil {
				f.m.DroppedTicks.Inc()
			}
			if f.OnDrop != nil {
				f.OnDrop(s.name)
			}
		}
	}
}

// Saturation returns each subscriber's fill percentage by name.
func (f *FanOut) Saturation() map[string]float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]float64, len(f.subs))
	for _, s := range f.subs {
		if c := cap(s.ch); c > 0 {
			out[s.name] = float64(len(s.ch)) / float64(c) * 100
		}
	}
	return out
}

// ReportSaturation publishes Saturation to the queue saturation gauge every
// interval, labelled "fanout_<name>", until ctx ends.
func (f *FanOut) ReportSaturation(ctx context.Context, interval time.Duration) {
	if f.m == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, pct := range f.Saturation() {
				f.m.QueueSaturationPct.WithLabelValues("fanout_" + name).Set(pct)
			}
		}
	}
}
