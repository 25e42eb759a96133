package indicator

import (
	"errors"
	"fmt"
	"math"

	"vqi-trader/internal/barseries"
)

// warmupMargin is added to Smoothing+Period so the first defined value has a
// full close-MA window at index i-Smoothing.
const warmupMargin = 1

// VQIConfig configures one VQI engine. Each strategy instance owns its own.
type VQIConfig struct {
	Period        int     `yaml:"period"`
	Smoothing     int     `yaml:"smoothing"`
	Method        Method  `yaml:"method"`
	FilterEnabled bool    `yaml:"filter_enabled"`
	Filter        float64 `yaml:"filter"`         // minimum significant move, in currency points
	CurrencyPoint float64 `yaml:"currency_point"` // usually the price tick
}

// Validate reports every invalid field at once.
func (c VQIConfig) Validate() error {
	var errs []error
	if c.Period < 1 {
		errs = append(errs, fmt.Errorf("%w: period must be >= 1, got %d", ErrInvalidConfig, c.Period))
	}
	if c.Smoothing < 1 {
		errs = append(errs, fmt.Errorf("%w: smoothing must be >= 1, got %d", ErrInvalidConfig, c.Smoothing))
	}
	if !c.Method.Valid() {
		errs = append(errs, fmt.Errorf("%w: unsupported moving average %q", ErrInvalidConfig, c.Method))
	}
	if c.FilterEnabled {
		if c.Filter < 0 {
			errs = append(errs, fmt.Errorf("%w: filter must be >= 0, got %v", ErrInvalidConfig, c.Filter))
		}
		if c.CurrencyPoint <= 0 {
			errs = append(errs, fmt.Errorf("%w: currency point must be > 0 when the filter is enabled", ErrInvalidConfig))
		}
	}
	return errors.Join(errs...)
}

// Warmup returns the first bar index with a defined oscillator value.
func (c VQIConfig) Warmup() int {
	return c.Smoothing + c.Period + warmupMargin
}

// Oscillator computes the VQI value from the open/high/low/close MAs at a bar
// and the close MA Smoothing bars earlier. Flat ranges and undefined inputs
// yield 0.
func Oscillator(o, h, l, c, c2 float64) float64 {
	v, _ := oscillator(o, h, l, c, c2)
	return v
}

// oscillator also reports whether the value is defined. An undefined value
// is a hard 0 that the filter must not replace.
func oscillator(o, h, l, c, c2 float64) (float64, bool) {
	if math.IsNaN(o) || math.IsNaN(h) || math.IsNaN(l) || math.IsNaN(c) || math.IsNaN(c2) {
		return 0, false
	}
	hl := h - l
	maxP := math.Max(hl, math.Max(h-c2, c2-l))
	if maxP == 0 || hl == 0 {
		return 0, false
	}
	return math.Abs(0.5*((c-c2)/maxP+(c-o)/hl)) * 0.5 * ((c - c2) + (c - o)), true
}

type vqiEntry struct {
	o, h, l, c float64
	value      float64
}

// VQI is the incremental volatility-quality oscillator.
//
// Values are cached per absolute bar index. Indices below valid are final
// and never recomputed. At most one index, tail, is mutable: it belongs to a
// bar that was still forming when it was last computed and is recomputed on
// the next Update.
type VQI struct {
	cfg    VQIConfig
	series *barseries.Series
	warmup int
	name   string

	started bool
	cache   []vqiEntry
	base    int // absolute index of cache[0]
	valid   int // indices < valid are final
	tail    int // mutable index, -1 if none
	last    float64

	buf []float64
}

// NewVQI creates an engine reading from series.
func NewVQI(series *barseries.Series, cfg VQIConfig) (*VQI, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &VQI{
		cfg:    cfg,
		series: series,
		warmup: cfg.Warmup(),
		name:   fmt.Sprintf("VQI_%d_%d", cfg.Period, cfg.Smoothing),
		tail:   -1,
	}, nil
}

func (v *VQI) Name() string { return v.name }

// Warmup returns the warm-up length W.
func (v *VQI) Warmup() int { return v.warmup }

// Ready is true once the newest bar index has reached the warm-up length.
func (v *VQI) Ready() bool { return v.started && v.series.Len()-1 >= v.warmup }

// Value returns the value computed by the last Update.
func (v *VQI) Value() float64 { return v.last }

// Valid returns the count of finalized indices.
func (v *VQI) Valid() int { return v.valid }

// Tail returns the mutable index, or -1.
func (v *VQI) Tail() int { return v.tail }

// Update brings the cache up to the newest bar and returns its value.
//
// The first call with enough history computes every retained index from the
// warm-up boundary (cold start). Later calls compute only from the first
// non-final index through the newest one. closed marks the newest bar final;
// otherwise it stays the mutable tail.
func (v *VQI) Update(closed bool) float64 {
	ix := v.series.Len() - 1
	if ix < v.warmup {
		v.last = 0
		return 0
	}
	if !v.started {
		from := v.warmup
		if first := v.series.First(); first > from {
			from = first
		}
		v.started = true
		v.base = from
		v.valid = from
		v.cache = v.cache[:0]
	}

	if ix < v.valid {
		// Newest bar is already final; its value cannot change.
		v.last = v.cache[ix-v.base].value
		return v.last
	}

	for i := v.valid; i <= ix; i++ {
		e := v.compute(i)
		if k := i - v.base; k < len(v.cache) {
			v.cache[k] = e
		} else {
			v.cache = append(v.cache, e)
		}
	}

	if closed {
		v.valid = ix + 1
		v.tail = -1
	} else {
		v.valid = ix
		v.tail = ix
	}
	v.last = v.cache[ix-v.base].value
	v.trim()
	return v.last
}

// At returns the cached value at absolute index i. Indices below the warm-up
// length are 0. ok is false for indices not computed or already trimmed.
func (v *VQI) At(i int) (float64, bool) {
	if i < 0 {
		return 0, false
	}
	if i < v.warmup {
		return 0, true
	}
	if !v.started || i < v.base || i >= v.base+len(v.cache) {
		return 0, false
	}
	return v.cache[i-v.base].value, true
}

// Prev returns the value one bar before the newest.
func (v *VQI) Prev() float64 {
	val, _ := v.At(v.series.Len() - 2)
	return val
}

func (v *VQI) compute(i int) vqiEntry {
	e := vqiEntry{
		o: v.ma(barseries.Open, i),
		h: v.ma(barseries.High, i),
		l: v.ma(barseries.Low, i),
		c: v.ma(barseries.Close, i),
	}
	value, ok := oscillator(e.o, e.h, e.l, e.c, v.closeMA(i-v.cfg.Smoothing))
	if ok && v.cfg.FilterEnabled && math.Abs(value) < v.cfg.Filter*v.cfg.CurrencyPoint {
		value, _ = v.At(i - 1)
	}
	e.value = value
	return e
}

// ma averages col over the Period bars ending at i. NaN if the window is not
// fully retained.
func (v *VQI) ma(col barseries.Column, i int) float64 {
	from := i - v.cfg.Period + 1
	if from < 0 || !v.series.Has(from) || !v.series.Has(i) {
		return math.NaN()
	}
	v.buf = v.series.Window(v.buf, col, from, i)
	return v.cfg.Method.Last(v.buf)
}

func (v *VQI) closeMA(i int) float64 {
	if v.started && i >= v.base && i < v.valid {
		return v.cache[i-v.base].c
	}
	return v.ma(barseries.Close, i)
}

// trim drops the oldest cache entries once the cache holds twice what is
// needed: one series worth, and never less than Smoothing+1 entries so the
// lagged close MA stays cached.
func (v *VQI) trim() {
	keep := v.series.Cap()
	if keep < v.cfg.Smoothing+1 {
		keep = v.cfg.Smoothing + 1
	}
	if len(v.cache) < 2*keep {
		return
	}
	drop := len(v.cache) - keep
	n := copy(v.cache, v.cache[drop:])
	v.cache = v.cache[:n]
	v.base += drop
}
