// Package barseries provides a fixed-capacity rolling store of OHLC bars.
//
// Bars are addressed by absolute index: 0 is the first bar ever appended and
// indices keep growing after the ring wraps. Only the most recent Cap() bars
// are retained. The newest bar may be replaced in place while it is still
// forming; every older bar is immutable.
//
// A Series is not goroutine-safe; it is owned by a single strategy goroutine.
package barseries

import (
	"math"

	"vqi-trader/internal/model"
)

// Column selects one OHLC field.
type Column int

const (
	Open Column = iota
	High
	Low
	Close
)

// Series is a rolling OHLC store. Capacity is a power of two so the slot of
// an absolute index is index & mask.
type Series struct {
	bars []model.Bar
	mask int
	n    int // total bars ever appended
}

// New creates a series. capacity is rounded up to the next power of two.
// Minimum capacity is 2.
func New(capacity int) *Series {
	size := nextPow2(capacity)
	if size < 2 {
		size = 2
	}
	return &Series{
		bars: make([]model.Bar, size),
		mask: size - 1,
	}
}

// Update feeds a bar. When newBar is true (or the series is empty) the bar is
// appended at a new index, evicting the oldest retained bar once full.
// Otherwise it replaces the newest bar in place.
func (s *Series) Update(b model.Bar, newBar bool) {
	if newBar || s.n == 0 {
		s.bars[s.n&s.mask] = b
		s.n++
		return
	}
	s.bars[(s.n-1)&s.mask] = b
}

// Len returns the total number of bars ever appended. The newest bar has
// absolute index Len()-1.
func (s *Series) Len() int { return s.n }

// Cap returns the number of retained bars.
func (s *Series) Cap() int { return len(s.bars) }

// First returns the absolute index of the oldest retained bar.
func (s *Series) First() int {
	if s.n <= len(s.bars) {
		return 0
	}
	return s.n - len(s.bars)
}

// Has reports whether absolute index i is retained.
func (s *Series) Has(i int) bool {
	return i >= s.First() && i < s.n
}

// At returns the bar at absolute index i. ok is false if i is not retained.
func (s *Series) At(i int) (model.Bar, bool) {
	if !s.Has(i) {
		return model.Bar{}, false
	}
	return s.bars[i&s.mask], true
}

// Last returns the newest bar.
func (s *Series) Last() (model.Bar, bool) {
	return s.At(s.n - 1)
}

// Value returns one column of the bar at absolute index i, NaN if not retained.
func (s *Series) Value(col Column, i int) float64 {
	b, ok := s.At(i)
	if !ok {
		return math.NaN()
	}
	switch col {
	case Open:
		return b.Open
	case High:
		return b.High
	case Low:
		return b.Low
	default:
		return b.Close
	}
}

// Window copies column col for absolute indices [from, to] inclusive into dst
// (reallocated if too small) and returns it. from is clamped to First().
func (s *Series) Window(dst []float64, col Column, from, to int) []float64 {
	if from < s.First() {
		from = s.First()
	}
	if to >= s.n {
		to = s.n - 1
	}
	if to < from {
		return dst[:0]
	}
	size := to - from + 1
	if cap(dst) < size {
		dst = make([]float64, size)
	}
	dst = dst[:size]
	for i := range dst {
		dst[i] = s.Value(col, from+i)
	}
	return dst
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
