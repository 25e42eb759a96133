// Package trend classifies the VQI reading into UP, DOWN or SIDE.
package trend

import (
	"math"

	"vqi-trader/internal/model"
)

// State is the classified market state.
type State int

const (
	Side State = iota
	Up
	Down
)

func (s State) String() string {
	switch s {
	case Up:
		return "UP"
	case Down:
		return "DOWN"
	default:
		return "SIDE"
	}
}

// HammerShape holds the hammer-candle thresholds. Body limits are absolute
// price units and must be scaled to the instrument's tick.
type HammerShape struct {
	MinBody    float64 `yaml:"min_body"`
	MaxBody    float64 `yaml:"max_body"`
	LowerRatio float64 `yaml:"lower_ratio"` // lower shadow >= LowerRatio * body
	UpperRatio float64 `yaml:"upper_ratio"` // upper shadow < UpperRatio * lower shadow
}

// DefaultHammer returns thresholds tuned for a 5-point tick index future.
func DefaultHammer() HammerShape {
	return HammerShape{MinBody: 5, MaxBody: 15, LowerRatio: 3, UpperRatio: 0.3}
}

// IsHammer reports whether b has a small body near the top of a long lower
// shadow.
func (h HammerShape) IsHammer(b model.Bar) bool {
	body := math.Abs(b.Close - b.Open)
	lower := math.Min(b.Close, b.Open) - b.Low
	upper := b.High - math.Max(b.Close, b.Open)
	return body >= h.MinBody && body <= h.MaxBody &&
		lower >= h.LowerRatio*body &&
		upper < h.UpperRatio*lower
}

// Classify maps the current and previous VQI values to a State. A hammer
// as the previous bar overrides a bearish previous reading to UP. prevBar may
// be nil when there is no previous bar.
func Classify(value, prev float64, prevBar *model.Bar, shape HammerShape) State {
	switch {
	case value > 0:
		return Up
	case prev < 0 && prevBar != nil && shape.IsHammer(*prevBar):
		return Up
	case value < 0:
		return Down
	default:
		return Side
	}
}
