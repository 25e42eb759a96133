package indicator

import (
	"fmt"
	"math"

	"vqi-trader/internal/barseries"
)

// ColumnMA is a moving average of one OHLC column over the newest Period
// bars. Strategies use it on closes for the smoothed entry reference price.
type ColumnMA struct {
	series *barseries.Series
	col    barseries.Column
	period int
	method Method
	name   string
	last   float64
	buf    []float64
}

// NewColumnMA creates a column moving average.
func NewColumnMA(series *barseries.Series, col barseries.Column, period int, m Method) (*ColumnMA, error) {
	if period < 1 {
		return nil, fmt.Errorf("%w: period must be >= 1, got %d", ErrInvalidConfig, period)
	}
	if !m.Valid() {
		return nil, fmt.Errorf("%w: unsupported moving average %q", ErrInvalidConfig, m)
	}
	return &ColumnMA{
		series: series,
		col:    col,
		period: period,
		method: m,
		name:   fmt.Sprintf("%s_%d", m, period),
	}, nil
}

func (a *ColumnMA) Name() string { return a.name }

func (a *ColumnMA) Ready() bool { return a.series.Len() >= a.period }

func (a *ColumnMA) Value() float64 { return a.last }

// Update recomputes the average ending at the newest bar. The average is
// cheap enough that closed makes no difference.
func (a *ColumnMA) Update(closed bool) float64 {
	ix := a.series.Len() - 1
	if !a.Ready() {
		a.last = 0
		return 0
	}
	a.buf = a.series.Window(a.buf, a.col, ix-a.period+1, ix)
	v := a.method.Last(a.buf)
	if len(a.buf) != a.period || math.IsNaN(v) {
		v = 0
	}
	a.last = v
	return v
}

var (
	_ Indicator = (*VQI)(nil)
	_ Indicator = (*ColumnMA)(nil)
)
