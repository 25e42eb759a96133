// Package indicator computes technical indicators over a barseries.Series.
//
// Indicators read the shared series owned by their strategy; they never
// copy bars. Update is called once per strategy cycle after the series has
// been fed, with closed telling whether the newest bar is final.
package indicator

import "errors"

// Indicator is the interface for bar-series indicators.
type Indicator interface {
	// Name returns the indicator name (e.g., "VQI_5_2", "SMA_3").
	Name() string

	// Update recalculates against the current series and returns the value
	// for the newest bar. closed reports whether the newest bar is final.
	Update(closed bool) float64

	// Value returns the value for the newest computed bar. Returns 0 if not
	// enough data.
	Value() float64

	// Ready returns true when enough bars have been accumulated.
	Ready() bool
}

// ErrInvalidConfig is wrapped by every indicator configuration error.
var ErrInvalidConfig = errors.New("invalid indicator config")
