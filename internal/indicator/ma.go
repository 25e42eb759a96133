package indicator

import (
	"fmt"
	"math"
	"strings"

	"github.com/markcheno/go-talib"
)

// Method selects a moving-average kernel.
//
// Only finite-window averages are supported: the value at a bar depends on
// exactly Period source values, which is what lets the VQI engine recompute
// just the tail of the series and still agree with a full recompute.
type Method string

const (
	MethodSMA   Method = "SMA"
	MethodLWMA  Method = "LWMA" // linear weighted
	MethodTRIMA Method = "TRIMA"
)

// ParseMethod accepts a method name or the MetaTrader-style mode number
// (0 = SMA, 3 = LWMA).
func ParseMethod(s string) (Method, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SMA", "0":
		return MethodSMA, nil
	case "LWMA", "WMA", "3":
		return MethodLWMA, nil
	case "TRIMA":
		return MethodTRIMA, nil
	case "EMA", "SMMA", "DEMA", "TEMA", "KAMA", "1", "2":
		return "", fmt.Errorf("%w: moving average %q is recursive, use SMA, LWMA or TRIMA", ErrInvalidConfig, s)
	}
	return "", fmt.Errorf("%w: unknown moving average %q", ErrInvalidConfig, s)
}

// Valid reports whether m is a supported method.
func (m Method) Valid() bool {
	switch m {
	case MethodSMA, MethodLWMA, MethodTRIMA:
		return true
	}
	return false
}

// Last returns the average of window, which must hold exactly one period of
// values. NaN inputs yield NaN.
func (m Method) Last(window []float64) float64 {
	n := len(window)
	if n == 0 {
		return math.NaN()
	}
	for _, v := range window {
		if math.IsNaN(v) {
			return math.NaN()
		}
	}
	if n == 1 {
		return window[0]
	}
	var out []float64
	switch m {
	case MethodLWMA:
		out = talib.Wma(window, n)
	case MethodTRIMA:
		out = talib.Trima(window, n)
	default:
		out = talib.Sma(window, n)
	}
	return out[n-1]
}
