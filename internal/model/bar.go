package model

import (
	"encoding/json"
	"time"
)

// Bar is an OHLC bar for one instrument over a fixed window.
// Prices are in instrument price units (points), not minor currency units.
type Bar struct {
	Symbol   string    `json:"symbol"`
	Exchange string    `json:"exchange"`
	Window   int       `json:"window"` // bar length in minutes
	TS       time.Time `json:"ts"`     // bucket start time, window-aligned
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	Forming  bool      `json:"forming"` // true while the bucket is still open
}

// Key returns "exchange:symbol".
func (b Bar) Key() string {
	return b.Exchange + ":" + b.Symbol
}

// Range returns High - Low.
func (b Bar) Range() float64 {
	return b.High - b.Low
}

// JSON returns the JSON-encoded bar.
func (b Bar) JSON() []byte {
	data, _ := json.Marshal(b)
	return data
}
