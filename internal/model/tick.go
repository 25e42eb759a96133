package model

import "time"

// Tick is a single last-trade update from the market data feed.
type Tick struct {
	Symbol   string    `json:"symbol"`
	Exchange string    `json:"exchange"`
	Price    float64   `json:"price"`
	Volume   float64   `json:"volume"` // last traded quantity
	TickTS   time.Time `json:"tick_ts"`
}

// Key returns "exchange:symbol".
func (t Tick) Key() string {
	return t.Exchange + ":" + t.Symbol
}
