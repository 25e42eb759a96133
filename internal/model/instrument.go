package model

// Instrument describes the traded contract.
type Instrument struct {
	Symbol    string  `json:"symbol" yaml:"symbol"`
	Exchange  string  `json:"exchange" yaml:"exchange"`
	PriceTick float64 `json:"price_tick" yaml:"price_tick"` // minimum price increment
	Size      float64 `json:"size" yaml:"size"`             // contract multiplier
}

// Key returns "exchange:symbol".
func (i Instrument) Key() string {
	return i.Exchange + ":" + i.Symbol
}
