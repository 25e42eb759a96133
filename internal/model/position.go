package model

// Position is the strategy-level position for one instrument.
// Pos is signed: positive = long, negative = short.
type Position struct {
	Symbol     string  `json:"symbol"`
	Pos        float64 `json:"pos"`
	LongPrice  float64 `json:"long_price"`  // entry price of the current/last long
	ShortPrice float64 `json:"short_price"` // entry price of the current/last short
}

// Flat reports whether no position is held.
func (p Position) Flat() bool { return p.Pos == 0 }

// Long reports whether a long position is held.
func (p Position) Long() bool { return p.Pos > 0 }

// Short reports whether a short position is held.
func (p Position) Short() bool { return p.Pos < 0 }
