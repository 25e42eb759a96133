package model

import "testing"

func holding(pos float64) Position { return Position{Symbol: "NK225M", Pos: pos} }

func TestPosition_Side(t *testing.T) {
	tests := []struct {
		pos               float64
		flat, long, short bool
	}{
		{0, true, false, false},
		{2, false, true, false},
		{-1, false, false, true},
	}
	for _, tt := range tests {
		// Called on a returned value, the way strategies expose Position().
		if got := holding(tt.pos).Flat(); got != tt.flat {
			t.Errorf("pos %v: Flat = %v", tt.pos, got)
		}
		if got := holding(tt.pos).Long(); got != tt.long {
			t.Errorf("pos %v: Long = %v", tt.pos, got)
		}
		if got := holding(tt.pos).Short(); got != tt.short {
			t.Errorf("pos %v: Short = %v", tt.pos, got)
		}
	}
}
