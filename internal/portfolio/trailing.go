package portfolio

import (
	"errors"
	"fmt"

	"vqi-trader/internal/model"
)

// ErrAlreadyArmed is returned by Enter on a stop that has already been
// entered. A stopped ratchet cannot be re-armed; create a new one.
var ErrAlreadyArmed = errors.New("trailing stop already armed")

// TrailState is the ratchet lifecycle.
type TrailState int

const (
	NotStarted TrailState = iota
	Active
	Stopped
)

func (s TrailState) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Stopped:
		return "STOPPED"
	default:
		return "NOT_STARTED"
	}
}

// Action is what the holder of a position should do after a price update.
type Action int

const (
	Continue Action = iota
	Exit
)

func (a Action) String() string {
	if a == Exit {
		return "EXIT"
	}
	return "CONTINUE"
}

// TrailingStop is a one-way stop for one side of a position. The stop
// follows the most favourable price seen since Enter at a fixed distance and
// never loosens.
//
// Not goroutine-safe; owned by the strategy that holds the position.
type TrailingStop struct {
	side     model.Direction
	trailing float64

	entry   float64
	extreme float64
	stop    float64
	state   TrailState
}

// NewTrailingStop creates an unarmed stop for side, trailing by distance.
func NewTrailingStop(side model.Direction, distance float64) *TrailingStop {
	return &TrailingStop{side: side, trailing: distance}
}

// Enter arms the stop at price.
func (t *TrailingStop) Enter(price float64) error {
	if t.state != NotStarted {
		return fmt.Errorf("%w: %s stop is %s", ErrAlreadyArmed, t.side, t.state)
	}
	t.entry = price
	t.extreme = price
	t.stop = t.level(price)
	t.state = Active
	return nil
}

// Update feeds a price. Unarmed stops always continue; a stopped one always
// exits.
func (t *TrailingStop) Update(price float64) Action {
	switch t.state {
	case NotStarted:
		return Continue
	case Stopped:
		return Exit
	}

	if t.favourable(price, t.extreme) {
		t.extreme = price
		if s := t.level(price); t.favourable(s, t.stop) {
			t.stop = s
		}
	}

	if t.breached(price) {
		t.state = Stopped
		return Exit
	}
	return Continue
}

func (t *TrailingStop) State() TrailState { return t.state }
func (t *TrailingStop) Side() model.Direction { return t.side }
func (t *TrailingStop) Distance() float64 { return t.trailing }
func (t *TrailingStop) Entry() float64 { return t.entry }
func (t *TrailingStop) Extreme() float64 { return t.extreme }
func (t *TrailingStop) Stop() float64 { return t.stop }

func (t *TrailingStop) level(extreme float64) float64 {
	if t.side == model.Long {
		return extreme - t.trailing
	}
	return extreme + t.trailing
}

// favourable reports whether a is better than b for the stop's side.
func (t *TrailingStop) favourable(a, b float64) bool {
	if t.side == model.Long {
		return a > b
	}
	return a < b
}

func (t *TrailingStop) breached(price float64) bool {
	if t.side == model.Long {
		return price <= t.stop
	}
	return price >= t.stop
}
