package model

import (
	"fmt"
	"time"
)

// Direction is the side of an order or trade.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Offset tells whether an order opens a new position or closes an existing one.
type Offset string

const (
	Open  Offset = "OPEN"
	Close Offset = "CLOSE"
)

// Status is the broker-side lifecycle state of an order.
type Status string

const (
	StatusSubmitting Status = "SUBMITTING"
	StatusNotTraded  Status = "NOTTRADED"
	StatusPartTraded Status = "PARTTRADED"
	StatusAllTraded  Status = "ALLTRADED"
	StatusCancelled  Status = "CANCELLED"
	StatusRejected   Status = "REJECTED"
)

// Active reports whether an order in this status can still trade.
func (s Status) Active() bool {
	switch s {
	case StatusSubmitting, StatusNotTraded, StatusPartTraded:
		return true
	}
	return false
}

// OrderIntent is an order the strategy wants live. It is compared against
// outstanding orders every cycle and never stored.
type OrderIntent struct {
	Price     float64   `json:"price"`
	Direction Direction `json:"direction"`
	Offset    Offset    `json:"offset"`
}

func (i OrderIntent) String() string {
	return fmt.Sprintf("%s/%s@%g", i.Direction, i.Offset, i.Price)
}

// OrderRequest is what gets sent to the gateway.
type OrderRequest struct {
	Strategy  string    `json:"strategy"`
	Symbol    string    `json:"symbol"`
	Exchange  string    `json:"exchange"`
	Direction Direction `json:"direction"`
	Offset    Offset    `json:"offset"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Reference string    `json:"reference"` // free-form reason, e.g. "stop_loss"
}

// Order is the gateway's view of a submitted order.
type Order struct {
	ID        string    `json:"order_id"`
	Strategy  string    `json:"strategy"`
	Symbol    string    `json:"symbol"`
	Exchange  string    `json:"exchange"`
	Direction Direction `json:"direction"`
	Offset    Offset    `json:"offset"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Traded    float64   `json:"traded"`
	Status    Status    `json:"status"`
	Reference string    `json:"reference"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive reports whether the order can still trade.
func (o Order) IsActive() bool {
	return o.Status.Active()
}

// Trade is a fill reported by the gateway.
type Trade struct {
	TradeID   string    `json:"trade_id"`
	OrderID   string    `json:"order_id"`
	Strategy  string    `json:"strategy"`
	Symbol    string    `json:"symbol"`
	Exchange  string    `json:"exchange"`
	Direction Direction `json:"direction"`
	Offset    Offset    `json:"offset"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Reference string    `json:"reference"`
	TradedAt  time.Time `json:"traded_at"`
}
