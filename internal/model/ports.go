package model

import (
	"context"
	"time"
)

// ── Port Interfaces ──
// These decouple the strategy core from concrete gateways, stores and
// telemetry sinks. The core only ever talks to these.

// OrderGateway is the broker boundary. Submit and Cancel are requests: they
// return once the request is accepted for delivery, not when the broker has
// acted on it. Outcomes arrive later as order and trade events.
type OrderGateway interface {
	// Submit sends a new limit order and returns its id.
	Submit(ctx context.Context, req OrderRequest) (string, error)

	// Cancel requests cancellation of an order.
	Cancel(ctx context.Context, orderID string) error

	// ActiveOrderIDs returns the ids the gateway still tracks for a strategy.
	// The set may contain ids that are already terminal.
	ActiveOrderIDs(strategy string) []string

	// Order resolves an id to its current state. ok is false for unknown ids.
	Order(orderID string) (Order, bool)
}

// BarReader reads historical bars for warm-up and replay.
type BarReader interface {
	// ReadBars returns bars for exchange:symbol and window with TS > after, oldest first.
	ReadBars(exchange, symbol string, window int, after time.Time) ([]Bar, error)

	// Close releases underlying resources.
	Close() error
}

// BarWriter persists finalized bars.
type BarWriter interface {
	// Run reads bars from barCh and writes them until ctx is done or barCh closes.
	Run(ctx context.Context, barCh <-chan Bar)

	// Close releases underlying resources.
	Close() error
}

// Snapshot is the strategy state pushed to telemetry/UI consumers.
type Snapshot struct {
	Strategy  string    `json:"strategy"`
	Symbol    string    `json:"symbol"`
	VQI       float64   `json:"vqi"`
	PrevVQI   float64   `json:"prev_vqi"`
	Trend     string    `json:"trend"`
	Close     float64   `json:"close"`
	RefPrice  float64   `json:"ref_price"`
	CloseTime time.Time `json:"close_time"`
	Pos       float64   `json:"pos"`
	Trading   bool      `json:"trading"`
	TS        time.Time `json:"ts"`
}

// Publisher pushes snapshots to telemetry consumers. Fire-and-forget:
// implementations must not block the caller on delivery.
type Publisher interface {
	Publish(ctx context.Context, snap Snapshot)
}

// Publishers publishes every snapshot to each of its elements in order.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, snap Snapshot) {
	for _, p := range ps {
		p.Publish(ctx, snap)
	}
}
