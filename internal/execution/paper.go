package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"vqi-trader/internal/model"
)

// ErrUnknownOrder is returned when cancelling an id the gateway never issued.
var ErrUnknownOrder = errors.New("unknown order")

// EventSink receives order and trade updates from a gateway.
type EventSink interface {
	OnOrder(o model.Order)
	OnTrade(t model.Trade)
}

// PaperConfig controls the simulated broker.
type PaperConfig struct {
	// Latency delays acknowledgement of submits and cancels. Requests are
	// applied by the first Advance at or after their due time.
	Latency time.Duration `yaml:"latency"`
}

type reqKind int

const (
	reqAck reqKind = iota
	reqCancel
)

type pendingReq struct {
	kind reqKind
	id   string
	due  time.Time
}

type paperEvent struct {
	order *model.Order
	trade *model.Trade
}

// PaperGateway is an in-process model.OrderGateway that simulates broker
// round-trips. Submits and cancels take effect only after Latency has passed
// on the gateway clock, which is driven by Advance and UpdatePrice. Working
// limit orders fill in full when the market trades through their price.
//
// Goroutine-safe. Sink callbacks run without the gateway lock held.
type PaperGateway struct {
	mu      sync.Mutex
	cfg     PaperConfig
	orders  map[string]*model.Order
	active  map[string]map[string]struct{} // strategy -> order ids
	pending []pendingReq
	last    map[string]float64 // symbol -> last price
	trades  []model.Trade
	now     time.Time

	orderSeq int64
	tradeSeq int64

	sink EventSink
	log  *slog.Logger
}

// NewPaperGateway creates a paper gateway. sink may be nil and set later.
func NewPaperGateway(cfg PaperConfig, sink EventSink, log *slog.Logger) *PaperGateway {
	if log == nil {
		log = slog.Default()
	}
	return &PaperGateway{
		cfg:    cfg,
		orders: make(map[string]*model.Order),
		active: make(map[string]map[string]struct{}),
		last:   make(map[string]float64),
		trades: make([]model.Trade, 0, 1000),
		sink:   sink,
		log:    log.With("component", "paper"),
	}
}

// SetSink sets the receiver of order and trade updates.
func (p *PaperGateway) SetSink(s EventSink) {
	p.mu.Lock()
	p.sink = s
	p.mu.Unlock()
}

// Submit queues a new limit order. The returned order is SUBMITTING until
// acknowledged.
func (p *PaperGateway) Submit(ctx context.Context, req model.OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Volume <= 0 || req.Price <= 0 {
		return "", fmt.Errorf("paper: invalid order %s %s %v@%v", req.Direction, req.Offset, req.Volume, req.Price)
	}

	p.mu.Lock()
	p.orderSeq++
	id := fmt.Sprintf("PAPER-%d", p.orderSeq)
	o := &model.Order{
		ID:        id,
		Strategy:  req.Strategy,
		Symbol:    req.Symbol,
		Exchange:  req.Exchange,
		Direction: req.Direction,
		Offset:    req.Offset,
		Price:     req.Price,
		Volume:    req.Volume,
		Status:    model.StatusSubmitting,
		Reference: req.Reference,
		CreatedAt: p.now,
		UpdatedAt: p.now,
	}
	p.orders[id] = o
	ids, ok := p.active[req.Strategy]
	if !ok {
		ids = make(map[string]struct{})
		p.active[req.Strategy] = ids
	}
	ids[id] = struct{}{}
	p.pending = append(p.pending, pendingReq{kind: reqAck, id: id, due: p.now.Add(p.cfg.Latency)})
	snap := *o
	sink := p.sink
	p.mu.Unlock()

	p.log.Debug("order queued", "order_id", id, "direction", req.Direction, "offset", req.Offset, "price", req.Price, "volume", req.Volume)
	if sink != nil {
		sink.OnOrder(snap)
	}
	return id, nil
}

// Cancel queues a cancel request. Cancelling a terminal order is a no-op.
func (p *PaperGateway) Cancel(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: %w: %s", ErrUnknownOrder, orderID)
	}
	if !o.IsActive() {
		return nil
	}
	p.pending = append(p.pending, pendingReq{kind: reqCancel, id: orderID, due: p.now.Add(p.cfg.Latency)})
	return nil
}

// ActiveOrderIDs returns the strategy's non-terminal order ids, sorted.
func (p *PaperGateway) ActiveOrderIDs(strategy string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.active[strategy]))
	for id := range p.active[strategy] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Order returns a copy of the order with the given id.
func (p *PaperGateway) Order(orderID string) (model.Order, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return model.Order{}, false
	}
	return *o, true
}

// Trades returns a snapshot of all simulated fills.
func (p *PaperGateway) Trades() []model.Trade {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]model.Trade, len(p.trades))
	copy(cp, p.trades)
	return cp
}

// Advance moves the gateway clock to now (never backwards) and applies every
// request that has become due.
func (p *PaperGateway) Advance(now time.Time) {
	p.mu.Lock()
	events := p.advanceLocked(now)
	sink := p.sink
	p.mu.Unlock()
	p.emit(sink, events)
}

// UpdatePrice advances the clock to ts, records the last price of symbol
// and fills working orders the price trades through. Buys fill at the lower
// of their limit and the market; sells at the higher.
func (p *PaperGateway) UpdatePrice(symbol string, price float64, ts time.Time) {
	p.mu.Lock()
	events := p.advanceLocked(ts)
	p.last[symbol] = price
	events = append(events, p.matchLocked(symbol)...)
	sink := p.sink
	p.mu.Unlock()
	p.emit(sink, events)
}

// Run advances the gateway on the wall clock until ctx is done. Used in live
// paper trading; backtests drive the clock through UpdatePrice instead.
func (p *PaperGateway) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.Advance(now)
		}
	}
}

func (p *PaperGateway) advanceLocked(now time.Time) []paperEvent {
	if now.After(p.now) {
		p.now = now
	}
	var events []paperEvent
	touched := make(map[string]struct{})
	kept := p.pending[:0]
	for _, r := range p.pending {
		if r.due.After(p.now) {
			kept = append(kept, r)
			continue
		}
		o := p.orders[r.id]
		switch {
		case r.kind == reqAck && o.Status == model.StatusSubmitting:
			o.Status = model.StatusNotTraded
			touched[o.Symbol] = struct{}{}
		case r.kind == reqCancel && o.IsActive():
			o.Status = model.StatusCancelled
			delete(p.active[o.Strategy], o.ID)
		default:
			continue
		}
		o.UpdatedAt = p.now
		snap := *o
		events = append(events, paperEvent{order: &snap})
	}
	p.pending = kept

	// Newly acknowledged orders may already be marketable.
	for sym := range touched {
		events = append(events, p.matchLocked(sym)...)
	}
	return events
}

func (p *PaperGateway) matchLocked(symbol string) []paperEvent {
	price, ok := p.last[symbol]
	if !ok {
		return nil
	}
	var ids []string
	for id, o := range p.orders {
		if o.Symbol == symbol && (o.Status == model.StatusNotTraded || o.Status == model.StatusPartTraded) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var events []paperEvent
	for _, id := range ids {
		o := p.orders[id]
		fillPrice := o.Price
		switch {
		case o.Direction == model.Long && price <= o.Price:
			if price < fillPrice {
				fillPrice = price
			}
		case o.Direction == model.Short && price >= o.Price:
			if price > fillPrice {
				fillPrice = price
			}
		default:
			continue
		}

		p.tradeSeq++
		t := model.Trade{
			TradeID:   fmt.Sprintf("PT-%d", p.tradeSeq),
			OrderID:   o.ID,
			Strategy:  o.Strategy,
			Symbol:    o.Symbol,
			Exchange:  o.Exchange,
			Direction: o.Direction,
			Offset:    o.Offset,
			Price:     fillPrice,
			Volume:    o.Volume - o.Traded,
			Reference: o.Reference,
			TradedAt:  p.now,
		}
		o.Traded = o.Volume
		o.Status = model.StatusAllTraded
		o.UpdatedAt = p.now
		delete(p.active[o.Strategy], o.ID)
		p.trades = append(p.trades, t)

		p.log.Info("paper fill", "order_id", o.ID, "strategy", o.Strategy, "direction", o.Direction,
			"offset", o.Offset, "price", fillPrice, "volume", t.Volume, "reference", o.Reference)

		snap := *o
		events = append(events, paperEvent{order: &snap}, paperEvent{trade: &t})
	}
	return events
}

func (p *PaperGateway) emit(sink EventSink, events []paperEvent) {
	if sink == nil {
		return
	}
	for _, ev := range events {
		if ev.order != nil {
			sink.OnOrder(*ev.order)
		}
		if ev.trade != nil {
			sink.OnTrade(*ev.trade)
		}
	}
}

var _ model.OrderGateway = (*PaperGateway)(nil)
