// Package execution turns order intents into gateway requests.
//
// The Reconciler makes placement idempotent without waiting for broker
// acknowledgements: every decision cycle re-evaluates the same intent against
// whatever the gateway currently reports, cancels anything that does not
// match, and submits only when nothing is live and nothing is still being
// cancelled. Repeated cycles converge to exactly one live matching order.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vqi-trader/internal/metrics"
	"vqi-trader/internal/model"
	"vqi-trader/internal/pricing"
)

// Outcome is the result of one reconciliation pass.
type Outcome int

const (
	// Cancelling: non-matching orders were found and cancels were requested,
	// or a gateway request failed. Retry next cycle.
	Cancelling Outcome = iota
	// Live: a matching order is already working. Do not submit.
	Live
	// Clear: nothing outstanding. The caller may submit.
	Clear
	// Submitted: Place sent a new order.
	Submitted
)

func (o Outcome) String() string {
	switch o {
	case Live:
		return "live"
	case Clear:
		return "clear"
	case Submitted:
		return "submitted"
	default:
		return "cancelling"
	}
}

// Settled reports whether the intent is satisfied for this cycle: an order
// for it is working or was just sent.
func (o Outcome) Settled() bool { return o == Live || o == Submitted }

// Reconciler reconciles intents for one strategy on one instrument. Not
// goroutine-safe; owned by the strategy goroutine.
type Reconciler struct {
	gw       model.OrderGateway
	strategy string
	inst     model.Instrument
	log      *slog.Logger
	m        *metrics.Metrics

	now      func() time.Time

	// cancels requested and not yet observed terminal, by request time
	inflight map[string]time.Time
}

// CancelRetry is how long a requested cancel is trusted before it is sent
// again for an order that is still working.
const CancelRetry = time.Second

// NewReconciler creates a reconciler. m may be nil.
func NewReconciler(gw model.OrderGateway, strategy string, inst model.Instrument, log *slog.Logger, m *metrics.Metrics) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		gw:       gw,
		strategy: strategy,
		inst:     inst,
		log:      log.With("component", "reconciler", "strategy", strategy),
		m:        m,
		now:      time.Now,
		inflight: make(map[string]time.Time),
	}
}

// SetClock replaces the clock used to age in-flight cancels.
func (r *Reconciler) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Matches reports whether o is a working order for intent. Prices are
// compared on the instrument's tick grid.
func (r *Reconciler) Matches(o model.Order, intent model.OrderIntent) bool {
	return o.Direction == intent.Direction &&
		o.Offset == intent.Offset &&
		pricing.Equal(o.Price, intent.Price, r.inst.PriceTick)
}

// Reconcile cancels every working order that does not match intent and
// reports whether a matching one exists.
//
// Ids that no longer resolve, or resolve to terminal orders, are ignored.
// A cancel is sent again when the order is still working CancelRetry after
// the last request, so a lost cancel never wedges the intent. Cancel
// failures are returned with Cancelling so the caller retries.
func (r *Reconciler) Reconcile(ctx context.Context, intent model.OrderIntent) (Outcome, error) {
	var matched, stale []model.Order
	for _, o := range r.working() {
		if r.Matches(o, intent) {
			matched = append(matched, o)
		} else {
			stale = append(stale, o)
		}
	}

	if len(stale) > 0 {
		var errs []error
		for _, o := range stale {
			if _, err := r.cancel(ctx, o.ID); err != nil {
				errs = append(errs, err)
			}
		}
		r.log.Debug("cancelling stale orders", "intent", intent.String(), "count", len(stale))
		return r.record(Cancelling), errors.Join(errs...)
	}
	if len(matched) > 0 {
		return r.record(Live), nil
	}
	return r.record(Clear), nil
}

// Place reconciles intent and submits a new order of volume when the book is
// clear. A failed submit returns Cancelling with the error; the intent is
// simply re-evaluated next cycle.
func (r *Reconciler) Place(ctx context.Context, intent model.OrderIntent, volume float64, reference string) (Outcome, error) {
	out, err := r.Reconcile(ctx, intent)
	if out != Clear {
		return out, err
	}

	req := model.OrderRequest{
		Strategy:  r.strategy,
		Symbol:    r.inst.Symbol,
		Exchange:  r.inst.Exchange,
		Direction: intent.Direction,
		Offset:    intent.Offset,
		Price:     pricing.RoundTo(intent.Price, r.inst.PriceTick),
		Volume:    volume,
		Reference: reference,
	}
	id, err := r.gw.Submit(ctx, req)
	if err != nil {
		if r.m != nil {
			r.m.GatewayErrors.WithLabelValues("submit").Inc()
		}
		r.log.Warn("submit failed", "intent", intent.String(), "error", err)
		return Cancelling, fmt.Errorf("submit %s: %w", intent, err)
	}
	if r.m != nil {
		r.m.OrdersSubmitted.WithLabelValues(r.strategy, reference).Inc()
	}
	r.log.Info("order submitted", "order_id", id, "intent", intent.String(), "volume", volume, "reference", reference)
	return r.record(Submitted), nil
}

// CancelAll requests cancellation of every working order of the strategy and
// returns how many cancels were sent.
func (r *Reconciler) CancelAll(ctx context.Context) (int, error) {
	var errs []error
	n := 0
	for _, o := range r.working() {
		sent, err := r.cancel(ctx, o.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if sent {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// working resolves the strategy's active ids, drops unresolvable and
// terminal ones, and forgets in-flight cancels that have completed.
func (r *Reconciler) working() []model.Order {
	ids := r.gw.ActiveOrderIDs(r.strategy)
	orders := make([]model.Order, 0, len(ids))
	live := make(map[string]bool, len(ids))
	for _, id := range ids {
		o, ok := r.gw.Order(id)
		if !ok || !o.IsActive() {
			continue
		}
		orders = append(orders, o)
		live[id] = true
	}
	for id := range r.inflight {
		if !live[id] {
			delete(r.inflight, id)
		}
	}
	return orders
}

// cancel requests cancellation of id unless a request younger than
// CancelRetry is outstanding. sent reports whether a request went out.
func (r *Reconciler) cancel(ctx context.Context, id string) (sent bool, err error) {
	now := r.now()
	if at, ok := r.inflight[id]; ok && now.Sub(at) < CancelRetry {
		return false, nil
	}
	if err := r.gw.Cancel(ctx, id); err != nil {
		if r.m != nil {
			r.m.GatewayErrors.WithLabelValues("cancel").Inc()
		}
		return false, fmt.Errorf("cancel %s: %w", id, err)
	}
	if _, retry := r.inflight[id]; retry {
		r.log.Warn("cancel not applied, resending", "order_id", id)
	}
	r.inflight[id] = now
	if r.m != nil {
		r.m.OrdersCancelled.WithLabelValues(r.strategy).Inc()
	}
	return true, nil
}

func (r *Reconciler) record(o Outcome) Outcome {
	if r.m != nil {
		r.m.ReconcileTotal.WithLabelValues(r.strategy, o.String()).Inc()
	}
	return o
}
