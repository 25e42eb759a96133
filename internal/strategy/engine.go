package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"vqi-trader/internal/logger"
	"vqi-trader/internal/model"
)

// ErrEventDropped is returned by Dispatch when an instrument's queue is full.
var ErrEventDropped = errors.New("strategy event queue full")

// EventKind identifies the payload of an Event.
type EventKind int

const (
	EventTick EventKind = iota
	EventBar
	EventOrder
	EventTrade
	EventTimer
)

func (k EventKind) String() string {
	switch k {
	case EventTick:
		return "tick"
	case EventBar:
		return "bar"
	case EventOrder:
		return "order"
	case EventTrade:
		return "trade"
	case EventTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// Event is one unit of work for a strategy.
type Event struct {
	Kind  EventKind
	Tick  model.Tick
	Bar   model.Bar
	Order model.Order
	Trade model.Trade
	Time  time.Time // timer events
}

// TickEvent wraps a tick.
func TickEvent(t model.Tick) Event { return Event{Kind: EventTick, Tick: t} }

// BarEvent wraps a bar.
func BarEvent(b model.Bar) Event { return Event{Kind: EventBar, Bar: b} }

// TimerEvent wraps a timer fire.
func TimerEvent(now time.Time) Event { return Event{Kind: EventTimer, Time: now} }

func (ev Event) symbol() string {
	switch ev.Kind {
	case EventTick:
		return ev.Tick.Symbol
	case EventBar:
		return ev.Bar.Symbol
	case EventOrder:
		return ev.Order.Symbol
	case EventTrade:
		return ev.Trade.Symbol
	}
	return ""
}

func (ev Event) ts() time.Time {
	switch ev.Kind {
	case EventTick:
		return ev.Tick.TickTS
	case EventBar:
		return ev.Bar.TS
	case EventOrder:
		return ev.Order.UpdatedAt
	case EventTrade:
		return ev.Trade.TradedAt
	}
	return ev.Time
}

// runner serializes all events of one instrument.
type runner struct {
	symbol     string
	strategies []Strategy
	byName     map[string]Strategy

	// Market data and timers. Bounded: ticks and timers are dropped when
	// full, bars wait.
	ch chan Event

	// Order and trade updates. Unbounded so a gateway calling back from the
	// runner's own goroutine can never block.
	mu      sync.Mutex
	pending []Event
	notify  chan struct{}
}

func (r *runner) push(ev Event) {
	r.mu.Lock()
	r.pending = append(r.pending, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *runner) take() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	evs := r.pending
	r.pending = nil
	return evs
}

// Engine routes events to strategies, one goroutine per instrument.
//
// In live mode Start launches the goroutines and Dispatch feeds them. In
// backtests Process delivers each event synchronously on the caller's
// goroutine instead. Engine implements execution.EventSink so a gateway can
// report order and trade updates to it directly.
type Engine struct {
	env       Env
	queueSize int

	mu      sync.RWMutex
	runners map[string]*runner
	symbols []string
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates an engine. queueSize bounds each instrument's market
// data queue.
func NewEngine(env Env, queueSize int) *Engine {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Engine{
		env:       env,
		queueSize: queueSize,
		runners:   make(map[string]*runner),
	}
}

// Add registers a strategy. Names must be unique. Not allowed once started.
func (e *Engine) Add(s Strategy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine: cannot add %s while running", s.Name())
	}
	for _, r := range e.runners {
		if _, dup := r.byName[s.Name()]; dup {
			return fmt.Errorf("engine: duplicate strategy name %q", s.Name())
		}
	}
	r, ok := e.runners[s.Symbol()]
	if !ok {
		r = &runner{
			symbol: s.Symbol(),
			byName: make(map[string]Strategy),
			ch:     make(chan Event, e.queueSize),
			notify: make(chan struct{}, 1),
		}
		e.runners[s.Symbol()] = r
		e.symbols = append(e.symbols, s.Symbol())
		sort.Strings(e.symbols)
	}
	r.strategies = append(r.strategies, s)
	r.byName[s.Name()] = s
	return nil
}

// Strategies returns all registered strategies grouped by symbol.
func (e *Engine) Strategies() []Strategy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Strategy
	for _, sym := range e.symbols {
		out = append(out, e.runners[sym].strategies...)
	}
	return out
}

// Symbols returns the instruments with at least one strategy.
func (e *Engine) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.symbols...)
}

// Init warms up every strategy with the bars load returns for it. load may
// be nil.
func (e *Engine) Init(ctx context.Context, load func(Strategy) ([]model.Bar, error)) error {
	var errs []error
	for _, s := range e.Strategies() {
		var history []model.Bar
		if load != nil {
			h, err := load(s)
			if err != nil {
				errs = append(errs, fmt.Errorf("load history for %s: %w", s.Name(), err))
				continue
			}
			history = h
		}
		if err := s.OnInit(ctx, history); err != nil {
			errs = append(errs, fmt.Errorf("init %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Start launches one goroutine per instrument. Each calls OnStart for its
// strategies first and OnStop when the engine stops.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.running = true
	for _, sym := range e.symbols {
		r := e.runners[sym]
		e.wg.Add(1)
		go e.run(ctx, r)
	}
	e.env.logger().Info("strategy engine started", "instruments", len(e.symbols))
}

// Stop cancels the runners and waits for them to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()

	e.mu.Lock()
	e.running = false
	e.cancel = nil
	e.mu.Unlock()
}

// StartSync calls OnStart on the caller's goroutine. Used with Process.
func (e *Engine) StartSync(ctx context.Context) {
	for _, s := range e.Strategies() {
		s.OnStart(ctx)
	}
}

// StopSync calls OnStop on the caller's goroutine. Used with Process.
func (e *Engine) StopSync(ctx context.Context) {
	e.Flush(ctx)
	for _, s := range e.Strategies() {
		s.OnStop(ctx)
	}
}

// Dispatch queues an event for its instrument. Ticks and timers are dropped
// with ErrEventDropped when the queue is full; bars wait for room or ctx.
// Timer events go to every instrument. Events for instruments without
// strategies are ignored.
func (e *Engine) Dispatch(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventOrder, EventTrade:
		if r := e.runner(ev.symbol()); r != nil {
			r.push(ev)
		}
		return nil
	case EventTimer:
		var errs []error
		for _, sym := range e.Symbols() {
			errs = append(errs, e.offer(e.runner(sym), ev))
		}
		return errors.Join(errs...)
	}

	r := e.runner(ev.symbol())
	if r == nil {
		return nil
	}
	if ev.Kind == EventTick {
		return e.offer(r, ev)
	}
	select {
	case r.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) offer(r *runner, ev Event) error {
	select {
	case r.ch <- ev:
		return nil
	default:
		if e.env.Metrics != nil {
			e.env.Metrics.DroppedEvents.WithLabelValues(r.symbol).Inc()
		}
		return ErrEventDropped
	}
}

// Process delivers ev synchronously, then any order and trade updates it
// caused. Must not be mixed with Start.
func (e *Engine) Process(ctx context.Context, ev Event) {
	if ev.Kind == EventTimer {
		for _, sym := range e.Symbols() {
			r := e.runner(sym)
			e.drain(ctx, r)
			e.deliver(ctx, r, ev)
			e.drain(ctx, r)
		}
		return
	}
	r := e.runner(ev.symbol())
	if r == nil {
		return
	}
	if ev.Kind == EventOrder || ev.Kind == EventTrade {
		r.push(ev)
		e.drain(ctx, r)
		return
	}
	e.drain(ctx, r)
	e.deliver(ctx, r, ev)
	e.drain(ctx, r)
}

// Flush delivers pending order and trade updates synchronously.
func (e *Engine) Flush(ctx context.Context) {
	for _, sym := range e.Symbols() {
		e.drain(ctx, e.runner(sym))
	}
}

// OnOrder receives order updates from a gateway.
func (e *Engine) OnOrder(o model.Order) {
	if r := e.runner(o.Symbol); r != nil {
		r.push(Event{Kind: EventOrder, Order: o})
	}
}

// OnTrade receives fills from a gateway.
func (e *Engine) OnTrade(t model.Trade) {
	if r := e.runner(t.Symbol); r != nil {
		r.push(Event{Kind: EventTrade, Trade: t})
	}
}

// RunTicks dispatches ticks from tickCh until ctx is done or tickCh closes.
func (e *Engine) RunTicks(ctx context.Context, tickCh <-chan model.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-tickCh:
			if !ok {
				return
			}
			e.Dispatch(ctx, TickEvent(t))
		}
	}
}

func (e *Engine) runner(symbol string) *runner {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runners[symbol]
}

func (e *Engine) run(ctx context.Context, r *runner) {
	defer e.wg.Done()

	for _, s := range r.strategies {
		s.OnStart(ctx)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.drain(stopCtx, r)
		for _, s := range r.strategies {
			s.OnStop(stopCtx)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.ch:
			e.deliver(ctx, r, ev)
			e.drain(ctx, r)
		case <-r.notify:
			e.drain(ctx, r)
		}
		if e.env.Metrics != nil {
			e.env.Metrics.QueueSaturationPct.WithLabelValues(r.symbol).Set(float64(len(r.ch)) * 100 / float64(cap(r.ch)))
		}
	}
}

func (e *Engine) drain(ctx context.Context, r *runner) {
	// Delivering an event may queue more (a fill caused by a cancel, say).
	for {
		evs := r.take()
		if len(evs) == 0 {
			return
		}
		for _, ev := range evs {
			e.deliver(ctx, r, ev)
		}
	}
}

func (e *Engine) deliver(ctx context.Context, r *runner, ev Event) {
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(r.symbol, ev.ts()))

	switch ev.Kind {
	case EventTick:
		if e.env.Portfolio != nil {
			e.env.Portfolio.UpdatePrice(ev.Tick.Symbol, ev.Tick.Price)
		}
		for _, s := range r.strategies {
			s.OnTick(ctx, ev.Tick)
		}
	case EventBar:
		for _, s := range r.strategies {
			s.OnBar(ctx, ev.Bar)
		}
	case EventTimer:
		for _, s := range r.strategies {
			s.OnTimer(ctx, ev.Time)
		}
	case EventOrder:
		if s, ok := r.byName[ev.Order.Strategy]; ok {
			s.OnOrder(ctx, ev.Order)
		}
	case EventTrade:
		e.account(ev.Trade)
		if s, ok := r.byName[ev.Trade.Strategy]; ok {
			s.OnTrade(ctx, ev.Trade)
		}
	}
}

// account books a fill into the shared portfolio, P&L, risk and journal.
func (e *Engine) account(t model.Trade) {
	log := e.env.logger()
	if e.env.Journal != nil {
		if err := e.env.Journal.RecordTrade(t); err != nil {
			log.Warn("journal write failed", "trade_id", t.TradeID, "error", err)
		}
	}
	size := 1.0
	if e.env.Portfolio != nil {
		e.env.Portfolio.ApplyTrade(t)
		size = e.env.Portfolio.Size(t.Symbol)
	}
	if e.env.PnL != nil {
		realized := e.env.PnL.RecordTrade(t, size)
		if e.env.Risk != nil {
			e.env.Risk.RecordPnL(realized)
		}
		if e.env.Metrics != nil {
			e.env.Metrics.RealizedPnL.Set(e.env.PnL.GetRealizedPnL())
		}
	}
	if e.env.Metrics != nil {
		e.env.Metrics.FillsTotal.WithLabelValues(t.Strategy).Inc()
	}
}
