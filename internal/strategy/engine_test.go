package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"vqi-trader/internal/execution"
	"vqi-trader/internal/logger"
	"vqi-trader/internal/model"
	"vqi-trader/internal/portfolio"
)

// recStrategy records every event it receives.
type recStrategy struct {
	name   string
	symbol string

	mu     sync.Mutex
	events []string
}

func (r *recStrategy) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recStrategy) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recStrategy) Name() string   { return r.name }
func (r *recStrategy) Symbol() string { return r.symbol }
func (r *recStrategy) OnInit(_ context.Context, h []model.Bar) error {
	r.add(fmt.Sprintf("init %d", len(h)))
	return nil
}
func (r *recStrategy) OnStart(context.Context)                  { r.add("start") }
func (r *recStrategy) OnStop(context.Context)                   { r.add("stop") }
func (r *recStrategy) OnTick(_ context.Context, t model.Tick)   { r.add(fmt.Sprintf("tick %g", t.Price)) }
func (r *recStrategy) OnBar(_ context.Context, b model.Bar)     { r.add(fmt.Sprintf("bar %g", b.Close)) }
func (r *recStrategy) OnOrder(_ context.Context, o model.Order) { r.add("order " + o.ID) }
func (r *recStrategy) OnTrade(_ context.Context, t model.Trade) { r.add("trade " + t.TradeID) }
func (r *recStrategy) OnTimer(context.Context, time.Time)       { r.add("timer") }

func equalEvents(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func waitEvents(t *testing.T, s *recStrategy, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(s.seen()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d events: %v", n, s.seen())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngine_AddRejectsDuplicateNames(t *testing.T) {
	e := NewEngine(Env{Log: logger.Discard()}, 4)
	if err := e.Add(&recStrategy{name: "a", symbol: "NK"}); err != nil {
		t.Fatal(err)
	}
	if err := e.Add(&recStrategy{name: "a", symbol: "TPX"}); err == nil {
		t.Error("duplicate name accepted")
	}
	if err := e.Add(&recStrategy{name: "b", symbol: "NK"}); err != nil {
		t.Errorf("second strategy on the same symbol: %v", err)
	}
	if got := e.Symbols(); len(got) != 1 || got[0] != "NK" {
		t.Errorf("symbols = %v", got)
	}
}

func TestEngine_InitPassesHistory(t *testing.T) {
	e := NewEngine(Env{Log: logger.Discard()}, 4)
	s := &recStrategy{name: "a", symbol: "NK"}
	e.Add(s)
	err := e.Init(context.Background(), func(Strategy) ([]model.Bar, error) {
		return make([]model.Bar, 3), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.seen(); !equalEvents(got, []string{"init 3"}) {
		t.Errorf("events = %v", got)
	}

	boom := errors.New("boom")
	err = e.Init(context.Background(), func(Strategy) ([]model.Bar, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped boom", err)
	}
}

func TestEngine_DispatchDropsTicksWhenFull(t *testing.T) {
	e := NewEngine(Env{Log: logger.Discard()}, 1)
	e.Add(&recStrategy{name: "a", symbol: "NK"})
	ctx := context.Background()

	if err := e.Dispatch(ctx, TickEvent(model.Tick{Symbol: "NK", Price: 1})); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if err := e.Dispatch(ctx, TickEvent(model.Tick{Symbol: "NK", Price: 2})); !errors.Is(err, ErrEventDropped) {
		t.Errorf("second tick err = %v, want ErrEventDropped", err)
	}
	if err := e.Dispatch(ctx, TickEvent(model.Tick{Symbol: "TPX", Price: 2})); err != nil {
		t.Errorf("unknown symbol err = %v, want nil", err)
	}

	// Bars wait for room instead.
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := e.Dispatch(cctx, BarEvent(model.Bar{Symbol: "NK"})); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("bar on full queue err = %v, want deadline", err)
	}
}

func TestEngine_RunDeliversInOrder(t *testing.T) {
	e := NewEngine(Env{Log: logger.Discard()}, 64)
	nkS := &recStrategy{name: "a", symbol: "NK"}
	tpxS := &recStrategy{name: "b", symbol: "TPX"}
	e.Add(nkS)
	e.Add(tpxS)

	ctx := context.Background()
	e.Start(ctx)
	for i := 1; i <= 5; i++ {
		if err := e.Dispatch(ctx, TickEvent(model.Tick{Symbol: "NK", Price: float64(i)})); err != nil {
			t.Fatal(err)
		}
	}
	e.Dispatch(ctx, BarEvent(model.Bar{Symbol: "TPX", Close: 9}))
	waitEvents(t, nkS, 6)
	e.OnTrade(model.Trade{TradeID: "T1", Strategy: "a", Symbol: "NK"})
	waitEvents(t, nkS, 7)
	waitEvents(t, tpxS, 2)
	e.Stop()

	want := []string{"start", "tick 1", "tick 2", "tick 3", "tick 4", "tick 5", "trade T1", "stop"}
	if got := nkS.seen(); !equalEvents(got, want) {
		t.Errorf("NK events = %v, want %v", got, want)
	}
	if got := tpxS.seen(); !equalEvents(got, []string{"start", "bar 9", "stop"}) {
		t.Errorf("TPX events = %v", got)
	}
}

func TestEngine_ProcessRoutesOrdersByStrategy(t *testing.T) {
	e := NewEngine(Env{Log: logger.Discard()}, 4)
	a := &recStrategy{name: "a", symbol: "NK"}
	b := &recStrategy{name: "b", symbol: "NK"}
	e.Add(a)
	e.Add(b)
	ctx := context.Background()

	e.Process(ctx, Event{Kind: EventOrder, Order: model.Order{ID: "O1", Strategy: "b", Symbol: "NK"}})
	e.Process(ctx, TimerEvent(t0))

	if got := a.seen(); !equalEvents(got, []string{"timer"}) {
		t.Errorf("a = %v", got)
	}
	if got := b.seen(); !equalEvents(got, []string{"order O1", "timer"}) {
		t.Errorf("b = %v", got)
	}
}

func TestEngine_ProcessWithPaperGateway(t *testing.T) {
	ctx := context.Background()
	now := t0
	pf := portfolio.New([]model.Instrument{nk})
	pnl := portfolio.NewPnLTracker()
	paper := execution.NewPaperGateway(execution.PaperConfig{}, nil, logger.Discard())
	env := Env{
		Gateway:   paper,
		Portfolio: pf,
		PnL:       pnl,
		Clock:     func() time.Time { return now },
		Log:       logger.Discard(),
	}
	e := NewEngine(env, 16)
	paper.SetSink(e)

	s, err := NewRTH(DefaultSettings("rth", nk), env)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Add(s); err != nil {
		t.Fatal(err)
	}
	err = e.Init(ctx, func(Strategy) ([]model.Bar, error) {
		return quietBars(12, 5*time.Minute, t0), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	e.StartSync(ctx)

	step := func(at time.Duration, price float64) {
		now = t0.Add(at)
		paper.UpdatePrice(nk.Symbol, price, now)
		e.Process(ctx, TickEvent(model.Tick{Symbol: nk.Symbol, Exchange: nk.Exchange, Price: price, TickTS: now}))
	}
	step(0, 100)
	step(10*time.Second, 110) // UP: bid at 103
	if ids := paper.ActiveOrderIDs("rth"); len(ids) != 1 {
		t.Fatalf("active orders = %v, want 1", ids)
	}
	step(20*time.Second, 103) // fills the bid

	if p := s.Position(); p.Pos != 1 || p.LongPrice != 103 {
		t.Errorf("strategy position = %+v, want long 1 @103", p)
	}
	if p := pf.Position("rth", nk.Symbol); p.Pos != 1 {
		t.Errorf("portfolio position = %+v", p)
	}
	if n := len(pnl.GetTrades()); n != 1 {
		t.Errorf("pnl trades = %d, want 1", n)
	}

	// The time exit at the next bar closes it.
	step(5*time.Minute, 108)
	step(5*time.Minute+time.Second, 108)
	if p := s.Position(); !p.Flat() {
		t.Errorf("position after time exit = %+v", p)
	}
	if got := pnl.GetRealizedPnL(); got != 5 {
		t.Errorf("realized = %v, want 5", got)
	}
	e.StopSync(ctx)
}
