package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"vqi-trader/internal/logger"
	"vqi-trader/internal/markethours"
	"vqi-trader/internal/model"
	"vqi-trader/internal/portfolio"
	"vqi-trader/internal/trend"
)

var nk = model.Instrument{Symbol: "NK", Exchange: "OSE", PriceTick: 1, Size: 1}

// Monday 10:00 JST, outside every exclusion window.
var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, markethours.JST)

// stubGateway acknowledges submits and applies cancels immediately. Fills
// are produced by the test with fill.
type stubGateway struct {
	orders    map[string]*model.Order
	submits   []model.OrderRequest
	cancels   []string
	submitErr error
	seq       int
}

func newStubGateway() *stubGateway {
	return &stubGateway{orders: make(map[string]*model.Order)}
}

func (g *stubGateway) Submit(_ context.Context, req model.OrderRequest) (string, error) {
	if g.submitErr != nil {
		return "", g.submitErr
	}
	g.seq++
	id := fmt.Sprintf("S-%d", g.seq)
	g.orders[id] = &model.Order{
		ID: id, Strategy: req.Strategy, Symbol: req.Symbol, Direction: req.Direction, Offset: req.Offset,
		Price: req.Price, Volume: req.Volume, Status: model.StatusNotTraded, Reference: req.Reference,
	}
	g.submits = append(g.submits, req)
	return id, nil
}

func (g *stubGateway) Cancel(_ context.Context, id string) error {
	g.cancels = append(g.cancels, id)
	if o, ok := g.orders[id]; ok && o.IsActive() {
		o.Status = model.StatusCancelled
	}
	return nil
}

func (g *stubGateway) ActiveOrderIDs(string) []string {
	var ids []string
	for id, o := range g.orders {
		if o.IsActive() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (g *stubGateway) Order(id string) (model.Order, bool) {
	o, ok := g.orders[id]
	if !ok {
		return model.Order{}, false
	}
	return *o, true
}

// fill completes the last submitted order and returns its trade.
func (g *stubGateway) fill() model.Trade {
	id := fmt.Sprintf("S-%d", g.seq)
	o := g.orders[id]
	o.Status = model.StatusAllTraded
	o.Traded = o.Volume
	return model.Trade{
		TradeID: "T-" + id, OrderID: id, Strategy: o.Strategy, Symbol: o.Symbol,
		Direction: o.Direction, Offset: o.Offset, Price: o.Price, Volume: o.Volume, Reference: o.Reference,
	}
}

type fakePublisher struct {
	mu    sync.Mutex
	snaps []model.Snapshot
}

func (p *fakePublisher) Publish(_ context.Context, s model.Snapshot) {
	p.mu.Lock()
	p.snaps = append(p.snaps, s)
	p.mu.Unlock()
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snaps)
}

type memState struct{ data map[string][]byte }

func (m *memState) SaveState(name string, data []byte) error {
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[name] = data
	return nil
}

func (m *memState) LoadState(name string) ([]byte, error) { return m.data[name], nil }

// quietBars returns n bars of width 4 around 100 ending one window before end.
func quietBars(n int, window time.Duration, end time.Time) []model.Bar {
	bars := make([]model.Bar, n)
	for i := range bars {
		bars[i] = model.Bar{
			Symbol:   nk.Symbol,
			Exchange: nk.Exchange,
			Window:   int(window / time.Minute),
			TS:       end.Add(-time.Duration(n-i) * window),
			Open:     100,
			High:     102,
			Low:      98,
			Close:    100,
			Volume:   10,
		}
	}
	return bars
}

type rthHarness struct {
	t   *testing.T
	ctx context.Context
	gw  *stubGateway
	pub *fakePublisher
	now time.Time
	s   *RTH
}

func newRTHHarness(t *testing.T, mutate func(*Settings)) *rthHarness {
	t.Helper()
	h := &rthHarness{t: t, ctx: context.Background(), gw: newStubGateway(), pub: &fakePublisher{}, now: t0}
	set := DefaultSettings("rth", nk)
	if mutate != nil {
		mutate(&set)
	}
	s, err := NewRTH(set, Env{
		Gateway:   h.gw,
		Publisher: h.pub,
		Clock:     func() time.Time { return h.now },
		Log:       logger.Discard(),
	})
	if err != nil {
		t.Fatalf("NewRTH: %v", err)
	}
	if err := s.OnInit(h.ctx, quietBars(12, set.Window(), t0)); err != nil {
		t.Fatalf("OnInit: %v", err)
	}
	s.OnStart(h.ctx)
	h.s = s
	return h
}

func (h *rthHarness) tick(at time.Duration, price float64) {
	h.now = t0.Add(at)
	h.s.OnTick(h.ctx, model.Tick{Symbol: nk.Symbol, Exchange: nk.Exchange, Price: price, Volume: 1, TickTS: h.now})
}

// hold gives the strategy a filled position opened at price.
func (h *rthHarness) hold(dir model.Direction, price float64) {
	h.s.OnTrade(h.ctx, model.Trade{TradeID: "X", Strategy: "rth", Symbol: nk.Symbol, Direction: dir, Offset: model.Open, Price: price, Volume: 1})
}

func (h *rthHarness) closeFill(dir model.Direction, price float64) {
	h.s.OnTrade(h.ctx, model.Trade{TradeID: "Y", Strategy: "rth", Symbol: nk.Symbol, Direction: dir, Offset: model.Close, Price: price, Volume: 1})
}

func (h *rthHarness) wantSubmits(n int) {
	h.t.Helper()
	if len(h.gw.submits) != n {
		h.t.Fatalf("submits = %d, want %d: %+v", len(h.gw.submits), n, h.gw.submits)
	}
}

func (h *rthHarness) lastSubmit() model.OrderRequest {
	return h.gw.submits[len(h.gw.submits)-1]
}

func TestRTH_ReadyAfterWarmup(t *testing.T) {
	h := newRTHHarness(t, nil)
	if !h.s.vqi.Ready() {
		t.Fatal("VQI not ready after 12 bars of history")
	}
	if h.s.Value() != 0 {
		t.Errorf("value = %v on a quiet market, want 0", h.s.Value())
	}
}

func TestRTH_NotTradingDuringHistory(t *testing.T) {
	gw := newStubGateway()
	s, err := NewRTH(DefaultSettings("rth", nk), Env{Gateway: gw, Log: logger.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	bars := quietBars(12, 5*time.Minute, t0)
	bars[11].High, bars[11].Close = 130, 130 // breakout shape
	if err := s.OnInit(context.Background(), bars); err != nil {
		t.Fatal(err)
	}
	if len(gw.submits) != 0 {
		t.Errorf("history produced %d orders", len(gw.submits))
	}
}

func TestRTH_FlatMarketNoEntries(t *testing.T) {
	h := newRTHHarness(t, nil)
	for i := 0; i < 20; i++ {
		h.tick(time.Duration(i)*30*time.Second, 100)
	}
	h.wantSubmits(0)
	if h.s.Trend() != trend.Side {
		t.Errorf("trend = %v, want SIDE", h.s.Trend())
	}
}

func TestRTH_TrendEntrySuppressesBreakout(t *testing.T) {
	h := newRTHHarness(t, nil)
	h.tick(0, 100)
	h.tick(10*time.Second, 110)

	if h.s.Trend() != trend.Up {
		t.Fatalf("trend = %v, want UP (vqi %v)", h.s.Trend(), h.s.Value())
	}
	// 110 is above the previous high of 102, but the trend entry settled.
	h.wantSubmits(1)
	got := h.lastSubmit()
	if got.Direction != model.Long || got.Offset != model.Open || got.Reference != refTrend {
		t.Errorf("submit = %+v, want LONG OPEN trend", got)
	}
	// SMA(close, 3) over 100, 100, 110 rounded to the tick.
	if got.Price != 103 {
		t.Errorf("entry price = %v, want 103", got.Price)
	}

	// The working order is live: nothing new next cycle.
	h.tick(20*time.Second, 110)
	h.wantSubmits(1)
}

func TestRTH_BreakoutWhenNoTrend(t *testing.T) {
	// The filter holds readings below 2 points at the previous value.
	h := newRTHHarness(t, func(s *Settings) { s.VQI.FilterEnabled = true })
	h.s.OnBar(h.ctx, model.Bar{Symbol: nk.Symbol, Window: 5, TS: t0, Open: 100, High: 100, Low: 100, Close: 100})
	h.wantSubmits(0)

	h.tick(5*time.Minute+time.Second, 105)
	if h.s.Trend() != trend.Side {
		t.Fatalf("trend = %v, want SIDE (vqi %v)", h.s.Trend(), h.s.Value())
	}
	h.wantSubmits(1)
	got := h.lastSubmit()
	if got.Direction != model.Long || got.Offset != model.Open || got.Reference != refBreakout || got.Price != 105 {
		t.Errorf("submit = %+v, want LONG OPEN breakout @105", got)
	}
}

func TestRTH_StopLoss(t *testing.T) {
	tests := []struct {
		name  string
		dir   model.Direction
		price float64
		exit  bool
	}{
		{"long at threshold", model.Long, 80, true},
		{"long inside", model.Long, 81, false},
		{"short at threshold", model.Short, 120, true},
		{"short inside", model.Short, 119, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRTHHarness(t, nil)
			h.tick(0, 100)
			h.hold(tt.dir, 100)
			h.tick(time.Minute, tt.price)

			if !tt.exit {
				h.wantSubmits(0)
				return
			}
			h.wantSubmits(1)
			got := h.lastSubmit()
			if got.Direction != tt.dir.Opposite() || got.Offset != model.Close || got.Reference != refStopLoss {
				t.Errorf("submit = %+v, want %s CLOSE stop_loss", got, tt.dir.Opposite())
			}
			if got.Price != tt.price {
				t.Errorf("exit price = %v, want %v", got.Price, tt.price)
			}
		})
	}
}

func TestRTH_StopLossDisablesEntriesForBar(t *testing.T) {
	h := newRTHHarness(t, nil)
	h.tick(0, 100)
	h.hold(model.Long, 100)
	h.tick(time.Minute, 80)
	h.wantSubmits(1)

	h.gw.fill()
	h.closeFill(model.Short, 80)
	if !h.s.Position().Flat() {
		t.Fatalf("pos = %v after close fill", h.s.Position().Pos)
	}
	// Far below the previous low: a breakout short if entries were enabled.
	h.tick(2*time.Minute, 70)
	h.wantSubmits(1)
}

func TestRTH_TimeExitOnTimer(t *testing.T) {
	h := newRTHHarness(t, nil)
	h.tick(0, 100)
	h.hold(model.Long, 100)

	h.s.OnTimer(h.ctx, t0.Add(4*time.Minute))
	h.wantSubmits(0)

	// Bar closes at 10:05 minus the 5s lead.
	h.now = t0.Add(5*time.Minute - 5*time.Second)
	h.s.OnTimer(h.ctx, h.now)
	h.wantSubmits(1)
	got := h.lastSubmit()
	if got.Direction != model.Short || got.Offset != model.Close || got.Reference != refTimeExit || got.Price != 100 {
		t.Errorf("submit = %+v, want SHORT CLOSE time_exit @100", got)
	}
}

func TestRTH_TimeExitOnNewBarDisablesEntries(t *testing.T) {
	h := newRTHHarness(t, nil)
	h.tick(0, 100)
	h.hold(model.Long, 100)

	h.tick(5*time.Minute, 101)
	h.wantSubmits(1)
	if got := h.lastSubmit(); got.Reference != refTimeExit {
		t.Fatalf("submit = %+v, want time_exit", got)
	}

	h.gw.fill()
	h.closeFill(model.Short, 101)
	h.tick(5*time.Minute+30*time.Second, 130)
	h.wantSubmits(1)

	// Entries come back with the next bar.
	h.tick(10*time.Minute, 160)
	if len(h.gw.submits) < 2 {
		t.Errorf("no entry on the bar after a time exit")
	}
}

func TestRTH_ExclusionWindowBlocksEntries(t *testing.T) {
	mc := markethours.DefaultConfig()
	mc.Timezone = "" // JST
	cal, err := markethours.New(mc)
	if err != nil {
		t.Fatal(err)
	}
	gw := newStubGateway()
	now := t0
	set := DefaultSettings("rth", nk)
	s, err := NewRTH(set, Env{Gateway: gw, Calendar: cal, Clock: func() time.Time { return now }, Log: logger.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	// 12:30 starts an exclusion window.
	start := time.Date(2026, 3, 2, 12, 30, 0, 0, markethours.JST)
	if err := s.OnInit(context.Background(), quietBars(12, set.Window(), start)); err != nil {
		t.Fatal(err)
	}
	s.OnStart(context.Background())

	for i, p := range []float64{100, 110, 130} {
		now = start.Add(time.Duration(i) * 10 * time.Second)
		s.OnTick(context.Background(), model.Tick{Symbol: nk.Symbol, Price: p, TickTS: now})
	}
	if len(gw.submits) != 0 {
		t.Errorf("entries in exclusion window: %+v", gw.submits)
	}
}

func TestRTH_TrailingStop(t *testing.T) {
	h := newRTHHarness(t, func(s *Settings) {
		s.TrailingEnabled = true
		s.TrailingStart = 100
		s.TrailingPoint = 20
	})
	h.tick(0, 100)
	h.hold(model.Long, 100)

	h.tick(10*time.Second, 199)
	if h.s.longStop.State() != portfolio.NotStarted {
		t.Fatalf("armed before the trailing start: %v", h.s.longStop.State())
	}
	h.tick(20*time.Second, 200)
	if got := h.s.longStop.Stop(); got != 180 {
		t.Fatalf("stop = %v after arming at 200, want 180", got)
	}
	h.tick(30*time.Second, 230)
	h.tick(40*time.Second, 211)
	h.wantSubmits(0)

	h.tick(50*time.Second, 210)
	h.wantSubmits(1)
	got := h.lastSubmit()
	if got.Direction != model.Short || got.Offset != model.Close || got.Reference != refTrailingStop || got.Price != 210 {
		t.Errorf("submit = %+v, want SHORT CLOSE trailing_stop @210", got)
	}

	h.gw.fill()
	h.closeFill(model.Short, 210)
	if h.s.longStop.State() != portfolio.NotStarted {
		t.Errorf("trailing stop not reset when flat: %v", h.s.longStop.State())
	}
}

func TestRTH_ThrottleGatesPublishingOnly(t *testing.T) {
	h := newRTHHarness(t, func(s *Settings) { s.Throttle = time.Hour })
	h.tick(0, 100)
	h.hold(model.Long, 100)
	before := h.pub.count()

	h.tick(time.Second, 90)
	h.tick(2*time.Second, 80)
	if got := h.pub.count(); got != before {
		t.Errorf("published %d snapshots inside the throttle window", got-before)
	}
	h.wantSubmits(1)
	if got := h.lastSubmit(); got.Reference != refStopLoss {
		t.Errorf("submit = %+v, want stop_loss", got)
	}
}

func TestRTH_SnapshotContents(t *testing.T) {
	h := newRTHHarness(t, nil)
	h.tick(0, 100)
	h.tick(10*time.Second, 110)

	h.pub.mu.Lock()
	last := h.pub.snaps[len(h.pub.snaps)-1]
	h.pub.mu.Unlock()
	if last.Strategy != "rth" || last.Symbol != "NK" || last.Trend != "UP" || last.Close != 110 || last.RefPrice != 103 {
		t.Errorf("snapshot = %+v", last)
	}
	if want := t0.Add(5*time.Minute - 5*time.Second); !last.CloseTime.Equal(want) {
		t.Errorf("close time = %v, want %v", last.CloseTime, want)
	}
}

func TestRTH_StateSurvivesRestart(t *testing.T) {
	st := &memState{}
	gw := newStubGateway()
	env := Env{Gateway: gw, State: st, Log: logger.Discard()}
	a, err := NewRTH(DefaultSettings("rth", nk), env)
	if err != nil {
		t.Fatal(err)
	}
	a.OnTrade(context.Background(), model.Trade{Strategy: "rth", Symbol: "NK", Direction: model.Short, Offset: model.Open, Price: 250, Volume: 2})

	b, err := NewRTH(DefaultSettings("rth", nk), env)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.OnInit(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if p := b.Position(); p.Pos != -2 || p.ShortPrice != 250 {
		t.Errorf("restored position = %+v", p)
	}
}

func TestRTH_StopCancelsWorkingOrders(t *testing.T) {
	h := newRTHHarness(t, nil)
	h.tick(0, 100)
	h.tick(10*time.Second, 110)
	h.wantSubmits(1)

	h.s.OnStop(h.ctx)
	if len(h.gw.cancels) != 1 {
		t.Errorf("cancels on stop = %v, want 1", h.gw.cancels)
	}
	h.tick(20*time.Second, 150)
	h.wantSubmits(1)
}

func TestSettings_Validate(t *testing.T) {
	ok := DefaultSettings("rth", nk)
	if err := ok.Validate(); err != nil {
		t.Fatalf("default settings invalid: %v", err)
	}

	bad := ok
	bad.Name = ""
	bad.Instrument.PriceTick = 0
	bad.CloseLead = 10 * time.Minute
	bad.HistoryBars = 4
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, field := range []string{"name", "price_tick", "close_lead", "history_bars"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q does not mention %s", err, field)
		}
	}
}

func TestNew_Kinds(t *testing.T) {
	env := Env{Gateway: newStubGateway(), Log: logger.Discard()}
	if s, err := New(DefaultSettings("a", nk), env); err != nil || s.Name() != "a" {
		t.Errorf("rth: %v", err)
	}
	if _, err := New(DefaultVQSettings("b", nk), env); err != nil {
		t.Errorf("vq: %v", err)
	}
	bad := DefaultSettings("c", nk)
	bad.Kind = "grid"
	if _, err := New(bad, env); err == nil {
		t.Error("unknown kind accepted")
	}
}
