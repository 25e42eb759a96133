package bargen

import (
	"context"
	"testing"
	"time"

	"vqi-trader/internal/model"
)

func tick(price, vol float64, ts time.Time) model.Tick {
	return model.Tick{Symbol: "NK225F", Exchange: "OSE", Price: price, Volume: vol, TickTS: ts}
}

func TestGenerator_FormingBar(t *testing.T) {
	g := New("NK225F", "OSE", 5*time.Minute)
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	u, ok := g.Update(tick(38000, 1, start.Add(10*time.Second)))
	if !ok || !u.NewBar || u.Closed != nil {
		t.Fatalf("first tick: ok=%v newBar=%v closed=%v", ok, u.NewBar, u.Closed)
	}
	if !u.Bar.TS.Equal(start) {
		t.Errorf("bucket start = %v, want %v", u.Bar.TS, start)
	}
	if u.Bar.Window != 5 || !u.Bar.Forming {
		t.Errorf("window=%d forming=%v", u.Bar.Window, u.Bar.Forming)
	}

	g.Update(tick(38050, 2, start.Add(time.Minute)))
	u, _ = g.Update(tick(37990, 3, start.Add(2*time.Minute)))
	if u.NewBar {
		t.Error("same bucket reported as new bar")
	}
	b := u.Bar
	if b.Open != 38000 || b.High != 38050 || b.Low != 37990 || b.Close != 37990 || b.Volume != 6 {
		t.Errorf("bar = %+v", b)
	}
}

func TestGenerator_Rollover(t *testing.T) {
	g := New("NK225F", "OSE", 5*time.Minute)
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	g.Update(tick(100, 1, start))
	g.Update(tick(105, 1, start.Add(4*time.Minute)))
	u, ok := g.Update(tick(103, 1, start.Add(5*time.Minute)))
	if !ok || !u.NewBar {
		t.Fatal("expected new bar on bucket rollover")
	}
	if u.Closed == nil {
		t.Fatal("expected finalized bar")
	}
	if u.Closed.Forming {
		t.Error("finalized bar still forming")
	}
	if u.Closed.Close != 105 || u.Closed.High != 105 {
		t.Errorf("closed bar = %+v", *u.Closed)
	}
	if u.Bar.Open != 103 || !u.Bar.TS.Equal(start.Add(5*time.Minute)) {
		t.Errorf("new bar = %+v", u.Bar)
	}
}

func TestGenerator_LateTickDropped(t *testing.T) {
	g := New("NK225F", "OSE", time.Minute)
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	dropped := 0
	g.OnDroppedTick = func(model.Tick) { dropped++ }

	g.Update(tick(100, 1, start.Add(time.Minute)))
	if _, ok := g.Update(tick(90, 1, start.Add(30*time.Second))); ok {
		t.Error("late tick accepted")
	}
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	b, _ := g.Current()
	if b.Low != 100 {
		t.Errorf("late tick mutated bar: %+v", b)
	}
}

func TestGenerator_Flush(t *testing.T) {
	g := New("NK225F", "OSE", time.Minute)
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	g.Update(tick(100, 1, start))

	if _, ok := g.Flush(start.Add(59 * time.Second)); ok {
		t.Error("flushed before bucket end")
	}
	b, ok := g.Flush(start.Add(time.Minute))
	if !ok || b.Forming {
		t.Fatalf("flush: ok=%v bar=%+v", ok, b)
	}
	if _, ok := g.Current(); ok {
		t.Error("generator still has a bar after flush")
	}

	// The next tick opens a fresh bar with no finalized predecessor.
	u, _ := g.Update(tick(101, 1, start.Add(90*time.Second)))
	if !u.NewBar || u.Closed != nil {
		t.Errorf("after flush: newBar=%v closed=%v", u.NewBar, u.Closed)
	}
}

func TestAggregator_MultipleInstruments(t *testing.T) {
	agg := NewAggregator(time.Minute)
	tickCh := make(chan model.Tick, 100)
	barCh := make(chan model.Bar, 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agg.Run(ctx, tickCh, barCh)
		close(done)
	}()

	// Far in the past so the periodic flush finalizes them immediately.
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	tickCh <- model.Tick{Symbol: "NK225F", Exchange: "OSE", Price: 38000, Volume: 1, TickTS: start}
	tickCh <- model.Tick{Symbol: "TOPIXF", Exchange: "OSE", Price: 2700, Volume: 1, TickTS: start}

	time.Sleep(300 * time.Millisecond)
	cancel()
	<-done

	got := map[string]model.Bar{}
	for {
		select {
		case b := <-barCh:
			got[b.Key()] = b
		default:
			goto collected
		}
	}
collected:
	if len(got) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(got))
	}
	if b := got["OSE:TOPIXF"]; b.Close != 2700 || b.Forming {
		t.Errorf("TOPIXF bar = %+v", b)
	}
}

func TestAggregator_LateTickHook(t *testing.T) {
	agg := NewAggregator(time.Minute)
	dropped := 0
	agg.OnDroppedTick = func() { dropped++ }
	barCh := make(chan model.Bar, 10)

	start := time.Now().UTC().Truncate(time.Minute)
	agg.processTick(model.Tick{Symbol: "NK225F", Exchange: "OSE", Price: 1, TickTS: start}, barCh)
	agg.processTick(model.Tick{Symbol: "NK225F", Exchange: "OSE", Price: 2, TickTS: start.Add(-time.Minute)}, barCh)

	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}
