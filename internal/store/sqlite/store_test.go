package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"vqi-trader/internal/model"
)

func testBars(n int) []model.Bar {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]model.Bar, n)
	for i := range bars {
		p := 38000 + float64(i)*5
		bars[i] = model.Bar{
			Symbol: "NK225F", Exchange: "OSE", Window: 5,
			TS:   t0.Add(time.Duration(i) * 5 * time.Minute),
			Open: p, High: p + 10, Low: p - 10, Close: p + 5, Volume: 100,
		}
	}
	return bars
}

func openPair(t *testing.T) (*Writer, *Reader) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bars.db")
	w, err := New(WriterConfig{DBPath: path})
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return w, r
}

func TestWriteAndReadBars(t *testing.T) {
	w, r := openPair(t)
	bars := testBars(10)

	committed := 0
	w.OnCommit = func(n int, _ time.Duration) { committed += n }
	if err := w.WriteBars(bars); err != nil {
		t.Fatal(err)
	}
	if committed != 10 {
		t.Errorf("committed = %d", committed)
	}

	got, err := r.ReadBars("OSE", "NK225F", 5, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Fatalf("got %d bars", len(got))
	}
	if b := got[3]; !b.TS.Equal(bars[3].TS) || b.Open != bars[3].Open || b.Close != bars[3].Close || b.Window != 5 {
		t.Errorf("bar 3 = %+v, want %+v", b, bars[3])
	}

	after, _ := r.ReadBars("OSE", "NK225F", 5, bars[6].TS)
	if len(after) != 3 || !after[0].TS.Equal(bars[7].TS) {
		t.Errorf("after filter returned %d bars", len(after))
	}

	if other, _ := r.ReadBars("OSE", "NK225F", 1, time.Time{}); len(other) != 0 {
		t.Errorf("window filter leaked %d bars", len(other))
	}
}

func TestReadLastBars(t *testing.T) {
	w, r := openPair(t)
	bars := testBars(10)
	if err := w.WriteBars(bars); err != nil {
		t.Fatal(err)
	}

	got, err := r.ReadLastBars("OSE", "NK225F", 5, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d bars", len(got))
	}
	for i, b := range got {
		if !b.TS.Equal(bars[6+i].TS) {
			t.Errorf("bar %d ts = %v, want %v", i, b.TS, bars[6+i].TS)
		}
	}
}

func TestRunSkipsFormingAndUpserts(t *testing.T) {
	w, r := openPair(t)
	bars := testBars(3)

	ch := make(chan model.Bar, 10)
	forming := bars[2]
	forming.Forming = true
	ch <- bars[0]
	ch <- bars[1]
	ch <- forming
	revised := bars[1]
	revised.Close = 1
	ch <- revised
	close(ch)

	w.Run(context.Background(), ch)

	got, _ := r.ReadBars("OSE", "NK225F", 5, time.Time{})
	if len(got) != 2 {
		t.Fatalf("got %d bars, want 2", len(got))
	}
	if got[1].Close != 1 {
		t.Errorf("upsert not applied: close = %v", got[1].Close)
	}

	last, err := w.LastTimestamp("OSE", "NK225F", 5)
	if err != nil || !last.Equal(bars[1].TS) {
		t.Errorf("LastTimestamp = %v, %v", last, err)
	}
}

func TestStrategyState(t *testing.T) {
	w, _ := openPair(t)

	if data, err := w.LoadState("rth"); err != nil || data != nil {
		t.Fatalf("empty LoadState = %q, %v", data, err)
	}
	w.SaveState("rth", []byte(`{"pos":1}`))
	w.SaveState("rth", []byte(`{"pos":0}`))
	data, err := w.LoadState("rth")
	if err != nil || string(data) != `{"pos":0}` {
		t.Errorf("LoadState = %q, %v", data, err)
	}
}
