package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vqi-trader/internal/metrics"
	"vqi-trader/internal/model"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

type recorder struct {
	mu   sync.Mutex
	fail bool
	got  []model.Snapshot
}

func (r *recorder) write(_ context.Context, s model.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("connection refused")
	}
	r.got = append(r.got, s)
	return nil
}

func (r *recorder) setFail(v bool) {
	r.mu.Lock()
	r.fail = v
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func newTestPublisher(cfg Config) (*Publisher, *recorder) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1"})
	p := NewWithClient(client, cfg, metrics.NewMetricsWith(prometheus.NewRegistry()))
	rec := &recorder{}
	p.writeSnapshot = rec.write
	return p, rec
}

func TestPublisher_KeysAndChannels(t *testing.T) {
	p, _ := newTestPublisher(Config{Prefix: "test"})
	defer p.Close()

	if got := p.SnapshotChannel("rth"); got != "test:snap:rth" {
		t.Errorf("channel = %s", got)
	}
	if got := p.LatestKey("rth"); got != "test:latest:rth" {
		t.Errorf("latest key = %s", got)
	}
	b := model.Bar{Symbol: "NK225F", Exchange: "OSE", Window: 5}
	if got := p.BarStream(b); got != "test:bars:5m:OSE:NK225F" {
		t.Errorf("bar stream = %s", got)
	}
}

func TestPublisher_DropsWhenQueueFull(t *testing.T) {
	p, _ := newTestPublisher(Config{QueueSize: 1})
	defer p.Close()
	drops := 0
	p.OnDrop = func() { drops++ }

	p.Publish(context.Background(), model.Snapshot{Strategy: "a"})
	p.Publish(context.Background(), model.Snapshot{Strategy: "a"})
	if drops != 1 {
		t.Errorf("drops = %d, want 1", drops)
	}
}

func TestPublisher_CoalescesWhileOpenAndFlushes(t *testing.T) {
	p, rec := newTestPublisher(Config{MaxFailures: 1, ResetTimeout: 50 * time.Millisecond})
	defer p.Close()
	ctx := context.Background()

	rec.setFail(true)
	p.send(ctx, model.Snapshot{Strategy: "rth", VQI: 1}) // trips the breaker
	if p.Breaker().CurrentState() != StateOpen {
		t.Fatalf("breaker = %v, want open", p.Breaker().CurrentState())
	}
	p.send(ctx, model.Snapshot{Strategy: "rth", VQI: 2})
	p.send(ctx, model.Snapshot{Strategy: "vq", VQI: 3})
	if n := p.PendingCount(); n != 2 {
		t.Fatalf("pending = %d, want 2 (one per strategy)", n)
	}

	rec.setFail(false)
	time.Sleep(60 * time.Millisecond)
	p.send(ctx, model.Snapshot{Strategy: "rth", VQI: 4}) // probe closes the breaker

	deadline := time.After(time.Second)
	for rec.count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("flushed writes = %d, want 3", rec.count())
		case <-time.After(5 * time.Millisecond):
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	seen := map[float64]bool{}
	for _, s := range rec.got {
		seen[s.VQI] = true
	}
	if seen[1] || !seen[2] || !seen[3] || !seen[4] {
		t.Errorf("written VQI values = %v, want newest per strategy plus probe", seen)
	}
}

func TestPublisher_RunDrainsQueue(t *testing.T) {
	p, rec := newTestPublisher(Config{})
	defer p.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	for i := 0; i < 5; i++ {
		p.Publish(ctx, model.Snapshot{Strategy: "rth", VQI: float64(i)})
	}
	deadline := time.After(time.Second)
	for rec.count() < 5 {
		select {
		case <-deadline:
			t.Fatalf("written = %d, want 5", rec.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
