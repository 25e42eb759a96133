package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"vqi-trader/internal/metrics"
	"vqi-trader/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultLatestTTL  = 30 * time.Minute
	defaultQueueSize  = 1024
	defaultBarsMaxLen = 5000
	defaultPrefix     = "vqi"
)

// Config configures the Redis publisher.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	Prefix       string        // key/channel prefix, default "vqi"
	LatestTTL    time.Duration // TTL of the latest-snapshot key
	QueueSize    int           // publish queue depth before dropping
	MaxFailures  int           // consecutive failures before the breaker opens
	ResetTimeout time.Duration // breaker open duration before a probe
}

func (c *Config) defaults() {
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.LatestTTL == 0 {
		c.LatestTTL = defaultLatestTTL
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = 10 * time.Second
	}
}

// Publisher pushes strategy snapshots and finalized bars to Redis.
//
// Keys and channels:
//
//	PUBLISH {prefix}:snap:{strategy}            snapshot JSON
//	SET     {prefix}:latest:{strategy}          snapshot JSON, EX LatestTTL
//	XADD    {prefix}:bars:{window}m:{exch}:{sym} MAXLEN ~5000 data=bar JSON
//
// Publish never blocks the caller. Writes go through a circuit breaker; while
// it is open only the newest snapshot per strategy is kept and it is flushed
// when the breaker closes.
type Publisher struct {
	client *goredis.Client
	cfg    Config
	cb     *CircuitBreaker
	m      *metrics.Metrics

	queue chan model.Snapshot

	mu      sync.Mutex
	pending map[string]model.Snapshot // strategy -> newest unsent snapshot

	writeSnapshot func(ctx context.Context, snap model.Snapshot) error

	// OnDrop is called when a snapshot is dropped because the queue is full.
	OnDrop func()
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Breaker returns the circuit breaker guarding writes.
func (p *Publisher) Breaker() *CircuitBreaker { return p.cb }

// New connects to Redis, pings it and returns a Publisher.
func New(cfg Config, m *metrics.Metrics) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return NewWithClient(client, cfg, m), nil
}

// NewWithClient builds a Publisher around an existing client without pinging.
func NewWithClient(client *goredis.Client, cfg Config, m *metrics.Metrics) *Publisher {
	cfg.defaults()
	p := &Publisher{
		client:  client,
		cfg:     cfg,
		cb:      NewCircuitBreaker(cfg.MaxFailures, cfg.ResetTimeout),
		m:       m,
		queue:   make(chan model.Snapshot, cfg.QueueSize),
		pending: make(map[string]model.Snapshot),
	}
	p.writeSnapshot = p.redisWriteSnapshot

	p.cb.OnStateChange = func(from, to State) {
		log.Printf("[redis] circuit breaker %s -> %s", from, to)
		if m != nil {
			m.RedisCircuitBreakerState.Set(float64(to))
			if to == StateOpen {
				m.RedisCircuitBreakerTrips.Inc()
			}
		}
		if to == StateClosed {
			go p.flush(context.Background())
		}
	}
	return p
}

// Publish enqueues a snapshot. Drops it if the queue is full.
func (p *Publisher) Publish(_ context.Context, snap model.Snapshot) {
	select {
	case p.queue <- snap:
	default:
		if p.OnDrop != nil {
			p.OnDrop()
		}
	}
}

// Run drains the publish queue until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-p.queue:
			p.send(ctx, snap)
		}
	}
}

// RunBars appends finalized bars to per-instrument streams until ctx is
// cancelled or barCh closes. Failed writes are logged and not retried.
func (p *Publisher) RunBars(ctx context.Context, barCh <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-barCh:
			if !ok {
				return
			}
			err := p.cb.Execute(func() error { return p.writeBar(ctx, b) })
			if err != nil && err != ErrCircuitOpen {
				log.Printf("[redis] XADD bar %s error: %v", b.Key(), err)
			}
		}
	}
}

func (p *Publisher) send(ctx context.Context, snap model.Snapshot) {
	start := time.Now()
	err := p.cb.Execute(func() error { return p.writeSnapshot(ctx, snap) })
	if p.m != nil {
		p.m.RedisPublishDur.Observe(time.Since(start).Seconds())
	}
	if err == nil {
		return
	}
	if err != ErrCircuitOpen {
		log.Printf("[redis] publish %s error: %v", snap.Strategy, err)
	}
	p.mu.Lock()
	p.pending[snap.Strategy] = snap
	p.mu.Unlock()
}

// flush writes the snapshots kept while the breaker was open.
func (p *Publisher) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}
	toFlush := p.pending
	p.pending = make(map[string]model.Snapshot)
	p.mu.Unlock()

	flushed := 0
	for _, snap := range toFlush {
		if err := p.writeSnapshot(ctx, snap); err != nil {
			log.Printf("[redis] flush %s error: %v", snap.Strategy, err)
			continue
		}
		flushed++
	}
	log.Printf("[redis] flushed %d pending snapshots", flushed)
}

// PendingCount returns the number of strategies with an unsent snapshot.
func (p *Publisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// SnapshotChannel returns the pub/sub channel for a strategy.
func (p *Publisher) SnapshotChannel(strategy string) string {
	return p.cfg.Prefix + ":snap:" + strategy
}

// LatestKey returns the key holding a strategy's latest snapshot.
func (p *Publisher) LatestKey(strategy string) string {
	return p.cfg.Prefix + ":latest:" + strategy
}

// BarStream returns the stream key for an instrument's bars.
func (p *Publisher) BarStream(b model.Bar) string {
	return p.cfg.Prefix + ":bars:" + strconv.Itoa(b.Window) + "m:" + b.Exchange + ":" + b.Symbol
}

func (p *Publisher) redisWriteSnapshot(ctx context.Context, snap model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	pipe := p.client.Pipeline()
	pipe.Publish(ctx, p.SnapshotChannel(snap.Strategy), data)
	pipe.Set(ctx, p.LatestKey(snap.Strategy), data, p.cfg.LatestTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (p *Publisher) writeBar(ctx context.Context, b model.Bar) error {
	return p.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: p.BarStream(b),
		MaxLen: defaultBarsMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": b.JSON()},
	}).Err()
}

// Latest reads a strategy's latest snapshot. ok is false if none is stored.
func (p *Publisher) Latest(ctx context.Context, strategy string) (snap model.Snapshot, ok bool, err error) {
	data, err := p.client.Get(ctx, p.LatestKey(strategy)).Bytes()
	if err == goredis.Nil {
		return model.Snapshot{}, false, nil
	}
	if err != nil {
		return model.Snapshot{}, false, fmt.Errorf("redis get latest: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return model.Snapshot{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, true, nil
}

var _ model.Publisher = (*Publisher)(nil)
