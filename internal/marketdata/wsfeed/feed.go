// Package wsfeed is a WebSocket tick client. It connects to a plain-JSON tick
// server (e.g. cmd/tickserver or a broker bridge) and feeds model.Tick values
// into the trading pipeline.
//
// Wire format, one tick per text message:
//
//	{"symbol":"NK225F","exchange":"OSE","price":38125,"volume":2,"tick_ts":"..."}
//
// On connect the client sends {"action":"subscribe","symbols":[...]} when
// symbols are configured.
package wsfeed

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"time"

	"vqi-trader/internal/model"

	"github.com/gorilla/websocket"
)

// Config holds configuration for the feed client.
type Config struct {
	// URL of the tick WebSocket server, e.g. "ws://localhost:9001/ws"
	URL string

	// Symbols to subscribe to. Empty means whatever the server streams.
	Symbols []string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

type subscribeMsg struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// Feed connects to a tick server and pushes ticks into a channel.
type Feed struct {
	cfg Config

	// Optional hooks.
	OnReconnect func()
	OnConnected func(up bool)
	OnTick      func(t model.Tick)
	OnDrop      func()
}

// New creates a new Feed. Returns an error if the URL is unparseable.
func New(cfg Config) (*Feed, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, err
	}
	return &Feed{cfg: cfg}, nil
}

// Start connects and streams ticks into tickCh. Blocks until ctx is
// cancelled. Reconnects automatically with exponential backoff.
func (f *Feed) Start(ctx context.Context, tickCh chan<- model.Tick) error {
	delay := f.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		start := time.Now()
		err := f.runOnce(ctx, tickCh)
		f.setConnected(false)
		if err == nil {
			return nil
		}

		// A session that stayed up for a while resets the backoff.
		if time.Since(start) > f.cfg.MaxReconnectDelay {
			delay = f.cfg.ReconnectDelay
		}

		log.Printf("[wsfeed] disconnected (%v), reconnecting in %s...", err, delay)
		if f.OnReconnect != nil {
			f.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

func (f *Feed) setConnected(up bool) {
	if f.OnConnected != nil {
		f.OnConnected(up)
	}
}

// runOnce makes a single connection attempt and reads until disconnect or ctx cancel.
func (f *Feed) runOnce(ctx context.Context, tickCh chan<- model.Tick) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Printf("[wsfeed] connected to %s", f.cfg.URL)

	if len(f.cfg.Symbols) > 0 {
		if err := conn.WriteJSON(subscribeMsg{Action: "subscribe", Symbols: f.cfg.Symbols}); err != nil {
			return err
		}
	}
	f.setConnected(true)

	// Closes the connection when ctx is cancelled so ReadMessage unblocks.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		var tick model.Tick
		if err := json.Unmarshal(raw, &tick); err != nil {
			log.Printf("[wsfeed] parse error: %v (raw: %s)", err, raw)
			continue
		}
		if tick.Symbol == "" {
			log.Printf("[wsfeed] skipping tick with empty symbol")
			continue
		}
		if tick.TickTS.IsZero() {
			tick.TickTS = time.Now()
		}
		if f.OnTick != nil {
			f.OnTick(tick)
		}

		select {
		case tickCh <- tick:
		default:
			if f.OnDrop != nil {
				f.OnDrop()
			}
			log.Println("[wsfeed] tickCh full, dropping tick")
		}
	}
}
