// cmd/tickserver is a demo WebSocket tick server. It broadcasts simulated
// ticks so the trader can run without a broker feed.
//
// Tick JSON shape is identical to model.Tick:
//
//	{"symbol":"NK225M","exchange":"OSE","price":38105,"volume":3,"tick_ts":"..."}
//
// A client may send {"action":"subscribe","symbols":["NK225M"]} to receive
// only those symbols; without it every symbol is sent.
//
// Config (env vars):
//
//	TICK_SERVER_ADDR  listen address (default ":8765")
//	TICK_SYMBOLS      comma-separated SYMBOL:EXCHANGE:TICK:START (default "NK225M:OSE:5:38000")
//	TICK_INTERVAL_MS  broadcast interval in milliseconds (default "250")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vqi-trader/internal/model"
)

// instrument holds per-symbol simulation state.
type instrument struct {
	Symbol    string
	Exchange  string
	PriceTick float64
	Price     float64
}

type subscribeMsg struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type client struct {
	ch chan []byte

	mu      sync.RWMutex
	symbols map[string]bool // nil = all
}

func (c *client) wants(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.symbols == nil || c.symbols[symbol]
}

func (c *client) subscribe(symbols []string) {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	c.mu.Lock()
	c.symbols = set
	c.mu.Unlock()
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]*client)}
}

func (h *hub) register(conn *websocket.Conn) *client {
	c := &client{ch: make(chan []byte, 256)}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if c, ok := h.clients[conn]; ok {
		close(c.ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

// broadcast encodes t once and offers the frame to every interested client.
func (h *hub) broadcast(t model.Tick) {
	frame, err := json.Marshal(t)
	if err != nil {
		log.Printf("[tickserver] marshal tick: %v", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wants(t.Symbol) {
			continue
		}
		select {
		case c.ch <- frame:
		default: // slow client, drop tick
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[tickserver] upgrade error: %v", err)
			return
		}
		log.Printf("[tickserver] client connected: %s", r.RemoteAddr)

		c := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[tickserver] client disconnected: %s", r.RemoteAddr)
		}()

		// Read pump: subscription messages; a read error ends the session.
		go func() {
			for {
				var msg subscribeMsg
				if err := conn.ReadJSON(&msg); err != nil {
					conn.Close()
					return
				}
				if msg.Action == "subscribe" {
					c.subscribe(msg.Symbols)
					log.Printf("[tickserver] %s subscribed to %v", r.RemoteAddr, msg.Symbols)
				}
			}
		}()

		// Write pump: sends tick JSON to this client.
		for frame := range c.ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

// ─── Tick generator ──────────────────────────────────────────────────────────

// walkPrice moves the price by up to three ticks and keeps it on the tick grid.
func walkPrice(rng *rand.Rand, in instrument) float64 {
	steps := float64(rng.Intn(7) - 3)
	p := math.Round((in.Price+steps*in.PriceTick)/in.PriceTick) * in.PriceTick
	if p < in.PriceTick {
		p = in.PriceTick
	}
	return p
}

func runGenerator(h *hub, instruments []instrument, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for range ticker.C {
		for i := range instruments {
			instruments[i].Price = walkPrice(rng, instruments[i])
			h.broadcast(model.Tick{
				Symbol:   instruments[i].Symbol,
				Exchange: instruments[i].Exchange,
				Price:    instruments[i].Price,
				Volume:   float64(rng.Intn(10) + 1),
				TickTS:   time.Now().UTC(),
			})
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tickserver] starting demo tick server...")

	// Config
	addr := envOrDefault("TICK_SERVER_ADDR", ":8765")
	symbolsEnv := envOrDefault("TICK_SYMBOLS", "NK225M:OSE:5:38000")
	intervalMs := envIntOrDefault("TICK_INTERVAL_MS", 250)

	instruments := parseInstruments(symbolsEnv)
	if len(instruments) == 0 {
		log.Fatalf("[tickserver] no instruments configured via TICK_SYMBOLS")
	}
	log.Printf("[tickserver] instruments: %+v", instruments)
	log.Printf("[tickserver] broadcast interval: %dms", intervalMs)

	h := newHub()
	go runGenerator(h, instruments, time.Duration(intervalMs)*time.Millisecond)

	// HTTP routes
	http.HandleFunc("/ws", wsHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickserver"}`)
	})

	log.Printf("[tickserver] listening on %s (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[tickserver] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// parseInstruments parses SYMBOL:EXCHANGE:TICK:START entries.
func parseInstruments(s string) []instrument {
	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		seg := strings.Split(part, ":")
		if len(seg) != 4 {
			log.Printf("[tickserver] skipping invalid symbol spec: %q", part)
			continue
		}
		tick, err1 := strconv.ParseFloat(seg[2], 64)
		start, err2 := strconv.ParseFloat(seg[3], 64)
		if err1 != nil || err2 != nil || tick <= 0 || start <= 0 {
			log.Printf("[tickserver] skipping invalid symbol spec: %q", part)
			continue
		}
		result = append(result, instrument{
			Symbol:    strings.TrimSpace(seg[0]),
			Exchange:  strings.TrimSpace(seg[1]),
			PriceTick: tick,
			Price:     start,
		})
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
