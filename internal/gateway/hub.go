// Package gateway streams strategy snapshots to WebSocket clients.
//
// Every snapshot is wrapped in an envelope on the channel "snap:{strategy}":
//
//	{"channel":"snap:rth_nk225m","seq":12,"ts":"...","data":{...}}
//
// seq is per channel and lets a client detect gaps and backfill them from
// the replay buffer.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vqi-trader/internal/model"
)

// ChannelPrefix prefixes every snapshot channel.
const ChannelPrefix = "snap:"

// Channel returns the channel a strategy's snapshots are sent on.
func Channel(strategy string) string { return ChannelPrefix + strategy }

// Envelope is one message sent to clients.
type Envelope struct {
	Channel string          `json:"channel"`
	Seq     int64           `json:"seq"`
	TS      time.Time       `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Initial bool            `json:"initial,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Hub fans snapshots out to WebSocket clients. It implements model.Publisher
// and never blocks the publishing strategy: a client whose send queue is
// full misses the message and can backfill it by seq.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string]Envelope
	seqs    map[string]int64
	replay  map[string]*ReplayBuffer

	replaySize int
	now        func() time.Time

	// OnDrop is called when a message is dropped for a slow client.
	OnDrop func()
}

// NewHub creates a Hub keeping replaySize envelopes per channel.
func NewHub(replaySize int) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		latest:     make(map[string]Envelope),
		seqs:       make(map[string]int64),
		replay:     make(map[string]*ReplayBuffer),
		replaySize: replaySize,
		now:        time.Now,
	}
}

// Publish sends snap to every client subscribed to its strategy.
func (h *Hub) Publish(_ context.Context, snap model.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("[gateway] marshal snapshot %s: %v", snap.Strategy, err)
		return
	}
	channel := Channel(snap.Strategy)

	h.mu.Lock()
	h.seqs[channel]++
	env := Envelope{Channel: channel, Seq: h.seqs[channel], TS: h.now().UTC(), Data: data}
	h.latest[channel] = env
	rb, ok := h.replay[channel]
	if !ok {
		rb = NewReplayBuffer(h.replaySize)
		h.replay[channel] = rb
	}
	h.mu.Unlock()

	msg, err := json.Marshal(env)
	if err != nil {
		return
	}
	rb.Push(env.Seq, msg)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.wants(channel) {
			h.offer(c, msg)
		}
	}
}

// offer must be called with h.mu held.
func (h *Hub) offer(c *Client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		if h.OnDrop != nil {
			h.OnDrop()
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket. The optional query parameter
// "strategies" (comma-separated) sets the initial subscription; without it
// the client receives every strategy.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] ws upgrade error: %v", err)
		return
	}
	c := newClient(conn, h)
	if s := r.URL.Query().Get("strategies"); s != "" {
		c.subscribe(strings.Split(s, ","))
	}

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	log.Printf("[gateway] ws client connected (%d total)", count)

	h.sendInitialState(c)
	go c.writePump()
	go c.readPump()
}

// sendInitialState queues the latest snapshot of every channel c wants.
func (h *Hub) sendInitialState(c *Client) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	for channel, env := range h.latest {
		if !c.wants(channel) {
			continue
		}
		env.Initial = true
		msg, err := json.Marshal(env)
		if err != nil {
			continue
		}
		h.offer(c, msg)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Latest returns the newest snapshot per strategy.
func (h *Hub) Latest() map[string]model.Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]model.Snapshot, len(h.latest))
	for channel, env := range h.latest {
		var snap model.Snapshot
		if json.Unmarshal(env.Data, &snap) == nil {
			out[strings.TrimPrefix(channel, ChannelPrefix)] = snap
		}
	}
	return out
}

// Missed returns the buffered envelopes of channel with seq in [from, to].
func (h *Hub) Missed(channel string, from, to int64) []json.RawMessage {
	h.mu.RLock()
	rb, ok := h.replay[channel]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	entries := rb.Range(from, to)
	out := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}

// Seq returns the current seq of channel.
func (h *Hub) Seq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seqs[channel]
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// ParseSeqRange reads the "from" and "to" query parameters. A missing "to"
// means everything after from.
func ParseSeqRange(r *http.Request) (from, to int64, err error) {
	q := r.URL.Query()
	from, err = strconv.ParseInt(q.Get("from"), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	to = 1<<63 - 1
	if s := q.Get("to"); s != "" {
		to, err = strconv.ParseInt(s, 10, 64)
	}
	return from, to, err
}
