package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// Subscribed channels; nil means every channel.
	subMu sync.RWMutex
	subs  map[string]bool
}

// clientMsg is a control message from a client:
//
//	{"action":"subscribe","strategies":["rth_nk225m"]}
//	{"action":"unsubscribe","strategies":["rth_nk225m"]}
//	{"action":"ping","ping":1700000000000}
type clientMsg struct {
	Action     string   `json:"action"`
	Strategies []string `json:"strategies"`
	Ping       int64    `json:"ping"`
}

func newClient(conn *websocket.Conn, h *Hub) *Client {
	return &Client{conn: conn, send: make(chan []byte, 256), hub: h}
}

func (c *Client) wants(channel string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.subs == nil || c.subs[channel]
}

func (c *Client) subscribe(strategies []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subs == nil {
		c.subs = make(map[string]bool)
	}
	for _, s := range strategies {
		if s != "" {
			c.subs[Channel(s)] = true
		}
	}
}

func (c *Client) unsubscribe(strategies []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subs == nil {
		c.subs = make(map[string]bool)
	}
	for _, s := range strategies {
		delete(c.subs, Channel(s))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			// Coalesce queued messages into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
		log.Println("[gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMsg
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.subscribe(msg.Strategies)
			c.hub.sendInitialState(c)
		case "unsubscribe":
			c.unsubscribe(msg.Strategies)
		case "ping":
			pong, _ := json.Marshal(map[string]int64{
				"pong":      msg.Ping,
				"server_ts": time.Now().UnixMilli(),
			})
			c.hub.mu.RLock()
			if c.hub.clients[c] {
				c.hub.offer(c, pong)
			}
			c.hub.mu.RUnlock()
		}
	}
}
