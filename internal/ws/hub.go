// Package ws fans satpid events out to WebSocket subscribers. Producers never
// block: when the outbound buffer is full an event is dropped.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 3 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 20 * time.Second
)

// Hub owns the set of subscriber connections. Registration, removal, and
// delivery all happen on the Run goroutine.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	outbound   chan []byte
	upgrader   websocket.Upgrader

	connected atomic.Int64
	dropped   atomic.Int64
}

// NewHub allocates a hub. Run must be started before events are delivered.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn, 16),
		unregister: make(chan *websocket.Conn, 16),
		outbound:   make(chan []byte, 256),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Run delivers queued events and keepalive pings until ctx is cancelled,
// then closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.connected.Store(int64(len(h.clients)))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}

		case msg := <-h.outbound:
			h.write(websocket.TextMessage, msg)

		case <-ping.C:
			h.write(websocket.PingMessage, nil)
		}
	}
}

func (h *Hub) write(kind int, payload []byte) {
	for c := range h.clients {
		_ = c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteMessage(kind, payload); err != nil {
			h.drop(c)
		}
	}
}

func (h *Hub) drop(c *websocket.Conn) {
	delete(h.clients, c)
	_ = c.Close()
	h.connected.Store(int64(len(h.clients)))
}

// Handler upgrades the request and subscribes the connection. Subscribers
// are receive-only; anything they send is discarded.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.register <- conn

		go func() {
			defer func() { h.unregister <- conn }()
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(pongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})
}

// BroadcastJSON encodes v and queues it for every subscriber.
func (h *Hub) BroadcastJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case h.outbound <- b:
	default:
		h.dropped.Add(1)
	}
}

// Clients reports the number of connected subscribers.
func (h *Hub) Clients() int { return int(h.connected.Load()) }

// Dropped reports how many events were discarded because the buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
