package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/craigderington/wakeproxy/pkg/types"
)

// Hub fans lifecycle events out to websocket subscribers. It implements
// events.Sink; a slow subscriber is disconnected rather than slowing the
// proxy down.
type Hub struct {
	clients    map[*hubClient]struct{}
	broadcast  chan StreamMessage
	register   chan *hubClient
	unregister chan *hubClient
	upgrader   websocket.Upgrader
	log        zerolog.Logger
	count      atomic.Int64
	ctx        context.Context
	cancel     context.CancelFunc
}

// hubClient represents a single websocket connection
type hubClient struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan StreamMessage
	remote string
}

// StreamMessage is a message sent over the event stream
type StreamMessage struct {
	Type    string      `json:"type"`
	Payload types.Event `json:"payload"`
	Time    time.Time   `json:"time"`
}

// NewHub creates a new websocket hub
func NewHub(log zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		clients:    make(map[*hubClient]struct{}),
		broadcast:  make(chan StreamMessage, 256),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// read-only stream of local events
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:    log.With().Str("component", "hub").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the hub event loop
func (h *Hub) Start() {
	go h.run()
}

// Stop disconnects every subscriber and stops the event loop
func (h *Hub) Stop() {
	h.cancel()
}

// run owns the client set; no other goroutine touches it
func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.count.Add(1)
			h.log.Info().Str("remote", client.remote).Msg("Event stream client connected")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				h.log.Info().Str("remote", client.remote).Msg("Event stream client disconnected")
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.log.Warn().Str("remote", client.remote).Msg("Event stream client too slow, disconnecting")
					h.drop(client)
				}
			}

		case <-h.ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return
		}
	}
}

func (h *Hub) drop(client *hubClient) {
	delete(h.clients, client)
	close(client.send)
	h.count.Add(-1)
}

// Observe queues ev for every subscriber. It never blocks.
func (h *Hub) Observe(ev types.Event) {
	msg := StreamMessage{
		Type:    "event",
		Payload: ev,
		Time:    time.Now().UTC(),
	}

	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn().Msg("Event stream broadcast channel full, dropping message")
	}
}

// HandleWebSocket upgrades the HTTP connection to a websocket subscriber
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &hubClient{
		hub:    h,
		conn:   conn,
		send:   make(chan StreamMessage, 256),
		remote: r.RemoteAddr,
	}

	select {
	case h.register <- client:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected subscribers
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// readPump detects disconnects; subscribers never send anything useful
func (c *hubClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Str("remote", c.remote).Msg("WebSocket read error")
			}
			return
		}
	}
}

// writePump handles outgoing messages to the client
func (c *hubClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}

			data, err := json.Marshal(message)
			if err != nil {
				c.hub.log.Error().Err(err).Msg("Failed to marshal stream message")
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.log.Debug().Err(err).Str("remote", c.remote).Msg("WebSocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
