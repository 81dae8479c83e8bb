package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cvalentine99/honeyclass/internal/events"
	"github.com/cvalentine99/honeyclass/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans event frames out to connected WebSocket clients. A client whose
// send buffer is full is dropped.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	batcher *events.Batcher
	logger  *logging.Logger
}

// NewHub creates a hub that batches events into frames every interval.
func NewHub(interval time.Duration, maxBatch int) *Hub {
	h := &Hub{
		clients: make(map[*client]struct{}),
		logger:  logging.APILogger(),
	}
	h.batcher = events.NewBatcher(events.BatcherConfig{
		MaxBatchSize:  maxBatch,
		FlushInterval: interval,
		OnFlush:       h.broadcastBatch,
	})
	return h
}

// Attach subscribes the hub to every event on bus.
func (h *Hub) Attach(bus *events.EventBus) {
	bus.SubscribeAll(h.batcher.Add)
}

// Run flushes batched frames until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.batcher.Start()
	<-ctx.Done()
	h.batcher.Stop()

	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastBatch(batch *events.BatchedEvents) {
	data, err := batch.JSON()
	if err != nil {
		h.logger.Error("failed to encode event batch", logging.Err(err))
		return
	}
	h.Broadcast(data)
}

// Broadcast queues one frame to every client.
func (h *Hub) Broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping slow websocket client", "remote", c.conn.RemoteAddr().String())
			close(c.send)
			delete(h.clients, c)
		}
	}
}

// ServeWS upgrades the request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", logging.Err(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientSendSize)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "remote", conn.RemoteAddr().String())

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// readPump discards client messages and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
