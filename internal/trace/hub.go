package trace

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// writeWait is the timeout for writing to a websocket.
	writeWait = 10 * time.Second

	// pongWait is the timeout for pong responses.
	pongWait = 60 * time.Second

	// pingPeriod is how often ping frames are sent. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames; clients only send control frames.
	maxMessageSize = 512

	clientBuffer       = 64
	defaultHistorySize = 50
)

// Hub broadcasts finished traces to websocket clients. It is both a Sink
// and an http.Handler. New clients receive the most recent traces first
// unless they connect with ?replay=false.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]bool
	history [][]byte
	histCap int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewHub creates a hub that keeps the last historySize traces for replay.
func NewHub(historySize int) *Hub {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The server binds to loopback by default; any local page may watch.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]bool),
		histCap: historySize,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Record broadcasts s. Clients whose buffer is full are disconnected.
func (h *Hub) Record(s Snapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		log.Warn().Err(err).Str("trace_id", s.ID).Msg("trace hub: marshal failed")
		return
	}

	h.mu.Lock()
	h.history = append(h.history, data)
	if len(h.history) > h.histCap {
		h.history = h.history[len(h.history)-h.histCap:]
	}
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the connection and streams traces to it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "trace hub closed", http.StatusServiceUnavailable)
		return
	}

	replay := r.URL.Query().Get("replay") != "false"
	count := h.histCap
	if n, err := strconv.Atoi(r.URL.Query().Get("count")); err == nil && n >= 0 {
		count = n
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("trace hub: websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	if replay {
		start := len(h.history) - count
		if start < 0 {
			start = 0
		}
		for _, data := range h.history[start:] {
			select {
			case c.send <- data:
			default:
			}
		}
	}
	h.clients[c] = true
	h.mu.Unlock()

	h.wg.Add(2)
	go h.writePump(c)
	go h.readPump(c)
}

// Close disconnects every client and waits for their goroutines.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

func (h *Hub) writePump(c *client) {
	defer h.wg.Done()
	defer c.conn.Close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.unregister(c)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}

		case <-h.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer h.wg.Done()
	defer h.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Msg("trace hub: client read error")
			}
			return
		}
	}
}
