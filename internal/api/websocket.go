package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mescon/autopulse/internal/logger"
	"github.com/mescon/autopulse/internal/webhooks"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return strings.Contains(origin, r.Host)
	},
}

// Hub fans notification batches and log lines out to connected websocket
// clients. It doubles as a webhook sink so the batcher's periodic flush is
// what drives the live event stream.
type Hub struct {
	broadcast  chan interface{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
	clients    map[*websocket.Conn]bool
}

func NewHub() *Hub {
	h := &Hub{
		broadcast:  make(chan interface{}, 16),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]bool),
	}

	logCh := logger.Subscribe()
	go func() {
		for entry := range logCh {
			h.broadcast <- map[string]interface{}{"type": "log", "data": entry}
		}
	}()

	go h.run()
	return h
}

// Name implements webhooks.Sink.
func (h *Hub) Name() string { return "websocket" }

// Send implements webhooks.Sink: every batcher flush is pushed to all
// connected clients.
func (h *Hub) Send(batch []webhooks.Entry) error {
	for _, entry := range batch {
		h.broadcast <- map[string]interface{}{
			"type": "event",
			"data": gin.H{
				"kind":   entry.Kind,
				"source": entry.Source,
				"paths":  entry.Paths,
			},
		}
	}
	return nil
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			logger.Debugf("Websocket client connected (total %d)", len(h.clients))
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				_ = client.Close()
				logger.Debugf("Websocket client disconnected")
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if err := client.WriteJSON(message); err != nil {
					logger.Errorf("Websocket write failed: %v", err)
					_ = client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// HandleConnection upgrades the request and parks it until the client goes
// away, keeping the read deadline alive via pings.
func (h *Hub) HandleConnection(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Errorf("Failed to upgrade websocket: %v", err)
		return
	}
	h.register <- ws

	const (
		pongWait   = 60 * time.Second
		pingPeriod = (pongWait * 9) / 10
	)

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ticker := time.NewTicker(pingPeriod)
	go func() {
		defer ticker.Stop()
		for range ticker.C {
			h.mu.Lock()
			_, exists := h.clients[ws]
			if !exists {
				h.mu.Unlock()
				return
			}
			err := ws.WriteMessage(websocket.PingMessage, nil)
			h.mu.Unlock()
			if err != nil {
				h.unregister <- ws
				return
			}
		}
	}()

	defer func() { h.unregister <- ws }()
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
