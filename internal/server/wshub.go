package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/uesteibar/inloop/internal/item"
	"github.com/uesteibar/inloop/internal/tracker"
)

// Message is one change notification sent to websocket clients. Item is
// the committed row; for deletions it is the row as it was before removal.
type Message struct {
	Type   tracker.Change  `json:"type"`
	ItemID string          `json:"item_id"`
	Item   json.RawMessage `json:"item"`
	At     time.Time       `json:"at"`
}

// Hub fans change notifications out to connected websocket clients. It is
// safe for concurrent use and implements tracker.Notifier.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	logger  zerolog.Logger
	now     func() time.Time
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger.With().Str("component", "wshub").Logger(),
		now:     time.Now,
	}
}

// Notify sends a committed item change to every client subscribed to the
// item's type. Clients whose send buffer is full are dropped.
func (h *Hub) Notify(change tracker.Change, it item.Item) {
	payload, err := json.Marshal(it)
	if err != nil {
		h.logger.Error().Err(err).Str("item_id", it.ID).Msg("encoding change")
		return
	}
	data, err := json.Marshal(Message{Type: change, ItemID: it.ID, Item: payload, At: h.now().UTC()})
	if err != nil {
		h.logger.Error().Err(err).Str("item_id", it.ID).Msg("encoding change")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(it.Type) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn().Msg("dropping slow websocket client")
			go h.removeClient(c)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) addClient(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) removeClient(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Origins are not checked: the listener only accepts loopback connections.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the connection and streams changes until the client
// disconnects. The optional types query parameter is a comma separated list
// of item types to receive; without it every change is sent.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	types, ok := parseTypes(r.URL.Query().Get("types"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown item type in types")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("upgrading to websocket")
		return
	}

	c := &wsClient{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, 64),
		types: types,
	}
	h.addClient(c)

	go c.writePump()
	go c.readPump()
}

func parseTypes(raw string) (map[item.Type]bool, bool) {
	if raw == "" {
		return nil, true
	}
	types := make(map[item.Type]bool)
	for _, s := range strings.Split(raw, ",") {
		t := item.Type(strings.TrimSpace(s))
		if !t.Valid() {
			return nil, false
		}
		types[t] = true
	}
	return types, true
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type wsClient struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	types map[item.Type]bool
}

func (c *wsClient) wants(t item.Type) bool {
	return c.types == nil || c.types[t]
}

// readPump discards client frames; it exists to notice disconnects and
// to extend the deadline on pongs.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
