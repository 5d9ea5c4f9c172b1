package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"retailsync/internal/logger"
	"retailsync/internal/xid"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// Must be less than pongWait.
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// Hub pushes sync-state snapshots to connected websocket clients.
type Hub struct {
	notifier *Notifier
	upgrader websocket.Upgrader
	log      zerolog.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	clients    map[string]*client
	done       chan struct{}
}

type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub builds a hub for n. checkOrigin may be nil, in which case only
// same-host origins are accepted.
func NewHub(n *Notifier, checkOrigin func(*http.Request) bool) *Hub {
	return &Hub{
		notifier: n,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		log:        logger.WithComponent("sync-hub"),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 16),
		clients:    make(map[string]*client),
		done:       make(chan struct{}),
	}
}

// Run forwards notifier snapshots to clients until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	unsubscribe := h.notifier.Subscribe(func(snap Snapshot) {
		payload, err := json.Marshal(snap)
		if err != nil {
			return
		}
		select {
		case h.broadcast <- payload:
		default:
			h.log.Warn().Msg("sync snapshot dropped, hub is busy")
		}
	})
	defer unsubscribe()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			return
		case c := <-h.register:
			h.clients[c.id] = c
			h.log.Debug().Str("client", c.id).Int("clients", len(h.clients)).Msg("client connected")
		case c := <-h.unregister:
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
				h.log.Debug().Str("client", c.id).Msg("client disconnected")
			}
		case msg := <-h.broadcast:
			for id, c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, id)
				}
			}
		}
	}
}

// ServeWS upgrades the request and streams snapshots, starting with the
// current one.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{id: xid.New("ws"), hub: h, conn: conn, send: make(chan []byte, 16)}

	initial, err := json.Marshal(h.notifier.Snapshot())
	if err == nil {
		c.send <- initial
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump only drains control frames; clients do not send messages.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Str("client", c.id).Msg("websocket read failed")
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
