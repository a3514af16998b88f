package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/offmesh/offmesh/internal/call"
	"github.com/offmesh/offmesh/internal/mesh"
)

const (
	hubBuffer    = 256
	clientBuffer = 64

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxClientFrame = 4096
)

// EventCall is the envelope type of call state changes.
const EventCall = "call"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The admin address is loopback unless configured otherwise.
	CheckOrigin: func(*http.Request) bool { return true },
}

// OutgoingMessage is one frame on the event stream.
type OutgoingMessage struct {
	Type     string `json:"type"`
	Payload  any    `json:"payload,omitempty"`
	ErrorMsg string `json:"error,omitempty"`
}

// Hub fans engine and call events out to websocket subscribers. Publish and
// PublishCall never block; events are dropped when the hub falls behind.
type Hub struct {
	log     *zap.Logger
	metrics *apiMetrics

	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

// Client is one websocket subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func newHub(log *zap.Logger, metrics *apiMetrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:        log,
		metrics:    metrics,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, hubBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves subscribers until ctx ends, then disconnects them all.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.metrics.setClients(0)
			return
		case client := <-h.register:
			h.clients[client] = true
			h.metrics.setClients(len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.metrics.setClients(len(h.clients))
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.metrics.recordEventDrop("slow_client")
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.metrics.setClients(len(h.clients))
		}
	}
}

// Publish implements mesh.EventSink.
func (h *Hub) Publish(ev mesh.Event) {
	h.publish(OutgoingMessage{Type: string(ev.Type), Payload: ev})
}

// PublishCall implements call.EventSink.
func (h *Hub) PublishCall(s call.Snapshot) {
	h.publish(OutgoingMessage{Type: EventCall, Payload: s})
}

func (h *Hub) publish(msg OutgoingMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("marshal event", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
		h.metrics.recordEvent(msg.Type)
	default:
		h.metrics.recordEventDrop("hub_full")
		h.log.Debug("event dropped", zap.String("type", msg.Type))
	}
}

// serve upgrades r and streams events until either side goes away. first
// is queued ahead of any broadcast.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, first *OutgoingMessage) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{hub: h, conn: conn, send: make(chan []byte, clientBuffer)}
	if first != nil {
		client.sendJSON(*first)
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	go client.writePump()
	client.readPump()
}

func (c *Client) sendJSON(msg OutgoingMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.log.Warn("marshal event", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.metrics.recordEventDrop("slow_client")
	}
}

// readPump only watches for the peer going away; subscribers do not send
// commands over the stream.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxClientFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("event client read", zap.Error(err))
			}
			return
		}
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
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.log.Debug("event client write", zap.Error(err))
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
