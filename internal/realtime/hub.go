// README: WebSocket hub with one room per ride; pushes ride and driver position events to subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"ridehail/internal/modules/location"
	"ridehail/internal/modules/ride"
	"ridehail/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is the envelope written to subscribers.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type Hub struct {
	mu     sync.RWMutex
	rooms  map[types.ID]map[*client]struct{}
	closed bool
	log    logrus.FieldLogger
}

func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{rooms: make(map[types.ID]map[*client]struct{}), log: log}
}

// Serve upgrades the request and subscribes the connection to rideID's room
// until the peer goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, rideID types.ID) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{hub: h, conn: conn, room: rideID, send: make(chan []byte, sendBuffer)}
	if !h.join(c) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		return conn.Close()
	}
	h.log.WithField("ride_id", rideID).Debug("ws subscribed")
	go c.writePump()
	c.readPump()
	return nil
}

func (h *Hub) join(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	room, ok := h.rooms[c.room]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[c.room] = room
	}
	room[c] = struct{}{}
	return true
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.room]
	if !ok {
		return
	}
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	close(c.send)
	if len(room) == 0 {
		delete(h.rooms, c.room)
	}
}

// Subscribers returns the number of live connections for rideID.
func (h *Hub) Subscribers(rideID types.ID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[rideID])
}

// Broadcast sends msg to every subscriber of rideID. A subscriber whose
// buffer is full is dropped rather than allowed to stall the sender.
func (h *Hub) Broadcast(rideID types.ID, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var slow []*client
	h.mu.RLock()
	for c := range h.rooms[rideID] {
		select {
		case c.send <- body:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.WithField("ride_id", rideID).Warn("ws subscriber too slow, dropping")
		h.leave(c)
	}
	return nil
}

// Publish implements ride.Publisher. Forwarded declines are dispatcher
// traffic and stay off the sockets.
func (h *Hub) Publish(_ context.Context, ev ride.Event) error {
	if ev.Type == ride.EventOfferDeclined {
		return nil
	}
	return h.Broadcast(ev.RideID, Message{Type: string(ev.Type), Data: ev})
}

// PublishLocation implements location.Publisher. Positions are only pushed
// while the driver is on a ride.
func (h *Hub) PublishLocation(_ context.Context, ev location.Event) error {
	if ev.RideID == nil {
		return nil
	}
	return h.Broadcast(*ev.RideID, Message{Type: ev.Type, Data: ev})
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	rooms := h.rooms
	h.rooms = make(map[types.ID]map[*client]struct{})
	h.mu.Unlock()

	for _, room := range rooms {
		for c := range room {
			close(c.send)
		}
	}
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	room types.ID
	send chan []byte
}

// readPump only services control frames; subscribers do not talk back.
func (c *client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).WithField("ride_id", c.room).Debug("ws closed")
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
		case body, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
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
