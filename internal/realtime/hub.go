package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/xtrntr/p2pdesk/internal/logger"
	"github.com/xtrntr/p2pdesk/internal/metrics"
)

// Frame is a message sent to a websocket client
type Frame struct {
	Event string `json:"event"`
	Room  string `json:"room,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Hub keeps room membership of the sockets connected to this instance.
// Messages to one room are queued to every member in publish order.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewHub creates an empty hub
func NewHub(log *logger.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = logger.NewNop()
	}
	return &Hub{
		rooms:   make(map[string]map[*Client]struct{}),
		log:     log,
		metrics: m,
	}
}

// Join adds c to room
func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

// Leave removes c from room
func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(c, room)
}

func (h *Hub) leave(c *Client, room string) {
	delete(c.rooms, room)
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Register tracks a newly connected client
func (h *Hub) Register(c *Client) {
	h.metrics.WSConnected()
	h.Join(c, UserRoom(c.UserID))
}

// Unregister drops c from every room and closes its send queue
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	for room := range c.rooms {
		h.leave(c, room)
	}
	h.mu.Unlock()
	if c.close() {
		h.metrics.WSDisconnected()
	}
}

// RoomSize returns the number of local members of room
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Publish encodes an event and delivers it to the local members of room
func (h *Hub) Publish(ctx context.Context, room, event string, payload any) {
	msg, err := Encode(room, event, payload)
	if err != nil {
		h.log.ErrorContext(ctx, err, logger.F("room", room), logger.F("event", event))
		return
	}
	h.Deliver(room, msg)
}

// Encode builds the wire form of a server frame
func Encode(room, event string, payload any) ([]byte, error) {
	return json.Marshal(Frame{Event: event, Room: room, Data: payload})
}

// Deliver queues an encoded frame to every local member of room.
// A client whose queue is full is disconnected.
func (h *Hub) Deliver(room string, msg []byte) {
	var slow []*Client
	h.mu.RLock()
	for c := range h.rooms[room] {
		if !c.enqueue(msg) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("dropping slow websocket client", logger.F("user_id", c.UserID), logger.F("room", room))
		h.Unregister(c)
	}
}
