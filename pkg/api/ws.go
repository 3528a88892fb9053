// Package api is the coordinator's transport layer: the websocket control
// plane plus the HTTP auth and content endpoints.
package api

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/GRhin/stronghold-lobby/pkg/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Event is the wire envelope for every control-plane message, both directions.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler processes one inbound event on a connection.
type Handler func(c *Conn, payload json.RawMessage)

// Conn is one authenticated websocket connection. Writes serialize on wmu so
// room broadcasts and direct sends can interleave safely.
type Conn struct {
	ID     string
	UserID string
	Name   string
	Addr   string

	ws  *websocket.Conn
	wmu sync.Mutex
}

// Send marshals and writes one event. Errors are logged, not returned; a dead
// socket is reaped by its own read loop.
func (c *Conn) Send(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("marshal %s failed: %v", event, err)
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteJSON(Event{Type: event, Payload: data}); err != nil {
		log.Printf("write %s to %s failed: %v", event, c.ID, err)
	}
}

// SendError reports a failed operation back to the sender.
func (c *Conn) SendError(event, message string) {
	c.Send("error", map[string]string{"event": event, "message": message})
}

// Hub owns every live connection and the room index, and implements the
// coordinator's Broadcaster.
type Hub struct {
	// AllowAnonymous admits connections without a token, identified only by
	// the name query parameter. Set when the server runs without a directory.
	AllowAnonymous bool

	mu     sync.RWMutex
	conns  map[string]*Conn
	rooms  map[string]map[string]struct{}
	byUser map[string]string // userID -> connID

	handlers     map[string]Handler
	onConnect    func(*Conn)
	onDisconnect func(connID string)
}

func NewHub() *Hub {
	return &Hub{
		conns:    make(map[string]*Conn),
		rooms:    make(map[string]map[string]struct{}),
		byUser:   make(map[string]string),
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for one event type. Not safe to call after
// connections start arriving.
func (h *Hub) Handle(event string, fn Handler) { h.handlers[event] = fn }

func (h *Hub) OnConnect(fn func(*Conn)) { h.onConnect = fn }

func (h *Hub) OnDisconnect(fn func(connID string)) { h.onDisconnect = fn }

// ServeWS upgrades an authenticated request and runs its read loop.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, name, ok := h.identify(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	c := &Conn{
		ID:     uuid.NewString(),
		UserID: userID,
		Name:   name,
		Addr:   clientAddr(r),
		ws:     ws,
	}
	h.register(c)
	log.Printf("ws connected conn=%s user=%s name=%q addr=%s", c.ID, c.UserID, c.Name, c.Addr)
	if h.onConnect != nil {
		h.onConnect(c)
	}
	h.readLoop(c)
}

func (h *Hub) identify(r *http.Request) (userID, name string, ok bool) {
	token := r.URL.Query().Get("token")
	if token != "" {
		claims, err := auth.Parse(token)
		if err == nil {
			return claims.UserID, claims.Name, true
		}
		return "", "", false
	}
	if h.AllowAnonymous {
		if name := r.URL.Query().Get("name"); name != "" {
			return "", name, true
		}
	}
	return "", "", false
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID] = c
	if c.UserID != "" {
		// Last connection wins for direct delivery.
		h.byUser[c.UserID] = c.ID
	}
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.ID)
	if c.UserID != "" && h.byUser[c.UserID] == c.ID {
		delete(h.byUser, c.UserID)
	}
	for room, members := range h.rooms {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) readLoop(c *Conn) {
	defer func() {
		h.unregister(c)
		c.ws.Close()
		log.Printf("ws disconnected conn=%s", c.ID)
		if h.onDisconnect != nil {
			h.onDisconnect(c.ID)
		}
	}()
	for {
		var ev Event
		if err := c.ws.ReadJSON(&ev); err != nil {
			return
		}
		fn, ok := h.handlers[ev.Type]
		if !ok {
			c.SendError(ev.Type, "unknown event")
			continue
		}
		fn(c, ev.Payload)
	}
}

// Conn returns a live connection by id.
func (h *Hub) Conn(connID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	return c, ok
}

// ConnByUser returns the live connection of a user, if any.
func (h *Hub) ConnByUser(userID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.byUser[userID]
	if !ok {
		return nil, false
	}
	c, ok := h.conns[id]
	return c, ok
}

func (h *Hub) ToAll(event string, payload any) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.Send(event, payload)
	}
}

func (h *Hub) ToRoom(room, event string, payload any) {
	h.mu.RLock()
	var targets []*Conn
	for id := range h.rooms[room] {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.Send(event, payload)
	}
}

func (h *Hub) ToConn(connID, event string, payload any) {
	if c, ok := h.Conn(connID); ok {
		c.Send(event, payload)
	}
}

func (h *Hub) JoinRoom(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	members[connID] = struct{}{}
}

func (h *Hub) LeaveRoom(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// clientAddr normalizes the peer address to a bare host. Loopback v6
// collapses to v4 so launch directives stay consistent in local setups.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "::1" {
		host = "127.0.0.1"
	}
	return host
}
