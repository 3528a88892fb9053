package api

import (
	"encoding/json"
	"errors"
	"log"

	"github.com/GRhin/stronghold-lobby/pkg/coordinator"
	"github.com/GRhin/stronghold-lobby/pkg/directory"
	"github.com/GRhin/stronghold-lobby/pkg/model"
)

// Server wires the event surface: session control, chat and the friend graph.
// Dir is nil when the server runs without a directory; handlers that need it
// report "directory unavailable".
type Server struct {
	Hub   *Hub
	Coord *coordinator.Coordinator
	Dir   *directory.Store
}

func NewServer(hub *Hub, coord *coordinator.Coordinator, dir *directory.Store) *Server {
	s := &Server{Hub: hub, Coord: coord, Dir: dir}
	s.register()
	return s
}

func (s *Server) register() {
	s.Hub.OnConnect(func(c *Conn) {
		// The client needs its own connection id to recognize itself in
		// roster pushes.
		c.Send("hello", map[string]string{
			"connId": c.ID,
			"userId": c.UserID,
			"name":   c.Name,
		})
		c.Send("session:list", s.Coord.List())
	})
	s.Hub.OnDisconnect(func(connID string) {
		s.Coord.LeaveSession(connID)
	})

	s.Hub.Handle("session:create", s.onSessionCreate)
	s.Hub.Handle("session:join", s.onSessionJoin)
	s.Hub.Handle("session:leave", s.onSessionLeave)
	s.Hub.Handle("session:list", s.onSessionList)
	s.Hub.Handle("session:transferHost", s.onTransferHost)
	s.Hub.Handle("session:setRendezvousId", s.onSetRendezvousID)
	s.Hub.Handle("session:launch", s.onLaunch)
	s.Hub.Handle("game:reportResult", s.onReportResult)
	s.Hub.Handle("chat:send", s.onChatSend)
	s.Hub.Handle("chat:history", s.onChatHistory)
	s.Hub.Handle("friend:request", s.onFriendRequest)
	s.Hub.Handle("friend:accept", s.onFriendAccept)
	s.Hub.Handle("friend:reject", s.onFriendReject)
	s.Hub.Handle("friend:list", s.onFriendList)
	s.Hub.Handle("user:search", s.onUserSearch)
}

func decode(c *Conn, event string, payload json.RawMessage, out any) bool {
	if len(payload) == 0 {
		return true
	}
	if err := json.Unmarshal(payload, out); err != nil {
		c.SendError(event, "bad payload")
		return false
	}
	return true
}

func (s *Server) onSessionCreate(c *Conn, payload json.RawMessage) {
	var req struct {
		Name       string `json:"name"`
		Map        string `json:"map"`
		Mode       string `json:"mode"`
		MaxPlayers int    `json:"maxPlayers"`
		Rated      bool   `json:"rated"`
	}
	if !decode(c, "session:create", payload, &req) {
		return
	}
	if req.Name == "" {
		req.Name = c.Name + "'s game"
	}
	_, err := s.Coord.CreateSession(coordinator.CreateRequest{
		ConnID:     c.ID,
		UserID:     c.UserID,
		HostAddr:   c.Addr,
		Name:       req.Name,
		Map:        req.Map,
		Mode:       req.Mode,
		MaxPlayers: req.MaxPlayers,
		Rated:      req.Rated,
		PlayerName: c.Name,
	})
	if err != nil {
		c.SendError("session:create", err.Error())
	}
}

func (s *Server) onSessionJoin(c *Conn, payload json.RawMessage) {
	var req struct {
		SessionID   string `json:"sessionId"`
		DisplayName string `json:"displayName"`
	}
	if !decode(c, "session:join", payload, &req) {
		return
	}
	name := c.Name
	if req.DisplayName != "" {
		name = req.DisplayName
	}
	if _, err := s.Coord.JoinSession(c.ID, c.UserID, req.SessionID, name); err != nil {
		c.SendError("session:join", err.Error())
	}
}

func (s *Server) onSessionLeave(c *Conn, _ json.RawMessage) {
	s.Coord.LeaveSession(c.ID)
}

func (s *Server) onSessionList(c *Conn, _ json.RawMessage) {
	c.Send("session:list", s.Coord.List())
}

func (s *Server) onTransferHost(c *Conn, payload json.RawMessage) {
	var req struct {
		ConnID string `json:"connId"`
	}
	if !decode(c, "session:transferHost", payload, &req) {
		return
	}
	if err := s.Coord.TransferHost(c.ID, req.ConnID); err != nil {
		c.SendError("session:transferHost", err.Error())
	}
}

func (s *Server) onSetRendezvousID(c *Conn, payload json.RawMessage) {
	var req struct {
		RendezvousID string `json:"rendezvousId"`
	}
	if !decode(c, "session:setRendezvousId", payload, &req) {
		return
	}
	if err := s.Coord.SetRendezvousID(c.ID, req.RendezvousID); err != nil {
		// Stale writes from a demoted host are expected during migration.
		if !errors.Is(err, coordinator.ErrUnauthorized) {
			c.SendError("session:setRendezvousId", err.Error())
		}
	}
}

func (s *Server) onLaunch(c *Conn, _ json.RawMessage) {
	if err := s.Coord.Launch(c.ID); err != nil {
		c.SendError("session:launch", err.Error())
	}
}

func (s *Server) onReportResult(c *Conn, payload json.RawMessage) {
	var req struct {
		SessionID string `json:"sessionId"`
		WinnerID  string `json:"winnerId"`
		LoserID   string `json:"loserId"`
	}
	if !decode(c, "game:reportResult", payload, &req) {
		return
	}
	if req.SessionID != "" {
		if sess, ok := s.Coord.SessionOf(c.ID); !ok || sess.ID != req.SessionID {
			c.SendError("game:reportResult", coordinator.ErrNotFound.Error())
			return
		}
	}
	if err := s.Coord.ReportResult(c.ID, req.WinnerID, req.LoserID); err != nil {
		c.SendError("game:reportResult", err.Error())
	}
}

// chatMessage is the chat:message payload for every channel.
type chatMessage struct {
	Channel  string `json:"channel"`
	FromID   string `json:"fromId,omitempty"`
	FromName string `json:"fromName"`
	Text     string `json:"text"`
}

func (s *Server) onChatSend(c *Conn, payload json.RawMessage) {
	var req struct {
		Channel  string `json:"channel"`
		Text     string `json:"text"`
		ToUserID string `json:"toUserId"`
	}
	if !decode(c, "chat:send", payload, &req) {
		return
	}
	if req.Text == "" {
		return
	}
	msg := chatMessage{Channel: req.Channel, FromID: c.UserID, FromName: c.Name, Text: req.Text}
	switch req.Channel {
	case "room":
		sess, ok := s.Coord.SessionOf(c.ID)
		if !ok {
			c.SendError("chat:send", "not in a session")
			return
		}
		s.Hub.ToRoom("session:"+sess.ID, "chat:message", msg)
	case "direct":
		if c.UserID == "" || req.ToUserID == "" {
			c.SendError("chat:send", "direct chat requires a signed-in sender and recipient")
			return
		}
		if s.Dir != nil {
			err := s.Dir.SaveMessage(model.Message{FromID: c.UserID, ToID: req.ToUserID, Text: req.Text})
			if err != nil {
				log.Printf("direct message persist failed from=%s to=%s: %v", c.UserID, req.ToUserID, err)
			}
		}
		if peer, ok := s.Hub.ConnByUser(req.ToUserID); ok {
			peer.Send("chat:message", msg)
		}
		c.Send("chat:message", msg)
	default:
		s.Hub.ToAll("chat:message", msg)
	}
}

func (s *Server) onChatHistory(c *Conn, payload json.RawMessage) {
	var req struct {
		WithUserID string `json:"withUserId"`
		Limit      int    `json:"limit"`
	}
	if !decode(c, "chat:history", payload, &req) {
		return
	}
	if s.Dir == nil || c.UserID == "" {
		c.SendError("chat:history", "directory unavailable")
		return
	}
	msgs, err := s.Dir.History(c.UserID, req.WithUserID, req.Limit)
	if err != nil {
		c.SendError("chat:history", err.Error())
		return
	}
	c.Send("chat:history", msgs)
}

// friendMutate factors the request/accept/reject triple, which differ only in
// the store call.
func (s *Server) friendMutate(c *Conn, event string, payload json.RawMessage, fn func(self, other string) error) {
	var req struct {
		UserID string `json:"userId"`
	}
	if !decode(c, event, payload, &req) {
		return
	}
	if s.Dir == nil || c.UserID == "" {
		c.SendError(event, "directory unavailable")
		return
	}
	if err := fn(c.UserID, req.UserID); err != nil {
		c.SendError(event, err.Error())
		return
	}
	s.pushFriends(c)
	if peer, ok := s.Hub.ConnByUser(req.UserID); ok {
		s.pushFriends(peer)
	}
}

func (s *Server) onFriendRequest(c *Conn, payload json.RawMessage) {
	s.friendMutate(c, "friend:request", payload, func(self, other string) error {
		return s.Dir.RequestFriend(self, other)
	})
}

func (s *Server) onFriendAccept(c *Conn, payload json.RawMessage) {
	s.friendMutate(c, "friend:accept", payload, func(self, other string) error {
		return s.Dir.AcceptFriend(self, other)
	})
}

func (s *Server) onFriendReject(c *Conn, payload json.RawMessage) {
	s.friendMutate(c, "friend:reject", payload, func(self, other string) error {
		return s.Dir.RejectFriend(self, other)
	})
}

func (s *Server) onFriendList(c *Conn, _ json.RawMessage) {
	if s.Dir == nil || c.UserID == "" {
		c.SendError("friend:list", "directory unavailable")
		return
	}
	s.pushFriends(c)
}

// pushFriends sends the friend list plus pending inbound requests.
func (s *Server) pushFriends(c *Conn) {
	friends, err := s.Dir.Friends(c.UserID)
	if err != nil {
		c.SendError("friend:list", err.Error())
		return
	}
	var requests []string
	if user, err := s.Dir.Get(c.UserID); err == nil {
		requests = user.Requests
	}
	c.Send("friend:list", map[string]any{
		"friends":  friends,
		"requests": requests,
	})
}

func (s *Server) onUserSearch(c *Conn, payload json.RawMessage) {
	var req struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if !decode(c, "user:search", payload, &req) {
		return
	}
	if s.Dir == nil {
		c.SendError("user:search", "directory unavailable")
		return
	}
	users, err := s.Dir.Search(req.Query, req.Limit)
	if err != nil {
		c.SendError("user:search", err.Error())
		return
	}
	c.Send("user:search", users)
}
