package coordinator

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/GRhin/stronghold-lobby/pkg/model"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrNotOpen        = errors.New("session not open")
	ErrFull           = errors.New("session full")
	ErrUnauthorized   = errors.New("requester is not the session host")
	ErrNotRated       = errors.New("session is not rated")
	ErrNotParticipant = errors.New("not a session participant")
)

// Broadcaster is the fan-out side of the control plane. Calls are
// fire-and-forget; the coordinator never blocks on delivery.
type Broadcaster interface {
	ToAll(event string, payload any)
	ToRoom(room, event string, payload any)
	ToConn(connID, event string, payload any)
	JoinRoom(connID, room string)
	LeaveRoom(connID, room string)
}

// Directory is the slice of the persistent directory the coordinator needs.
// A nil Directory means ratings default to 1000 and results are not persisted.
type Directory interface {
	Rating(userID string) int
	UpdateRating(userID string, rating int) error
}

// RatingUpdate is the user:ratingUpdate payload.
type RatingUpdate struct {
	UserID string `json:"userId"`
	Rating int    `json:"rating"`
}

// LaunchDirective is the game:launch payload pushed to every participant.
type LaunchDirective struct {
	HostAddr     string `json:"hostAddr"`
	RendezvousID string `json:"rendezvousId,omitempty"`
}

// Coordinator owns the table of active sessions. Sessions are keyed by id and
// never aliased outside this package; every accessor returns a copy. One lock
// covers the table, so roster mutations are linearizable.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	byConn   map[string]string // connID -> sessionID
	lastID   int64

	bc  Broadcaster
	dir Directory

	// OnDestroy runs after a session is removed, outside the lock.
	// Used to purge the session's content store.
	OnDestroy func(sessionID string)
}

func New(bc Broadcaster, dir Directory) *Coordinator {
	return &Coordinator{
		sessions: make(map[string]*model.Session),
		byConn:   make(map[string]string),
		bc:       bc,
		dir:      dir,
	}
}

// CreateRequest carries the session:create payload plus connection facts the
// transport layer knows.
type CreateRequest struct {
	ConnID     string
	UserID     string
	HostAddr   string
	Name       string
	Map        string
	Mode       string
	MaxPlayers int
	Rated      bool
	PlayerName string
}

// CreateSession destroys any session the requester is in, then creates a new
// one with the requester as sole participant and host.
func (c *Coordinator) CreateSession(req CreateRequest) (model.Session, error) {
	c.mu.Lock()
	destroyed := c.leaveLocked(req.ConnID)

	if req.MaxPlayers <= 0 {
		req.MaxPlayers = 8
	}
	if req.Map == "" {
		req.Map = "Unknown"
	}
	sess := &model.Session{
		ID:         c.nextID(),
		Name:       req.Name,
		HostConnID: req.ConnID,
		HostAddr:   req.HostAddr,
		Map:        req.Map,
		MaxPlayers: req.MaxPlayers,
		Rated:      req.Rated,
		Mode:       req.Mode,
		Status:     model.StatusOpen,
		Roster: []model.Participant{{
			ConnID: req.ConnID,
			UserID: req.UserID,
			Name:   req.PlayerName,
			IsHost: true,
			Rating: c.rating(req.UserID),
		}},
	}
	c.sessions[sess.ID] = sess
	c.byConn[req.ConnID] = sess.ID
	out := copySession(sess)
	c.mu.Unlock()

	c.bc.JoinRoom(req.ConnID, roomOf(out.ID))
	c.bc.ToConn(req.ConnID, "session:update", out)
	c.broadcastList()
	c.runDestroyHooks(destroyed)
	log.Printf("session created id=%s name=%q host=%s rated=%v", out.ID, out.Name, req.ConnID, out.Rated)
	return out, nil
}

// JoinSession appends the requester to an open, non-full session.
func (c *Coordinator) JoinSession(connID, userID, sessionID, playerName string) (model.Session, error) {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return model.Session{}, ErrNotFound
	}
	if sess.Status != model.StatusOpen {
		c.mu.Unlock()
		return model.Session{}, ErrNotOpen
	}
	if len(sess.Roster) >= sess.MaxPlayers {
		c.mu.Unlock()
		return model.Session{}, ErrFull
	}
	if _, in := sess.Member(connID); in {
		// Idempotent: already a participant.
		out := copySession(sess)
		c.mu.Unlock()
		return out, nil
	}
	destroyed := c.leaveLocked(connID)
	sess.Roster = append(sess.Roster, model.Participant{
		ConnID: connID,
		UserID: userID,
		Name:   playerName,
		Rating: c.rating(userID),
	})
	c.byConn[connID] = sessionID
	out := copySession(sess)
	c.mu.Unlock()

	c.bc.JoinRoom(connID, roomOf(sessionID))
	c.broadcastSession(out)
	c.broadcastList()
	c.runDestroyHooks(destroyed)
	return out, nil
}

// LeaveSession removes the participant owning this connection from whatever
// session it is in. No-op when the connection is in no session.
func (c *Coordinator) LeaveSession(connID string) {
	c.mu.Lock()
	sessionID, ok := c.byConn[connID]
	if !ok {
		c.mu.Unlock()
		return
	}
	wasHost := false
	if sess, still := c.sessions[sessionID]; still {
		wasHost = sess.HostConnID == connID
	}
	destroyed := c.leaveLocked(connID)
	var out model.Session
	var migrated string
	alive := false
	if sess, still := c.sessions[sessionID]; still {
		alive = true
		out = copySession(sess)
		if wasHost {
			if host, ok := sess.Host(); ok {
				migrated = host.Name
			}
		}
	}
	c.mu.Unlock()

	c.bc.LeaveRoom(connID, roomOf(sessionID))
	if alive {
		c.broadcastSession(out)
		if migrated != "" {
			c.bc.ToRoom(roomOf(sessionID), "session:hostMigrated", map[string]string{
				"sessionId": sessionID,
				"hostName":  migrated,
			})
		}
	}
	c.broadcastList()
	c.runDestroyHooks(destroyed)
}

// TransferHost flips the host flag to another participant. Only the current
// host may transfer.
func (c *Coordinator) TransferHost(connID, targetConnID string) error {
	c.mu.Lock()
	sess, err := c.hostSessionLocked(connID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if _, in := sess.Member(targetConnID); !in {
		c.mu.Unlock()
		return ErrNotParticipant
	}
	for i := range sess.Roster {
		sess.Roster[i].IsHost = sess.Roster[i].ConnID == targetConnID
	}
	sess.HostConnID = targetConnID
	out := copySession(sess)
	c.mu.Unlock()

	c.broadcastSession(out)
	return nil
}

// SetRendezvousID publishes the host's rendezvous lobby id. Host-only; this
// is the reconciler's write path.
func (c *Coordinator) SetRendezvousID(connID, rendezvousID string) error {
	c.mu.Lock()
	sess, err := c.hostSessionLocked(connID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if sess.RendezvousID == rendezvousID {
		c.mu.Unlock()
		return nil
	}
	sess.RendezvousID = rendezvousID
	out := copySession(sess)
	c.mu.Unlock()

	c.broadcastSession(out)
	return nil
}

// Launch marks the session in-game and pushes the launch directive to the
// whole room.
func (c *Coordinator) Launch(connID string) error {
	c.mu.Lock()
	sess, err := c.hostSessionLocked(connID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	sess.Status = model.StatusInGame
	directive := LaunchDirective{HostAddr: sess.HostAddr, RendezvousID: sess.RendezvousID}
	id := sess.ID
	c.mu.Unlock()

	c.bc.ToRoom(roomOf(id), "game:launch", directive)
	c.broadcastList()
	log.Printf("session launched id=%s host=%s", id, connID)
	return nil
}

// ReportResult applies the Elo update for a rated session and reopens it.
// Only the host of a rated session may report, and both players must be
// roster participants.
func (c *Coordinator) ReportResult(connID, winnerConnID, loserConnID string) error {
	c.mu.Lock()
	sess, err := c.hostSessionLocked(connID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !sess.Rated {
		c.mu.Unlock()
		return ErrNotRated
	}
	winner, wok := sess.Member(winnerConnID)
	loser, lok := sess.Member(loserConnID)
	if !wok || !lok {
		c.mu.Unlock()
		return ErrNotParticipant
	}
	delta := Delta(winner.Rating, loser.Rating)
	newWinner := winner.Rating + delta
	newLoser := loser.Rating - delta
	for i := range sess.Roster {
		switch sess.Roster[i].ConnID {
		case winnerConnID:
			sess.Roster[i].Rating = newWinner
		case loserConnID:
			sess.Roster[i].Rating = newLoser
		}
	}
	sess.Status = model.StatusOpen
	out := copySession(sess)
	c.mu.Unlock()

	if c.dir != nil {
		if winner.UserID != "" {
			if err := c.dir.UpdateRating(winner.UserID, newWinner); err != nil {
				log.Printf("rating persist failed user=%s: %v", winner.UserID, err)
			}
			c.bc.ToAll("user:ratingUpdate", RatingUpdate{UserID: winner.UserID, Rating: newWinner})
		}
		if loser.UserID != "" {
			if err := c.dir.UpdateRating(loser.UserID, newLoser); err != nil {
				log.Printf("rating persist failed user=%s: %v", loser.UserID, err)
			}
			c.bc.ToAll("user:ratingUpdate", RatingUpdate{UserID: loser.UserID, Rating: newLoser})
		}
	}
	c.bc.ToRoom(roomOf(out.ID), "session:notice", map[string]string{
		"text": fmt.Sprintf("%s defeated %s (+%d / -%d)", winner.Name, loser.Name, delta, delta),
	})
	c.broadcastSession(out)
	c.broadcastList()
	return nil
}

// Session returns a copy of one session.
func (c *Coordinator) Session(sessionID string) (model.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		return model.Session{}, false
	}
	return copySession(sess), true
}

// SessionOf returns a copy of the session this connection participates in.
func (c *Coordinator) SessionOf(connID string) (model.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byConn[connID]
	if !ok {
		return model.Session{}, false
	}
	sess, ok := c.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	return copySession(sess), true
}

// List returns summaries ordered by creation (session ids are
// creation-ordered).
func (c *Coordinator) List() []model.SessionSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listLocked()
}

func (c *Coordinator) listLocked() []model.SessionSummary {
	out := make([]model.SessionSummary, 0, len(c.sessions))
	for _, sess := range c.sessions {
		out = append(out, sess.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// leaveLocked removes connID from its session, promoting a new host or
// destroying the session as needed. Returns ids of destroyed sessions.
func (c *Coordinator) leaveLocked(connID string) []string {
	sessionID, ok := c.byConn[connID]
	if !ok {
		return nil
	}
	delete(c.byConn, connID)
	sess, ok := c.sessions[sessionID]
	if !ok {
		return nil
	}
	wasHost := false
	roster := sess.Roster[:0]
	for _, p := range sess.Roster {
		if p.ConnID == connID {
			wasHost = p.IsHost
			continue
		}
		roster = append(roster, p)
	}
	sess.Roster = roster
	if len(sess.Roster) == 0 {
		delete(c.sessions, sessionID)
		log.Printf("session destroyed id=%s (empty roster)", sessionID)
		return []string{sessionID}
	}
	if wasHost {
		// First by join order becomes the new host.
		sess.Roster[0].IsHost = true
		sess.HostConnID = sess.Roster[0].ConnID
		log.Printf("session %s host migrated to %s", sessionID, sess.HostConnID)
	}
	return nil
}

func (c *Coordinator) hostSessionLocked(connID string) (*model.Session, error) {
	sessionID, ok := c.byConn[connID]
	if !ok {
		return nil, ErrNotFound
	}
	sess, ok := c.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if sess.HostConnID != connID {
		return nil, ErrUnauthorized
	}
	return sess, nil
}

func (c *Coordinator) rating(userID string) int {
	if c.dir == nil || userID == "" {
		return 1000
	}
	return c.dir.Rating(userID)
}

// nextID returns a creation-ordered opaque id: unix milliseconds with a
// monotonic tiebreak so back-to-back creates never collide.
func (c *Coordinator) nextID() string {
	id := time.Now().UnixMilli()
	if id <= c.lastID {
		id = c.lastID + 1
	}
	c.lastID = id
	return strconv.FormatInt(id, 10)
}

func (c *Coordinator) broadcastList() {
	c.mu.Lock()
	list := c.listLocked()
	c.mu.Unlock()
	c.bc.ToAll("session:list", list)
}

func (c *Coordinator) broadcastSession(sess model.Session) {
	c.bc.ToRoom(roomOf(sess.ID), "session:update", sess)
}

func (c *Coordinator) runDestroyHooks(ids []string) {
	if c.OnDestroy == nil {
		return
	}
	for _, id := range ids {
		c.OnDestroy(id)
	}
}

func roomOf(sessionID string) string { return "session:" + sessionID }

func copySession(s *model.Session) model.Session {
	out := *s
	out.Roster = append([]model.Participant(nil), s.Roster...)
	return out
}
