package coordinator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GRhin/stronghold-lobby/pkg/model"
)

type busEvent struct {
	Scope   string // all, room, conn
	Target  string
	Event   string
	Payload any
}

type fakeBus struct {
	mu     sync.Mutex
	events []busEvent
	rooms  map[string]map[string]bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{rooms: make(map[string]map[string]bool)}
}

func (b *fakeBus) ToAll(event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, busEvent{Scope: "all", Event: event, Payload: payload})
}

func (b *fakeBus) ToRoom(room, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, busEvent{Scope: "room", Target: room, Event: event, Payload: payload})
}

func (b *fakeBus) ToConn(connID, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, busEvent{Scope: "conn", Target: connID, Event: event, Payload: payload})
}

func (b *fakeBus) JoinRoom(connID, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rooms[room] == nil {
		b.rooms[room] = make(map[string]bool)
	}
	b.rooms[room][connID] = true
}

func (b *fakeBus) LeaveRoom(connID, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rooms[room], connID)
}

func (b *fakeBus) eventsOf(event string) []busEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []busEvent
	for _, e := range b.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type fakeDir struct {
	mu      sync.Mutex
	ratings map[string]int
	updated map[string]int
}

func newFakeDir() *fakeDir {
	return &fakeDir{ratings: make(map[string]int), updated: make(map[string]int)}
}

func (d *fakeDir) Rating(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.ratings[userID]; ok {
		return r
	}
	return 1000
}

func (d *fakeDir) UpdateRating(userID string, rating int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ratings[userID] = rating
	d.updated[userID] = rating
	return nil
}

func newTestCoordinator() (*Coordinator, *fakeBus, *fakeDir) {
	bus := newFakeBus()
	dir := newFakeDir()
	return New(bus, dir), bus, dir
}

func create(t *testing.T, c *Coordinator, connID, userID string, req CreateRequest) model.Session {
	t.Helper()
	req.ConnID = connID
	req.UserID = userID
	req.PlayerName = "player-" + connID
	sess, err := c.CreateSession(req)
	require.NoError(t, err)
	return sess
}

func TestCreateSessionDefaults(t *testing.T) {
	c, _, dir := newTestCoordinator()
	dir.ratings["u1"] = 1200

	sess := create(t, c, "c1", "u1", CreateRequest{Name: "game"})

	assert.Equal(t, 8, sess.MaxPlayers)
	assert.Equal(t, "Unknown", sess.Map)
	assert.Equal(t, model.StatusOpen, sess.Status)
	require.Len(t, sess.Roster, 1)
	assert.True(t, sess.Roster[0].IsHost)
	assert.Equal(t, "c1", sess.HostConnID)
	assert.Equal(t, 1200, sess.Roster[0].Rating)
}

func TestCreateDestroysPreviousSession(t *testing.T) {
	c, _, _ := newTestCoordinator()
	var destroyed []string
	c.OnDestroy = func(id string) { destroyed = append(destroyed, id) }

	first := create(t, c, "c1", "u1", CreateRequest{Name: "first"})
	second := create(t, c, "c1", "u1", CreateRequest{Name: "second"})

	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, []string{first.ID}, destroyed)
}

func TestSessionIDsAreCreationOrdered(t *testing.T) {
	c, _, _ := newTestCoordinator()
	a := create(t, c, "c1", "", CreateRequest{Name: "a"})
	b := create(t, c, "c2", "", CreateRequest{Name: "b"})
	assert.Less(t, a.ID, b.ID)
}

func TestJoinErrors(t *testing.T) {
	c, _, _ := newTestCoordinator()

	_, err := c.JoinSession("c9", "", "nope", "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	sess := create(t, c, "c1", "u1", CreateRequest{Name: "duel", MaxPlayers: 2})
	_, err = c.JoinSession("c2", "u2", sess.ID, "p2")
	require.NoError(t, err)
	_, err = c.JoinSession("c3", "u3", sess.ID, "p3")
	assert.ErrorIs(t, err, ErrFull)

	require.NoError(t, c.Launch("c1"))
	_, err = c.JoinSession("c4", "u4", sess.ID, "p4")
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestJoinIsIdempotent(t *testing.T) {
	c, _, _ := newTestCoordinator()
	sess := create(t, c, "c1", "u1", CreateRequest{Name: "game"})
	_, err := c.JoinSession("c2", "u2", sess.ID, "p2")
	require.NoError(t, err)
	again, err := c.JoinSession("c2", "u2", sess.ID, "p2")
	require.NoError(t, err)
	assert.Len(t, again.Roster, 2)
}

func TestHostMigrationFollowsJoinOrder(t *testing.T) {
	c, bus, _ := newTestCoordinator()
	sess := create(t, c, "h", "uh", CreateRequest{Name: "game"})
	_, err := c.JoinSession("a", "ua", sess.ID, "alice")
	require.NoError(t, err)
	_, err = c.JoinSession("b", "ub", sess.ID, "bob")
	require.NoError(t, err)

	c.LeaveSession("h")

	after, ok := c.Session(sess.ID)
	require.True(t, ok)
	assert.Equal(t, "a", after.HostConnID)
	hosts := 0
	for _, p := range after.Roster {
		if p.IsHost {
			hosts++
			assert.Equal(t, "a", p.ConnID)
		}
	}
	assert.Equal(t, 1, hosts, "exactly one host after migration")

	migrations := bus.eventsOf("session:hostMigrated")
	require.Len(t, migrations, 1)
	payload := migrations[0].Payload.(map[string]string)
	assert.Equal(t, "alice", payload["hostName"])
}

func TestGuestLeaveDoesNotMigrateHost(t *testing.T) {
	c, bus, _ := newTestCoordinator()
	sess := create(t, c, "h", "uh", CreateRequest{Name: "game"})
	_, err := c.JoinSession("a", "ua", sess.ID, "alice")
	require.NoError(t, err)

	c.LeaveSession("a")

	after, ok := c.Session(sess.ID)
	require.True(t, ok)
	assert.Equal(t, "h", after.HostConnID)
	assert.Empty(t, bus.eventsOf("session:hostMigrated"))
}

func TestLastLeaveDestroysSession(t *testing.T) {
	c, _, _ := newTestCoordinator()
	var destroyed []string
	c.OnDestroy = func(id string) { destroyed = append(destroyed, id) }

	sess := create(t, c, "c1", "u1", CreateRequest{Name: "game"})
	c.LeaveSession("c1")

	assert.Empty(t, c.List())
	assert.Equal(t, []string{sess.ID}, destroyed)
	_, ok := c.Session(sess.ID)
	assert.False(t, ok)
}

func TestTransferHost(t *testing.T) {
	c, _, _ := newTestCoordinator()
	sess := create(t, c, "h", "uh", CreateRequest{Name: "game"})
	_, err := c.JoinSession("a", "ua", sess.ID, "alice")
	require.NoError(t, err)

	assert.ErrorIs(t, c.TransferHost("a", "h"), ErrUnauthorized)
	assert.ErrorIs(t, c.TransferHost("h", "stranger"), ErrNotParticipant)

	require.NoError(t, c.TransferHost("h", "a"))
	after, _ := c.Session(sess.ID)
	assert.Equal(t, "a", after.HostConnID)
	host, ok := after.Host()
	require.True(t, ok)
	assert.Equal(t, "a", host.ConnID)
}

func TestSetRendezvousID(t *testing.T) {
	c, bus, _ := newTestCoordinator()
	sess := create(t, c, "h", "uh", CreateRequest{Name: "game"})
	_, err := c.JoinSession("a", "ua", sess.ID, "alice")
	require.NoError(t, err)

	assert.ErrorIs(t, c.SetRendezvousID("a", "lobby-1"), ErrUnauthorized)

	require.NoError(t, c.SetRendezvousID("h", "lobby-1"))
	after, _ := c.Session(sess.ID)
	assert.Equal(t, "lobby-1", after.RendezvousID)

	updates := len(bus.eventsOf("session:update"))
	require.NoError(t, c.SetRendezvousID("h", "lobby-1"))
	assert.Equal(t, updates, len(bus.eventsOf("session:update")), "same id is a no-op")
}

func TestLaunchBroadcastsDirective(t *testing.T) {
	c, bus, _ := newTestCoordinator()
	sess := create(t, c, "h", "uh", CreateRequest{Name: "game"})
	require.NoError(t, c.SetRendezvousID("h", "lobby-9"))

	assert.ErrorIs(t, c.Launch("nobody"), ErrNotFound)
	require.NoError(t, c.Launch("h"))

	launches := bus.eventsOf("game:launch")
	require.Len(t, launches, 1)
	directive := launches[0].Payload.(LaunchDirective)
	assert.Equal(t, "lobby-9", directive.RendezvousID)

	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, model.StatusInGame, list[0].Status)
	_ = sess
}

func TestReportResultAppliesElo(t *testing.T) {
	c, bus, dir := newTestCoordinator()
	dir.ratings["uw"] = 1000
	dir.ratings["ul"] = 1000

	sess := create(t, c, "w", "uw", CreateRequest{Name: "ranked", Rated: true})
	_, err := c.JoinSession("l", "ul", sess.ID, "loser")
	require.NoError(t, err)
	require.NoError(t, c.Launch("w"))

	require.NoError(t, c.ReportResult("w", "w", "l"))

	after, _ := c.Session(sess.ID)
	assert.Equal(t, model.StatusOpen, after.Status)
	winner, _ := after.Member("w")
	loser, _ := after.Member("l")
	assert.Equal(t, 1016, winner.Rating)
	assert.Equal(t, 984, loser.Rating)
	assert.Equal(t, 1016, dir.updated["uw"])
	assert.Equal(t, 984, dir.updated["ul"])
	assert.Len(t, bus.eventsOf("user:ratingUpdate"), 2)
}

func TestReportResultErrors(t *testing.T) {
	c, _, _ := newTestCoordinator()

	casual := create(t, c, "h", "uh", CreateRequest{Name: "casual"})
	_, err := c.JoinSession("a", "ua", casual.ID, "alice")
	require.NoError(t, err)
	assert.ErrorIs(t, c.ReportResult("h", "h", "a"), ErrNotRated)
	assert.ErrorIs(t, c.ReportResult("a", "h", "a"), ErrUnauthorized)

	ranked := create(t, c, "r", "ur", CreateRequest{Name: "ranked", Rated: true})
	assert.ErrorIs(t, c.ReportResult("r", "r", "stranger"), ErrNotParticipant)
	_ = ranked
}

func TestAccessorsReturnCopies(t *testing.T) {
	c, _, _ := newTestCoordinator()
	sess := create(t, c, "h", "uh", CreateRequest{Name: "game"})

	copy1, ok := c.Session(sess.ID)
	require.True(t, ok)
	copy1.Roster[0].Name = "mutated"
	copy1.Name = "mutated"

	copy2, _ := c.Session(sess.ID)
	assert.Equal(t, "game", copy2.Name)
	assert.NotEqual(t, "mutated", copy2.Roster[0].Name)
}

func TestSessionOf(t *testing.T) {
	c, _, _ := newTestCoordinator()
	sess := create(t, c, "h", "uh", CreateRequest{Name: "game"})

	found, ok := c.SessionOf("h")
	require.True(t, ok)
	assert.Equal(t, sess.ID, found.ID)

	_, ok = c.SessionOf("stranger")
	assert.False(t, ok)
}
