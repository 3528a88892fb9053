package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GRhin/stronghold-lobby/pkg/model"
	"github.com/GRhin/stronghold-lobby/pkg/rendezvous"
)

type fakeWriter struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (w *fakeWriter) SetRendezvousID(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.ids = append(w.ids, id)
	return nil
}

func (w *fakeWriter) last() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.ids) == 0 {
		return ""
	}
	return w.ids[len(w.ids)-1]
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ids)
}

type countingProvider struct {
	rendezvous.Provider
	creates atomic.Int64
	joins   atomic.Int64
}

func (p *countingProvider) Create(ctx context.Context, owner rendezvous.Member, name, mode string, maxMembers int) (rendezvous.Lobby, error) {
	p.creates.Add(1)
	return p.Provider.Create(ctx, owner, name, mode, maxMembers)
}

func (p *countingProvider) Join(ctx context.Context, lobbyID string, m rendezvous.Member) (rendezvous.Lobby, error) {
	p.joins.Add(1)
	return p.Provider.Join(ctx, lobbyID, m)
}

func session(hostConn, rendezvousID string, roster ...string) model.Session {
	s := model.Session{
		ID:           "s1",
		Name:         "game",
		HostConnID:   hostConn,
		MaxPlayers:   8,
		RendezvousID: rendezvousID,
		Status:       model.StatusOpen,
	}
	for _, conn := range roster {
		s.Roster = append(s.Roster, model.Participant{ConnID: conn, Name: conn})
	}
	return s
}

func hostMachine(provider rendezvous.Provider, writer Writer) *Machine {
	return New(Config{
		Provider: provider,
		Writer:   writer,
		Self:     rendezvous.Member{ID: "host", Name: "host"},
		ConnID:   "host",
	})
}

func TestHostCreatesAndLinksAfterAck(t *testing.T) {
	mem := rendezvous.NewMemoryProvider()
	writer := &fakeWriter{}
	m := hostMachine(mem, writer)

	m.OnSessionUpdate(session("host", "", "host"))

	assert.Equal(t, StateCreating, m.State())
	lobbyID := writer.last()
	require.NotEmpty(t, lobbyID, "new lobby id must be announced")
	mirror, ok := m.Mirror()
	require.True(t, ok)
	assert.Equal(t, lobbyID, mirror.ID)

	// Coordinator echoes the id back.
	m.OnSessionUpdate(session("host", lobbyID, "host"))
	assert.Equal(t, StateLinked, m.State())
}

func TestHostPendingGuardSuppressesRecreate(t *testing.T) {
	mem := rendezvous.NewMemoryProvider()
	provider := &countingProvider{Provider: mem}
	writer := &fakeWriter{}
	m := hostMachine(provider, writer)

	m.OnSessionUpdate(session("host", "", "host"))
	require.Equal(t, int64(1), provider.creates.Load())

	// Further evaluations before the ack must not create more lobbies.
	m.Poll(context.Background())
	m.Poll(context.Background())
	assert.Equal(t, int64(1), provider.creates.Load())
	assert.Equal(t, 1, writer.count())
}

func TestHostRecreatesDeadLobby(t *testing.T) {
	mem := rendezvous.NewMemoryProvider()
	writer := &fakeWriter{}
	m := hostMachine(mem, writer)

	m.OnSessionUpdate(session("host", "", "host"))
	first := writer.last()
	m.OnSessionUpdate(session("host", first, "host"))
	require.Equal(t, StateLinked, m.State())

	mem.Drop(first)
	m.Poll(context.Background())

	assert.Equal(t, StateReforming, m.State())
	second := writer.last()
	assert.NotEqual(t, first, second)

	m.OnSessionUpdate(session("host", second, "host"))
	assert.Equal(t, StateLinked, m.State())
}

func TestHostReformsOnSplitLobby(t *testing.T) {
	mem := rendezvous.NewMemoryProvider()
	writer := &fakeWriter{}
	m := hostMachine(mem, writer)

	m.OnSessionUpdate(session("host", "", "host"))
	first := writer.last()
	m.OnSessionUpdate(session("host", first, "host"))
	require.Equal(t, StateLinked, m.State())

	// Two roster entries but the provider lobby only holds the host.
	m.OnSessionUpdate(session("host", first, "host", "guest"))

	second := writer.last()
	assert.NotEqual(t, first, second, "split lobby forces a reform")
	assert.Equal(t, StateReforming, m.State())
}

func TestHostReannouncesOverwrittenID(t *testing.T) {
	mem := rendezvous.NewMemoryProvider()
	writer := &fakeWriter{}
	m := hostMachine(mem, writer)

	m.OnSessionUpdate(session("host", "", "host"))
	ours := writer.last()
	m.OnSessionUpdate(session("host", ours, "host"))
	require.Equal(t, StateLinked, m.State())

	// A stale write from a demoted host won in the coordinator.
	m.OnSessionUpdate(session("host", "stale-id", "host"))

	assert.Equal(t, ours, writer.last(), "own healthy lobby id is re-announced")
	m.OnSessionUpdate(session("host", ours, "host"))
	assert.Equal(t, StateLinked, m.State())
}

func TestGuestFollowsAnnouncedLobby(t *testing.T) {
	mem := rendezvous.NewMemoryProvider()
	lobby, err := mem.Create(context.Background(), rendezvous.Member{ID: "host"}, "game", "", 8)
	require.NoError(t, err)

	m := New(Config{
		Provider: mem,
		Writer:   &fakeWriter{},
		Self:     rendezvous.Member{ID: "guest", Name: "guest"},
		ConnID:   "guest",
	})
	m.OnSessionUpdate(session("host", lobby.ID, "host", "guest"))

	assert.Equal(t, StateLinked, m.State())
	members, err := mem.Members(context.Background(), lobby.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestGuestRetriesAfterFailedJoin(t *testing.T) {
	mem := rendezvous.NewMemoryProvider()
	provider := &countingProvider{Provider: mem}
	m := New(Config{
		Provider: provider,
		Writer:   &fakeWriter{},
		Self:     rendezvous.Member{ID: "guest"},
		ConnID:   "guest",
	})

	m.OnSessionUpdate(session("host", "not-yet-created", "host", "guest"))
	assert.Equal(t, StateDesynced, m.State())
	require.Equal(t, int64(1), provider.joins.Load())

	// The lobby appears later under the same id; the next tick joins it.
	lobby, err := mem.Create(context.Background(), rendezvous.Member{ID: "host"}, "game", "", 8)
	require.NoError(t, err)
	m.OnSessionUpdate(session("host", lobby.ID, "host", "guest"))
	assert.Equal(t, StateLinked, m.State())
	assert.Equal(t, int64(2), provider.joins.Load())
}

func TestGuestSwitchesLobbies(t *testing.T) {
	mem := rendezvous.NewMemoryProvider()
	ctx := context.Background()
	first, err := mem.Create(ctx, rendezvous.Member{ID: "host"}, "game", "", 8)
	require.NoError(t, err)

	m := New(Config{
		Provider: mem,
		Writer:   &fakeWriter{},
		Self:     rendezvous.Member{ID: "guest"},
		ConnID:   "guest",
	})
	m.OnSessionUpdate(session("host", first.ID, "host", "guest"))
	require.Equal(t, StateLinked, m.State())

	// Host reformed; the guest follows and leaves the old lobby.
	second, err := mem.Create(ctx, rendezvous.Member{ID: "host"}, "game", "", 8)
	require.NoError(t, err)
	m.OnSessionUpdate(session("host", second.ID, "host", "guest"))

	assert.Equal(t, StateLinked, m.State())
	members, err := mem.Members(ctx, second.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
	firstMembers, err := mem.Members(ctx, first.ID)
	if err == nil {
		for _, member := range firstMembers {
			assert.NotEqual(t, "guest", member.ID)
		}
	}
}

func TestPendingTTLTriggersFallback(t *testing.T) {
	mem := rendezvous.NewMemoryProvider()
	fallback := make(chan struct{}, 1)
	// Writer that always fails: the announce never reaches the coordinator.
	writer := &fakeWriter{err: assert.AnError}
	m := New(Config{
		Provider:   mem,
		Writer:     writer,
		Self:       rendezvous.Member{ID: "host"},
		ConnID:     "host",
		PendingTTL: 10 * time.Millisecond,
		Fallback:   func() { fallback <- struct{}{} },
	})

	m.OnSessionUpdate(session("host", "", "host"))
	time.Sleep(20 * time.Millisecond)
	m.Poll(context.Background())

	assert.Equal(t, StateDesynced, m.State())
	select {
	case <-fallback:
	case <-time.After(time.Second):
		t.Fatal("fallback was not invoked")
	}
}

func TestOnLeaveReturnsToIdle(t *testing.T) {
	mem := rendezvous.NewMemoryProvider()
	writer := &fakeWriter{}
	m := hostMachine(mem, writer)

	m.OnSessionUpdate(session("host", "", "host"))
	lobbyID := writer.last()
	require.NotEmpty(t, lobbyID)

	m.OnLeave(context.Background())

	assert.Equal(t, StateIdle, m.State())
	_, ok := m.Mirror()
	assert.False(t, ok)
	_, err := mem.Members(context.Background(), lobbyID)
	assert.ErrorIs(t, err, rendezvous.ErrNotFound, "empty lobby is deleted on leave")
}
