package rendezvous

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryProvider is an in-process provider, intended for dev/demo and tests.
// It mimics the reassignment behavior of real providers: when the owner
// leaves, ownership moves to the next member; an empty lobby disappears.
type MemoryProvider struct {
	mu      sync.Mutex
	lobbies map[string]*Lobby
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{lobbies: make(map[string]*Lobby)}
}

func (p *MemoryProvider) Create(_ context.Context, owner Member, name, mode string, maxMembers int) (Lobby, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if maxMembers <= 0 {
		maxMembers = 8
	}
	l := &Lobby{
		ID:         uuid.NewString(),
		Owner:      owner.ID,
		Name:       name,
		Mode:       mode,
		MaxMembers: maxMembers,
		Members:    []Member{owner},
	}
	p.lobbies[l.ID] = l
	return copyLobby(l), nil
}

func (p *MemoryProvider) Join(_ context.Context, lobbyID string, m Member) (Lobby, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.lobbies[lobbyID]
	if !ok {
		return Lobby{}, ErrNotFound
	}
	for _, existing := range l.Members {
		if existing.ID == m.ID {
			return copyLobby(l), nil
		}
	}
	if len(l.Members) >= l.MaxMembers {
		return Lobby{}, ErrFull
	}
	l.Members = append(l.Members, m)
	return copyLobby(l), nil
}

func (p *MemoryProvider) Leave(_ context.Context, lobbyID, memberID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.lobbies[lobbyID]
	if !ok {
		return nil
	}
	members := l.Members[:0]
	for _, m := range l.Members {
		if m.ID != memberID {
			members = append(members, m)
		}
	}
	l.Members = members
	if len(l.Members) == 0 {
		delete(p.lobbies, lobbyID)
		return nil
	}
	if l.Owner == memberID {
		l.Owner = l.Members[0].ID
	}
	return nil
}

func (p *MemoryProvider) List(_ context.Context) ([]Summary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Summary, 0, len(p.lobbies))
	for _, l := range p.lobbies {
		out = append(out, Summary{
			ID:          l.ID,
			Name:        l.Name,
			Mode:        l.Mode,
			MemberCount: len(l.Members),
			MaxMembers:  l.MaxMembers,
		})
	}
	return out, nil
}

func (p *MemoryProvider) Members(_ context.Context, lobbyID string) ([]Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.lobbies[lobbyID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]Member(nil), l.Members...), nil
}

// Drop removes a lobby outright, simulating a provider-side death.
func (p *MemoryProvider) Drop(lobbyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.lobbies, lobbyID)
}

func copyLobby(l *Lobby) Lobby {
	out := *l
	out.Members = append([]Member(nil), l.Members...)
	return out
}
