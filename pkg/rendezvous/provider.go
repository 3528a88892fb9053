// Package rendezvous models the externally-owned peer-discovery service used
// for game-traffic rendezvous. This system only consumes its lobby
// operations; the provider's internals are out of scope.
package rendezvous

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("rendezvous lobby not found")
	ErrFull     = errors.New("rendezvous lobby full")
)

// Member is one occupant of a provider-side lobby.
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Lobby is the client-local mirror of a provider-side lobby. Only the session
// host ever writes through the provider; everyone else rebuilds the mirror
// from queries.
type Lobby struct {
	ID         string   `json:"id"`
	Owner      string   `json:"owner"`
	Name       string   `json:"name"`
	Mode       string   `json:"mode"`
	MaxMembers int      `json:"maxMembers"`
	Members    []Member `json:"members"`
}

// Summary is one entry of a provider lobby listing.
type Summary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Mode        string `json:"mode"`
	MemberCount int    `json:"memberCount"`
	MaxMembers  int    `json:"maxMembers"`
}

// Provider is the consumed surface of the rendezvous service.
type Provider interface {
	Create(ctx context.Context, owner Member, name, mode string, maxMembers int) (Lobby, error)
	Join(ctx context.Context, lobbyID string, m Member) (Lobby, error)
	Leave(ctx context.Context, lobbyID, memberID string) error
	List(ctx context.Context) ([]Summary, error)
	Members(ctx context.Context, lobbyID string) ([]Member, error)
}
