package model

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusOpen   SessionStatus = "Open"
	StatusInGame SessionStatus = "InGame"
)

// Participant is one roster entry in a Session. UserID is empty when the
// directory was unavailable at join time.
type Participant struct {
	ConnID string `json:"connId"`
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name"`
	IsHost bool   `json:"isHost"`
	Rating int    `json:"rating"`
}

// Session is the authoritative server-side lobby record. The coordinator is
// its sole owner; everything handed out over the wire is a copy.
type Session struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	HostConnID   string        `json:"hostConnId"`
	HostAddr     string        `json:"hostAddr"`
	Map          string        `json:"map"`
	MaxPlayers   int           `json:"maxPlayers"`
	Rated        bool          `json:"rated"`
	Mode         string        `json:"mode"`
	RendezvousID string        `json:"rendezvousId,omitempty"`
	Status       SessionStatus `json:"status"`
	Roster       []Participant `json:"roster"`
}

// SessionSummary is the session:list projection.
type SessionSummary struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Map        string        `json:"map"`
	Players    int           `json:"players"`
	MaxPlayers int           `json:"maxPlayers"`
	Rated      bool          `json:"rated"`
	Mode       string        `json:"mode"`
	Status     SessionStatus `json:"status"`
}

func (s Session) Summary() SessionSummary {
	return SessionSummary{
		ID:         s.ID,
		Name:       s.Name,
		Map:        s.Map,
		Players:    len(s.Roster),
		MaxPlayers: s.MaxPlayers,
		Rated:      s.Rated,
		Mode:       s.Mode,
		Status:     s.Status,
	}
}

// Member returns the participant with the given connection id.
func (s Session) Member(connID string) (Participant, bool) {
	for _, p := range s.Roster {
		if p.ConnID == connID {
			return p, true
		}
	}
	return Participant{}, false
}

// Host returns the participant currently flagged as host.
func (s Session) Host() (Participant, bool) {
	for _, p := range s.Roster {
		if p.IsHost {
			return p, true
		}
	}
	return Participant{}, false
}
