package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFriendGraphHelpers(t *testing.T) {
	u := User{Friends: []string{"f1"}, Requests: []string{"r1", "r2"}}

	assert.True(t, u.HasFriend("f1"))
	assert.False(t, u.HasFriend("r1"))
	assert.True(t, u.HasRequest("r2"))

	u.DropRequest("r1")
	assert.False(t, u.HasRequest("r1"))
	assert.True(t, u.HasRequest("r2"))

	u.DropRequest("never-there")
	assert.Len(t, u.Requests, 1)
}

func TestPublicStripsSecrets(t *testing.T) {
	u := User{UserID: "u1", Name: "alice", PasswordHash: "hash", Rating: 1234}
	p := u.Public()
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, "alice", p.Name)
	assert.Equal(t, 1234, p.Rating)
}

func TestSessionHelpers(t *testing.T) {
	s := Session{
		ID:         "s1",
		Name:       "game",
		Map:        "crossing",
		MaxPlayers: 4,
		Roster: []Participant{
			{ConnID: "a", Name: "alice", IsHost: true},
			{ConnID: "b", Name: "bob"},
		},
	}

	host, ok := s.Host()
	assert.True(t, ok)
	assert.Equal(t, "a", host.ConnID)

	member, ok := s.Member("b")
	assert.True(t, ok)
	assert.Equal(t, "bob", member.Name)
	_, ok = s.Member("c")
	assert.False(t, ok)

	sum := s.Summary()
	assert.Equal(t, 2, sum.Players)
	assert.Equal(t, 4, sum.MaxPlayers)
	assert.Equal(t, "crossing", sum.Map)
}
