package model

import "time"

// User is the persistent directory record for a player. Friends and Requests
// hold persistent user ids; Requests are inbound, not yet accepted.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	UserID       string    `gorm:"uniqueIndex;size:64" json:"userId"`
	Name         string    `gorm:"index;size:64" json:"name"`
	PasswordHash string    `json:"-"`
	Friends      []string  `gorm:"serializer:json" json:"friends"`
	Requests     []string  `gorm:"serializer:json" json:"requests"`
	Rating       int       `gorm:"default:1000" json:"rating"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Public strips fields that never go over the wire to other players.
func (u User) Public() PublicUser {
	return PublicUser{UserID: u.UserID, Name: u.Name, Rating: u.Rating}
}

// PublicUser is the directory projection shared with other players.
type PublicUser struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Rating int    `json:"rating"`
}

// HasFriend reports whether id is in the friend list.
func (u User) HasFriend(id string) bool { return contains(u.Friends, id) }

// HasRequest reports whether id already has a pending inbound request.
func (u User) HasRequest(id string) bool { return contains(u.Requests, id) }

// DropRequest removes id from the pending request list.
func (u *User) DropRequest(id string) {
	out := u.Requests[:0]
	for _, r := range u.Requests {
		if r != id {
			out = append(out, r)
		}
	}
	u.Requests = out
}

func contains(xs []string, id string) bool {
	for _, x := range xs {
		if x == id {
			return true
		}
	}
	return false
}

// Message is one persisted direct message.
type Message struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	FromID    string    `gorm:"index;size:64" json:"fromId"`
	ToID      string    `gorm:"index;size:64" json:"toId"`
	Text      string    `gorm:"size:2048" json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}
