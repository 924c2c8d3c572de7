// Package domain contains core domain types for the agentdesk service.
package domain

import (
	"time"
)

// User is a human account. Users own at most one agent.
type User struct {
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Headline  string    `json:"headline,omitempty"`
	Bio       string    `json:"bio,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PublicProfile returns the subset of the user shown to other parties.
func (u *User) PublicProfile() Profile {
	return Profile{
		UserID:   u.UserID,
		Name:     u.Name,
		Headline: u.Headline,
		Bio:      u.Bio,
	}
}

// Profile is a public snapshot of a user embedded into event payloads.
type Profile struct {
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	Headline string `json:"headline,omitempty"`
	Bio      string `json:"bio,omitempty"`
}
