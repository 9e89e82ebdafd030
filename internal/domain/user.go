// Package domain contains entities and message schemas without behavior
// beyond validation.
package domain

import (
	"errors"
)

const (
	MaxPeerIDLen      = 64
	MaxDisplayNameLen = 36
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrPeerIDEmpty        = errors.New("peer id empty")
	ErrPeerIDTooLong      = errors.New("peer id too long")
)

// User is an actor known to the relay.
type User struct {
	ID          PeerID `json:"id"`
	DisplayName string `json:"displayName"`
}

// NewUser validates the actor id; an empty display name falls back to the id.
func NewUser(id PeerID, displayName string) (*User, error) {
	if len(id) == 0 {
		return nil, ErrPeerIDEmpty
	}
	if len(id) > MaxPeerIDLen {
		return nil, ErrPeerIDTooLong
	}
	if displayName == "" {
		displayName = string(id)
	}
	u := &User{ID: id}
	if err := u.SetDisplayName(displayName); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *User) SetDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	u.DisplayName = name
	return nil
}
