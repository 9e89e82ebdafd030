package domain

import "github.com/google/uuid"

type (
	// PeerID addresses an actor for direct calls.
	PeerID string
	// SessionID is the relay connection id, used for desk presence.
	SessionID string
	DeskID    string
	CallID    string
)

func NewCallID() CallID {
	return CallID(uuid.NewString())
}

func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}
