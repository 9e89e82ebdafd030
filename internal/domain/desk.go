package domain

import (
	"slices"
	"strings"
	"time"
)

type DeskStatus string

const (
	DeskIdle       DeskStatus = "idle"
	DeskReady      DeskStatus = "ready"
	DeskConnecting DeskStatus = "connecting"
	DeskInCall     DeskStatus = "in_call"
	DeskEnded      DeskStatus = "ended"
	DeskError      DeskStatus = "error"
)

// Participant is one presence entry of a desk.
type Participant struct {
	SessionID   SessionID `json:"sessionId"`
	DisplayName string    `json:"displayName"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// PresenceSync is the full membership of a desk as seen by the relay.
// Revision grows with every membership change on the relay; a receiver
// ignores a snapshot older than one it already applied. Zero means unknown.
type PresenceSync struct {
	DeskID       DeskID
	Revision     uint64
	Participants []Participant
}

// SortParticipants orders by JoinedAt ascending, ties broken by SessionID so
// every member derives the same order from the same snapshot.
func SortParticipants(ps []Participant) {
	slices.SortStableFunc(ps, func(a, b Participant) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.SessionID), string(b.SessionID))
	})
}
