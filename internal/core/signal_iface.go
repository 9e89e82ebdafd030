package core

import (
	"context"
	"time"

	"github.com/dkeye/DeskCall/internal/domain"
)

// SignalChannel is a best-effort message transport: unordered, may drop,
// may duplicate.
type SignalChannel interface {
	SendTo(ctx context.Context, to domain.PeerID, msg domain.Message) error
	Publish(ctx context.Context, desk domain.DeskID, msg domain.Message) error
}

// PresenceChannel joins and leaves desk presence groups. Membership changes
// are delivered asynchronously as domain.PresenceSync.
type PresenceChannel interface {
	// Self is the session id other desk members address this actor by.
	Self() domain.SessionID
	JoinDesk(ctx context.Context, desk domain.DeskID) (joinedAt time.Time, err error)
	LeaveDesk(ctx context.Context, desk domain.DeskID) error
}

// SignalConnection is the relay side of one client connection.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend([]byte) error
	Close()
}
