// Package proto defines the frames exchanged between office clients and the
// relay. Call signaling messages travel opaque inside Payload.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/DeskCall/internal/domain"
)

type FrameType string

const (
	// client -> relay
	TypeHello     FrameType = "hello"
	TypeSend      FrameType = "send"
	TypePublish   FrameType = "publish"
	TypeDeskJoin  FrameType = "desk_join"
	TypeDeskLeave FrameType = "desk_leave"
	TypePing      FrameType = "ping"

	// relay -> client
	TypeWelcome      FrameType = "welcome"
	TypeMessage      FrameType = "message"
	TypeDeskJoined   FrameType = "desk_joined"
	TypeDeskLeft     FrameType = "desk_left"
	TypePresenceSync FrameType = "presence_sync"
	TypePong         FrameType = "pong"
	TypeError        FrameType = "error"
)

var ErrBadFrame = errors.New("bad frame")

// Frame is the single envelope of the relay protocol. Fields not used by a
// frame type are omitted.
type Frame struct {
	Type FrameType `json:"type"`
	// Ref echoes the request a reply belongs to.
	Ref string `json:"ref,omitempty"`

	Actor       domain.PeerID    `json:"actor,omitempty"`
	DisplayName string           `json:"displayName,omitempty"`
	SessionID   domain.SessionID `json:"sessionId,omitempty"`

	To     domain.PeerID `json:"to,omitempty"`
	From   domain.PeerID `json:"from,omitempty"`
	DeskID domain.DeskID `json:"deskId,omitempty"`

	JoinedAt     *time.Time           `json:"joinedAt,omitempty"`
	Participants []domain.Participant `json:"participants,omitempty"`
	Revision     uint64               `json:"revision,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrBadFrame)
	}
	return f, nil
}

// Message wraps an encoded signaling message for delivery.
func Message(from domain.PeerID, desk domain.DeskID, payload json.RawMessage) Frame {
	return Frame{Type: TypeMessage, From: from, DeskID: desk, Payload: payload}
}

func Presence(ps domain.PresenceSync) Frame {
	return Frame{Type: TypePresenceSync, DeskID: ps.DeskID, Revision: ps.Revision, Participants: ps.Participants}
}

func Errorf(ref string, format string, args ...any) Frame {
	return Frame{Type: TypeError, Ref: ref, Error: fmt.Sprintf(format, args...)}
}
