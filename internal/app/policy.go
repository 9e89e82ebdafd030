package app

import (
	"github.com/dkeye/DeskCall/internal/domain"
	"github.com/dkeye/DeskCall/internal/proto"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens when a connection's send buffer is full.
type Policy interface {
	OnBackPressure(sid domain.SessionID, frame proto.FrameType) BackpressureAction
}

// SimplePolicy drops keepalive replies and kicks on anything else; a client
// that missed signaling cannot recover without reconnecting.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ domain.SessionID, frame proto.FrameType) BackpressureAction {
	if frame == proto.TypePong {
		return DropFrame
	}
	return KickMember
}
