package signal

import (
	"fmt"

	"github.com/dkeye/DeskCall/internal/domain"
	"github.com/dkeye/DeskCall/internal/proto"
)

func errUnknownFrame(t proto.FrameType) error {
	return fmt.Errorf("%w: unknown type %q", proto.ErrBadFrame, t)
}

func (ctl *SignalWSController) handlePing(sid domain.SessionID, f proto.Frame) {
	ctl.Relay.Ping(sid, f.Ref)
}
