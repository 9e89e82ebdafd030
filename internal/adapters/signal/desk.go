package signal

import (
	"github.com/dkeye/DeskCall/internal/domain"
	"github.com/dkeye/DeskCall/internal/proto"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleDeskJoin(sid domain.SessionID, f proto.Frame) {
	if _, err := ctl.Relay.JoinDesk(sid, f.DeskID, f.Ref); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("desk", string(f.DeskID)).Msg("desk join")
		ctl.Relay.Fail(sid, f.Ref, err)
	}
}

func (ctl *SignalWSController) handleDeskLeave(sid domain.SessionID, f proto.Frame) {
	if err := ctl.Relay.LeaveDesk(sid, f.DeskID, f.Ref); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("desk", string(f.DeskID)).Msg("desk leave")
		ctl.Relay.Fail(sid, f.Ref, err)
	}
}

func (ctl *SignalWSController) handlePublish(sid domain.SessionID, f proto.Frame) {
	if len(f.Payload) == 0 {
		ctl.Relay.Fail(sid, f.Ref, proto.ErrBadFrame)
		return
	}
	if err := ctl.Relay.Publish(sid, f.DeskID, f.Payload); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("publish")
		ctl.Relay.Fail(sid, f.Ref, err)
	}
}
