package signal

import (
	"github.com/dkeye/DeskCall/internal/domain"
	"github.com/dkeye/DeskCall/internal/proto"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleHello(sid domain.SessionID, f proto.Frame) {
	if err := ctl.Relay.Hello(sid, f.Actor, f.DisplayName, f.Ref); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("hello rejected")
		ctl.Relay.Fail(sid, f.Ref, err)
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("actor", string(f.Actor)).Msg("hello")
}

// handleSend forwards a direct message. Unknown recipients are reported back
// but the sender treats the channel as lossy anyway.
func (ctl *SignalWSController) handleSend(sid domain.SessionID, f proto.Frame) {
	if len(f.Payload) == 0 {
		ctl.Relay.Fail(sid, f.Ref, proto.ErrBadFrame)
		return
	}
	if err := ctl.Relay.Send(sid, f.To, f.Payload); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("to", string(f.To)).Msg("send")
		ctl.Relay.Fail(sid, f.Ref, err)
	}
}
