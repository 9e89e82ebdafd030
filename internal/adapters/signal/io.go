package signal

import (
	"context"
	"time"

	"github.com/dkeye/DeskCall/internal/domain"
	"github.com/dkeye/DeskCall/internal/proto"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	var ping <-chan time.Time
	if ctl.PingPeriod > 0 {
		t := time.NewTicker(ctl.PingPeriod)
		defer t.Stop()
		ping = t.C
	}
	// closing the socket unblocks readPump
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid domain.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.Relay.Disconnect(sid, c)
	}()

	if ctl.PingPeriod > 0 {
		wait := ctl.PingPeriod * 10 / 9
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			ctl.handleSignal(sid, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(sid domain.SessionID, data []byte) {
	f, err := proto.Decode(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad frame")
		ctl.Relay.Fail(sid, "", err)
		return
	}

	switch f.Type {
	case proto.TypeHello:
		ctl.handleHello(sid, f)
	case proto.TypeSend:
		ctl.handleSend(sid, f)
	case proto.TypePublish:
		ctl.handlePublish(sid, f)
	case proto.TypeDeskJoin:
		ctl.handleDeskJoin(sid, f)
	case proto.TypeDeskLeave:
		ctl.handleDeskLeave(sid, f)
	case proto.TypePing:
		ctl.handlePing(sid, f)
	default:
		log.Warn().Str("module", "signal").Str("type", string(f.Type)).Msg("unknown signal")
		ctl.Relay.Fail(sid, f.Ref, errUnknownFrame(f.Type))
	}
}
