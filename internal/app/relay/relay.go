// Package relay routes frames between office clients: direct messages by
// actor id, desk messages to the other members of a desk, and presence syncs
// whenever desk membership changes.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/DeskCall/internal/app"
	"github.com/dkeye/DeskCall/internal/core"
	"github.com/dkeye/DeskCall/internal/domain"
	"github.com/dkeye/DeskCall/internal/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotIdentified = errors.New("hello required")
	ErrUnknownPeer   = errors.New("unknown peer")
	ErrNotInDesk     = errors.New("not in desk")
	ErrEmptyDesk     = errors.New("empty desk id")
)

type Relay struct {
	Registry *app.Registry
	Desks    *app.DeskDirectory
	Policy   app.Policy

	log zerolog.Logger
}

func New(reg *app.Registry, desks *app.DeskDirectory, policy app.Policy) *Relay {
	return &Relay{
		Registry: reg,
		Desks:    desks,
		Policy:   policy,
		log:      log.With().Str("module", "app.relay").Logger(),
	}
}

// Connect binds a new connection. An older connection under the same sid is
// canceled.
func (r *Relay) Connect(sid domain.SessionID, conn core.SignalConnection, cancel context.CancelFunc) {
	if prev := r.Registry.BindSignal(sid, conn, cancel); prev != nil {
		r.log.Info().Str("sid", string(sid)).Msg("replacing previous connection")
		prev()
	}
}

// Hello names the actor behind sid and replies with welcome.
func (r *Relay) Hello(sid domain.SessionID, actor domain.PeerID, name, ref string) error {
	u, err := domain.NewUser(actor, name)
	if err != nil {
		return err
	}
	if !r.Registry.Identify(sid, u) {
		return fmt.Errorf("%w: %s", ErrNotIdentified, sid)
	}
	r.sendTo(sid, proto.Frame{Type: proto.TypeWelcome, Ref: ref, SessionID: sid, Actor: u.ID, DisplayName: u.DisplayName})
	return nil
}

// Send delivers payload to the current connection of actor to.
func (r *Relay) Send(sid domain.SessionID, to domain.PeerID, payload json.RawMessage) error {
	u, ok := r.Registry.User(sid)
	if !ok {
		return ErrNotIdentified
	}
	toSID, conn, ok := r.Registry.ByPeer(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	r.deliver(toSID, conn, proto.Message(u.ID, "", payload))
	return nil
}

// Publish delivers payload to every other member of desk. The sender must be
// in that desk.
func (r *Relay) Publish(sid domain.SessionID, desk domain.DeskID, payload json.RawMessage) error {
	u, ok := r.Registry.User(sid)
	if !ok {
		return ErrNotIdentified
	}
	if cur, ok := r.Registry.DeskOf(sid); !ok || cur != desk {
		return fmt.Errorf("%w: %s", ErrNotInDesk, desk)
	}
	members, _ := r.Desks.Participants(desk)
	f := proto.Message(u.ID, desk, payload)
	for _, p := range members {
		if p.SessionID == sid {
			continue
		}
		r.sendTo(p.SessionID, f)
	}
	return nil
}

// JoinDesk moves sid into desk, replies desk_joined with the relay-stamped
// join time and then syncs presence to the affected desks.
func (r *Relay) JoinDesk(sid domain.SessionID, desk domain.DeskID, ref string) (time.Time, error) {
	if desk == "" {
		return time.Time{}, ErrEmptyDesk
	}
	u, ok := r.Registry.User(sid)
	if !ok {
		return time.Time{}, ErrNotIdentified
	}
	prev, _ := r.Registry.UpdateDesk(sid, desk)
	if prev != "" && prev != desk {
		if _, removed := r.Desks.Leave(prev, sid); removed {
			r.broadcastPresence(prev)
		}
	}
	me, _ := r.Desks.Join(desk, sid, u.DisplayName)
	at := me.JoinedAt
	r.sendTo(sid, proto.Frame{Type: proto.TypeDeskJoined, Ref: ref, DeskID: desk, SessionID: sid, JoinedAt: &at})
	r.broadcastPresence(desk)
	r.log.Info().Str("sid", string(sid)).Str("desk", string(desk)).Time("joinedAt", at).Msg("desk join")
	return at, nil
}

func (r *Relay) LeaveDesk(sid domain.SessionID, desk domain.DeskID, ref string) error {
	if cur, ok := r.Registry.DeskOf(sid); !ok || cur != desk {
		return fmt.Errorf("%w: %s", ErrNotInDesk, desk)
	}
	r.Registry.UpdateDesk(sid, "")
	_, removed := r.Desks.Leave(desk, sid)
	r.sendTo(sid, proto.Frame{Type: proto.TypeDeskLeft, Ref: ref, DeskID: desk})
	if removed {
		r.broadcastPresence(desk)
	}
	r.log.Info().Str("sid", string(sid)).Str("desk", string(desk)).Msg("desk leave")
	return nil
}

func (r *Relay) Ping(sid domain.SessionID, ref string) {
	r.sendTo(sid, proto.Frame{Type: proto.TypePong, Ref: ref})
}

// Fail reports a request error back to sid.
func (r *Relay) Fail(sid domain.SessionID, ref string, err error) {
	r.sendTo(sid, proto.Errorf(ref, "%v", err))
}

// Disconnect drops conn and removes its session from any desk.
func (r *Relay) Disconnect(sid domain.SessionID, conn core.SignalConnection) {
	desk, ok := r.Registry.Unbind(sid, conn)
	if !ok || desk == "" {
		return
	}
	if _, removed := r.Desks.Leave(desk, sid); removed {
		r.broadcastPresence(desk)
	}
}

// Kick cancels the connection of sid; its pumps call Disconnect on the way out.
func (r *Relay) Kick(sid domain.SessionID) {
	r.log.Warn().Str("sid", string(sid)).Msg("kick")
	r.Registry.Cancel(sid)
}

func (r *Relay) ListDesks() []app.DeskInfo {
	return r.Desks.List()
}

func (r *Relay) Participants(desk domain.DeskID) ([]domain.Participant, bool) {
	return r.Desks.Participants(desk)
}

func (r *Relay) broadcastPresence(desk domain.DeskID) {
	ps, ok := r.Desks.Presence(desk)
	if !ok {
		return
	}
	f := proto.Presence(ps)
	for _, p := range ps.Participants {
		r.sendTo(p.SessionID, f)
	}
}

func (r *Relay) sendTo(sid domain.SessionID, f proto.Frame) {
	conn, ok := r.Registry.Conn(sid)
	if !ok {
		return
	}
	r.deliver(sid, conn, f)
}

func (r *Relay) deliver(sid domain.SessionID, conn core.SignalConnection, f proto.Frame) {
	data, err := proto.Encode(f)
	if err != nil {
		r.log.Error().Err(err).Str("frame", string(f.Type)).Msg("encode")
		return
	}
	if err := conn.TrySend(data); err != nil {
		switch r.Policy.OnBackPressure(sid, f.Type) {
		case app.KickMember:
			r.Kick(sid)
		case app.DropFrame:
			r.log.Debug().Str("sid", string(sid)).Str("frame", string(f.Type)).Msg("frame dropped")
		case app.NoAction:
		}
	}
}
