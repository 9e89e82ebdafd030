// Package orch routes inbound signaling traffic of an office client to the
// direct-call and desk coordinators.
package orch

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/DeskCall/internal/app"
	"github.com/dkeye/DeskCall/internal/app/call"
	"github.com/dkeye/DeskCall/internal/app/desk"
	"github.com/dkeye/DeskCall/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const warnBurst = 1

type Orchestrator struct {
	Calls *call.Coordinator
	Desks *desk.Coordinator

	warns *app.RateLimiter
	log   zerolog.Logger
}

func New(calls *call.Coordinator, desks *desk.Coordinator, clk clock.Clock, warnInterval time.Duration) *Orchestrator {
	if warnInterval <= 0 {
		warnInterval = call.DefaultWarnInterval
	}
	return &Orchestrator{
		Calls: calls,
		Desks: desks,
		warns: app.NewRateLimiter(clk, warnBurst, warnInterval),
		log:   log.With().Str("module", "app.orch").Logger(),
	}
}

// OnMessage hands a typed message to the coordinator that owns its scope.
func (o *Orchestrator) OnMessage(ctx context.Context, m domain.Message) {
	switch v := m.(type) {
	case domain.CallRequest:
		o.Calls.HandleCallRequest(ctx, v)
	case domain.CallAnswer:
		o.Calls.HandleCallAnswer(ctx, v)
	case domain.CallIceCandidate:
		o.Calls.HandleIceCandidate(ctx, v)
	case domain.CallHangup:
		o.Calls.HandleHangup(ctx, v)
	case domain.CallBusy:
		o.Calls.HandleCallBusy(ctx, v)
	case domain.DeskOffer:
		o.Desks.HandleOffer(ctx, v)
	case domain.DeskAnswer:
		o.Desks.HandleAnswer(ctx, v)
	case domain.DeskIce:
		o.Desks.HandleIce(ctx, v)
	case domain.DeskHangup:
		o.Desks.HandleHangup(ctx, v)
	default:
		o.OnProtocolError(domain.ErrUnknownKind)
	}
}

func (o *Orchestrator) OnPresence(ctx context.Context, ps domain.PresenceSync) {
	o.Desks.OnPresenceSync(ctx, ps)
}

// OnProtocolError drops a message that could not be routed. Warnings are
// limited per error class.
func (o *Orchestrator) OnProtocolError(err error) {
	if !o.warns.Allow(errorClass(err)) {
		o.log.Debug().Err(err).Msg("protocol error")
		return
	}
	o.log.Warn().Err(err).Msg("protocol error, message dropped")
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, domain.ErrMalformed):
		return "malformed"
	case errors.Is(err, domain.ErrUnknownKind):
		return "unknown_kind"
	}
	return "protocol"
}

// Shutdown ends the direct call and leaves the desk, if any.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	if o.Calls.Snapshot().State != domain.CallIdle {
		o.Calls.HangUp(ctx, domain.ReasonHangup)
	}
	if err := o.Desks.Leave(ctx, ""); err != nil && !errors.Is(err, desk.ErrNotJoined) {
		o.log.Warn().Err(err).Msg("leave desk on shutdown")
	}
}
