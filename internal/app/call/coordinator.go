// Package call runs the direct-call signaling protocol: request, answer,
// busy, hangup, no-answer timeout and ICE candidate exchange between two
// actors.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/DeskCall/internal/app"
	"github.com/dkeye/DeskCall/internal/core"
	"github.com/dkeye/DeskCall/internal/domain"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultNoAnswerTimeout = 20 * time.Second
	DefaultWarnInterval    = 10 * time.Second

	endedMemory        = 256
	orphanCalls        = 64
	maxOrphanCandidate = 32
)

var (
	ErrNoIncomingCall = errors.New("no incoming call to accept")
	ErrCallSuperseded = errors.New("call superseded")
	ErrSelfCall       = errors.New("cannot call self")
	ErrConnectionLost = errors.New("peer connection lost")
	ErrEmptyPeer      = errors.New("peer id required")
)

type Config struct {
	NoAnswerTimeout time.Duration
	WarnInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.NoAnswerTimeout <= 0 {
		c.NoAnswerTimeout = DefaultNoAnswerTimeout
	}
	if c.WarnInterval <= 0 {
		c.WarnInterval = DefaultWarnInterval
	}
	return c
}

// Snapshot is a consistent view of the coordinator for display and tests.
type Snapshot struct {
	State             domain.CallState
	Status            domain.CallStatus
	CallID            domain.CallID
	PeerID            domain.PeerID
	Role              domain.CallRole
	PendingCandidates int
	HasPendingOffer   bool
	Muted             bool
	LastError         error
}

// record is the live signaling state of the current call. It exists exactly
// while the CallSession is non-idle and not in error.
type record struct {
	callID domain.CallID
	peerID domain.PeerID
	role   domain.CallRole
	status domain.CallStatus

	pendingOffer      *webrtc.SessionDescription
	pendingCandidates []webrtc.ICECandidateInit
	remoteSet         bool

	// local candidates gathered before our offer or answer went out
	outbox   []webrtc.ICECandidateInit
	signaled bool

	conn  core.MediaConnection
	timer *clock.Timer
}

type teardown struct {
	conn   core.MediaConnection
	to     domain.PeerID
	hangup *domain.CallHangup
}

type Coordinator struct {
	self    domain.PeerID
	media   core.MediaFactory
	channel core.SignalChannel
	clk     clock.Clock
	cfg     Config
	session *core.CallSession
	warns   *app.RateLimiter
	log     zerolog.Logger

	mu      sync.Mutex
	rec     *record
	muted   bool
	ended   *lru.Cache[domain.CallID, struct{}]
	orphans *lru.Cache[domain.CallID, []webrtc.ICECandidateInit]
}

func New(self domain.PeerID, media core.MediaFactory, channel core.SignalChannel, clk clock.Clock, cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	ended, _ := lru.New[domain.CallID, struct{}](endedMemory)
	orphans, _ := lru.New[domain.CallID, []webrtc.ICECandidateInit](orphanCalls)
	return &Coordinator{
		self:    self,
		media:   media,
		channel: channel,
		clk:     clk,
		cfg:     cfg,
		session: core.NewCallSession(clk),
		warns:   app.NewRateLimiter(clk, 1, cfg.WarnInterval),
		log:     log.With().Str("module", "call").Str("self", string(self)).Logger(),
		ended:   ended,
		orphans: orphans,
	}
}

// Subscribe registers a CallSession listener. Listeners run synchronously
// with the transition and must not call back into the Coordinator.
func (c *Coordinator) Subscribe(l core.StateListener) (unsubscribe func()) {
	return c.session.Subscribe(l)
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	ss := c.session.Snapshot()
	snap := Snapshot{
		State:     ss.State,
		Status:    domain.StatusIdle,
		CallID:    ss.CallID,
		PeerID:    ss.PeerID,
		Role:      ss.Role,
		Muted:     c.muted,
		LastError: ss.LastError,
	}
	if ss.State == domain.CallError {
		snap.Status = domain.StatusEnded
	}
	if rec := c.rec; rec != nil {
		snap.Status = rec.status
		snap.PendingCandidates = len(rec.pendingCandidates)
		snap.HasPendingOffer = rec.pendingOffer != nil
	}
	return snap
}

// StartCall places a call to peer, replacing whatever call was in progress.
// It returns once the request is on the wire.
func (c *Coordinator) StartCall(ctx context.Context, peer domain.PeerID) (domain.CallID, error) {
	if peer == "" {
		return "", ErrEmptyPeer
	}
	if peer == c.self {
		return "", ErrSelfCall
	}

	c.mu.Lock()
	prev := c.endLocked(domain.ReasonSuperseded, true, nil)
	callID := domain.NewCallID()
	if err := c.session.RequestCall(peer, callID); err != nil {
		c.mu.Unlock()
		c.finish(ctx, prev)
		return "", err
	}
	rec := &record{callID: callID, peerID: peer, role: domain.RoleCaller, status: domain.StatusCalling}
	c.rec = rec
	conn, err := c.connectLocked(rec)
	if err != nil {
		td := c.endLocked(domain.ReasonConnectionFailed, false, err)
		c.mu.Unlock()
		c.finish(ctx, prev)
		c.finish(ctx, td)
		return "", err
	}
	rec.timer = c.clk.AfterFunc(c.cfg.NoAnswerTimeout, func() { c.expireNoAnswer(callID) })
	muted := c.muted
	c.mu.Unlock()
	c.finish(ctx, prev)

	c.log.Info().Str("call", string(callID)).Str("peer", string(peer)).Msg("calling")

	if err := c.startMedia(ctx, conn, muted); err != nil {
		return "", c.abort(ctx, callID, false, err)
	}
	offer, err := conn.CreateOffer(ctx)
	if err != nil {
		return "", c.abort(ctx, callID, false, fmt.Errorf("create offer: %w", err))
	}
	if !c.isLive(callID) {
		return "", ErrCallSuperseded
	}
	req := domain.CallRequest{CallID: callID, From: c.self, To: peer, Offer: offer}
	if err := c.channel.SendTo(ctx, peer, req); err != nil {
		return "", c.abort(ctx, callID, false, fmt.Errorf("send call_request: %w", err))
	}
	if !c.isLive(callID) {
		// replaced while the request was in flight; make sure the peer stops ringing
		c.send(ctx, peer, domain.CallHangup{CallID: callID, From: c.self, To: peer, Reason: domain.ReasonSuperseded})
		return "", ErrCallSuperseded
	}
	c.markSignaled(ctx, callID)
	return callID, nil
}

// AcceptIncomingCall answers the ringing call.
func (c *Coordinator) AcceptIncomingCall(ctx context.Context) error {
	c.mu.Lock()
	rec := c.rec
	if rec == nil || rec.role != domain.RoleCallee || rec.status != domain.StatusRinging ||
		rec.pendingOffer == nil || c.session.State() != domain.CallIncoming {
		td := c.endLocked(domain.ReasonHangup, true, nil)
		c.mu.Unlock()
		c.finish(ctx, td)
		return ErrNoIncomingCall
	}
	if err := c.session.AcceptCall(); err != nil {
		td := c.endLocked(domain.ReasonHangup, true, nil)
		c.mu.Unlock()
		c.finish(ctx, td)
		return fmt.Errorf("%w: %v", ErrNoIncomingCall, err)
	}
	rec.status = domain.StatusConnecting
	stopTimer(rec)
	offer := *rec.pendingOffer
	rec.pendingOffer = nil
	callID, peer := rec.callID, rec.peerID
	conn, err := c.connectLocked(rec)
	if err != nil {
		td := c.endLocked(domain.ReasonConnectionFailed, true, err)
		c.mu.Unlock()
		c.finish(ctx, td)
		return err
	}
	muted := c.muted
	c.mu.Unlock()

	if err := c.startMedia(ctx, conn, muted); err != nil {
		return c.abort(ctx, callID, true, err)
	}

	c.mu.Lock()
	if !c.isLiveLocked(callID) {
		c.mu.Unlock()
		return ErrCallSuperseded
	}
	if err := c.applyRemoteLocked(rec, offer); err != nil {
		c.mu.Unlock()
		return c.abort(ctx, callID, true, err)
	}
	c.mu.Unlock()

	answer, err := conn.CreateAnswer(ctx)
	if err != nil {
		return c.abort(ctx, callID, true, fmt.Errorf("create answer: %w", err))
	}
	if !c.isLive(callID) {
		return ErrCallSuperseded
	}
	msg := domain.CallAnswer{CallID: callID, From: c.self, To: peer, Answer: answer}
	if err := c.channel.SendTo(ctx, peer, msg); err != nil {
		return c.abort(ctx, callID, true, fmt.Errorf("send call_answer: %w", err))
	}

	c.mu.Lock()
	if c.isLiveLocked(callID) {
		c.connectedLocked(rec)
	}
	c.mu.Unlock()
	c.markSignaled(ctx, callID)
	c.log.Info().Str("call", string(callID)).Str("peer", string(peer)).Msg("call accepted")
	return nil
}

// RejectIncomingCall declines the ringing call. It is a no-op when nothing
// is ringing.
func (c *Coordinator) RejectIncomingCall(ctx context.Context) {
	c.mu.Lock()
	rec := c.rec
	if rec == nil || rec.status != domain.StatusRinging {
		c.mu.Unlock()
		return
	}
	td := c.endLocked(domain.ReasonRejected, true, nil)
	c.mu.Unlock()
	c.finish(ctx, td)
	c.log.Info().Str("call", string(rec.callID)).Msg("call rejected")
}

// HangUp ends the current call, telling the peer when there is one.
func (c *Coordinator) HangUp(ctx context.Context, reason domain.HangupReason) {
	if reason == "" {
		reason = domain.ReasonHangup
	}
	c.mu.Lock()
	td := c.endLocked(reason, true, nil)
	c.mu.Unlock()
	c.finish(ctx, td)
}

// SetMuted mutes the local microphone for this and later calls.
func (c *Coordinator) SetMuted(muted bool) error {
	c.mu.Lock()
	c.muted = muted
	var conn core.MediaConnection
	if c.rec != nil {
		conn = c.rec.conn
	}
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.SetMuted(muted)
}

func (c *Coordinator) HandleCallRequest(ctx context.Context, m domain.CallRequest) {
	if !c.accept(m, m.To) {
		return
	}
	if m.From == c.self {
		return
	}

	c.mu.Lock()
	if c.ended.Contains(m.CallID) {
		c.mu.Unlock()
		c.log.Debug().Str("call", string(m.CallID)).Msg("late request for ended call")
		return
	}
	var td teardown
	if rec := c.rec; rec != nil {
		if rec.callID == m.CallID {
			c.mu.Unlock()
			c.log.Debug().Str("call", string(m.CallID)).Msg("duplicate call_request")
			return
		}
		if !c.deadLocked(rec) {
			c.mu.Unlock()
			c.log.Info().Str("call", string(m.CallID)).Str("from", string(m.From)).Msg("busy, refusing call")
			busy := domain.CallBusy{CallID: m.CallID, From: c.self, To: m.From, Reason: domain.ReasonBusy}
			c.send(ctx, m.From, busy)
			return
		}
		c.log.Info().Str("call", string(rec.callID)).Msg("reclaiming dead call")
		td = c.endLocked(domain.ReasonConnectionFailed, true, nil)
	}
	c.session.EndCall()

	if err := c.session.ReceiveIncomingCall(m.From, m.CallID); err != nil {
		c.mu.Unlock()
		c.finish(ctx, td)
		c.log.Error().Err(err).Msg("receive incoming call")
		return
	}
	offer := m.Offer
	rec := &record{
		callID:       m.CallID,
		peerID:       m.From,
		role:         domain.RoleCallee,
		status:       domain.StatusRinging,
		pendingOffer: &offer,
	}
	if early, ok := c.orphans.Get(m.CallID); ok {
		rec.pendingCandidates = early
		c.orphans.Remove(m.CallID)
	}
	callID := m.CallID
	rec.timer = c.clk.AfterFunc(c.cfg.NoAnswerTimeout, func() { c.expireNoAnswer(callID) })
	c.rec = rec
	c.mu.Unlock()
	c.finish(ctx, td)

	c.log.Info().Str("call", string(m.CallID)).Str("from", string(m.From)).Msg("incoming call")
}

func (c *Coordinator) HandleCallAnswer(ctx context.Context, m domain.CallAnswer) {
	if !c.accept(m, m.To) {
		return
	}

	c.mu.Lock()
	rec := c.rec
	if rec == nil || rec.callID != m.CallID || rec.role != domain.RoleCaller || rec.peerID != m.From {
		c.mu.Unlock()
		c.log.Debug().Str("call", string(m.CallID)).Msg("answer for unknown call")
		return
	}
	if rec.remoteSet {
		c.mu.Unlock()
		return
	}
	if err := c.applyRemoteLocked(rec, m.Answer); err != nil {
		td := c.endLocked(domain.ReasonConnectionFailed, true, err)
		c.mu.Unlock()
		c.finish(ctx, td)
		return
	}
	c.connectedLocked(rec)
	c.mu.Unlock()

	c.log.Info().Str("call", string(m.CallID)).Msg("call answered")
}

func (c *Coordinator) HandleIceCandidate(_ context.Context, m domain.CallIceCandidate) {
	if !c.accept(m, m.To) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.rec
	if rec == nil || rec.callID != m.CallID {
		if !c.ended.Contains(m.CallID) {
			c.holdOrphanLocked(m.CallID, m.Candidate)
		}
		return
	}
	if !rec.remoteSet {
		rec.pendingCandidates = append(rec.pendingCandidates, m.Candidate)
		return
	}
	if err := rec.conn.AddICECandidate(m.Candidate); err != nil {
		c.log.Warn().Err(err).Str("call", string(m.CallID)).Msg("ice candidate rejected")
	}
}

func (c *Coordinator) HandleHangup(ctx context.Context, m domain.CallHangup) {
	if !c.accept(m, m.To) {
		return
	}
	c.remoteEnd(ctx, m.CallID, m.From, m.Reason)
}

func (c *Coordinator) HandleCallBusy(ctx context.Context, m domain.CallBusy) {
	if !c.accept(m, m.To) {
		return
	}
	c.remoteEnd(ctx, m.CallID, m.From, domain.ReasonBusy)
}

// HandlePeerConnectionStateChange applies a transport state change of the
// connection created for callID. Changes from any other connection are ignored.
func (c *Coordinator) HandlePeerConnectionStateChange(ctx context.Context, callID domain.CallID, state webrtc.PeerConnectionState) {
	c.mu.Lock()
	rec := c.rec
	if rec == nil || rec.callID != callID {
		c.mu.Unlock()
		return
	}
	switch {
	case state == webrtc.PeerConnectionStateConnected:
		if rec.remoteSet {
			c.connectedLocked(rec)
		}
		c.mu.Unlock()
	case core.IsDead(state):
		c.log.Warn().Str("call", string(callID)).Str("state", state.String()).Msg("peer connection lost")
		td := c.endLocked(domain.ReasonConnectionFailed, true, fmt.Errorf("%w: %s", ErrConnectionLost, state))
		c.mu.Unlock()
		c.finish(ctx, td)
	default:
		c.mu.Unlock()
	}
}

func (c *Coordinator) remoteEnd(ctx context.Context, callID domain.CallID, from domain.PeerID, reason domain.HangupReason) {
	c.mu.Lock()
	c.orphans.Remove(callID)
	rec := c.rec
	if rec == nil || rec.callID != callID || (from != "" && from != rec.peerID) {
		c.ended.Add(callID, struct{}{})
		c.mu.Unlock()
		return
	}
	td := c.endLocked(reason, false, nil)
	c.mu.Unlock()
	c.finish(ctx, td)
	c.log.Info().Str("call", string(callID)).Str("reason", string(reason)).Msg("call ended by peer")
}

func (c *Coordinator) expireNoAnswer(callID domain.CallID) {
	c.mu.Lock()
	rec := c.rec
	if rec == nil || rec.callID != callID ||
		(rec.status != domain.StatusCalling && rec.status != domain.StatusRinging) {
		c.mu.Unlock()
		return
	}
	// the callee only forgets the call; the caller owns the hangup
	td := c.endLocked(domain.ReasonNoAnswerTimeout, rec.role == domain.RoleCaller, nil)
	c.mu.Unlock()
	c.log.Info().Str("call", string(callID)).Msg("no answer")
	c.finish(context.Background(), td)
}

// accept validates an inbound message and filters ones addressed elsewhere.
func (c *Coordinator) accept(m domain.Message, to domain.PeerID) bool {
	if err := m.Validate(); err != nil {
		key := "malformed:" + string(m.Kind())
		if c.warns.Allow(key) {
			c.log.Warn().Err(err).Msg("dropping signaling message")
		}
		return false
	}
	return to == "" || to == c.self
}

// connectLocked creates the connection for rec and binds its callbacks to
// rec's callId.
func (c *Coordinator) connectLocked(rec *record) (core.MediaConnection, error) {
	conn, err := c.media.NewConnection("call-" + string(rec.callID))
	if err != nil {
		return nil, fmt.Errorf("new connection: %w", err)
	}
	callID := rec.callID
	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) { c.onLocalCandidate(callID, ci) })
	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.HandlePeerConnectionStateChange(context.Background(), callID, s)
	})
	rec.conn = conn
	return conn, nil
}

func (c *Coordinator) startMedia(ctx context.Context, conn core.MediaConnection, muted bool) error {
	if err := conn.Start(ctx); err != nil {
		return fmt.Errorf("start media: %w", err)
	}
	if muted {
		if err := conn.SetMuted(true); err != nil {
			c.log.Warn().Err(err).Msg("mute")
		}
	}
	return nil
}

// applyRemoteLocked sets the remote description and flushes buffered
// candidates in arrival order without releasing the lock in between.
func (c *Coordinator) applyRemoteLocked(rec *record, sd webrtc.SessionDescription) error {
	if err := rec.conn.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	rec.remoteSet = true
	pending := rec.pendingCandidates
	rec.pendingCandidates = nil
	for _, ci := range pending {
		if err := rec.conn.AddICECandidate(ci); err != nil {
			c.log.Warn().Err(err).Str("call", string(rec.callID)).Msg("buffered ice candidate rejected")
		}
	}
	return nil
}

func (c *Coordinator) connectedLocked(rec *record) {
	stopTimer(rec)
	rec.status = domain.StatusConnected
	if err := c.session.CallConnected(); err != nil {
		c.log.Error().Err(err).Str("call", string(rec.callID)).Msg("call connected")
	}
}

func (c *Coordinator) deadLocked(rec *record) bool {
	if c.session.State() == domain.CallError {
		return true
	}
	return rec.conn != nil && core.IsDead(rec.conn.ConnectionState())
}

func (c *Coordinator) onLocalCandidate(callID domain.CallID, ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	rec := c.rec
	if rec == nil || rec.callID != callID {
		c.mu.Unlock()
		return
	}
	if !rec.signaled {
		rec.outbox = append(rec.outbox, ci)
		c.mu.Unlock()
		return
	}
	peer := rec.peerID
	c.mu.Unlock()
	c.send(context.Background(), peer, domain.CallIceCandidate{CallID: callID, From: c.self, To: peer, Candidate: ci})
}

// markSignaled releases local candidates held back until the peer knew
// about the call.
func (c *Coordinator) markSignaled(ctx context.Context, callID domain.CallID) {
	c.mu.Lock()
	rec := c.rec
	if rec == nil || rec.callID != callID {
		c.mu.Unlock()
		return
	}
	rec.signaled = true
	out := rec.outbox
	rec.outbox = nil
	peer := rec.peerID
	c.mu.Unlock()
	for _, ci := range out {
		c.send(ctx, peer, domain.CallIceCandidate{CallID: callID, From: c.self, To: peer, Candidate: ci})
	}
}

func (c *Coordinator) holdOrphanLocked(callID domain.CallID, ci webrtc.ICECandidateInit) {
	held, _ := c.orphans.Get(callID)
	if len(held) >= maxOrphanCandidate {
		return
	}
	c.orphans.Add(callID, append(held, ci))
}

// abort ends callID after a failed setup step, moving the session to error.
// A call already replaced by another is left alone.
func (c *Coordinator) abort(ctx context.Context, callID domain.CallID, notifyPeer bool, cause error) error {
	c.mu.Lock()
	if !c.isLiveLocked(callID) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrCallSuperseded, cause)
	}
	td := c.endLocked(domain.ReasonConnectionFailed, notifyPeer, cause)
	c.mu.Unlock()
	c.finish(ctx, td)
	c.log.Error().Err(cause).Str("call", string(callID)).Msg("call setup failed")
	return cause
}

func (c *Coordinator) isLive(callID domain.CallID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLiveLocked(callID)
}

func (c *Coordinator) isLiveLocked(callID domain.CallID) bool {
	return c.rec != nil && c.rec.callID == callID
}

// endLocked drops the current call. With a cause the session goes to error,
// otherwise to idle. The returned teardown must be finished after unlocking.
func (c *Coordinator) endLocked(reason domain.HangupReason, notifyPeer bool, cause error) teardown {
	var td teardown
	rec := c.rec
	c.rec = nil
	if rec != nil {
		stopTimer(rec)
		c.ended.Add(rec.callID, struct{}{})
		td.conn = rec.conn
		if notifyPeer {
			td.to = rec.peerID
			td.hangup = &domain.CallHangup{CallID: rec.callID, From: c.self, To: rec.peerID, Reason: reason}
		}
	}
	if cause != nil {
		c.session.CallError(cause)
	} else {
		c.session.EndCall()
	}
	return td
}

func (c *Coordinator) finish(ctx context.Context, td teardown) {
	if td.hangup != nil {
		c.send(ctx, td.to, *td.hangup)
	}
	if td.conn != nil {
		if err := td.conn.Close(); err != nil {
			c.log.Warn().Err(err).Msg("close connection")
		}
	}
}

// send is best effort; failures are logged only.
func (c *Coordinator) send(ctx context.Context, to domain.PeerID, m domain.Message) {
	if err := c.channel.SendTo(ctx, to, m); err != nil {
		c.log.Warn().Err(err).Str("to", string(to)).Str("type", string(m.Kind())).Msg("send failed")
	}
}

func stopTimer(rec *record) {
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
}
