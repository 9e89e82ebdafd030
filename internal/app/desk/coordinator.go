// Package desk pairs the members of a desk zone into a 1:1 call. Pairing is
// driven by presence: nobody is invited, and the later joiner of a pair
// always sends the offer.
package desk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/DeskCall/internal/app"
	"github.com/dkeye/DeskCall/internal/core"
	"github.com/dkeye/DeskCall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const (
	DefaultWarnInterval = 10 * time.Second

	maxEarlyCandidates = 32
)

var (
	ErrEmptyDesk  = errors.New("desk id required")
	ErrSuperseded = errors.New("desk session superseded")
	ErrNotJoined  = errors.New("not joined to desk")
)

// IsInitiator reports whether the local participant sends the offer. The
// strictly later joiner initiates; equal join times fall back to the greater
// session id, so both sides always agree.
func IsInitiator(myJoinAt time.Time, self domain.SessionID, peerJoinAt time.Time, peer domain.SessionID) bool {
	if c := myJoinAt.Compare(peerJoinAt); c != 0 {
		return c > 0
	}
	return strings.Compare(string(self), string(peer)) > 0
}

type Config struct {
	WarnInterval time.Duration
}

type Snapshot struct {
	DeskID        domain.DeskID
	Self          domain.SessionID
	Status        domain.DeskStatus
	Muted         bool
	PeerSessionID domain.SessionID
	Initiator     bool
	MyJoinAt      time.Time
	Participants  []domain.Participant
	// PendingCandidates counts remote candidates waiting for the remote
	// description.
	PendingCandidates int
}

type session struct {
	deskID       domain.DeskID
	status       domain.DeskStatus
	joined       bool
	myJoinAt     time.Time
	participants []domain.Participant
	revision     uint64

	peer      domain.SessionID
	endedWith domain.SessionID
	initiator bool
	epoch     uint64

	conn      core.MediaConnection
	offerSDP  string
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	early     map[domain.SessionID][]webrtc.ICECandidateInit
	outbox    []webrtc.ICECandidateInit
	signaled  bool
}

// pairing is the work left to do after the lock is released.
type pairing struct {
	epoch uint64
	peer  domain.SessionID
	conn  core.MediaConnection
	offer *webrtc.SessionDescription // set when answering
	muted bool
}

type teardown struct {
	desk   domain.DeskID
	conn   core.MediaConnection
	hangup *domain.DeskHangup
}

type Coordinator struct {
	self     domain.SessionID
	presence core.PresenceChannel
	channel  core.SignalChannel
	media    core.MediaFactory
	warns    *app.RateLimiter
	log      zerolog.Logger

	mu    sync.Mutex
	s     *session
	muted bool
	epoch uint64
}

func New(presence core.PresenceChannel, channel core.SignalChannel, media core.MediaFactory, clk clock.Clock, cfg Config) *Coordinator {
	if cfg.WarnInterval <= 0 {
		cfg.WarnInterval = DefaultWarnInterval
	}
	self := presence.Self()
	return &Coordinator{
		self:     self,
		presence: presence,
		channel:  channel,
		media:    media,
		warns:    app.NewRateLimiter(clk, 1, cfg.WarnInterval),
		log:      log.With().Str("module", "desk").Str("session", string(self)).Logger(),
	}
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{Self: c.self, Status: domain.DeskIdle, Muted: c.muted}
	s := c.s
	if s == nil {
		return snap
	}
	snap.DeskID = s.deskID
	snap.Status = s.status
	snap.PeerSessionID = s.peer
	snap.Initiator = s.initiator
	snap.MyJoinAt = s.myJoinAt
	snap.Participants = append([]domain.Participant(nil), s.participants...)
	snap.PendingCandidates = len(s.pending)
	return snap
}

// Join enters desk, leaving the current desk first. Pairing starts as soon as
// presence shows another participant.
func (c *Coordinator) Join(ctx context.Context, desk domain.DeskID) error {
	if desk == "" {
		return ErrEmptyDesk
	}

	c.mu.Lock()
	if prev := c.s; prev != nil {
		if prev.deskID == desk && prev.status != domain.DeskError {
			c.mu.Unlock()
			return nil
		}
		td := c.teardownLocked(prev, domain.ReasonLeft)
		c.s = nil
		c.mu.Unlock()
		c.finish(ctx, td)
		if err := c.presence.LeaveDesk(ctx, prev.deskID); err != nil {
			c.log.Warn().Err(err).Str("desk", string(prev.deskID)).Msg("leave desk")
		}
		c.mu.Lock()
	}
	// The session exists before the join completes: presence and offers may
	// arrive before JoinDesk returns.
	s := &session{deskID: desk, status: domain.DeskIdle, early: make(map[domain.SessionID][]webrtc.ICECandidateInit)}
	c.s = s
	c.mu.Unlock()

	joinedAt, err := c.presence.JoinDesk(ctx, desk)

	c.mu.Lock()
	if c.s != s {
		c.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		td := c.teardownLocked(s, domain.ReasonConnectionFailed)
		s.status = domain.DeskError
		c.mu.Unlock()
		c.finish(ctx, td)
		return fmt.Errorf("join desk %s: %w", desk, err)
	}
	s.joined = true
	s.myJoinAt = joinedAt
	if s.status == domain.DeskIdle {
		s.status = domain.DeskReady
	}
	p := c.pairLocked(s)
	c.mu.Unlock()

	c.log.Info().Str("desk", string(desk)).Time("joined_at", joinedAt).Msg("joined desk")
	c.run(ctx, p)
	return nil
}

// Leave hangs up any desk call and leaves the presence group.
func (c *Coordinator) Leave(ctx context.Context, desk domain.DeskID) error {
	c.mu.Lock()
	s := c.s
	if s == nil || (desk != "" && s.deskID != desk) {
		c.mu.Unlock()
		return ErrNotJoined
	}
	td := c.teardownLocked(s, domain.ReasonLeft)
	c.s = nil
	c.mu.Unlock()

	c.finish(ctx, td)
	if err := c.presence.LeaveDesk(ctx, s.deskID); err != nil {
		return fmt.Errorf("leave desk %s: %w", s.deskID, err)
	}
	c.log.Info().Str("desk", string(s.deskID)).Msg("left desk")
	return nil
}

// Hangup ends the desk call. The desk stays ended until the peer leaves.
func (c *Coordinator) Hangup(ctx context.Context) {
	c.mu.Lock()
	s := c.s
	if s == nil || s.peer == "" {
		c.mu.Unlock()
		return
	}
	peer := s.peer
	td := c.teardownLocked(s, domain.ReasonHangup)
	s.status = domain.DeskEnded
	s.endedWith = peer
	c.mu.Unlock()
	c.finish(ctx, td)
}

// SetMuted mutes the local microphone for this and later desk calls.
func (c *Coordinator) SetMuted(muted bool) error {
	c.mu.Lock()
	c.muted = muted
	var conn core.MediaConnection
	if c.s != nil {
		conn = c.s.conn
	}
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.SetMuted(muted)
}

// OnPresenceSync replaces the participant list of the current desk and
// re-evaluates the pairing. Snapshots older than the last applied one, and
// snapshots that do not list the local session, are stale and dropped.
func (c *Coordinator) OnPresenceSync(ctx context.Context, ps domain.PresenceSync) {
	c.mu.Lock()
	s := c.s
	if s == nil || s.deskID != ps.DeskID {
		c.mu.Unlock()
		return
	}
	if ps.Revision != 0 && ps.Revision <= s.revision {
		c.mu.Unlock()
		c.log.Debug().Uint64("revision", ps.Revision).Msg("stale presence")
		return
	}
	if !lo.ContainsBy(ps.Participants, func(p domain.Participant) bool { return p.SessionID == c.self }) {
		c.mu.Unlock()
		c.log.Debug().Uint64("revision", ps.Revision).Msg("presence without self")
		return
	}
	if ps.Revision != 0 {
		s.revision = ps.Revision
	}
	parts := append([]domain.Participant(nil), ps.Participants...)
	domain.SortParticipants(parts)
	s.participants = parts

	var td teardown
	if s.peer != "" && !c.presentLocked(s, s.peer) {
		c.log.Info().Str("peer", string(s.peer)).Msg("desk peer left")
		td = c.teardownLocked(s, "")
	}
	if s.status == domain.DeskEnded && !c.presentLocked(s, s.endedWith) {
		s.status = domain.DeskReady
		s.endedWith = ""
	}
	p := c.pairLocked(s)
	c.mu.Unlock()

	c.finish(ctx, td)
	c.run(ctx, p)
}

func (c *Coordinator) HandleOffer(ctx context.Context, m domain.DeskOffer) {
	if !c.accept(m, m.DeskID, m.To) {
		return
	}

	c.mu.Lock()
	s := c.s
	var stale teardown
	switch {
	case s == nil || s.deskID != m.DeskID:
		c.mu.Unlock()
		return
	case s.peer == m.From && s.initiator:
		// both sides offered; keep ours when the rule says we initiate
		if IsInitiator(s.myJoinAt, c.self, c.joinedAtLocked(s, m.From), m.From) {
			c.mu.Unlock()
			c.log.Debug().Str("peer", string(m.From)).Msg("ignoring competing offer")
			return
		}
		stale = c.resetPeerLocked(s)
	case s.peer == m.From && s.status == domain.DeskReady:
	case s.peer == "" && (s.status == domain.DeskReady || s.status == domain.DeskIdle):
	case s.peer == m.From && !s.initiator && m.SDP.SDP == s.offerSDP:
		c.mu.Unlock()
		c.log.Debug().Str("peer", string(m.From)).Msg("duplicate offer")
		return
	case s.peer == m.From && !s.initiator:
		// the peer restarted its side of the call
		stale = c.resetPeerLocked(s)
	default:
		c.mu.Unlock()
		c.log.Info().Str("from", string(m.From)).Msg("desk busy, refusing offer")
		c.publish(ctx, m.DeskID, domain.DeskHangup{DeskID: m.DeskID, From: c.self, To: m.From, Reason: domain.ReasonBusy})
		return
	}

	if s.peer != m.From {
		s.pending = s.early[m.From]
	}
	delete(s.early, m.From)
	s.peer = m.From
	s.endedWith = ""
	s.initiator = false
	s.offerSDP = m.SDP.SDP
	sdp := m.SDP
	p, td, ok := c.connectLocked(s)
	if ok {
		p.offer = &sdp
	}
	c.mu.Unlock()

	c.finish(ctx, stale)
	c.finish(ctx, td)
	c.run(ctx, p)
}

func (c *Coordinator) HandleAnswer(ctx context.Context, m domain.DeskAnswer) {
	if !c.accept(m, m.DeskID, m.To) {
		return
	}

	c.mu.Lock()
	s := c.s
	if s == nil || s.deskID != m.DeskID {
		c.mu.Unlock()
		return
	}
	if s.peer != m.From {
		// the sender answered an offer this side no longer stands behind
		c.mu.Unlock()
		c.log.Info().Str("from", string(m.From)).Msg("answer from unpaired session")
		c.publish(ctx, m.DeskID, domain.DeskHangup{DeskID: m.DeskID, From: c.self, To: m.From, Reason: domain.ReasonSuperseded})
		return
	}
	if !s.initiator || s.status != domain.DeskConnecting || s.conn == nil || s.remoteSet {
		c.mu.Unlock()
		return
	}
	if err := c.applyRemoteLocked(s, m.SDP); err != nil {
		td := c.failLocked(s, err)
		c.mu.Unlock()
		c.finish(ctx, td)
		return
	}
	s.status = domain.DeskInCall
	c.mu.Unlock()
	c.log.Info().Str("peer", string(m.From)).Msg("desk call connected")
}

func (c *Coordinator) HandleIce(_ context.Context, m domain.DeskIce) {
	if !c.accept(m, m.DeskID, m.To) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.s
	if s == nil || s.deskID != m.DeskID {
		return
	}
	if s.peer != m.From {
		if held := s.early[m.From]; len(held) < maxEarlyCandidates {
			s.early[m.From] = append(held, m.Candidate)
		}
		return
	}
	if !s.remoteSet {
		s.pending = append(s.pending, m.Candidate)
		return
	}
	if err := s.conn.AddICECandidate(m.Candidate); err != nil {
		c.log.Warn().Err(err).Str("peer", string(m.From)).Msg("ice candidate rejected")
	}
}

func (c *Coordinator) HandleHangup(ctx context.Context, m domain.DeskHangup) {
	if !c.accept(m, m.DeskID, m.To) {
		return
	}

	c.mu.Lock()
	s := c.s
	if s == nil || s.deskID != m.DeskID || s.peer != m.From {
		c.mu.Unlock()
		return
	}
	td := c.teardownLocked(s, "")
	var p pairing
	switch m.Reason {
	case domain.ReasonLeft, domain.ReasonConnectionFailed, domain.ReasonSuperseded:
		p = c.pairLocked(s)
	default:
		s.status = domain.DeskEnded
		s.endedWith = m.From
	}
	c.mu.Unlock()

	c.log.Info().Str("peer", string(m.From)).Str("reason", string(m.Reason)).Msg("desk call ended by peer")
	c.finish(ctx, td)
	c.run(ctx, p)
}

// HandlePeerConnectionStateChange applies a transport state change of the
// connection created for epoch.
func (c *Coordinator) HandlePeerConnectionStateChange(ctx context.Context, epoch uint64, state webrtc.PeerConnectionState) {
	c.mu.Lock()
	s := c.s
	if s == nil || s.epoch != epoch || s.conn == nil {
		c.mu.Unlock()
		return
	}
	switch {
	case state == webrtc.PeerConnectionStateConnected:
		if s.remoteSet && s.status == domain.DeskConnecting {
			s.status = domain.DeskInCall
		}
		c.mu.Unlock()
	case core.IsDead(state):
		td := c.failLocked(s, fmt.Errorf("peer connection %s", state))
		c.mu.Unlock()
		c.finish(ctx, td)
	default:
		c.mu.Unlock()
	}
}

// pairLocked picks the earliest-joined other participant while ready and
// unpaired. When the local side initiates, the returned pairing carries the
// connection to offer on.
func (c *Coordinator) pairLocked(s *session) pairing {
	if !s.joined || s.status != domain.DeskReady || s.peer != "" {
		return pairing{}
	}
	others := lo.Filter(s.participants, func(p domain.Participant, _ int) bool {
		return p.SessionID != c.self
	})
	if len(others) == 0 {
		return pairing{}
	}
	peer := others[0]
	s.peer = peer.SessionID
	s.pending = s.early[peer.SessionID]
	delete(s.early, peer.SessionID)
	if !IsInitiator(s.myJoinAt, c.self, peer.JoinedAt, peer.SessionID) {
		c.log.Debug().Str("peer", string(peer.SessionID)).Msg("waiting for offer")
		return pairing{}
	}
	s.initiator = true
	p, _, ok := c.connectLocked(s)
	if !ok {
		return pairing{}
	}
	c.log.Info().Str("peer", string(peer.SessionID)).Msg("offering desk call")
	return p
}

// connectLocked opens a fresh connection to s.peer under a new epoch.
func (c *Coordinator) connectLocked(s *session) (pairing, teardown, bool) {
	c.epoch++
	s.epoch = c.epoch
	s.status = domain.DeskConnecting
	s.remoteSet = false
	s.outbox = nil
	s.signaled = false

	conn, err := c.media.NewConnection(fmt.Sprintf("desk-%s-%s-%d", s.deskID, s.peer, s.epoch))
	if err != nil {
		return pairing{}, c.failLocked(s, fmt.Errorf("new connection: %w", err)), false
	}
	epoch := s.epoch
	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) { c.onLocalCandidate(epoch, ci) })
	conn.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		c.HandlePeerConnectionStateChange(context.Background(), epoch, st)
	})
	s.conn = conn
	return pairing{epoch: epoch, peer: s.peer, conn: conn, muted: c.muted}, teardown{}, true
}

// run drives the blocking half of a pairing: media start, then either the
// offer or the answer.
func (c *Coordinator) run(ctx context.Context, p pairing) {
	if p.conn == nil {
		return
	}
	if err := p.conn.Start(ctx); err != nil {
		c.fail(ctx, p.epoch, fmt.Errorf("start media: %w", err))
		return
	}
	if p.muted {
		if err := p.conn.SetMuted(true); err != nil {
			c.log.Warn().Err(err).Msg("mute")
		}
	}

	if p.offer == nil {
		sdp, err := p.conn.CreateOffer(ctx)
		if err != nil {
			c.fail(ctx, p.epoch, fmt.Errorf("create offer: %w", err))
			return
		}
		desk, ok := c.deskOf(p.epoch)
		if !ok {
			return
		}
		if err := c.channel.Publish(ctx, desk, domain.DeskOffer{DeskID: desk, From: c.self, To: p.peer, SDP: sdp}); err != nil {
			c.fail(ctx, p.epoch, fmt.Errorf("publish offer: %w", err))
			return
		}
		c.markSignaled(ctx, p.epoch)
		return
	}

	c.mu.Lock()
	s := c.s
	if s == nil || s.epoch != p.epoch {
		c.mu.Unlock()
		return
	}
	if err := c.applyRemoteLocked(s, *p.offer); err != nil {
		td := c.failLocked(s, err)
		c.mu.Unlock()
		c.finish(ctx, td)
		return
	}
	c.mu.Unlock()

	sdp, err := p.conn.CreateAnswer(ctx)
	if err != nil {
		c.fail(ctx, p.epoch, fmt.Errorf("create answer: %w", err))
		return
	}
	desk, ok := c.deskOf(p.epoch)
	if !ok {
		return
	}
	if err := c.channel.Publish(ctx, desk, domain.DeskAnswer{DeskID: desk, From: c.self, To: p.peer, SDP: sdp}); err != nil {
		c.fail(ctx, p.epoch, fmt.Errorf("publish answer: %w", err))
		return
	}
	c.mu.Lock()
	if s := c.s; s != nil && s.epoch == p.epoch && s.status == domain.DeskConnecting {
		s.status = domain.DeskInCall
	}
	c.mu.Unlock()
	c.markSignaled(ctx, p.epoch)
	c.log.Info().Str("peer", string(p.peer)).Msg("desk call answered")
}

func (c *Coordinator) deskOf(epoch uint64) (domain.DeskID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.s == nil || c.s.epoch != epoch {
		return "", false
	}
	return c.s.deskID, true
}

func (c *Coordinator) applyRemoteLocked(s *session, sd webrtc.SessionDescription) error {
	if err := s.conn.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	for _, ci := range pending {
		if err := s.conn.AddICECandidate(ci); err != nil {
			c.log.Warn().Err(err).Msg("buffered ice candidate rejected")
		}
	}
	return nil
}

func (c *Coordinator) onLocalCandidate(epoch uint64, ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	s := c.s
	if s == nil || s.epoch != epoch {
		c.mu.Unlock()
		return
	}
	if !s.signaled {
		s.outbox = append(s.outbox, ci)
		c.mu.Unlock()
		return
	}
	desk, peer := s.deskID, s.peer
	c.mu.Unlock()
	c.publish(context.Background(), desk, domain.DeskIce{DeskID: desk, From: c.self, To: peer, Candidate: ci})
}

func (c *Coordinator) markSignaled(ctx context.Context, epoch uint64) {
	c.mu.Lock()
	s := c.s
	if s == nil || s.epoch != epoch {
		c.mu.Unlock()
		return
	}
	s.signaled = true
	out := s.outbox
	s.outbox = nil
	desk, peer := s.deskID, s.peer
	c.mu.Unlock()
	for _, ci := range out {
		c.publish(ctx, desk, domain.DeskIce{DeskID: desk, From: c.self, To: peer, Candidate: ci})
	}
}

func (c *Coordinator) fail(ctx context.Context, epoch uint64, cause error) {
	c.mu.Lock()
	s := c.s
	if s == nil || s.epoch != epoch {
		c.mu.Unlock()
		return
	}
	td := c.failLocked(s, cause)
	c.mu.Unlock()
	c.finish(ctx, td)
}

// failLocked resets a broken pairing to ready. It does not re-pair; the next
// presence sync or peer offer does.
func (c *Coordinator) failLocked(s *session, cause error) teardown {
	c.log.Warn().Err(cause).Str("peer", string(s.peer)).Msg("desk call failed")
	return c.teardownLocked(s, domain.ReasonConnectionFailed)
}

// resetPeerLocked drops the connection without telling the peer. The
// returned teardown closes it.
func (c *Coordinator) resetPeerLocked(s *session) teardown {
	td := teardown{desk: s.deskID, conn: s.conn}
	s.conn = nil
	s.offerSDP = ""
	s.remoteSet = false
	s.pending = nil
	s.outbox = nil
	s.signaled = false
	return td
}

// teardownLocked releases the current pairing and returns s to ready (idle
// while still joining). A non-empty reason notifies the peer.
func (c *Coordinator) teardownLocked(s *session, reason domain.HangupReason) teardown {
	td := teardown{desk: s.deskID, conn: s.conn}
	if reason != "" && s.peer != "" && (s.status == domain.DeskConnecting || s.status == domain.DeskInCall) {
		td.hangup = &domain.DeskHangup{DeskID: s.deskID, From: c.self, To: s.peer, Reason: reason}
	}
	c.epoch++
	s.epoch = c.epoch
	s.conn = nil
	s.offerSDP = ""
	s.peer = ""
	s.initiator = false
	s.remoteSet = false
	s.pending = nil
	s.outbox = nil
	s.signaled = false
	if s.joined {
		s.status = domain.DeskReady
	} else {
		s.status = domain.DeskIdle
	}
	return td
}

func (c *Coordinator) finish(ctx context.Context, td teardown) {
	if td.hangup != nil {
		c.publish(ctx, td.desk, *td.hangup)
	}
	if td.conn != nil {
		if err := td.conn.Close(); err != nil {
			c.log.Warn().Err(err).Msg("close connection")
		}
	}
}

func (c *Coordinator) presentLocked(s *session, sid domain.SessionID) bool {
	return lo.ContainsBy(s.participants, func(p domain.Participant) bool { return p.SessionID == sid })
}

func (c *Coordinator) joinedAtLocked(s *session, sid domain.SessionID) time.Time {
	p, _ := lo.Find(s.participants, func(p domain.Participant) bool { return p.SessionID == sid })
	return p.JoinedAt
}

func (c *Coordinator) accept(m domain.Message, desk domain.DeskID, to domain.SessionID) bool {
	if err := m.Validate(); err != nil {
		key := "malformed:desk:" + string(m.Kind())
		if c.warns.Allow(key) {
			c.log.Warn().Err(err).Str("desk", string(desk)).Msg("dropping desk message")
		}
		return false
	}
	return to == c.self
}

func (c *Coordinator) publish(ctx context.Context, desk domain.DeskID, m domain.Message) {
	if err := c.channel.Publish(ctx, desk, m); err != nil {
		c.log.Warn().Err(err).Str("desk", string(desk)).Str("type", string(m.Kind())).Msg("publish failed")
	}
}
