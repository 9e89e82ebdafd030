package coretest

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/DeskCall/internal/core"
	"github.com/dkeye/DeskCall/internal/domain"
)

// Sent is one message an Endpoint put on the wire.
type Sent struct {
	To   domain.PeerID
	Desk domain.DeskID
	Msg  domain.Message
}

type delivery func(ctx context.Context)

// Network connects Endpoints in memory. Deliveries run synchronously inside
// the sender's call unless Manual is set, in which case they queue until
// Flush.
type Network struct {
	Manual bool

	mu      sync.Mutex
	peers   map[domain.PeerID]*Endpoint
	desks   map[domain.DeskID]map[domain.SessionID]*member
	rev     uint64
	revs    map[domain.DeskID]uint64
	pending []delivery
}

type member struct {
	ep *Endpoint
	p  domain.Participant
}

func NewNetwork() *Network {
	return &Network{
		peers: make(map[domain.PeerID]*Endpoint),
		desks: make(map[domain.DeskID]map[domain.SessionID]*member),
		revs:  make(map[domain.DeskID]uint64),
	}
}

// Endpoint registers an actor. JoinAt is what JoinDesk reports.
func (n *Network) Endpoint(peer domain.PeerID, session domain.SessionID, joinAt time.Time) *Endpoint {
	ep := &Endpoint{net: n, Peer: peer, Session: session, JoinAt: joinAt}
	n.mu.Lock()
	n.peers[peer] = ep
	n.mu.Unlock()
	return ep
}

func (n *Network) dispatch(ctx context.Context, d delivery) {
	n.mu.Lock()
	if n.Manual {
		n.pending = append(n.pending, d)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	d(ctx)
}

// Pending reports how many deliveries are queued.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Flush runs queued deliveries, in reverse when reverse is set, until the
// queue stays empty. Deliveries queued while flushing keep the same order
// rule.
func (n *Network) Flush(ctx context.Context, reverse bool) {
	for {
		n.mu.Lock()
		batch := n.pending
		n.pending = nil
		n.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		if reverse {
			for i := len(batch) - 1; i >= 0; i-- {
				batch[i](ctx)
			}
			continue
		}
		for _, d := range batch {
			d(ctx)
		}
	}
}

// Drop discards queued deliveries.
func (n *Network) Drop() {
	n.mu.Lock()
	n.pending = nil
	n.mu.Unlock()
}

func (n *Network) presence(desk domain.DeskID) (domain.PresenceSync, []*Endpoint) {
	members := n.desks[desk]
	snap := domain.PresenceSync{DeskID: desk, Revision: n.revs[desk]}
	eps := make([]*Endpoint, 0, len(members))
	for _, m := range members {
		snap.Participants = append(snap.Participants, m.p)
		eps = append(eps, m.ep)
	}
	domain.SortParticipants(snap.Participants)
	return snap, eps
}

func (n *Network) bumpLocked(desk domain.DeskID) {
	n.rev++
	n.revs[desk] = n.rev
}

func (n *Network) broadcastPresence(ctx context.Context, desk domain.DeskID) {
	n.mu.Lock()
	snap, eps := n.presence(desk)
	n.mu.Unlock()
	for _, ep := range eps {
		ep := ep
		n.dispatch(ctx, func(ctx context.Context) { ep.onPresenceSync(ctx, snap) })
	}
}

// Endpoint is one actor's view of the Network; it implements
// core.SignalChannel and core.PresenceChannel.
type Endpoint struct {
	Peer    domain.PeerID
	Session domain.SessionID
	JoinAt  time.Time
	SendErr error
	JoinErr error
	// BeforeSend runs at the start of SendTo, outside every lock.
	BeforeSend func(domain.Message)

	net *Network

	mu         sync.Mutex
	onMessage  func(context.Context, domain.Message)
	onPresence func(context.Context, domain.PresenceSync)
	sent       []Sent
}

var (
	_ core.SignalChannel   = (*Endpoint)(nil)
	_ core.PresenceChannel = (*Endpoint)(nil)
)

// Handle sets where inbound traffic for this endpoint goes.
func (e *Endpoint) Handle(onMessage func(context.Context, domain.Message), onPresence func(context.Context, domain.PresenceSync)) {
	e.mu.Lock()
	e.onMessage, e.onPresence = onMessage, onPresence
	e.mu.Unlock()
}

func (e *Endpoint) deliver(ctx context.Context, m domain.Message) {
	e.mu.Lock()
	fn := e.onMessage
	e.mu.Unlock()
	if fn != nil {
		fn(ctx, m)
	}
}

func (e *Endpoint) onPresenceSync(ctx context.Context, s domain.PresenceSync) {
	e.mu.Lock()
	fn := e.onPresence
	e.mu.Unlock()
	if fn != nil {
		fn(ctx, s)
	}
}

func (e *Endpoint) record(s Sent) {
	e.mu.Lock()
	e.sent = append(e.sent, s)
	e.mu.Unlock()
}

func (e *Endpoint) SendTo(ctx context.Context, to domain.PeerID, msg domain.Message) error {
	if e.BeforeSend != nil {
		e.BeforeSend(msg)
	}
	if e.SendErr != nil {
		return e.SendErr
	}
	e.record(Sent{To: to, Msg: msg})
	e.net.mu.Lock()
	dst := e.net.peers[to]
	e.net.mu.Unlock()
	if dst != nil {
		e.net.dispatch(ctx, func(ctx context.Context) { dst.deliver(ctx, msg) })
	}
	return nil
}

func (e *Endpoint) Publish(ctx context.Context, desk domain.DeskID, msg domain.Message) error {
	if e.SendErr != nil {
		return e.SendErr
	}
	e.record(Sent{Desk: desk, Msg: msg})
	e.net.mu.Lock()
	var dsts []*Endpoint
	for sid, m := range e.net.desks[desk] {
		if sid != e.Session {
			dsts = append(dsts, m.ep)
		}
	}
	e.net.mu.Unlock()
	for _, dst := range dsts {
		dst := dst
		e.net.dispatch(ctx, func(ctx context.Context) { dst.deliver(ctx, msg) })
	}
	return nil
}

func (e *Endpoint) Self() domain.SessionID { return e.Session }

func (e *Endpoint) JoinDesk(ctx context.Context, desk domain.DeskID) (time.Time, error) {
	if e.JoinErr != nil {
		return time.Time{}, e.JoinErr
	}
	e.net.mu.Lock()
	if e.net.desks[desk] == nil {
		e.net.desks[desk] = make(map[domain.SessionID]*member)
	}
	e.net.desks[desk][e.Session] = &member{
		ep: e,
		p:  domain.Participant{SessionID: e.Session, DisplayName: string(e.Peer), JoinedAt: e.JoinAt},
	}
	e.net.bumpLocked(desk)
	e.net.mu.Unlock()
	e.net.broadcastPresence(ctx, desk)
	return e.JoinAt, nil
}

func (e *Endpoint) LeaveDesk(ctx context.Context, desk domain.DeskID) error {
	e.net.mu.Lock()
	delete(e.net.desks[desk], e.Session)
	e.net.bumpLocked(desk)
	e.net.mu.Unlock()
	e.net.broadcastPresence(ctx, desk)
	return nil
}

// Sent returns everything this endpoint sent, in order.
func (e *Endpoint) Sent() []Sent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Sent(nil), e.sent...)
}

// SentKinds filters Sent by message kind.
func (e *Endpoint) SentKinds(k domain.Kind) []domain.Message {
	var out []domain.Message
	for _, s := range e.Sent() {
		if s.Msg.Kind() == k {
			out = append(out, s.Msg)
		}
	}
	return out
}
