package core

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/DeskCall/internal/domain"
)

// ErrorResetDelay is how long a session stays in error before it drops back
// to idle on its own.
const ErrorResetDelay = 3000 * time.Millisecond

var ErrInvalidTransition = errors.New("invalid call state transition")

// StateListener observes every transition of a CallSession.
type StateListener func(next, prev domain.CallState)

// CallSnapshot is a consistent copy of a CallSession.
type CallSnapshot struct {
	State     domain.CallState
	CallID    domain.CallID
	PeerID    domain.PeerID
	Role      domain.CallRole
	LastError error
}

// CallSession is the state machine of the single direct call an actor may
// have at a time. Listeners run after the internal lock is released and must
// not block.
type CallSession struct {
	clk        clock.Clock
	resetDelay time.Duration

	mu       sync.Mutex
	state    domain.CallState
	callID   domain.CallID
	peerID   domain.PeerID
	role     domain.CallRole
	lastErr  error
	errTimer *clock.Timer
	errGen   uint64

	lmu       sync.RWMutex
	listeners map[int]StateListener
	nextID    int
}

func NewCallSession(clk clock.Clock) *CallSession {
	return &CallSession{
		clk:        clk,
		resetDelay: ErrorResetDelay,
		state:      domain.CallIdle,
		listeners:  make(map[int]StateListener),
	}
}

// Subscribe registers l and returns a func that removes it.
func (s *CallSession) Subscribe(l StateListener) (unsubscribe func()) {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *CallSession) State() domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsBusy reports whether the actor should refuse a new call.
func (s *CallSession) IsBusy() bool {
	return s.State() != domain.CallIdle
}

func (s *CallSession) Snapshot() CallSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CallSnapshot{
		State:     s.state,
		CallID:    s.callID,
		PeerID:    s.peerID,
		Role:      s.role,
		LastError: s.lastErr,
	}
}

func (s *CallSession) RequestCall(peer domain.PeerID, callID domain.CallID) error {
	return s.begin(peer, callID, domain.RoleCaller, domain.CallRequesting)
}

func (s *CallSession) ReceiveIncomingCall(peer domain.PeerID, callID domain.CallID) error {
	return s.begin(peer, callID, domain.RoleCallee, domain.CallIncoming)
}

func (s *CallSession) begin(peer domain.PeerID, callID domain.CallID, role domain.CallRole, next domain.CallState) error {
	if peer == "" || callID == "" {
		return fmt.Errorf("%w: peer and callId required", ErrInvalidTransition)
	}
	s.mu.Lock()
	if s.state != domain.CallIdle {
		prev := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}
	s.callID, s.peerID, s.role = callID, peer, role
	s.lastErr = nil
	prev := s.transitionLocked(next)
	s.mu.Unlock()
	s.notify(next, prev)
	return nil
}

func (s *CallSession) AcceptCall() error {
	return s.move(domain.CallConnecting, domain.CallIncoming)
}

func (s *CallSession) RejectCall() error {
	return s.move(domain.CallIdle, domain.CallIncoming)
}

// CallConnected is a no-op when already in a call.
func (s *CallSession) CallConnected() error {
	s.mu.Lock()
	if s.state == domain.CallInCall {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.move(domain.CallInCall, domain.CallConnecting, domain.CallRequesting)
}

// EndCall returns to idle from any state.
func (s *CallSession) EndCall() {
	s.mu.Lock()
	if s.state == domain.CallIdle {
		s.mu.Unlock()
		return
	}
	prev := s.transitionLocked(domain.CallIdle)
	s.mu.Unlock()
	s.notify(domain.CallIdle, prev)
}

// CallError moves to error from any state. The session falls back to idle
// after the grace delay unless something else moved it first.
func (s *CallSession) CallError(err error) {
	s.mu.Lock()
	s.lastErr = err
	prev := s.transitionLocked(domain.CallError)
	gen := s.errGen
	s.errTimer = s.clk.AfterFunc(s.resetDelay, func() { s.expireError(gen) })
	s.mu.Unlock()
	s.notify(domain.CallError, prev)
}

func (s *CallSession) expireError(gen uint64) {
	s.mu.Lock()
	if s.state != domain.CallError || s.errGen != gen {
		s.mu.Unlock()
		return
	}
	prev := s.transitionLocked(domain.CallIdle)
	s.mu.Unlock()
	s.notify(domain.CallIdle, prev)
}

func (s *CallSession) move(next domain.CallState, from ...domain.CallState) error {
	s.mu.Lock()
	prev := s.state
	allowed := false
	for _, f := range from {
		if prev == f {
			allowed = true
			break
		}
	}
	if !allowed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}
	s.transitionLocked(next)
	s.mu.Unlock()
	s.notify(next, prev)
	return nil
}

// transitionLocked cancels the error timer, which every transition
// supersedes, and clears the call identity on idle.
func (s *CallSession) transitionLocked(next domain.CallState) domain.CallState {
	prev := s.state
	if s.errTimer != nil {
		s.errTimer.Stop()
		s.errTimer = nil
	}
	s.errGen++
	s.state = next
	if next == domain.CallIdle {
		s.callID, s.peerID, s.role = "", "", ""
	}
	return prev
}

func (s *CallSession) notify(next, prev domain.CallState) {
	s.lmu.RLock()
	ls := make([]StateListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.lmu.RUnlock()
	for _, l := range ls {
		l(next, prev)
	}
}
