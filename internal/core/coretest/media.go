// Package coretest provides in-memory fakes of the core collaborators for
// coordinator tests.
package coretest

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/DeskCall/internal/core"
	"github.com/pion/webrtc/v4"
)

var ErrClosed = errors.New("fake connection closed")

// Conn is a scriptable core.MediaConnection. Events records the order of
// remote description and candidate application.
type Conn struct {
	Label string

	FailStart     error
	FailOffer     error
	FailAnswer    error
	FailRemote    error
	FailCandidate func(webrtc.ICECandidateInit) error
	// BeforeOffer runs at the start of CreateOffer, outside the Conn lock.
	BeforeOffer func(*Conn)

	mu      sync.Mutex
	started bool
	closed  bool
	muted   bool
	remote  *webrtc.SessionDescription
	applied []webrtc.ICECandidateInit
	events  []string
	state   webrtc.PeerConnectionState
	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
}

var _ core.MediaConnection = (*Conn)(nil)

func (c *Conn) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailStart != nil {
		return c.FailStart
	}
	if c.closed {
		return ErrClosed
	}
	c.started = true
	c.state = webrtc.PeerConnectionStateNew
	return nil
}

func (c *Conn) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	if c.BeforeOffer != nil {
		c.BeforeOffer(c)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailOffer != nil {
		return webrtc.SessionDescription{}, c.FailOffer
	}
	c.events = append(c.events, "local:offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + c.Label}, nil
}

func (c *Conn) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailAnswer != nil {
		return webrtc.SessionDescription{}, c.FailAnswer
	}
	if c.remote == nil {
		return webrtc.SessionDescription{}, errors.New("answer without remote offer")
	}
	c.events = append(c.events, "local:answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + c.Label}, nil
}

func (c *Conn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailRemote != nil {
		return c.FailRemote
	}
	c.remote = &sd
	c.events = append(c.events, "remote:"+sd.Type.String())
	return nil
}

func (c *Conn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errors.New("candidate before remote description")
	}
	if c.FailCandidate != nil {
		if err := c.FailCandidate(ci); err != nil {
			return err
		}
	}
	c.applied = append(c.applied, ci)
	c.events = append(c.events, "candidate:"+ci.Candidate)
	return nil
}

func (c *Conn) ConnectionState() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) SetMuted(muted bool) error {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
	return nil
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Conn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.state = webrtc.PeerConnectionStateClosed
	return nil
}

// EmitState sets the state and runs the registered callback synchronously.
func (c *Conn) EmitState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// EmitCandidate runs the local candidate callback synchronously.
func (c *Conn) EmitCandidate(ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(ci)
	}
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Conn) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *Conn) Remote() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Conn) Applied() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.applied...)
}

func (c *Conn) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

// Factory hands out Conns and keeps every one it created.
type Factory struct {
	Err error
	// Prepare, when set, configures each new Conn before it is returned.
	Prepare func(*Conn)

	mu    sync.Mutex
	conns []*Conn
}

var _ core.MediaFactory = (*Factory)(nil)

func (f *Factory) NewConnection(label string) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := &Conn{Label: label}
	if f.Prepare != nil {
		f.Prepare(c)
	}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *Factory) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns...)
}

// Last returns the most recently created Conn, or nil.
func (f *Factory) Last() *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}
