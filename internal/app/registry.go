package app

import (
	"context"
	"sync"

	"github.com/dkeye/DeskCall/internal/core"
	"github.com/dkeye/DeskCall/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	User   *domain.User
	Desk   domain.DeskID
	Conn   core.SignalConnection
	Cancel context.CancelFunc
}

// Registry tracks live relay connections and the actor each one speaks for.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*sessionEntry
	peers    map[domain.PeerID]domain.SessionID
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.SessionID]*sessionEntry),
		peers:    make(map[domain.PeerID]domain.SessionID),
	}
}

// BindSignal registers a connection. A previous connection under the same
// sid is returned so the caller can cancel it.
func (r *Registry) BindSignal(sid domain.SessionID, conn core.SignalConnection, cancel context.CancelFunc) (prev context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[sid]; ok {
		prev = old.Cancel
		if old.User != nil && r.peers[old.User.ID] == sid {
			delete(r.peers, old.User.ID)
		}
	}
	r.sessions[sid] = &sessionEntry{Conn: conn, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound signal")
	return prev
}

// Identify attaches an actor to a bound connection. The newest connection of
// an actor receives its direct messages.
func (r *Registry) Identify(sid domain.SessionID, user *domain.User) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return false
	}
	if e.User != nil && r.peers[e.User.ID] == sid {
		delete(r.peers, e.User.ID)
	}
	e.User = user
	r.peers[user.ID] = sid
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("actor", string(user.ID)).Msg("identified")
	return true
}

func (r *Registry) User(sid domain.SessionID) (*domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok || e.User == nil {
		return nil, false
	}
	return e.User, true
}

func (r *Registry) Conn(sid domain.SessionID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Conn, true
	}
	return nil, false
}

// ByPeer resolves an actor to its current connection.
func (r *Registry) ByPeer(peer domain.PeerID) (domain.SessionID, core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.peers[peer]
	if !ok {
		return "", nil, false
	}
	return sid, r.sessions[sid].Conn, true
}

func (r *Registry) DeskOf(sid domain.SessionID) (domain.DeskID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok || e.Desk == "" {
		return "", false
	}
	return e.Desk, true
}

// UpdateDesk records the desk of sid and returns the one it replaced.
func (r *Registry) UpdateDesk(sid domain.SessionID, desk domain.DeskID) (prev domain.DeskID, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return "", false
	}
	prev, e.Desk = e.Desk, desk
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("desk", string(desk)).Msg("updated desk")
	return prev, true
}

// Unbind forgets sid and reports the desk it was in. The connection is
// removed only if it is still the one bound under sid.
func (r *Registry) Unbind(sid domain.SessionID, conn core.SignalConnection) (domain.DeskID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok || (conn != nil && e.Conn != conn) {
		return "", false
	}
	delete(r.sessions, sid)
	if e.User != nil && r.peers[e.User.ID] == sid {
		delete(r.peers, e.User.ID)
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
	return e.Desk, true
}

func (r *Registry) Cancel(sid domain.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
