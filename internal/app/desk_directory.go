package app

import (
	"slices"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/DeskCall/internal/domain"
)

type DeskInfo struct {
	ID          domain.DeskID `json:"deskId"`
	MemberCount int           `json:"count"`
}

// DeskDirectory holds relay-side desk presence. Join times come from the
// relay clock so every member compares the same values. Every membership
// change takes the next value of one directory-wide revision counter, so a
// recreated desk never reuses an old revision.
type DeskDirectory struct {
	clk clock.Clock

	mu    sync.RWMutex
	desks map[domain.DeskID]map[domain.SessionID]domain.Participant
	revs  map[domain.DeskID]uint64
	rev   uint64
}

func NewDeskDirectory(clk clock.Clock) *DeskDirectory {
	return &DeskDirectory{
		clk:   clk,
		desks: make(map[domain.DeskID]map[domain.SessionID]domain.Participant),
		revs:  make(map[domain.DeskID]uint64),
	}
}

// Join adds sid to desk. Joining a desk one is already in keeps the original
// join time.
func (d *DeskDirectory) Join(desk domain.DeskID, sid domain.SessionID, name string) (domain.Participant, []domain.Participant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	members, ok := d.desks[desk]
	if !ok {
		members = make(map[domain.SessionID]domain.Participant)
		d.desks[desk] = members
	}
	p, ok := members[sid]
	if !ok {
		p = domain.Participant{SessionID: sid, DisplayName: name, JoinedAt: d.clk.Now().UTC()}
		members[sid] = p
		d.bumpLocked(desk)
	}
	return p, sorted(members)
}

// Leave removes sid; an emptied desk is dropped.
func (d *DeskDirectory) Leave(desk domain.DeskID, sid domain.SessionID) ([]domain.Participant, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	members, ok := d.desks[desk]
	if !ok {
		return nil, false
	}
	if _, ok := members[sid]; !ok {
		return sorted(members), false
	}
	delete(members, sid)
	d.bumpLocked(desk)
	if len(members) == 0 {
		delete(d.desks, desk)
		delete(d.revs, desk)
	}
	return sorted(members), true
}

func (d *DeskDirectory) Participants(desk domain.DeskID) ([]domain.Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	members, ok := d.desks[desk]
	if !ok {
		return nil, false
	}
	return sorted(members), true
}

// Presence is the current membership of desk stamped with its revision.
func (d *DeskDirectory) Presence(desk domain.DeskID) (domain.PresenceSync, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	members, ok := d.desks[desk]
	if !ok {
		return domain.PresenceSync{DeskID: desk}, false
	}
	return domain.PresenceSync{DeskID: desk, Revision: d.revs[desk], Participants: sorted(members)}, true
}

func (d *DeskDirectory) List() []DeskInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]DeskInfo, 0, len(d.desks))
	for id, members := range d.desks {
		out = append(out, DeskInfo{ID: id, MemberCount: len(members)})
	}
	slices.SortFunc(out, func(a, b DeskInfo) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

func (d *DeskDirectory) bumpLocked(desk domain.DeskID) {
	d.rev++
	d.revs[desk] = d.rev
}

func sorted(members map[domain.SessionID]domain.Participant) []domain.Participant {
	out := make([]domain.Participant, 0, len(members))
	for _, p := range members {
		out = append(out, p)
	}
	domain.SortParticipants(out)
	return out
}
