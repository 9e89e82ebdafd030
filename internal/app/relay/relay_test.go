package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/DeskCall/internal/app"
	"github.com/dkeye/DeskCall/internal/domain"
	"github.com/dkeye/DeskCall/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFull = errors.New("full")

type fakeConn struct {
	mu     sync.Mutex
	frames []proto.Frame
	full   bool
}

func (c *fakeConn) TrySend(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errFull
	}
	f, err := proto.Decode(b)
	if err != nil {
		return err
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) of(t proto.FrameType) []proto.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []proto.Frame
	for _, f := range c.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) lastPresence(t *testing.T) proto.Frame {
	t.Helper()
	ps := c.of(proto.TypePresenceSync)
	require.NotEmpty(t, ps)
	return ps[len(ps)-1]
}

type fixture struct {
	r   *Relay
	clk *clock.Mock
}

func newFixture() *fixture {
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(1_000))
	return &fixture{
		r:   New(app.NewRegistry(), app.NewDeskDirectory(clk), app.SimplePolicy{}),
		clk: clk,
	}
}

func (f *fixture) connect(t *testing.T, sid domain.SessionID, actor domain.PeerID) (*fakeConn, *bool) {
	t.Helper()
	c := &fakeConn{}
	canceled := new(bool)
	f.r.Connect(sid, c, func() { *canceled = true })
	require.NoError(t, f.r.Hello(sid, actor, "", "h1"))
	return c, canceled
}

func TestHelloWelcomes(t *testing.T) {
	f := newFixture()
	c, _ := f.connect(t, "s1", "alice")

	w := c.of(proto.TypeWelcome)
	require.Len(t, w, 1)
	assert.Equal(t, domain.SessionID("s1"), w[0].SessionID)
	assert.Equal(t, "alice", w[0].DisplayName)
	assert.Equal(t, "h1", w[0].Ref)
}

func TestSendRoutesByActor(t *testing.T) {
	f := newFixture()
	_, _ = f.connect(t, "s1", "alice")
	bob, _ := f.connect(t, "s2", "bob")

	require.NoError(t, f.r.Send("s1", "bob", []byte(`{"type":"call_busy","callId":"c"}`)))
	msgs := bob.of(proto.TypeMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.PeerID("alice"), msgs[0].From)

	require.ErrorIs(t, f.r.Send("s1", "carol", []byte(`{}`)), ErrUnknownPeer)
}

func TestSendRequiresHello(t *testing.T) {
	f := newFixture()
	f.r.Connect("s1", &fakeConn{}, func() {})
	require.ErrorIs(t, f.r.Send("s1", "bob", []byte(`{}`)), ErrNotIdentified)
}

func TestNewestConnectionReceivesDirectMessages(t *testing.T) {
	f := newFixture()
	_, _ = f.connect(t, "s1", "alice")
	old, _ := f.connect(t, "s2", "bob")
	fresh, _ := f.connect(t, "s3", "bob")

	require.NoError(t, f.r.Send("s1", "bob", []byte(`{}`)))
	assert.Empty(t, old.of(proto.TypeMessage))
	assert.Len(t, fresh.of(proto.TypeMessage), 1)

	// the stale connection going away must not unroute bob
	f.r.Disconnect("s2", old)
	require.NoError(t, f.r.Send("s1", "bob", []byte(`{}`)))
	assert.Len(t, fresh.of(proto.TypeMessage), 2)
}

func TestReconnectUnderSameSidCancelsOld(t *testing.T) {
	f := newFixture()
	first, canceled := f.connect(t, "s1", "alice")
	second, _ := f.connect(t, "s1", "alice")
	assert.True(t, *canceled)

	// late disconnect of the first connection leaves the second bound
	f.r.Disconnect("s1", first)
	_, _ = f.connect(t, "s2", "bob")
	require.NoError(t, f.r.Send("s2", "alice", []byte(`{}`)))
	assert.Len(t, second.of(proto.TypeMessage), 1)
}

func TestDeskJoinStampsAndSyncs(t *testing.T) {
	f := newFixture()
	a, _ := f.connect(t, "s1", "alice")
	b, _ := f.connect(t, "s2", "bob")

	at, err := f.r.JoinDesk("s1", "d1", "j1")
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1_000).UTC(), at)

	joined := a.of(proto.TypeDeskJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "j1", joined[0].Ref)
	require.NotNil(t, joined[0].JoinedAt)
	assert.True(t, at.Equal(*joined[0].JoinedAt))

	f.clk.Add(50 * time.Millisecond)
	_, err = f.r.JoinDesk("s2", "d1", "j2")
	require.NoError(t, err)

	for _, c := range []*fakeConn{a, b} {
		ps := c.lastPresence(t)
		require.Len(t, ps.Participants, 2)
		assert.Equal(t, domain.SessionID("s1"), ps.Participants[0].SessionID)
		assert.Equal(t, domain.SessionID("s2"), ps.Participants[1].SessionID)
	}

	// rejoining keeps the original stamp
	f.clk.Add(time.Second)
	again, err := f.r.JoinDesk("s1", "d1", "j3")
	require.NoError(t, err)
	assert.True(t, at.Equal(again))
}

func TestPublishReachesOtherMembersOnly(t *testing.T) {
	f := newFixture()
	a, _ := f.connect(t, "s1", "alice")
	b, _ := f.connect(t, "s2", "bob")
	c, _ := f.connect(t, "s3", "carol")
	_, _ = f.r.JoinDesk("s1", "d1", "")
	_, _ = f.r.JoinDesk("s2", "d1", "")
	_, _ = f.r.JoinDesk("s3", "d2", "")

	require.NoError(t, f.r.Publish("s1", "d1", []byte(`{"type":"call_offer"}`)))
	assert.Empty(t, a.of(proto.TypeMessage))
	require.Len(t, b.of(proto.TypeMessage), 1)
	assert.Equal(t, domain.DeskID("d1"), b.of(proto.TypeMessage)[0].DeskID)
	assert.Empty(t, c.of(proto.TypeMessage))

	require.ErrorIs(t, f.r.Publish("s3", "d1", []byte(`{}`)), ErrNotInDesk)
}

func TestSwitchingDeskSyncsBoth(t *testing.T) {
	f := newFixture()
	_, _ = f.connect(t, "s1", "alice")
	b, _ := f.connect(t, "s2", "bob")
	_, _ = f.r.JoinDesk("s1", "d1", "")
	_, _ = f.r.JoinDesk("s2", "d1", "")

	_, err := f.r.JoinDesk("s1", "d2", "")
	require.NoError(t, err)

	ps := b.lastPresence(t)
	require.Len(t, ps.Participants, 1)
	assert.Equal(t, domain.SessionID("s2"), ps.Participants[0].SessionID)

	desks := f.r.ListDesks()
	require.Len(t, desks, 2)
	assert.Equal(t, app.DeskInfo{ID: "d1", MemberCount: 1}, desks[0])
	assert.Equal(t, app.DeskInfo{ID: "d2", MemberCount: 1}, desks[1])
}

func TestLeaveAndDisconnectSyncPresence(t *testing.T) {
	f := newFixture()
	a, _ := f.connect(t, "s1", "alice")
	b, _ := f.connect(t, "s2", "bob")
	_, _ = f.r.JoinDesk("s1", "d1", "")
	_, _ = f.r.JoinDesk("s2", "d1", "")

	require.NoError(t, f.r.LeaveDesk("s1", "d1", "l1"))
	assert.Len(t, a.of(proto.TypeDeskLeft), 1)
	assert.Len(t, b.lastPresence(t).Participants, 1)
	require.ErrorIs(t, f.r.LeaveDesk("s1", "d1", ""), ErrNotInDesk)

	_, _ = f.r.JoinDesk("s1", "d1", "")
	assert.Len(t, b.lastPresence(t).Participants, 2)
	f.r.Disconnect("s1", a)
	assert.Len(t, b.lastPresence(t).Participants, 1)

	f.r.Disconnect("s2", b)
	_, ok := f.r.Participants("d1")
	assert.False(t, ok)
}

func TestPresenceRevisionsGrow(t *testing.T) {
	f := newFixture()
	_, _ = f.connect(t, "s1", "alice")
	b, _ := f.connect(t, "s2", "bob")
	_, _ = f.r.JoinDesk("s2", "d1", "")
	joined := b.lastPresence(t).Revision
	require.NotZero(t, joined)

	_, _ = f.r.JoinDesk("s1", "d1", "")
	both := b.lastPresence(t).Revision
	assert.Greater(t, both, joined)

	// a rejoin changes nothing and keeps the revision
	_, _ = f.r.JoinDesk("s1", "d1", "")
	assert.Equal(t, both, b.lastPresence(t).Revision)

	require.NoError(t, f.r.LeaveDesk("s1", "d1", ""))
	assert.Greater(t, b.lastPresence(t).Revision, both)

	// an emptied and recreated desk never reuses an old revision
	left := b.lastPresence(t).Revision
	require.NoError(t, f.r.LeaveDesk("s2", "d1", ""))
	_, _ = f.r.JoinDesk("s2", "d1", "")
	assert.Greater(t, b.lastPresence(t).Revision, left)
}

func TestBackpressureKicks(t *testing.T) {
	f := newFixture()
	_, _ = f.connect(t, "s1", "alice")
	bob, canceled := f.connect(t, "s2", "bob")
	bob.full = true

	require.NoError(t, f.r.Send("s1", "bob", []byte(`{}`)))
	assert.True(t, *canceled)
}

func TestBackpressureDropsPong(t *testing.T) {
	f := newFixture()
	a, canceled := f.connect(t, "s1", "alice")
	a.full = true

	f.r.Ping("s1", "p")
	assert.False(t, *canceled)
}

func TestKickCancelsContext(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	f.r.Connect("s1", &fakeConn{}, cancel)
	f.r.Kick("s1")
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
