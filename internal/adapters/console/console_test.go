package console

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/DeskCall/internal/app/call"
	"github.com/dkeye/DeskCall/internal/app/desk"
	"github.com/dkeye/DeskCall/internal/app/orch"
	"github.com/dkeye/DeskCall/internal/core/coretest"
	"github.com/dkeye/DeskCall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConsole(net *coretest.Network, id domain.PeerID, joinAtMs int64) (*Console, *orch.Orchestrator, *bytes.Buffer) {
	clk := clock.NewMock()
	ep := net.Endpoint(id, domain.SessionID("s-"+id), time.UnixMilli(joinAtMs))
	o := orch.New(
		call.New(id, &coretest.Factory{}, ep, clk, call.Config{}),
		desk.New(ep, ep, &coretest.Factory{}, clk, desk.Config{}),
		clk, time.Second,
	)
	ep.Handle(o.OnMessage, o.OnPresence)
	out := &bytes.Buffer{}
	return New(o, nil, out), o, out
}

func TestDirectCallCommands(t *testing.T) {
	ctx := context.Background()
	net := coretest.NewNetwork()
	a, ao, aout := newConsole(net, "a", 0)
	b, bo, _ := newConsole(net, "b", 0)

	require.NoError(t, a.Exec(ctx, "call b"))
	assert.Contains(t, aout.String(), "calling b")
	require.NoError(t, b.Exec(ctx, "ACCEPT"))
	assert.Equal(t, domain.CallInCall, ao.Calls.Snapshot().State)

	require.NoError(t, a.Exec(ctx, "status"))
	assert.Contains(t, aout.String(), "call: in_call")

	require.NoError(t, b.Exec(ctx, "hangup"))
	assert.Equal(t, domain.CallIdle, ao.Calls.Snapshot().State)
	assert.Equal(t, domain.CallIdle, bo.Calls.Snapshot().State)
}

func TestRejectCommand(t *testing.T) {
	ctx := context.Background()
	net := coretest.NewNetwork()
	a, ao, _ := newConsole(net, "a", 0)
	b, _, _ := newConsole(net, "b", 0)

	require.NoError(t, a.Exec(ctx, "call b"))
	require.NoError(t, b.Exec(ctx, "reject"))
	assert.Equal(t, domain.CallIdle, ao.Calls.Snapshot().State)
}

func TestDeskCommands(t *testing.T) {
	ctx := context.Background()
	net := coretest.NewNetwork()
	a, ao, aout := newConsole(net, "a", 100)
	b, bo, _ := newConsole(net, "b", 200)

	require.NoError(t, a.Exec(ctx, "join d1"))
	require.NoError(t, b.Exec(ctx, "join d1"))
	assert.Equal(t, domain.DeskInCall, ao.Desks.Snapshot().Status)

	require.NoError(t, a.Exec(ctx, "status"))
	assert.Contains(t, aout.String(), "desk: in_call d1, 2 present, paired with s-b")

	// no direct call, so hangup ends the desk call
	require.NoError(t, a.Exec(ctx, "hangup"))
	assert.Equal(t, domain.DeskEnded, ao.Desks.Snapshot().Status)

	require.NoError(t, b.Exec(ctx, "leave"))
	assert.Equal(t, domain.DeskIdle, bo.Desks.Snapshot().Status)
	assert.Equal(t, domain.DeskReady, ao.Desks.Snapshot().Status)
}

func TestMuteCommand(t *testing.T) {
	ctx := context.Background()
	net := coretest.NewNetwork()
	a, ao, _ := newConsole(net, "a", 0)

	require.NoError(t, a.Exec(ctx, "mute"))
	assert.True(t, ao.Calls.Snapshot().Muted)
	assert.True(t, ao.Desks.Snapshot().Muted)
	require.NoError(t, a.Exec(ctx, "unmute"))
	assert.False(t, ao.Calls.Snapshot().Muted)
}

func TestBadInput(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newConsole(coretest.NewNetwork(), "a", 0)

	require.NoError(t, a.Exec(ctx, "   "))
	require.ErrorIs(t, a.Exec(ctx, "call"), ErrUsage)
	require.ErrorIs(t, a.Exec(ctx, "join a b"), ErrUsage)
	require.ErrorIs(t, a.Exec(ctx, "dance"), ErrUnknownInput)
	require.ErrorIs(t, a.Exec(ctx, "accept"), call.ErrNoIncomingCall)
	require.ErrorIs(t, a.Exec(ctx, "leave"), desk.ErrNotJoined)
	require.ErrorIs(t, a.Exec(ctx, "quit"), ErrQuit)
}

func TestRunStopsOnQuit(t *testing.T) {
	a, _, out := newConsole(coretest.NewNetwork(), "a", 0)
	in := strings.NewReader("status\nnope\nquit\nstatus\n")

	require.NoError(t, a.Run(context.Background(), in))
	s := out.String()
	assert.Contains(t, s, "commands:")
	assert.Contains(t, s, `error: unknown command: "nope"`)
	assert.Equal(t, 1, strings.Count(s, "call: idle"))
}

type pingFunc func(ctx context.Context) (time.Duration, error)

func (f pingFunc) Ping(ctx context.Context) (time.Duration, error) { return f(ctx) }

func TestStatusShowsRelayRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, o, _ := newConsole(coretest.NewNetwork(), "a", 0)

	out := &bytes.Buffer{}
	var deadline bool
	up := New(o, pingFunc(func(ctx context.Context) (time.Duration, error) {
		_, deadline = ctx.Deadline()
		return 12*time.Millisecond + 300*time.Microsecond, nil
	}), out)
	require.NoError(t, up.Exec(ctx, "status"))
	assert.Contains(t, out.String(), "relay: rtt 12ms")
	assert.True(t, deadline, "ping is bounded")

	out.Reset()
	down := New(o, pingFunc(func(context.Context) (time.Duration, error) {
		return 0, errors.New("connection closed")
	}), out)
	require.NoError(t, down.Exec(ctx, "status"))
	assert.Contains(t, out.String(), "call: idle")
	assert.Contains(t, out.String(), "relay: unreachable (connection closed)")
}
