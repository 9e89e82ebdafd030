package call

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/DeskCall/internal/core"
	"github.com/dkeye/DeskCall/internal/core/coretest"
	"github.com/dkeye/DeskCall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type actor struct {
	id    domain.PeerID
	ep    *coretest.Endpoint
	media *coretest.Factory
	c     *Coordinator
}

func newActor(net *coretest.Network, clk clock.Clock, id domain.PeerID) *actor {
	ep := net.Endpoint(id, domain.SessionID("s-"+id), time.Time{})
	media := &coretest.Factory{}
	a := &actor{id: id, ep: ep, media: media, c: New(id, media, ep, clk, Config{})}
	ep.Handle(a.dispatch, nil)
	return a
}

func (a *actor) dispatch(ctx context.Context, m domain.Message) {
	switch v := m.(type) {
	case domain.CallRequest:
		a.c.HandleCallRequest(ctx, v)
	case domain.CallAnswer:
		a.c.HandleCallAnswer(ctx, v)
	case domain.CallIceCandidate:
		a.c.HandleIceCandidate(ctx, v)
	case domain.CallHangup:
		a.c.HandleHangup(ctx, v)
	case domain.CallBusy:
		a.c.HandleCallBusy(ctx, v)
	}
}

func (a *actor) state() domain.CallState { return a.c.Snapshot().State }

func (a *actor) hangups() []domain.CallHangup {
	var out []domain.CallHangup
	for _, m := range a.ep.SentKinds(domain.KindCallHangup) {
		out = append(out, m.(domain.CallHangup))
	}
	return out
}

func offer(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
}

func answer(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
}

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, time.Millisecond)
}

func TestScenarioCallAcceptHangup(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	x := newActor(net, clk, "x")
	y := newActor(net, clk, "y")

	callID, err := x.c.StartCall(ctx, "y")
	require.NoError(t, err)

	ys := y.c.Snapshot()
	assert.Equal(t, domain.CallIncoming, ys.State)
	assert.Equal(t, domain.StatusRinging, ys.Status)
	assert.Equal(t, callID, ys.CallID)
	assert.Equal(t, domain.PeerID("x"), ys.PeerID)
	assert.True(t, ys.HasPendingOffer)
	assert.Equal(t, domain.CallRequesting, x.state())

	require.NoError(t, y.c.AcceptIncomingCall(ctx))
	assert.Equal(t, domain.CallInCall, y.state())
	assert.Equal(t, domain.CallInCall, x.state())
	assert.Equal(t, []string{"local:offer", "remote:answer"}, x.media.Last().Events())
	assert.Equal(t, []string{"remote:offer", "local:answer"}, y.media.Last().Events())

	x.c.HangUp(ctx, domain.ReasonHangup)
	assert.Equal(t, domain.CallIdle, x.state())
	assert.Equal(t, domain.CallIdle, y.state())
	assert.True(t, x.media.Last().Closed())
	assert.True(t, y.media.Last().Closed())

	require.Len(t, x.hangups(), 1)
	assert.Equal(t, callID, x.hangups()[0].CallID)
	assert.Empty(t, y.hangups())
}

func TestScenarioBusy(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	x := newActor(net, clk, "x")
	y := newActor(net, clk, "y")
	z := newActor(net, clk, "z")

	_, err := z.c.StartCall(ctx, "y")
	require.NoError(t, err)
	require.NoError(t, y.c.AcceptIncomingCall(ctx))
	require.Equal(t, domain.CallInCall, y.state())

	c1, err := x.c.StartCall(ctx, "y")
	require.NoError(t, err)

	busy := y.ep.SentKinds(domain.KindCallBusy)
	require.Len(t, busy, 1)
	assert.Equal(t, c1, busy[0].(domain.CallBusy).CallID)

	assert.Equal(t, domain.CallIdle, x.state())
	assert.Empty(t, x.hangups(), "no hangup after busy")
	assert.True(t, x.media.Last().Closed())

	assert.Equal(t, domain.CallInCall, y.state())
	assert.Equal(t, domain.PeerID("z"), y.c.Snapshot().PeerID)
}

func TestNoAnswerTimeoutSendsOneHangup(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	x := newActor(net, clk, "x")

	callID, err := x.c.StartCall(ctx, "y")
	require.NoError(t, err)

	clk.Add(DefaultNoAnswerTimeout - time.Millisecond)
	assert.Equal(t, domain.CallRequesting, x.state())
	assert.Empty(t, x.hangups())

	clk.Add(time.Millisecond)
	eventually(t, func() bool { return len(x.hangups()) == 1 })
	assert.Equal(t, domain.CallIdle, x.state())

	clk.Add(time.Minute)
	require.Never(t, func() bool { return len(x.hangups()) != 1 }, 50*time.Millisecond, 5*time.Millisecond)
	h := x.hangups()[0]
	assert.Equal(t, callID, h.CallID)
	assert.Equal(t, domain.ReasonNoAnswerTimeout, h.Reason)
	assert.True(t, x.media.Last().Closed())
}

func TestAnswerJustBeforeTimeoutCancelsIt(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	x := newActor(net, clk, "x")

	callID, err := x.c.StartCall(ctx, "y")
	require.NoError(t, err)

	clk.Add(19999 * time.Millisecond)
	x.c.HandleCallAnswer(ctx, domain.CallAnswer{CallID: callID, From: "y", To: "x", Answer: answer("v=0")})
	require.Equal(t, domain.CallInCall, x.state())

	clk.Add(time.Minute)
	require.Never(t, func() bool { return len(x.hangups()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, domain.CallInCall, x.state())
}

func TestCalleeRingTimeoutResetsLocally(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	y := newActor(net, clk, "y")

	y.c.HandleCallRequest(ctx, domain.CallRequest{CallID: "c1", From: "x", To: "y", Offer: offer("v=0")})
	require.Equal(t, domain.CallIncoming, y.state())

	clk.Add(DefaultNoAnswerTimeout)
	eventually(t, func() bool { return y.state() == domain.CallIdle })
	assert.Empty(t, y.hangups())
}

func TestDuplicateRequestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	x := newActor(net, clk, "x")
	y := newActor(net, clk, "y")

	var transitions atomic.Int32
	y.c.Subscribe(func(next, prev domain.CallState) { transitions.Add(1) })

	_, err := x.c.StartCall(ctx, "y")
	require.NoError(t, err)
	req := x.ep.SentKinds(domain.KindCallRequest)[0].(domain.CallRequest)

	y.c.HandleCallRequest(ctx, req)
	y.c.HandleCallRequest(ctx, req)

	assert.Equal(t, int32(1), transitions.Load())
	assert.Equal(t, domain.CallIncoming, y.state())
	assert.Empty(t, y.ep.Sent(), "no busy reply to a duplicate")
	assert.Empty(t, y.media.Conns())
}

func TestCandidateBufferedUntilRemoteDescription(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	y := newActor(net, clk, "y")

	y.c.HandleCallRequest(ctx, domain.CallRequest{CallID: "c1", From: "x", To: "y", Offer: offer("v=0")})
	y.c.HandleIceCandidate(ctx, domain.CallIceCandidate{CallID: "c1", From: "x", Candidate: candidate("a")})
	y.c.HandleIceCandidate(ctx, domain.CallIceCandidate{CallID: "c1", From: "x", Candidate: candidate("b")})
	assert.Equal(t, 2, y.c.Snapshot().PendingCandidates)

	require.NoError(t, y.c.AcceptIncomingCall(ctx))
	conn := y.media.Last()
	assert.Equal(t, []string{"remote:offer", "candidate:a", "candidate:b", "local:answer"}, conn.Events())
	assert.Zero(t, y.c.Snapshot().PendingCandidates)

	y.c.HandleIceCandidate(ctx, domain.CallIceCandidate{CallID: "c1", From: "x", Candidate: candidate("c")})
	assert.Equal(t, []webrtc.ICECandidateInit{candidate("a"), candidate("b"), candidate("c")}, conn.Applied())
}

func TestCallerBuffersCandidatesUntilAnswer(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	x := newActor(net, clk, "x")

	callID, err := x.c.StartCall(ctx, "y")
	require.NoError(t, err)
	x.c.HandleIceCandidate(ctx, domain.CallIceCandidate{CallID: callID, From: "y", Candidate: candidate("a")})
	assert.Empty(t, x.media.Last().Applied())

	x.c.HandleCallAnswer(ctx, domain.CallAnswer{CallID: callID, From: "y", To: "x", Answer: answer("v=0")})
	assert.Equal(t, []string{"local:offer", "remote:answer", "candidate:a"}, x.media.Last().Events())
}

func TestCandidateBeforeRequestIsKept(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	y := newActor(net, clk, "y")

	y.c.HandleIceCandidate(ctx, domain.CallIceCandidate{CallID: "c1", From: "x", Candidate: candidate("early")})
	assert.Equal(t, domain.CallIdle, y.state())
	assert.Zero(t, y.c.Snapshot().PendingCandidates)

	y.c.HandleCallRequest(ctx, domain.CallRequest{CallID: "c1", From: "x", To: "y", Offer: offer("v=0")})
	assert.Equal(t, 1, y.c.Snapshot().PendingCandidates)

	require.NoError(t, y.c.AcceptIncomingCall(ctx))
	assert.Equal(t, []webrtc.ICECandidateInit{candidate("early")}, y.media.Last().Applied())
}

func TestBadCandidateDoesNotAbortCall(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	y := newActor(net, clk, "y")
	y.media.Prepare = func(c *coretest.Conn) {
		c.FailCandidate = func(ci webrtc.ICECandidateInit) error {
			if ci.Candidate == "bad" {
				return errors.New("bad candidate")
			}
			return nil
		}
	}

	y.c.HandleCallRequest(ctx, domain.CallRequest{CallID: "c1", From: "x", To: "y", Offer: offer("v=0")})
	y.c.HandleIceCandidate(ctx, domain.CallIceCandidate{CallID: "c1", From: "x", Candidate: candidate("bad")})
	y.c.HandleIceCandidate(ctx, domain.CallIceCandidate{CallID: "c1", From: "x", Candidate: candidate("good")})
	require.NoError(t, y.c.AcceptIncomingCall(ctx))

	assert.Equal(t, domain.CallInCall, y.state())
	assert.Equal(t, []webrtc.ICECandidateInit{candidate("good")}, y.media.Last().Applied())
}

func TestLocalCandidatesWaitForRequest(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	x := newActor(net, clk, "x")
	x.media.Prepare = func(c *coretest.Conn) {
		c.BeforeOffer = func(c *coretest.Conn) { c.EmitCandidate(candidate("local")) }
	}

	callID, err := x.c.StartCall(ctx, "y")
	require.NoError(t, err)

	sent := x.ep.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, domain.KindCallRequest, sent[0].Msg.Kind())
	ice := sent[1].Msg.(domain.CallIceCandidate)
	assert.Equal(t, callID, ice.CallID)
	assert.Equal(t, domain.PeerID("y"), ice.To)
}

func TestRejectSendsHangup(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	x := newActor(net, clk, "x")
	y := newActor(net, clk, "y")

	callID, err := x.c.StartCall(ctx, "y")
	require.NoError(t, err)
	y.c.HandleIceCandidate(ctx, domain.CallIceCandidate{CallID: callID, From: "x", Candidate: candidate("a")})

	y.c.RejectIncomingCall(ctx)

	require.Len(t, y.hangups(), 1)
	assert.Equal(t, domain.ReasonRejected, y.hangups()[0].Reason)
	assert.Equal(t, domain.CallIdle, y.state())
	assert.Zero(t, y.c.Snapshot().PendingCandidates)
	assert.Equal(t, domain.CallIdle, x.state())
	assert.True(t, x.media.Last().Closed())
}

func TestAcceptWithoutIncomingCall(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	x := newActor(net, clk, "x")

	require.ErrorIs(t, x.c.AcceptIncomingCall(ctx), ErrNoIncomingCall)

	_, err := x.c.StartCall(ctx, "y")
	require.NoError(t, err)
	require.ErrorIs(t, x.c.AcceptIncomingCall(ctx), ErrNoIncomingCall)
	assert.Equal(t, domain.CallIdle, x.state(), "a conflicting accept resets the call")
	require.Len(t, x.hangups(), 1)
	assert.True(t, x.media.Last().Closed())
}

func TestAcceptFailureResetsWithError(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	x := newActor(net, clk, "x")
	y := newActor(net, clk, "y")
	y.media.Prepare = func(c *coretest.Conn) { c.FailAnswer = errors.New("no codecs") }

	_, err := x.c.StartCall(ctx, "y")
	require.NoError(t, err)
	require.Error(t, y.c.AcceptIncomingCall(ctx))

	assert.Equal(t, domain.CallError, y.state())
	assert.True(t, y.media.Last().Closed())
	require.Len(t, y.hangups(), 1)
	assert.Equal(t, domain.ReasonConnectionFailed, y.hangups()[0].Reason)
	assert.Equal(t, domain.CallIdle, x.state())

	clk.Add(core.ErrorResetDelay)
	eventually(t, func() bool { return y.state() == domain.CallIdle })
}

func TestStartFailureReleasesConnection(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	x := newActor(net, clk, "x")
	x.media.Prepare = func(c *coretest.Conn) { c.FailStart = errors.New("no microphone") }

	_, err := x.c.StartCall(ctx, "y")
	require.Error(t, err)

	assert.Equal(t, domain.CallError, x.state())
	assert.True(t, x.media.Last().Closed())
	assert.Empty(t, x.ep.Sent())
}

func TestStartCallSupersedesCurrentCall(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	x := newActor(net, clk, "x")
	y := newActor(net, clk, "y")
	z := newActor(net, clk, "z")

	first, err := x.c.StartCall(ctx, "y")
	require.NoError(t, err)
	second, err := x.c.StartCall(ctx, "z")
	require.NoError(t, err)

	require.Len(t, x.hangups(), 1)
	assert.Equal(t, first, x.hangups()[0].CallID)
	assert.Equal(t, domain.ReasonSuperseded, x.hangups()[0].Reason)
	assert.Equal(t, domain.CallIdle, y.state())
	assert.Equal(t, second, z.c.Snapshot().CallID)
	assert.True(t, x.media.Conns()[0].Closed())
	assert.False(t, x.media.Conns()[1].Closed())
}

func TestCallReplacedDuringRequestSendsHangup(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	x := newActor(net, clk, "x")
	y := newActor(net, clk, "y")

	x.ep.BeforeSend = func(m domain.Message) {
		if _, ok := m.(domain.CallRequest); ok {
			x.c.HangUp(ctx, domain.ReasonHangup)
		}
	}
	_, err := x.c.StartCall(ctx, "y")
	require.ErrorIs(t, err, ErrCallSuperseded)

	hs := x.hangups()
	require.NotEmpty(t, hs)
	last := hs[len(hs)-1]
	assert.Equal(t, domain.ReasonSuperseded, last.Reason)
	assert.Equal(t, domain.PeerID("y"), last.To)
	assert.Equal(t, domain.CallIdle, x.state())
	assert.Equal(t, domain.CallIdle, y.state())
	assert.True(t, x.media.Last().Closed())
}

func TestSimultaneousCallsEndBusy(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	net.Manual = true
	x := newActor(net, clk, "x")
	y := newActor(net, clk, "y")

	_, err := x.c.StartCall(ctx, "y")
	require.NoError(t, err)
	_, err = y.c.StartCall(ctx, "x")
	require.NoError(t, err)
	net.Flush(ctx, false)

	assert.Len(t, x.ep.SentKinds(domain.KindCallBusy), 1)
	assert.Len(t, y.ep.SentKinds(domain.KindCallBusy), 1)
	assert.Equal(t, domain.CallIdle, x.state())
	assert.Equal(t, domain.CallIdle, y.state())
	assert.Empty(t, x.hangups())
	assert.Empty(t, y.hangups())
}

func TestConnectionFailure(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	x := newActor(net, clk, "x")
	y := newActor(net, clk, "y")

	_, err := x.c.StartCall(ctx, "y")
	require.NoError(t, err)
	require.NoError(t, y.c.AcceptIncomingCall(ctx))

	x.media.Last().EmitState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, domain.CallInCall, x.state())

	x.media.Last().EmitState(webrtc.PeerConnectionStateFailed)
	snap := x.c.Snapshot()
	assert.Equal(t, domain.CallError, snap.State)
	assert.ErrorIs(t, snap.LastError, ErrConnectionLost)
	require.Len(t, x.hangups(), 1)
	assert.Equal(t, domain.ReasonConnectionFailed, x.hangups()[0].Reason)
	assert.Equal(t, domain.CallIdle, y.state())

	clk.Add(core.ErrorResetDelay)
	eventually(t, func() bool { return x.state() == domain.CallIdle })
}

func TestStaleConnectionEventsIgnored(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	x := newActor(net, clk, "x")
	newActor(net, clk, "y")
	newActor(net, clk, "z")

	_, err := x.c.StartCall(ctx, "y")
	require.NoError(t, err)
	old := x.media.Last()
	second, err := x.c.StartCall(ctx, "z")
	require.NoError(t, err)

	old.EmitState(webrtc.PeerConnectionStateFailed)
	old.EmitCandidate(candidate("stale"))

	snap := x.c.Snapshot()
	assert.Equal(t, domain.CallRequesting, snap.State)
	assert.Equal(t, second, snap.CallID)
	assert.Empty(t, x.ep.SentKinds(domain.KindCallIceCandidate))
}

func TestErroredCalleeReclaimedByNewRequest(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	x := newActor(net, clk, "x")
	y := newActor(net, clk, "y")
	newActor(net, clk, "z")

	_, err := y.c.StartCall(ctx, "z")
	require.NoError(t, err)
	y.media.Last().EmitState(webrtc.PeerConnectionStateFailed)
	require.Equal(t, domain.CallError, y.state())

	callID, err := x.c.StartCall(ctx, "y")
	require.NoError(t, err)

	assert.Empty(t, y.ep.SentKinds(domain.KindCallBusy))
	assert.Equal(t, domain.CallIncoming, y.state())
	assert.Equal(t, callID, y.c.Snapshot().CallID)
}

func TestHangupOvertakingRequest(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	net.Manual = true
	x := newActor(net, clk, "x")
	y := newActor(net, clk, "y")

	_, err := x.c.StartCall(ctx, "y")
	require.NoError(t, err)
	x.c.HangUp(ctx, domain.ReasonHangup)

	net.Flush(ctx, true)
	assert.Equal(t, domain.CallIdle, y.state())
	assert.Empty(t, y.ep.Sent())
}

func TestMalformedRequestDropped(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	y := newActor(net, clk, "y")

	y.c.HandleCallRequest(ctx, domain.CallRequest{CallID: "c1", From: "x", To: "y"})
	y.c.HandleCallRequest(ctx, domain.CallRequest{From: "x", To: "y", Offer: offer("v=0")})

	assert.Equal(t, domain.CallIdle, y.state())
	assert.Empty(t, y.ep.Sent())
}

func TestMessagesForOtherActorsIgnored(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	y := newActor(net, clk, "y")

	y.c.HandleCallRequest(ctx, domain.CallRequest{CallID: "c1", From: "x", To: "w", Offer: offer("v=0")})
	assert.Equal(t, domain.CallIdle, y.state())
}

func TestMutedCallStartsMuted(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	net := coretest.NewNetwork()
	x := newActor(net, clk, "x")

	require.NoError(t, x.c.SetMuted(true))
	_, err := x.c.StartCall(ctx, "y")
	require.NoError(t, err)
	assert.True(t, x.media.Last().Muted())

	require.NoError(t, x.c.SetMuted(false))
	assert.False(t, x.media.Last().Muted())
	assert.False(t, x.c.Snapshot().Muted)
}

func TestSelfCallRefused(t *testing.T) {
	clk := clock.NewMock()
	x := newActor(coretest.NewNetwork(), clk, "x")
	_, err := x.c.StartCall(context.Background(), "x")
	require.ErrorIs(t, err, ErrSelfCall)
	assert.Equal(t, domain.CallIdle, x.state())
}
