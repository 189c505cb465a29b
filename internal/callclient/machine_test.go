package callclient

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callrelay-backend/pkg/constants"
	"callrelay-backend/pkg/signaling"
)

func (f *callFixture) waitNotice(e *endpoint, kind NoticeKind) {
	f.t.Helper()
	f.waitFor(func() bool {
		n := e.seenNotices()
		return len(n) == 1 && n[0].Kind == kind
	}, "waiting for notice "+string(kind))
}

func (f *callFixture) ringBoth(caller, callee *endpoint, rings int) {
	f.t.Helper()
	for i := 1; i <= rings; i++ {
		f.clock.Add(constants.RingInterval)
		f.waitFor(func() bool {
			return caller.machine.Snapshot().RingCount == i && callee.machine.Snapshot().RingCount == i
		}, "waiting for ring")
	}
}

func TestUnansweredCallEndsAfterFiveRings(t *testing.T) {
	f := newCallFixture(t)

	require.NoError(t, f.alice.machine.Initiate(f.ctx, f.direct.String(), f.bob.id.String(), signaling.ModeVoice))
	f.waitState(f.bob, StateIncomingRinging)
	assert.Equal(t, StateOutgoingRinging, f.alice.state())
	assert.Equal(t, "Alice", f.bob.machine.Snapshot().RemoteName)

	f.ringBoth(f.alice, f.bob, constants.MaxRingCount-1)
	f.clock.Add(constants.RingInterval)

	f.waitState(f.alice, StateIdle)
	f.waitState(f.bob, StateIdle)
	f.waitNotice(f.alice, NoticeNoAnswer)
	f.waitNotice(f.bob, NoticeMissed)
	assert.Equal(t, "No answer after 5 rings", f.alice.seenNotices()[0].Text)

	f.waitFor(func() bool { return len(f.summaries()) == 1 }, "waiting for the call log")
	assert.Never(t, func() bool { return len(f.summaries()) > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, []string{"Missed voice call from Alice at 09:05."}, f.summaries())
	assert.NotContains(t, f.alice.seenStates(), StateConnecting)

	for _, m := range f.alice.media.all() {
		assert.True(t, m.isStopped())
	}
	assert.True(t, f.alice.transport().isClosed())
}

func TestCalleeRingExpiryRejectsAsMissed(t *testing.T) {
	f := newCallFixture(t)
	calleeClock := clock.NewMock()
	calleeClock.Set(f.clock.Now())
	dave := f.joinWithClock(uuid.New(), calleeClock)
	conversationID := f.addConversation(f.alice, dave)

	require.NoError(t, f.alice.machine.Initiate(f.ctx, conversationID.String(), dave.id.String(), signaling.ModeVoice))
	f.waitState(dave, StateIncomingRinging)

	for i := 1; i < constants.MaxRingCount; i++ {
		calleeClock.Add(constants.RingInterval)
		f.waitFor(func() bool { return dave.machine.Snapshot().RingCount == i }, "waiting for ring")
	}
	calleeClock.Add(constants.RingInterval)

	f.waitState(dave, StateIdle)
	f.waitState(f.alice, StateIdle)
	f.waitNotice(dave, NoticeMissed)
	f.waitNotice(f.alice, NoticeNoAnswer)

	f.waitFor(func() bool { return len(dave.sentReasons(signaling.KindReject)) == 1 }, "waiting for reject")
	assert.Equal(t, []signaling.Reason{signaling.ReasonMissed}, dave.sentReasons(signaling.KindReject))
	assert.Zero(t, f.alice.sentCount(signaling.KindEnd))

	f.waitFor(func() bool { return len(f.summaries()) == 1 }, "waiting for the call log")
	assert.Equal(t, []string{"Missed voice call from Alice at 09:05."}, f.summaries())
}

func TestAnswerOnOneDeviceStopsTheOthers(t *testing.T) {
	f := newCallFixture(t)
	bobPhone := f.join(f.bob.id)

	require.NoError(t, f.alice.machine.Initiate(f.ctx, f.direct.String(), f.bob.id.String(), signaling.ModeVoice))
	f.waitState(f.bob, StateIncomingRinging)
	f.waitState(bobPhone, StateIncomingRinging)

	require.NoError(t, f.bob.machine.Accept(f.ctx))
	f.waitState(f.alice, StateConnected)
	f.waitState(f.bob, StateConnected)
	f.waitState(bobPhone, StateIdle)
	f.waitNotice(bobPhone, NoticeAnsweredElsewhere)
	assert.Zero(t, bobPhone.sentCount(signaling.KindReject))

	for i := 0; i < constants.MaxRingCount; i++ {
		f.clock.Add(constants.RingInterval)
	}
	assert.Never(t, func() bool {
		return f.alice.state() != StateConnected || f.bob.state() != StateConnected
	}, 200*time.Millisecond, 10*time.Millisecond)
	assert.Zero(t, bobPhone.sentCount(signaling.KindReject))
	assert.Len(t, bobPhone.seenNotices(), 1)
	assert.Empty(t, f.alice.seenNotices())
	assert.Empty(t, f.summaries())

	require.NoError(t, f.alice.machine.Hangup())
	f.waitState(f.bob, StateIdle)
	f.waitFor(func() bool { return len(f.summaries()) == 1 }, "waiting for the call log")
	assert.Equal(t, []string{"Alice started a voice call at 09:05. Duration 00:20."}, f.summaries())
}

func TestAnsweredCallLogsDuration(t *testing.T) {
	f := newCallFixture(t)
	f.alice.transports.emitCandidate = true

	require.NoError(t, f.alice.machine.Initiate(f.ctx, f.direct.String(), f.bob.id.String(), signaling.ModeVideo))
	f.waitState(f.bob, StateIncomingRinging)

	// the caller's candidate reaches the callee before it answers
	f.waitFor(func() bool {
		f.bob.machine.mu.Lock()
		defer f.bob.machine.mu.Unlock()
		return len(f.bob.machine.inCandidates) == 1
	}, "waiting for buffered candidate")

	f.ringBoth(f.alice, f.bob, 2)
	require.NoError(t, f.bob.machine.Accept(f.ctx))
	f.waitState(f.alice, StateConnected)
	f.waitState(f.bob, StateConnected)

	session, err := f.registry.Get(f.ctx, f.direct)
	require.NoError(t, err)
	require.NotNil(t, session.AnsweredAt)
	answeredAt := *session.AnsweredAt
	assert.Equal(t, time.Date(2026, 10, 16, 9, 5, 8, 0, time.UTC), answeredAt)
	assert.Equal(t, 1, f.bob.transport().candidateCount())

	// a repeated answer is acknowledged without moving answeredAt
	ack, err := f.bob.Send(f.ctx, signaling.KindAnswer, signaling.AnswerPayload{
		ConversationID: f.direct.String(),
		SDPAnswer:      f.bob.transport().description(),
	})
	require.NoError(t, err)
	assert.True(t, ack.OK)
	session, _ = f.registry.Get(f.ctx, f.direct)
	assert.Equal(t, answeredAt, *session.AnsweredAt)

	alice := f.alice.machine.Snapshot()
	require.NotNil(t, alice.ConnectedAt)
	assert.True(t, alice.RemoteCameraEnabled)
	assert.Contains(t, alice.RemoteTracks, TrackRoleCamera)

	f.clock.Add(65 * time.Second)
	require.NoError(t, f.alice.machine.Hangup())

	f.waitState(f.alice, StateIdle)
	f.waitState(f.bob, StateIdle)
	f.waitNotice(f.alice, NoticeEnded)
	f.waitNotice(f.bob, NoticeEnded)
	f.waitFor(func() bool { return len(f.summaries()) == 1 }, "waiting for the call log")
	assert.Equal(t, []string{"Alice started a video call at 09:05. Duration 01:05."}, f.summaries())
}

func TestBusyCalleeRejectsSecondCall(t *testing.T) {
	f := newCallFixture(t)
	f.connect(f.carol, f.bob, f.second, signaling.ModeVoice)

	require.NoError(t, f.alice.machine.Initiate(f.ctx, f.direct.String(), f.bob.id.String(), signaling.ModeVoice))

	f.waitState(f.alice, StateIdle)
	f.waitNotice(f.alice, NoticeBusy)
	assert.NotContains(t, f.alice.seenStates(), StateConnecting)
	assert.Equal(t, "User is busy", f.alice.seenNotices()[0].Text)

	bob := f.bob.machine.Snapshot()
	assert.Equal(t, StateConnected, bob.State)
	assert.Equal(t, f.second.String(), bob.ConversationID)
	assert.Equal(t, StateConnected, f.carol.state())
	assert.Empty(t, f.bob.seenNotices())

	f.waitFor(func() bool { return len(f.summaries()) == 1 }, "waiting for the call log")
	assert.Equal(t, []string{"Missed voice call from Alice at 09:05."}, f.summaries())
}

func TestScreenShareKeepsCallConnected(t *testing.T) {
	f := newCallFixture(t)
	f.connect(f.alice, f.bob, f.direct, signaling.ModeVideo)

	before := f.bob.machine.Snapshot()
	require.Len(t, before.RemoteTracks, 1)

	require.NoError(t, f.alice.machine.StartScreenShare(f.ctx))

	f.waitFor(func() bool {
		s := f.bob.machine.Snapshot()
		_, ok := s.RemoteTracks[TrackRoleScreen]
		return ok && s.RemoteScreenSharing && len(s.RemoteTracks) == 2
	}, "waiting for the remote screen track")
	f.waitFor(func() bool {
		f.alice.machine.mu.Lock()
		defer f.alice.machine.mu.Unlock()
		return !f.alice.machine.renegotiating
	}, "waiting for the renegotiation answer")

	alice := f.alice.machine.Snapshot()
	assert.True(t, alice.ScreenSharing)
	assert.Contains(t, alice.LocalMedia, TrackRoleScreen)
	assert.Equal(t, []State{StateOutgoingRinging, StateConnecting, StateConnected}, f.alice.seenStates())
	assert.Equal(t, []State{StateIncomingRinging, StateConnecting, StateConnected}, f.bob.seenStates())

	require.NoError(t, f.alice.machine.StopScreenShare(f.ctx))
	f.waitFor(func() bool {
		s := f.bob.machine.Snapshot()
		_, ok := s.RemoteTracks[TrackRoleScreen]
		return !ok && !s.RemoteScreenSharing
	}, "waiting for the screen track to go away")
	assert.Equal(t, StateConnected, f.alice.state())
	assert.Equal(t, StateConnected, f.bob.state())
}

func TestCancelledCallLeavesNoTimers(t *testing.T) {
	f := newCallFixture(t)

	require.NoError(t, f.alice.machine.Initiate(f.ctx, f.direct.String(), f.bob.id.String(), signaling.ModeVoice))
	f.waitState(f.bob, StateIncomingRinging)
	f.ringBoth(f.alice, f.bob, 2)

	require.NoError(t, f.alice.machine.Hangup())
	f.waitState(f.alice, StateIdle)
	f.waitState(f.bob, StateIdle)
	f.waitNotice(f.bob, NoticeMissed)
	f.waitFor(func() bool { return f.alice.sentCount(signaling.KindEnd) == 1 }, "waiting for end")

	aliceSent, bobSent := f.alice.sentTotal(), f.bob.sentTotal()
	for i := 0; i < 10; i++ {
		f.clock.Add(constants.RingInterval)
	}
	f.clock.Add(constants.HeartbeatInterval)

	assert.Never(t, func() bool {
		return f.alice.sentTotal() != aliceSent || f.bob.sentTotal() != bobSent
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.Len(t, f.alice.seenNotices(), 1)
	assert.Len(t, f.bob.seenNotices(), 1)
	assert.Equal(t, 0, f.alice.machine.Snapshot().RingCount)
	assert.Equal(t, []string{"Alice cancelled a voice call at 09:05."}, f.summaries())
}

func TestReconnectRecoversWithinGrace(t *testing.T) {
	f := newCallFixture(t)
	f.connect(f.alice, f.bob, f.direct, signaling.ModeVoice)
	connectedAt := f.alice.machine.Snapshot().ConnectedAt

	tr := f.alice.transport()
	hold := make(chan struct{})
	tr.mu.Lock()
	tr.holdRestart = hold
	tr.mu.Unlock()

	tr.setState(TransportDisconnected)
	assert.Equal(t, StateReconnecting, f.alice.state())
	assert.Equal(t, QualityReconnecting, f.alice.machine.Snapshot().Quality)

	// a second failure while the restart is in flight does not start another
	tr.setState(TransportFailed)
	close(hold)

	f.waitFor(func() bool { return f.alice.sentCount(signaling.KindReconnectOffer) == 1 }, "waiting for reconnect offer")
	f.waitFor(func() bool { return f.bob.sentCount(signaling.KindReconnectAnswer) == 1 }, "waiting for reconnect answer")
	assert.Equal(t, 1, tr.restartCount())
	assert.Equal(t, 1, f.alice.machine.Snapshot().ReconnectAttempts)

	f.clock.Add(constants.ReconnectGracePeriod / 2)
	tr.setState(TransportConnected)
	assert.Equal(t, StateConnected, f.alice.state())

	f.clock.Add(constants.ReconnectGracePeriod)
	assert.Never(t, func() bool { return f.alice.sentCount(signaling.KindEnd) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, StateConnected, f.alice.state())
	assert.Equal(t, connectedAt, f.alice.machine.Snapshot().ConnectedAt)

	// the callee waits for the initiator to restart
	f.bob.transport().setState(TransportDisconnected)
	assert.Equal(t, StateReconnecting, f.bob.state())
	f.bob.transport().setState(TransportConnected)
	assert.Equal(t, StateConnected, f.bob.state())
	assert.Equal(t, 0, f.bob.sentCount(signaling.KindReconnectOffer))
}

func TestReconnectGraceExpiryDropsCallOnce(t *testing.T) {
	f := newCallFixture(t)
	f.connect(f.alice, f.bob, f.direct, signaling.ModeVoice)

	tr := f.alice.transport()
	tr.setState(TransportDisconnected)
	f.waitFor(func() bool { return f.bob.sentCount(signaling.KindReconnectAnswer) == 1 }, "waiting for reconnect answer")

	f.clock.Add(constants.ReconnectGracePeriod)

	f.waitState(f.alice, StateIdle)
	f.waitNotice(f.alice, NoticeDropped)
	f.waitState(f.bob, StateIdle)
	f.waitNotice(f.bob, NoticeDropped)
	assert.Equal(t, "Call dropped due to connection issues", f.alice.seenNotices()[0].Text)

	tr.setState(TransportFailed)
	f.clock.Add(constants.ReconnectGracePeriod)
	assert.Never(t, func() bool { return f.alice.sentCount(signaling.KindEnd) > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 1, f.alice.sentCount(signaling.KindEnd))
	assert.Equal(t, []string{"Alice started a voice call at 09:05. Duration 00:12."}, f.summaries())
}

func TestMediaFailureOnInitiate(t *testing.T) {
	f := newCallFixture(t)
	f.alice.media.err = errors.New("permission denied")

	err := f.alice.machine.Initiate(f.ctx, f.direct.String(), f.bob.id.String(), signaling.ModeVideo)

	assert.ErrorIs(t, err, ErrMediaUnavailable)
	assert.Equal(t, StateIdle, f.alice.state())
	f.waitNotice(f.alice, NoticeMediaUnavailable)
	assert.Equal(t, 0, f.alice.sentTotal())

	session, err := f.registry.Get(f.ctx, f.direct)
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestMediaFailureOnAccept(t *testing.T) {
	f := newCallFixture(t)
	f.bob.media.err = errors.New("no camera")

	require.NoError(t, f.alice.machine.Initiate(f.ctx, f.direct.String(), f.bob.id.String(), signaling.ModeVideo))
	f.waitState(f.bob, StateIncomingRinging)

	err := f.bob.machine.Accept(f.ctx)
	assert.ErrorIs(t, err, ErrMediaUnavailable)

	f.waitNotice(f.bob, NoticeMediaUnavailable)
	f.waitState(f.alice, StateIdle)
	f.waitNotice(f.alice, NoticeUnavailable)
	assert.Equal(t, 1, f.bob.sentCount(signaling.KindReject))
	f.waitFor(func() bool { return len(f.summaries()) == 1 }, "waiting for the call log")
	assert.Equal(t, []string{"Alice started a video call at 09:05. Call declined."}, f.summaries())
}

func TestDecline(t *testing.T) {
	f := newCallFixture(t)

	require.NoError(t, f.alice.machine.Initiate(f.ctx, f.direct.String(), f.bob.id.String(), signaling.ModeVoice))
	f.waitState(f.bob, StateIncomingRinging)
	require.NoError(t, f.bob.machine.Decline())

	f.waitState(f.alice, StateIdle)
	f.waitNotice(f.alice, NoticeDeclined)
	f.waitNotice(f.bob, NoticeDeclined)
	assert.ErrorIs(t, f.bob.machine.Decline(), ErrNoIncomingCall)
	assert.ErrorIs(t, f.bob.machine.Accept(f.ctx), ErrNoIncomingCall)
}

func TestInitiateWhileBusy(t *testing.T) {
	f := newCallFixture(t)
	f.connect(f.alice, f.bob, f.direct, signaling.ModeVoice)

	err := f.alice.machine.Initiate(f.ctx, f.direct.String(), f.bob.id.String(), signaling.ModeVoice)
	assert.ErrorIs(t, err, ErrCallInProgress)
	assert.ErrorIs(t, f.carol.machine.Hangup(), ErrNoCall)
}

func TestHeartbeatTearsDownForgottenCall(t *testing.T) {
	f := newCallFixture(t)
	f.connect(f.alice, f.bob, f.direct, signaling.ModeVoice)

	// the relay lost the session without telling anyone
	_, err := f.registry.Consume(f.ctx, f.direct)
	require.NoError(t, err)

	f.clock.Add(constants.HeartbeatInterval)
	f.waitState(f.alice, StateIdle)
	f.waitState(f.bob, StateIdle)
	f.waitNotice(f.alice, NoticeEnded)
	assert.Equal(t, 0, f.alice.sentCount(signaling.KindEnd))
}

func TestMediaToggles(t *testing.T) {
	f := newCallFixture(t)
	f.connect(f.alice, f.bob, f.direct, signaling.ModeVideo)

	enabled, err := f.alice.machine.ToggleMic(f.ctx)
	require.NoError(t, err)
	assert.False(t, enabled)
	f.waitFor(func() bool { return !f.bob.machine.Snapshot().RemoteMicEnabled }, "waiting for remote mic state")

	enabled, err = f.alice.machine.ToggleCamera(f.ctx)
	require.NoError(t, err)
	assert.False(t, enabled)
	f.waitFor(func() bool { return !f.bob.machine.Snapshot().RemoteCameraEnabled }, "waiting for remote camera state")

	media := f.alice.media.all()[0]
	media.mu.Lock()
	assert.False(t, media.audioOn)
	assert.False(t, media.videoOn)
	media.mu.Unlock()

	assert.Equal(t, 2, f.alice.sentCount(signaling.KindRenegotiateOffer))
	f.waitFor(func() bool { return f.bob.sentCount(signaling.KindRenegotiateAnswer) == 2 }, "waiting for renegotiation answers")
	assert.Equal(t, StateConnected, f.alice.state())

	_, err = f.carol.machine.ToggleMic(f.ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSidechatAndAnnotations(t *testing.T) {
	f := newCallFixture(t)
	f.connect(f.alice, f.bob, f.direct, signaling.ModeVideo)

	msg, err := f.alice.machine.SendSidechat(f.ctx, "can you see my screen?")
	require.NoError(t, err)
	require.NotNil(t, msg)

	f.waitFor(func() bool { return len(f.bob.machine.Snapshot().Sidechat) == 1 }, "waiting for sidechat")
	assert.Equal(t, msg.ID, f.bob.machine.Snapshot().Sidechat[0].ID)
	assert.Never(t, func() bool { return len(f.alice.machine.Snapshot().Sidechat) != 1 }, 50*time.Millisecond, 10*time.Millisecond)

	assert.ErrorIs(t, f.alice.machine.SendAnnotation(f.ctx, 0.1, 0.1, 0.2, 0.2), ErrDrawingDisabled)

	f.alice.machine.SetDrawing(true, "#00ff00", 4)
	require.NoError(t, f.alice.machine.SendAnnotation(f.ctx, 0.1, 0.1, 0.5, 0.5))
	f.waitFor(func() bool { return len(f.bob.machine.Snapshot().Strokes) == 1 }, "waiting for stroke")
	stroke := f.bob.machine.Snapshot().Strokes[0]
	assert.True(t, stroke.Remote)
	assert.Equal(t, "#00ff00", stroke.Color)
	assert.Len(t, f.alice.machine.Snapshot().Strokes, 1)

	assert.Error(t, f.alice.machine.SendAnnotation(f.ctx, 0.1, 0.1, 1.5, 0.5))

	require.NoError(t, f.bob.machine.ClearAnnotations(f.ctx))
	f.waitFor(func() bool { return len(f.alice.machine.Snapshot().Strokes) == 0 }, "waiting for clear")
	assert.Empty(t, f.bob.machine.Snapshot().Strokes)
}

func TestRemoteNotice(t *testing.T) {
	tests := []struct {
		kind   signaling.Kind
		reason signaling.Reason
		state  State
		want   NoticeKind
	}{
		{signaling.KindReject, signaling.ReasonBusy, StateOutgoingRinging, NoticeBusy},
		{signaling.KindReject, signaling.ReasonMissed, StateOutgoingRinging, NoticeNoAnswer},
		{signaling.KindReject, signaling.ReasonDeclined, StateOutgoingRinging, NoticeDeclined},
		{signaling.KindReject, signaling.ReasonNoMedia, StateOutgoingRinging, NoticeUnavailable},
		{signaling.KindEnd, signaling.ReasonNoAnswer, StateIncomingRinging, NoticeMissed},
		{signaling.KindEnd, signaling.ReasonEnded, StateIncomingRinging, NoticeMissed},
		{signaling.KindEnd, signaling.ReasonEnded, StateConnected, NoticeEnded},
		{signaling.KindEnd, signaling.ReasonNetworkDrop, StateReconnecting, NoticeDropped},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+string(tt.reason), func(t *testing.T) {
			assert.Equal(t, tt.want, remoteNotice(tt.kind, tt.reason, tt.state))
		})
	}
}
