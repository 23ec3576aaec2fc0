package migration

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextSender_HappyPath(t *testing.T) {
	steps := []struct {
		ev      EventType
		want    SenderState
		effects []Effect
	}{
		{EvStart, SenderSnapshotRequested, []Effect{EffTakeSnapshot, EffSendBegin}},
		{EvSnapshotComplete, SenderTransferring, []Effect{EffSendData}},
		{EvAllAcked, SenderVerifying, []Effect{EffSendVerify}},
		{EvVerified, SenderVerifying, []Effect{EffSendCommit}},
		{EvConfirmed, SenderDone, []Effect{EffReportDone}},
	}

	s := SenderIdle
	for _, step := range steps {
		next, effects, err := NextSender(s, Event{Type: step.ev})
		require.NoError(t, err, "%s on %s", s, step.ev)
		require.Equal(t, step.want, next, "%s on %s", s, step.ev)
		require.Equal(t, step.effects, effects, "%s on %s", s, step.ev)
		s = next
	}
	require.True(t, s.Terminal())
}

func TestNextSender_AbortFromEveryState(t *testing.T) {
	for _, s := range []SenderState{SenderSnapshotRequested, SenderTransferring, SenderVerifying} {
		for _, ev := range []EventType{EvAbort, EvFailure} {
			next, effects, err := NextSender(s, Event{Type: ev, Err: errors.New("boom")})
			require.NoError(t, err)
			require.Equal(t, SenderAborted, next, "%s on %s", s, ev)
			require.Contains(t, effects, EffNotifyPeerAbort)
			require.Contains(t, effects, EffRelease)
			require.Equal(t, EffReportFailed, effects[len(effects)-1], "session is notified last")
		}
	}

	next, effects, err := NextSender(SenderIdle, Event{Type: EvAbort})
	require.NoError(t, err)
	require.Equal(t, SenderAborted, next)
	require.Equal(t, []Effect{EffReportFailed}, effects, "an idle task has no peer to notify")
}

func TestNextSender_Mismatch(t *testing.T) {
	next, effects, err := NextSender(SenderVerifying, Event{Type: EvMismatch})
	require.NoError(t, err)
	require.Equal(t, SenderAborted, next)
	require.Contains(t, effects, EffReportFailed)
}

func TestNextSender_DeltaRound(t *testing.T) {
	next, effects, err := NextSender(SenderVerifying, Event{Type: EvDelta})
	require.NoError(t, err)
	require.Equal(t, SenderSnapshotRequested, next)
	require.Equal(t, []Effect{EffTakeSnapshot}, effects, "begin is not re-sent")

	next, effects, err = NextSender(next, Event{Type: EvSnapshotComplete})
	require.NoError(t, err)
	require.Equal(t, SenderTransferring, next)
	require.Equal(t, []Effect{EffSendData}, effects)

	_, _, err = NextSender(SenderTransferring, Event{Type: EvDelta})
	require.True(t, errors.Is(err, ErrInvalidTransition), "got %v", err)
}

func TestNextReceiver_DeltaDataAfterVerify(t *testing.T) {
	next, effects, err := NextReceiver(ReceiverVerifiedResponseSent, Event{Type: EvData})
	require.NoError(t, err)
	require.Equal(t, ReceiverApplying, next)
	require.Equal(t, []Effect{EffApply}, effects)
}

func TestNextSender_TerminalAbsorbsAbort(t *testing.T) {
	for _, s := range []SenderState{SenderDone, SenderAborted} {
		for _, ev := range []EventType{EvAbort, EvFailure} {
			next, effects, err := NextSender(s, Event{Type: ev})
			require.NoError(t, err)
			require.Equal(t, s, next)
			require.Empty(t, effects)
		}
	}
}

func TestNextSender_InvalidTransitions(t *testing.T) {
	cases := []struct {
		s  SenderState
		ev EventType
	}{
		{SenderIdle, EvAllAcked},
		{SenderIdle, EvConfirmed},
		{SenderSnapshotRequested, EvStart},
		{SenderTransferring, EvVerified},
		{SenderVerifying, EvSnapshotComplete},
		{SenderDone, EvStart},
		{SenderAborted, EvConfirmed},
		{SenderTransferring, EvBegin},
	}
	for _, c := range cases {
		next, effects, err := NextSender(c.s, Event{Type: c.ev})
		require.True(t, errors.Is(err, ErrInvalidTransition), "%s on %s: %v", c.s, c.ev, err)
		require.Equal(t, c.s, next)
		require.Nil(t, effects)
	}
}

func TestNextReceiver_HappyPath(t *testing.T) {
	steps := []struct {
		ev      EventType
		want    ReceiverState
		effects []Effect
	}{
		{EvBegin, ReceiverAwaitingData, []Effect{EffAck}},
		{EvData, ReceiverApplying, []Effect{EffApply}},
		{EvData, ReceiverApplying, []Effect{EffApply}},
		{EvVerifyRequest, ReceiverVerifiedResponseSent, []Effect{EffReportStats}},
		{EvCommit, ReceiverDone, []Effect{EffFinish}},
		{EvCommit, ReceiverDone, []Effect{EffAck}},
	}

	s := ReceiverIdle
	for _, step := range steps {
		next, effects, err := NextReceiver(s, Event{Type: step.ev})
		require.NoError(t, err, "%s on %s", s, step.ev)
		require.Equal(t, step.want, next)
		require.Equal(t, step.effects, effects)
		s = next
	}
}

func TestNextReceiver_Abort(t *testing.T) {
	for _, s := range []ReceiverState{ReceiverIdle, ReceiverAwaitingData, ReceiverApplying, ReceiverVerifiedResponseSent} {
		next, effects, err := NextReceiver(s, Event{Type: EvAbort})
		require.NoError(t, err)
		require.Equal(t, ReceiverAborted, next)
		require.Equal(t, []Effect{EffDropPartial}, effects)
	}
	for _, s := range []ReceiverState{ReceiverDone, ReceiverAborted} {
		next, effects, err := NextReceiver(s, Event{Type: EvAbort})
		require.NoError(t, err)
		require.Equal(t, s, next)
		require.Empty(t, effects)
	}
}

func TestNextReceiver_InvalidTransitions(t *testing.T) {
	cases := []struct {
		s  ReceiverState
		ev EventType
	}{
		{ReceiverIdle, EvData},
		{ReceiverIdle, EvCommit},
		{ReceiverAwaitingData, EvBegin},
		{ReceiverApplying, EvCommit},
		{ReceiverDone, EvData},
		{ReceiverAborted, EvVerifyRequest},
	}
	for _, c := range cases {
		_, _, err := NextReceiver(c.s, Event{Type: c.ev})
		require.True(t, errors.Is(err, ErrInvalidTransition), "%s on %s: %v", c.s, c.ev, err)
	}
}

func TestStateNames(t *testing.T) {
	require.Equal(t, "SNAPSHOT_REQUESTED", SenderSnapshotRequested.String())
	require.Equal(t, "VERIFIED_RESPONSE_SENT", ReceiverVerifiedResponseSent.String())
	require.Equal(t, "UNKNOWN", SenderState(99).String())
	require.Equal(t, "all-acked", EvAllAcked.String())
	require.Equal(t, "drop-partial", EffDropPartial.String())
	require.Equal(t, "DRAINING", SessionDraining.String())
}
