package migration

import (
	"github.com/pkg/errors"
)

// ErrInvalidTransition is returned for an event the current state does not accept.
var ErrInvalidTransition = errors.New("invalid state transition")

// SenderState is the state of the source side of a copy task.
type SenderState int

const (
	SenderIdle SenderState = iota
	SenderSnapshotRequested
	SenderTransferring
	SenderVerifying
	SenderDone
	SenderAborted
)

var senderStateNames = [...]string{
	SenderIdle:              "IDLE",
	SenderSnapshotRequested: "SNAPSHOT_REQUESTED",
	SenderTransferring:      "TRANSFERRING",
	SenderVerifying:         "VERIFYING",
	SenderDone:              "DONE",
	SenderAborted:           "ABORTED",
}

func (s SenderState) String() string {
	if int(s) < len(senderStateNames) {
		return senderStateNames[s]
	}
	return "UNKNOWN"
}

func (s SenderState) Terminal() bool {
	return s == SenderDone || s == SenderAborted
}

// ReceiverState is the state of the destination side of a copy task.
type ReceiverState int

const (
	ReceiverIdle ReceiverState = iota
	ReceiverAwaitingData
	ReceiverApplying
	ReceiverVerifiedResponseSent
	ReceiverDone
	ReceiverAborted
)

var receiverStateNames = [...]string{
	ReceiverIdle:                 "IDLE",
	ReceiverAwaitingData:         "AWAITING_DATA",
	ReceiverApplying:             "APPLYING",
	ReceiverVerifiedResponseSent: "VERIFIED_RESPONSE_SENT",
	ReceiverDone:                 "DONE",
	ReceiverAborted:              "ABORTED",
}

func (s ReceiverState) String() string {
	if int(s) < len(receiverStateNames) {
		return receiverStateNames[s]
	}
	return "UNKNOWN"
}

func (s ReceiverState) Terminal() bool {
	return s == ReceiverDone || s == ReceiverAborted
}

type EventType int

const (
	// Sender events.
	EvStart EventType = iota + 1
	EvSnapshotComplete
	EvAllAcked
	EvVerified
	EvMismatch
	EvConfirmed
	// EvDelta starts another copy round for shards written since their snapshot.
	EvDelta

	// Receiver events.
	EvBegin
	EvData
	EvVerifyRequest
	EvCommit

	// Both roles.
	EvFailure
	EvAbort
)

var eventNames = map[EventType]string{
	EvStart:            "start",
	EvSnapshotComplete: "snapshot-complete",
	EvAllAcked:         "all-acked",
	EvVerified:         "verified",
	EvMismatch:         "mismatch",
	EvConfirmed:        "confirmed",
	EvDelta:            "delta",
	EvBegin:            "begin",
	EvData:             "data",
	EvVerifyRequest:    "verify-request",
	EvCommit:           "commit",
	EvFailure:          "failure",
	EvAbort:            "abort",
}

func (e EventType) String() string {
	if n, ok := eventNames[e]; ok {
		return n
	}
	return "unknown"
}

// Event drives one transition. Err is set for EvFailure, EvMismatch and EvAbort.
// EvSnapshotComplete fires once every shard snapshot is taken and the
// receiver acknowledged EvBegin.
type Event struct {
	Type EventType
	Err  error
}

// Effect is a side effect the owning actor performs after a transition.
type Effect int

const (
	// Sender effects.
	EffTakeSnapshot Effect = iota + 1
	EffSendBegin
	EffSendData
	EffSendVerify
	EffSendCommit
	EffNotifyPeerAbort
	EffReportDone
	EffReportFailed
	EffRelease

	// Receiver effects.
	EffAck
	EffApply
	EffReportStats
	EffFinish
	EffDropPartial
)

var effectNames = map[Effect]string{
	EffTakeSnapshot:    "take-snapshot",
	EffSendBegin:       "send-begin",
	EffSendData:        "send-data",
	EffSendVerify:      "send-verify",
	EffSendCommit:      "send-commit",
	EffNotifyPeerAbort: "notify-peer-abort",
	EffReportDone:      "report-done",
	EffReportFailed:    "report-failed",
	EffRelease:         "release",
	EffAck:             "ack",
	EffApply:           "apply",
	EffReportStats:     "report-stats",
	EffFinish:          "finish",
	EffDropPartial:     "drop-partial",
}

func (e Effect) String() string {
	if n, ok := effectNames[e]; ok {
		return n
	}
	return "unknown"
}

// NextSender is the sender transition function. Aborts and failures take
// any non-terminal state to ABORTED; terminal states absorb them.
func NextSender(s SenderState, ev Event) (SenderState, []Effect, error) {
	switch ev.Type {
	case EvAbort, EvFailure:
		switch {
		case s.Terminal():
			return s, nil, nil
		case s == SenderIdle:
			return SenderAborted, []Effect{EffReportFailed}, nil
		default:
			return SenderAborted, []Effect{EffNotifyPeerAbort, EffRelease, EffReportFailed}, nil
		}
	}

	switch {
	case s == SenderIdle && ev.Type == EvStart:
		return SenderSnapshotRequested, []Effect{EffTakeSnapshot, EffSendBegin}, nil
	case s == SenderSnapshotRequested && ev.Type == EvSnapshotComplete:
		return SenderTransferring, []Effect{EffSendData}, nil
	case s == SenderTransferring && ev.Type == EvAllAcked:
		return SenderVerifying, []Effect{EffSendVerify}, nil
	case s == SenderVerifying && ev.Type == EvVerified:
		return SenderVerifying, []Effect{EffSendCommit}, nil
	case s == SenderVerifying && ev.Type == EvConfirmed:
		return SenderDone, []Effect{EffReportDone}, nil
	case s == SenderVerifying && ev.Type == EvDelta:
		return SenderSnapshotRequested, []Effect{EffTakeSnapshot}, nil
	case s == SenderVerifying && ev.Type == EvMismatch:
		return SenderAborted, []Effect{EffNotifyPeerAbort, EffRelease, EffReportFailed}, nil
	}
	return s, nil, errors.Wrapf(ErrInvalidTransition, "sender %s on %s", s, ev.Type)
}

// NextReceiver is the receiver transition function.
func NextReceiver(s ReceiverState, ev Event) (ReceiverState, []Effect, error) {
	switch ev.Type {
	case EvAbort, EvFailure:
		if s.Terminal() {
			return s, nil, nil
		}
		return ReceiverAborted, []Effect{EffDropPartial}, nil
	}

	switch {
	case s == ReceiverIdle && ev.Type == EvBegin:
		return ReceiverAwaitingData, []Effect{EffAck}, nil
	case (s == ReceiverAwaitingData || s == ReceiverApplying || s == ReceiverVerifiedResponseSent) && ev.Type == EvData:
		return ReceiverApplying, []Effect{EffApply}, nil
	case (s == ReceiverAwaitingData || s == ReceiverApplying || s == ReceiverVerifiedResponseSent) && ev.Type == EvVerifyRequest:
		return ReceiverVerifiedResponseSent, []Effect{EffReportStats}, nil
	case s == ReceiverVerifiedResponseSent && ev.Type == EvCommit:
		return ReceiverDone, []Effect{EffFinish}, nil
	case s == ReceiverDone && ev.Type == EvCommit:
		return ReceiverDone, []Effect{EffAck}, nil
	}
	return s, nil, errors.Wrapf(ErrInvalidTransition, "receiver %s on %s", s, ev.Type)
}
