// Package errors defines sentinel errors used across the shard migration stack.
package errors

import (
	"strings"

	"github.com/pkg/errors"
)

// Sentinel errors for placement and membership.
var (
	// ErrInsufficientNodes indicates fewer UP members than the replica depth.
	ErrInsufficientNodes = errors.New("insufficient nodes for replica depth")

	// ErrUnknownNode indicates a node id missing from the membership snapshot.
	ErrUnknownNode = errors.New("unknown node")

	// ErrStaleVersion indicates a placement table whose version does not advance.
	ErrStaleVersion = errors.New("stale placement table version")

	// ErrInvalidWidth indicates a token width outside the supported range.
	ErrInvalidWidth = errors.New("invalid placement width")
)

// Sentinel errors for the shard copy protocol.
var (
	// ErrSnapshotFailed indicates the local store could not snapshot a shard.
	ErrSnapshotFailed = errors.New("shard snapshot failed")

	// ErrApplyFailed indicates the receiving store could not apply shard records.
	ErrApplyFailed = errors.New("shard apply failed")

	// ErrRequestTimeout is synthesized when a tracked request passes its deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrVerificationMismatch indicates the receiver's copy differs from the sender's.
	ErrVerificationMismatch = errors.New("verification mismatch")

	// ErrNotOwner indicates a write for a shard the node does not own in the target table.
	ErrNotOwner = errors.New("node does not own shard")

	// ErrAborted indicates the task or session was aborted.
	ErrAborted = errors.New("migration aborted")
)

// Sentinel errors for the rebalance driver.
var (
	// ErrRebalanceFailed indicates a node pair kept failing after all retries.
	ErrRebalanceFailed = errors.New("rebalance failed")

	// ErrRebalanceInProgress indicates a rebalance was requested while one is running.
	ErrRebalanceInProgress = errors.New("rebalance already in progress")
)

// Generic sentinel errors.
var (
	// ErrNotFound indicates the requested entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate indicates an entry with the same id already exists.
	ErrDuplicate = errors.New("duplicate entry")

	// ErrClosed indicates the resource has been closed.
	ErrClosed = errors.New("resource is closed")
)

var known = []error{
	ErrInsufficientNodes,
	ErrUnknownNode,
	ErrStaleVersion,
	ErrInvalidWidth,
	ErrSnapshotFailed,
	ErrApplyFailed,
	ErrRequestTimeout,
	ErrVerificationMismatch,
	ErrNotOwner,
	ErrAborted,
	ErrRebalanceFailed,
	ErrRebalanceInProgress,
	ErrNotFound,
	ErrDuplicate,
	ErrClosed,
}

// FromString rebuilds an error received over the wire. If the message names
// one of the sentinels above, the result wraps that sentinel so errors.Is
// keeps working on the other side of the transport.
func FromString(msg string) error {
	if msg == "" {
		return nil
	}
	for _, e := range known {
		if strings.Contains(msg, e.Error()) {
			if msg == e.Error() {
				return e
			}
			return &wireError{msg: msg, cause: e}
		}
	}
	return errors.New(msg)
}

type wireError struct {
	msg   string
	cause error
}

func (e *wireError) Error() string { return e.msg }
func (e *wireError) Unwrap() error { return e.cause }
func (e *wireError) Cause() error  { return e.cause }

// String returns the wire form of err, or "" for nil.
func String(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsRetryable reports whether the driver may retry a session that failed with err.
// Placement errors are fatal to the attempt; everything else is retried at
// session granularity.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInsufficientNodes), errors.Is(err, ErrInvalidWidth):
		return false
	default:
		return true
	}
}
