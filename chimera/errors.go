package chimera

import (
	"github.com/chimerapy/engine/errors"
)

// Kind classifies a core error into one of the eight error kinds named
// by the error-handling design.
type Kind string

const (
	KindInvalidPrecondition Kind = "invalid_precondition"
	KindTimeout             Kind = "timeout"
	KindConnectionLost      Kind = "connection_lost"
	KindUnknownSignal       Kind = "unknown_signal"
	KindUnknownMethod       Kind = "unknown_method"
	KindPartialFailure      Kind = "partial_failure"
	KindPlacementError      Kind = "placement_error"
	KindArchiveError        Kind = "archive_error"
)

// kindError tags a wrapped, stack-traced error with its Kind so a
// handler boundary can recover it with KindOf without a concrete-type
// switch.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string { return e.cause.Error() }
func (e *kindError) Unwrap() error { return e.cause }

func newKindError(kind Kind, cause error) error {
	return &kindError{kind: kind, cause: errors.WithStack(cause)}
}

// NewInvalidPrecondition reports a command rejected because the
// targeted phase forbids it. The node's phase is not altered.
func NewInvalidPrecondition(cmd Command, current Phase) error {
	return newKindError(KindInvalidPrecondition,
		errors.Newf("command %v rejected: invalid precondition at phase %v", cmd, current))
}

// NewTimeout reports an operation that exceeded its deadline.
func NewTimeout(operation string) error {
	return newKindError(KindTimeout, errors.Newf("operation %q timed out", operation))
}

// NewConnectionLost reports a transport failure for a stable peer id.
func NewConnectionLost(peerID string) error {
	return newKindError(KindConnectionLost, errors.Newf("connection lost to %q", peerID))
}

// NewUnknownSignal reports a signal with no registered handler. Never
// fatal: the caller logs and drops the frame.
func NewUnknownSignal(signal Signal) error {
	return newKindError(KindUnknownSignal, errors.Newf("unknown signal %v", signal))
}

// NewUnknownMethod reports a REQUEST_METHOD call naming a method absent
// from the node's registered method table.
func NewUnknownMethod(name string) error {
	return newKindError(KindUnknownMethod, errors.Newf("unknown method %q", name))
}

// PartialFailureResult is one target's outcome inside a PartialFailure.
type PartialFailureResult struct {
	TargetID string
	Err      error
}

// NewPartialFailure reports a broadcast where at least one target
// failed, carrying per-target subresults as error details.
func NewPartialFailure(results []PartialFailureResult) error {
	err := errors.Newf("%d of %d targets failed", countFailures(results), len(results))
	for _, r := range results {
		if r.Err != nil {
			err = errors.WithDetailf(err, "%s: %v", r.TargetID, r.Err)
		}
	}
	return newKindError(KindPartialFailure, err)
}

func countFailures(results []PartialFailureResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// NewPlacementError reports a commit precondition violation. It
// surfaces to the external controller with no side effects performed.
func NewPlacementError(reason string) error {
	return newKindError(KindPlacementError, errors.Newf("placement error: %s", reason))
}

// NewArchiveError reports a zip-creation retry budget exhausted for one
// node. It fails collect for that node only.
func NewArchiveError(nodeID string, cause error) error {
	return newKindError(KindArchiveError, errors.Wrapf(cause, "archive creation failed for node %q", nodeID))
}

// KindOf recovers the Kind attached by the New* constructors above, or
// "" if err carries none.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return ""
}
