package pairing

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pairing failures so the HTTP layer and the UI can
// pick the right next action (retry, resume, restart).
type ErrorKind string

const (
	// KindProviderUnavailable means the QR request failed. Retryable,
	// surfaced to the operator.
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	// KindStagingWriteFailed means the QR was obtained but the form data
	// could not be staged. The pairing id is valid; the operator may
	// resume instead of requesting a new QR.
	KindStagingWriteFailed ErrorKind = "staging_write_failed"
	// KindStagingExpiredOrMissing means a callback arrived for a pairing
	// id with no staged data. Fatal for that pairing; the operator must
	// restart.
	KindStagingExpiredOrMissing ErrorKind = "staging_expired_or_missing"
	// KindPartialReconciliation means the ChannelSession was created but
	// the ParentSession could not be. The next callback for the same
	// pairing id self-heals while staged data survives.
	KindPartialReconciliation ErrorKind = "partial_reconciliation"
	// KindPollTimeout means no confirmation arrived within the deadline.
	KindPollTimeout ErrorKind = "poll_timeout"
	// KindTransientReadFailure marks a single failed poll tick. Recovered
	// by the next tick.
	KindTransientReadFailure ErrorKind = "transient_read_failure"
	// KindInvalidInput means a request lacked a required field that must
	// not be defaulted: the display name on the pairing form, or the
	// account identifier on a first-connect callback.
	KindInvalidInput ErrorKind = "invalid_input"
)

// Error is a pairing failure carrying a machine-readable kind and a
// human-readable reason for the operator.
type Error struct {
	Kind      ErrorKind
	PairingID string
	Reason    string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, pairingID, reason string, err error) *Error {
	return &Error{Kind: kind, PairingID: pairingID, Reason: reason, Err: err}
}

// IsKind reports whether err is a pairing Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}
