package remote

import (
	"errors"
	"fmt"

	"goa.design/eventa/invoke"
)

// ProtocolGuardError is raised synchronously at the serialize/deserialize
// boundary when a payload violates a configured guard: too deep, too many
// function values, or (in Strict mode) a malformed stub descriptor
// (spec.md §7 "Protocol-guard error").
type ProtocolGuardError struct {
	Reason string
}

func (e *ProtocolGuardError) Error() string {
	if e == nil {
		return "eventa/remote: protocol guard violation"
	}
	return fmt.Sprintf("eventa/remote: %s", e.Reason)
}

// RetryHint classifies err for a caller deciding whether a rejected
// remote-method call is worth retrying, the remote-methods counterpart of
// the teacher's a2a.ErrorToRetryHint. A ProtocolGuardError is never
// retryable — the payload itself is malformed or over a configured limit,
// and retrying it unchanged would fail identically.
func RetryHint(err error) (reason string, retryable bool) {
	var guardErr *ProtocolGuardError
	if errors.As(err, &guardErr) {
		return guardErr.Reason, false
	}
	var abortErr *invoke.AbortedError
	if errors.As(err, &abortErr) {
		return "aborted", false
	}
	var fatalErr *invoke.FatalError
	if errors.As(err, &fatalErr) {
		return "transport fatal", true
	}
	return "", false
}
