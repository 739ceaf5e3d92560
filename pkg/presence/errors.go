package presence

import (
	"errors"
	"fmt"
)

// Sentinel errors for the delivery and coordination surfaces. Callers match
// with errors.Is.
var (
	// ErrAuthenticationMissing is returned when a connection attempts an
	// operation requiring an identity before authenticating.
	ErrAuthenticationMissing = errors.New("authentication missing")

	// ErrSelfMessage rejects a send whose sender and receiver are the same
	// user, before any persistence attempt.
	ErrSelfMessage = errors.New("self message rejected")

	// ErrPersistenceFailed marks a message whose durable write failed. It is
	// surfaced as a correlated FAILED event, never as a connection fault.
	ErrPersistenceFailed = errors.New("persistence failed")

	// ErrOccupied is returned by a claim on a channel with a live holder.
	ErrOccupied = errors.New("occupied")

	// ErrNotHolder is returned by a heartbeat or release from an instance
	// that is not the current recorded holder. The caller must treat this as
	// immediate abdication and re-claim.
	ErrNotHolder = errors.New("not_holder")

	// ErrArbitrationUnavailable means the shared store cannot arbitrate
	// leadership. The feature reports itself unavailable rather than risk
	// dual leadership.
	ErrArbitrationUnavailable = errors.New("arbitration unavailable")
)

// AdmissionError rejects a send that exceeded the active rate limit. It
// carries the limit and the load classification in force at rejection time.
type AdmissionError struct {
	Limit     int
	Count     int64
	LoadClass LoadClass
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected: count %d over limit %d (load %s)", e.Count, e.Limit, e.LoadClass)
}

// IsAdmissionRejected reports whether err is an admission rejection.
func IsAdmissionRejected(err error) bool {
	var ae *AdmissionError
	return errors.As(err, &ae)
}
