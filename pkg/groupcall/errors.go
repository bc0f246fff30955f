package groupcall

import "errors"

// Error kinds from the error-handling design. Each is a sentinel so callers
// can use errors.Is against a value that may have been wrapped with %w.
var (
	// ErrPreconditionViolation is returned when a public entry point is
	// called in a state that doesn't permit it (e.g. enter() while Entered).
	// No state mutation occurs.
	ErrPreconditionViolation = errors.New("groupcall: precondition violation")

	// ErrMediaAcquisitionFailed is returned when initLocalStream fails to
	// acquire local media; the session reverts to LocalFeedUninitialized.
	ErrMediaAcquisitionFailed = errors.New("groupcall: media acquisition failed")

	// ErrScreenshareFailed is returned/emitted when enabling screenshare
	// fails; no state change occurs.
	ErrScreenshareFailed = errors.New("groupcall: screenshare failed")

	// ErrPeerCallNotFound is returned by replace/remove against an unknown
	// PeerCall.
	ErrPeerCallNotFound = errors.New("groupcall: peer call not found")

	// ErrMalformedEvent marks a membership or E2EE payload that failed
	// validation; it is logged and dropped, never surfaced to callers that
	// don't explicitly ask for it.
	ErrMalformedEvent = errors.New("groupcall: malformed event")

	// ErrStaleSession marks an incoming call with a mismatched groupCallId.
	ErrStaleSession = errors.New("groupcall: stale session")

	// ErrDuplicatePeerCall marks a violation of invariant I1: more than one
	// PeerCall found for the same remote participant.
	ErrDuplicatePeerCall = errors.New("groupcall: duplicate peer call for participant")

	// ErrTransientKeyFailure marks an all-zero result from
	// KeyProvider.OnRatchetKey, treated as a retryable failure rather than
	// a real key.
	ErrTransientKeyFailure = errors.New("groupcall: transient key ratchet failure")
)
