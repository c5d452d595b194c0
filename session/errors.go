package session

import "errors"

// Failure taxonomy surfaced to callers. Action failures are reported, never
// retried automatically; position-sample delivery is the one exception and is
// swallowed by the telemetry buffer.
var (
	// ErrNotFound means the requested entity does not resolve on the server.
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied means a required device capability was refused.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrUnauthorized means the credential is missing, invalid or expired.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTransport wraps any other network or server failure.
	ErrTransport = errors.New("transport failure")
	// ErrValidation means the server rejected the request as invalid.
	ErrValidation = errors.New("validation failure")
)

// Local precondition failures: rejected before any network call is made.
var (
	ErrClosed         = errors.New("session is closed")
	ErrNotLoaded      = errors.New("session is not loaded")
	ErrBusy           = errors.New("action already in flight")
	ErrNotWaiting     = errors.New("race is not in the waiting state")
	ErrAlreadyJoined  = errors.New("already joined this race")
	ErrNotJoined      = errors.New("not a participant of this race")
	ErrNotCreator     = errors.New("only the race creator can start the race")
	ErrNoParticipants = errors.New("race has no participants")
	ErrNotActive      = errors.New("race is not active")
	ErrAlreadyRacing  = errors.New("already racing")
	ErrNotRacing      = errors.New("not currently racing")
)
