package session

import "errors"

var (
	// ErrDuplicateID means a hello arrived for a student ID that already
	// has a live session. The existing session wins; the new connection
	// is closed.
	ErrDuplicateID = errors.New("student ID already registered")

	// ErrInvalidStudentID means the peer-supplied ID failed validation.
	ErrInvalidStudentID = errors.New("invalid student ID")

	// ErrSessionClosed means the session's outbound queue was torn down
	// while a producer was enqueueing.
	ErrSessionClosed = errors.New("session closed")

	// ErrQueueDegraded reports that an audio or control enqueue had to
	// force-append past the lane bound after its bounded wait expired.
	// The payload was still queued; the session is marked degraded.
	ErrQueueDegraded = errors.New("outbound queue degraded")
)
