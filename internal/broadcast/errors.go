package broadcast

import "errors"

var (
	// ErrInvalidTransition means the requested transition is not legal
	// from the current state. State is unchanged.
	ErrInvalidTransition = errors.New("invalid broadcast transition")

	// ErrUnknownStudent means a spotlight command named a student with no
	// live session. State is unchanged.
	ErrUnknownStudent = errors.New("unknown student")
)
