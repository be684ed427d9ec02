package protocol

import "errors"

var (
	ErrMessageTooLarge   = errors.New("message exceeds maximum envelope size")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrEmptyPayload      = errors.New("envelope has no payload")
)
