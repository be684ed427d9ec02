package transport

import "errors"

// ErrDisconnected means the peer is gone: the stream was closed, reset, or
// produced a frame the codec refuses. The connection cannot be reused.
var ErrDisconnected = errors.New("peer disconnected")
