package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize bounds one serialized envelope (32 MiB). A length prefix
// above this limit means the stream is corrupt or hostile; callers must
// treat it as a dead connection rather than attempt resynchronization.
const MaxMessageSize = 32 << 20

// lenPrefixSize is the fixed width of the little-endian length prefix.
const lenPrefixSize = 4

// WriteEnvelope serializes env and writes it with a 4-byte little-endian
// length prefix. The caller is responsible for serializing concurrent
// writers.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(body) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(body))
	}

	var prefix [lenPrefixSize]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write envelope body: %w", err)
	}
	return nil
}

// ReadEnvelope reads one length-prefixed envelope from r. It blocks until a
// full envelope is available or the stream fails. A zero or oversized
// length prefix, or a body that does not decode, yields
// ErrMalformedEnvelope; the stream cannot be reused afterwards.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var prefix [lenPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(prefix[:])
	if length == 0 {
		return nil, fmt.Errorf("%w: zero-length frame", ErrMalformedEnvelope)
	}
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds maximum %d",
			ErrMalformedEnvelope, length, MaxMessageSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read envelope body: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type tag", ErrMalformedEnvelope)
	}
	return &env, nil
}
