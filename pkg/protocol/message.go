// Package protocol defines the wire vocabulary shared by the teacher and
// student binaries: the envelope framing, the discriminated message set, and
// the validation helpers both sides apply to peer-supplied identifiers and
// filenames.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind discriminates the payload carried by an Envelope.
type Kind string

const (
	KindHello     Kind = "hello"
	KindWelcome   Kind = "welcome"
	KindHeartbeat Kind = "heartbeat"
	KindBroadcast Kind = "broadcast"
	KindMedia     Kind = "media"
	KindFileBegin Kind = "file_begin"
	KindFileChunk Kind = "file_chunk"
	KindFileEnd   Kind = "file_end"
	KindFileAck   Kind = "file_ack"
	KindMuteState Kind = "mute_state"
	KindError     Kind = "error"
)

// Envelope is the unit of transmission: a kind tag plus the JSON-encoded
// payload for that kind. Envelopes are length-prefixed on the wire; see
// ReadEnvelope and WriteEnvelope.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps payload in an Envelope of the given kind.
func Encode(kind Kind, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return &Envelope{Type: kind, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into dst, which must be a pointer
// to the payload struct matching the envelope's kind.
func (e *Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("decode %s: %w", e.Type, ErrEmptyPayload)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// BroadcastMode selects how receivers display the feed.
type BroadcastMode string

const (
	ModeFullscreen BroadcastMode = "fullscreen"
	ModeWindow     BroadcastMode = "window"
)

// SourceKind identifies who is producing the broadcast feed.
type SourceKind string

const (
	SourceTeacher SourceKind = "teacher"
	SourceStudent SourceKind = "student"
)

// Source tags a media chunk or broadcast command with its producer.
type Source struct {
	Kind        SourceKind `json:"kind"`
	StudentID   string     `json:"student_id,omitempty"`
	StudentName string     `json:"student_name,omitempty"`
}

// TeacherSource returns the source tag for the teacher's own feed.
func TeacherSource() Source {
	return Source{Kind: SourceTeacher}
}

// StudentSource returns the source tag for a spotlighted student's feed.
func StudentSource(id, name string) Source {
	return Source{Kind: SourceStudent, StudentID: id, StudentName: name}
}

// Equal reports whether two sources identify the same producer.
func (s Source) Equal(other Source) bool {
	return s.Kind == other.Kind && s.StudentID == other.StudentID
}

// Capabilities reported by a student client at handshake time.
type Capabilities struct {
	ReceiveVideo bool `json:"receive_video"`
	SendVideo    bool `json:"send_video"`
	ReceiveAudio bool `json:"receive_audio"`
	SendAudio    bool `json:"send_audio"`
	FileTransfer bool `json:"file_transfer"`
}

// Hello is the first message a student sends after connecting.
type Hello struct {
	StudentID     string       `json:"student_id"`
	StudentName   string       `json:"student_name"`
	ClientVersion string       `json:"client_version"`
	Capabilities  Capabilities `json:"capabilities"`
}

// BroadcastStatus is a snapshot of the active broadcast, included in the
// welcome reply so late joiners can sync to an in-progress broadcast.
type BroadcastStatus struct {
	Active bool          `json:"active"`
	Source *Source       `json:"source,omitempty"`
	Mode   BroadcastMode `json:"mode,omitempty"`
}

// Welcome acknowledges a successful handshake.
type Welcome struct {
	ServerVersion string          `json:"server_version"`
	Broadcast     BroadcastStatus `json:"broadcast"`
}

// Heartbeat is exchanged periodically to prove liveness.
type Heartbeat struct {
	TimestampMS int64 `json:"timestamp_ms"`
}

// BroadcastAction is the verb of a broadcast control command.
type BroadcastAction string

const (
	ActionStart BroadcastAction = "start"
	ActionStop  BroadcastAction = "stop"
)

// BroadcastCommand instructs students to start rendering a feed (or start
// producing one, when the source names the receiving student) or to stop.
type BroadcastCommand struct {
	Action BroadcastAction `json:"action"`
	Source *Source         `json:"source,omitempty"`
	Mode   BroadcastMode   `json:"mode,omitempty"`
}

// MediaKind separates the two media lanes.
type MediaKind string

const (
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// VideoCodec identifies the encoding of a video chunk's payload.
type VideoCodec string

const (
	CodecJPEG VideoCodec = "jpeg"
	// CodecBGRA carries raw pixels, used for diagnostics and tests.
	CodecBGRA VideoCodec = "bgra"
)

// MediaChunk is one encoded frame or sample block. Sequence numbers are
// monotonically increasing per kind for a given source; receivers reset
// their tracking when Source changes.
type MediaChunk struct {
	Kind        MediaKind `json:"kind"`
	Sequence    uint64    `json:"sequence"`
	TimestampMS int64     `json:"timestamp_ms"`
	Source      Source    `json:"source"`

	// Video metadata.
	Codec      VideoCodec `json:"codec,omitempty"`
	Width      int        `json:"width,omitempty"`
	Height     int        `json:"height,omitempty"`
	Fullscreen bool       `json:"fullscreen,omitempty"`

	// Audio metadata. ForcePlay overrides the receiver's local mute.
	SampleRate int  `json:"sample_rate,omitempty"`
	Channels   int  `json:"channels,omitempty"`
	ForcePlay  bool `json:"force_play,omitempty"`

	Data []byte `json:"data"`
}

// FileBegin opens a transfer job in either direction.
type FileBegin struct {
	JobID        uuid.UUID `json:"job_id"`
	RelativePath string    `json:"relative_path"`
	TotalSize    int64     `json:"total_size"`
	OpenHint     bool      `json:"open_hint"`
}

// FileChunk carries one slice of file content, in strict offset order.
type FileChunk struct {
	JobID  uuid.UUID `json:"job_id"`
	Offset int64     `json:"offset"`
	Data   []byte    `json:"data"`
}

// FileEnd marks the terminal chunk of a transfer job.
type FileEnd struct {
	JobID uuid.UUID `json:"job_id"`
}

// FileAck acknowledges receipt of a complete transfer (or reports why the
// receiver abandoned it).
type FileAck struct {
	JobID   uuid.UUID `json:"job_id"`
	OK      bool      `json:"ok"`
	Message string    `json:"message,omitempty"`
}

// MuteState reports the student's local audio mute flag to the teacher.
type MuteState struct {
	Muted bool `json:"muted"`
}

// ErrorMessage carries a peer-visible error description.
type ErrorMessage struct {
	Message string `json:"message"`
}
