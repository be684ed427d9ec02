package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"
)

func TestWriteReadEnvelope(t *testing.T) {
	env, err := Encode(KindHello, Hello{
		StudentID:     "S01",
		StudentName:   "Alice",
		ClientVersion: "1.0.0",
		Capabilities:  Capabilities{ReceiveVideo: true, FileTransfer: true},
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var buf bytes.Buffer
	if err := WriteEnvelope(&buf, env); err != nil {
		t.Fatalf("WriteEnvelope() error = %v", err)
	}

	got, err := ReadEnvelope(&buf)
	if err != nil {
		t.Fatalf("ReadEnvelope() error = %v", err)
	}
	if got.Type != KindHello {
		t.Errorf("envelope type = %q, want %q", got.Type, KindHello)
	}

	var hello Hello
	if err := got.Decode(&hello); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if hello.StudentID != "S01" || hello.StudentName != "Alice" {
		t.Errorf("decoded hello = %+v", hello)
	}
	if !hello.Capabilities.ReceiveVideo || !hello.Capabilities.FileTransfer {
		t.Errorf("capabilities lost in transit: %+v", hello.Capabilities)
	}
}

func TestReadEnvelope_SequentialFrames(t *testing.T) {
	var buf bytes.Buffer
	kinds := []Kind{KindHeartbeat, KindMuteState, KindFileEnd}
	payloads := []any{
		Heartbeat{TimestampMS: 42},
		MuteState{Muted: true},
		FileEnd{JobID: uuid.New()},
	}
	for i, kind := range kinds {
		env, err := Encode(kind, payloads[i])
		if err != nil {
			t.Fatalf("Encode(%s) error = %v", kind, err)
		}
		if err := WriteEnvelope(&buf, env); err != nil {
			t.Fatalf("WriteEnvelope(%s) error = %v", kind, err)
		}
	}

	for _, want := range kinds {
		env, err := ReadEnvelope(&buf)
		if err != nil {
			t.Fatalf("ReadEnvelope() error = %v", err)
		}
		if env.Type != want {
			t.Errorf("frame type = %q, want %q", env.Type, want)
		}
	}
	if _, err := ReadEnvelope(&buf); err != io.EOF {
		t.Errorf("trailing read error = %v, want io.EOF", err)
	}
}

func TestReadEnvelope_Malformed(t *testing.T) {
	oversized := make([]byte, lenPrefixSize)
	binary.LittleEndian.PutUint32(oversized, MaxMessageSize+1)

	zero := make([]byte, lenPrefixSize)

	garbage := make([]byte, lenPrefixSize)
	binary.LittleEndian.PutUint32(garbage, 4)
	garbage = append(garbage, '{', 'o', 'p', 's')

	noType := make([]byte, lenPrefixSize)
	binary.LittleEndian.PutUint32(noType, 2)
	noType = append(noType, '{', '}')

	tests := []struct {
		name string
		data []byte
	}{
		{"oversized length prefix", oversized},
		{"zero length prefix", zero},
		{"invalid JSON body", garbage},
		{"missing type tag", noType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadEnvelope(bytes.NewReader(tt.data))
			if !errors.Is(err, ErrMalformedEnvelope) {
				t.Errorf("ReadEnvelope() error = %v, want ErrMalformedEnvelope", err)
			}
		})
	}
}

func TestReadEnvelope_TruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	env, _ := Encode(KindHeartbeat, Heartbeat{TimestampMS: 1})
	if err := WriteEnvelope(&buf, env); err != nil {
		t.Fatalf("WriteEnvelope() error = %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-3]

	_, err := ReadEnvelope(bytes.NewReader(truncated))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadEnvelope() error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestWriteEnvelope_TooLarge(t *testing.T) {
	env, err := Encode(KindMedia, MediaChunk{
		Kind:   MediaVideo,
		Source: TeacherSource(),
		Data:   make([]byte, MaxMessageSize),
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := WriteEnvelope(io.Discard, env); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("WriteEnvelope() error = %v, want ErrMessageTooLarge", err)
	}
}

func TestDecode_EmptyPayload(t *testing.T) {
	env := &Envelope{Type: KindHeartbeat}
	var hb Heartbeat
	if err := env.Decode(&hb); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("Decode() error = %v, want ErrEmptyPayload", err)
	}
}

func TestMediaChunk_BinaryPayloadSurvivesTransit(t *testing.T) {
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i * 31)
	}
	env, err := Encode(KindMedia, MediaChunk{
		Kind:     MediaAudio,
		Sequence: 7,
		Source:   StudentSource("S02", "Bob"),
		Data:     data,
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var buf bytes.Buffer
	if err := WriteEnvelope(&buf, env); err != nil {
		t.Fatalf("WriteEnvelope() error = %v", err)
	}
	got, err := ReadEnvelope(&buf)
	if err != nil {
		t.Fatalf("ReadEnvelope() error = %v", err)
	}

	var chunk MediaChunk
	if err := got.Decode(&chunk); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(chunk.Data, data) {
		t.Error("audio payload corrupted in transit")
	}
	if !chunk.Source.Equal(StudentSource("S02", "ignored")) {
		t.Errorf("source = %+v, want student S02", chunk.Source)
	}
}
