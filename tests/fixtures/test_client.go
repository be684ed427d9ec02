// Package fixtures provides scripted students and an embedded classroom
// server for scenario tests.
package fixtures

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"classcast/internal/transport"
	"classcast/pkg/protocol"
)

// StudentClient is a protocol-level scripted student. It buffers every
// inbound envelope so scenarios can wait for specific kinds, and it can
// optionally auto-acknowledge file distributions, collecting their
// contents in memory.
type StudentClient struct {
	ID   string
	Name string

	conn *transport.Conn
	in   chan *protocol.Envelope
	done chan struct{}

	mu        sync.Mutex
	autoAck   bool
	downloads map[uuid.UUID]*memDownload
	files     map[string][]byte
	opened    []string
}

type memDownload struct {
	name     string
	total    int64
	openHint bool
	data     []byte
}

// NewStudentClient dials the server and completes the handshake.
func NewStudentClient(ctx context.Context, addr, id, name string) (*StudentClient, error) {
	conn, err := transport.Dial(ctx, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sc := &StudentClient{
		ID:        id,
		Name:      name,
		conn:      conn,
		in:        make(chan *protocol.Envelope, 256),
		done:      make(chan struct{}),
		downloads: make(map[uuid.UUID]*memDownload),
		files:     make(map[string][]byte),
	}

	hello, err := protocol.Encode(protocol.KindHello, protocol.Hello{
		StudentID:     id,
		StudentName:   name,
		ClientVersion: "fixture",
		Capabilities:  protocol.Capabilities{ReceiveVideo: true, ReceiveAudio: true, SendVideo: true, FileTransfer: true},
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Write(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	go sc.readLoop()
	return sc, nil
}

func (sc *StudentClient) readLoop() {
	defer close(sc.done)
	defer close(sc.in)
	for {
		env, err := sc.conn.Read()
		if err != nil {
			return
		}
		if sc.handleFile(env) {
			continue
		}
		select {
		case sc.in <- env:
		default:
			// A scenario that stops reading should not wedge the loop.
		}
	}
}

// handleFile consumes file frames when auto-ack is enabled. Other kinds
// pass through to the scenario.
func (sc *StudentClient) handleFile(env *protocol.Envelope) bool {
	sc.mu.Lock()
	auto := sc.autoAck
	sc.mu.Unlock()
	if !auto {
		return false
	}

	switch env.Type {
	case protocol.KindFileBegin:
		var begin protocol.FileBegin
		if env.Decode(&begin) == nil {
			sc.mu.Lock()
			sc.downloads[begin.JobID] = &memDownload{
				name:     protocol.SanitizeFilename(begin.RelativePath),
				total:    begin.TotalSize,
				openHint: begin.OpenHint,
			}
			sc.mu.Unlock()
		}
		return true
	case protocol.KindFileChunk:
		var chunk protocol.FileChunk
		if env.Decode(&chunk) == nil {
			sc.mu.Lock()
			if d, ok := sc.downloads[chunk.JobID]; ok && chunk.Offset == int64(len(d.data)) {
				d.data = append(d.data, chunk.Data...)
			}
			sc.mu.Unlock()
		}
		return true
	case protocol.KindFileEnd:
		var end protocol.FileEnd
		if env.Decode(&end) == nil {
			sc.mu.Lock()
			d, ok := sc.downloads[end.JobID]
			delete(sc.downloads, end.JobID)
			okAck := ok && int64(len(d.data)) == d.total
			if okAck {
				sc.files[d.name] = d.data
				if d.openHint {
					sc.opened = append(sc.opened, d.name)
				}
			}
			sc.mu.Unlock()
			if ok {
				msg := ""
				if !okAck {
					msg = "incomplete"
				}
				sc.Send(protocol.KindFileAck, protocol.FileAck{JobID: end.JobID, OK: okAck, Message: msg})
			}
		}
		return true
	}
	return false
}

// EnableAutoAck turns on in-memory collection and acknowledgement of
// distributed files.
func (sc *StudentClient) EnableAutoAck() {
	sc.mu.Lock()
	sc.autoAck = true
	sc.mu.Unlock()
}

// ReceivedFile returns the collected content of a completed download.
func (sc *StudentClient) ReceivedFile(name string) ([]byte, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	data, ok := sc.files[name]
	return data, ok
}

// OpenedFiles lists download names whose begin carried the open hint.
func (sc *StudentClient) OpenedFiles() []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]string(nil), sc.opened...)
}

// Send encodes and writes one envelope.
func (sc *StudentClient) Send(kind protocol.Kind, payload any) error {
	env, err := protocol.Encode(kind, payload)
	if err != nil {
		return err
	}
	return sc.conn.Write(env)
}

// SendHeartbeat proves liveness to the idle sweeper.
func (sc *StudentClient) SendHeartbeat() error {
	return sc.Send(protocol.KindHeartbeat, protocol.Heartbeat{TimestampMS: time.Now().UnixMilli()})
}

// SendVideoFrame emits one upstream video chunk, as a spotlighted
// student would.
func (sc *StudentClient) SendVideoFrame(seq uint64, data []byte) error {
	return sc.Send(protocol.KindMedia, protocol.MediaChunk{
		Kind:        protocol.MediaVideo,
		Sequence:    seq,
		TimestampMS: time.Now().UnixMilli(),
		Source:      protocol.StudentSource(sc.ID, sc.Name),
		Codec:       protocol.CodecJPEG,
		Data:        data,
	})
}

// UploadFile streams an in-memory file to the teacher and waits for the
// terminal acknowledgement.
func (sc *StudentClient) UploadFile(name string, content []byte, chunkSize int) (protocol.FileAck, error) {
	jobID := uuid.New()
	if err := sc.Send(protocol.KindFileBegin, protocol.FileBegin{
		JobID:        jobID,
		RelativePath: name,
		TotalSize:    int64(len(content)),
	}); err != nil {
		return protocol.FileAck{}, err
	}
	for offset := 0; offset < len(content); offset += chunkSize {
		end := offset + chunkSize
		if end > len(content) {
			end = len(content)
		}
		if err := sc.Send(protocol.KindFileChunk, protocol.FileChunk{
			JobID:  jobID,
			Offset: int64(offset),
			Data:   content[offset:end],
		}); err != nil {
			return protocol.FileAck{}, err
		}
	}
	if err := sc.Send(protocol.KindFileEnd, protocol.FileEnd{JobID: jobID}); err != nil {
		return protocol.FileAck{}, err
	}

	env, err := sc.WaitKind(protocol.KindFileAck, 5*time.Second)
	if err != nil {
		return protocol.FileAck{}, err
	}
	var ack protocol.FileAck
	if err := env.Decode(&ack); err != nil {
		return protocol.FileAck{}, err
	}
	return ack, nil
}

// WaitKind returns the next buffered envelope of the given kind,
// discarding others.
func (sc *StudentClient) WaitKind(kind protocol.Kind, timeout time.Duration) (*protocol.Envelope, error) {
	deadline := time.After(timeout)
	for {
		select {
		case env, ok := <-sc.in:
			if !ok {
				return nil, fmt.Errorf("%s: connection closed waiting for %s", sc.ID, kind)
			}
			if env.Type == kind {
				return env, nil
			}
		case <-deadline:
			return nil, fmt.Errorf("%s: timed out waiting for %s", sc.ID, kind)
		}
	}
}

// WaitWelcome consumes the handshake reply.
func (sc *StudentClient) WaitWelcome(timeout time.Duration) (protocol.Welcome, error) {
	env, err := sc.WaitKind(protocol.KindWelcome, timeout)
	if err != nil {
		return protocol.Welcome{}, err
	}
	var welcome protocol.Welcome
	if err := env.Decode(&welcome); err != nil {
		return protocol.Welcome{}, err
	}
	return welcome, nil
}

// WaitBroadcast consumes the next broadcast command.
func (sc *StudentClient) WaitBroadcast(timeout time.Duration) (protocol.BroadcastCommand, error) {
	env, err := sc.WaitKind(protocol.KindBroadcast, timeout)
	if err != nil {
		return protocol.BroadcastCommand{}, err
	}
	var cmd protocol.BroadcastCommand
	if err := env.Decode(&cmd); err != nil {
		return protocol.BroadcastCommand{}, err
	}
	return cmd, nil
}

// Closed reports whether the server has dropped the connection.
func (sc *StudentClient) Closed() bool {
	select {
	case <-sc.done:
		return true
	default:
		return false
	}
}

// WaitClosed blocks until the connection dies.
func (sc *StudentClient) WaitClosed(timeout time.Duration) error {
	select {
	case <-sc.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%s: connection still open", sc.ID)
	}
}

// Close drops the connection.
func (sc *StudentClient) Close() {
	sc.conn.Close()
}
