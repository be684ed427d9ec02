// Package session tracks connected students: identity, liveness, and the
// per-connection outbound queue that isolates one slow receiver's
// backpressure from everyone else. The Registry is the single owner of
// session lifecycle; other components hold sessions only transiently.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"classcast/pkg/protocol"
)

// Conn is the transport surface a session needs. *transport.Conn satisfies
// it; tests substitute fakes.
type Conn interface {
	Write(env *protocol.Envelope) error
	Close() error
	RemoteAddr() string
}

// Session is one connected student. Identity fields are immutable after
// registration; the mutable flags are guarded by mu. Exactly one write
// loop drains the outbound queue; nothing else touches the connection's
// write side.
type Session struct {
	ConnID        uuid.UUID
	StudentID     string
	Name          string
	RemoteAddr    string
	ClientVersion string
	Capabilities  protocol.Capabilities
	JoinedAt      time.Time

	conn  Conn
	queue *outQueue

	mu       sync.Mutex
	lastSeen time.Time
	muted    bool
	degraded bool

	done     chan struct{}
	doneOnce sync.Once
}

func newSession(hello protocol.Hello, conn Conn, videoCap, audioCap int, audioWait time.Duration) *Session {
	now := time.Now()
	s := &Session{
		ConnID:        uuid.New(),
		StudentID:     hello.StudentID,
		Name:          hello.StudentName,
		RemoteAddr:    conn.RemoteAddr(),
		ClientVersion: hello.ClientVersion,
		Capabilities:  hello.Capabilities,
		JoinedAt:      now,
		conn:          conn,
		queue:         newOutQueue(videoCap, audioCap, audioWait),
		lastSeen:      now,
		done:          make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// writeLoop is the session's single writer: it drains the outbound queue
// into the connection until the queue closes or a write fails. A write
// failure closes the connection, which in turn unblocks the server's read
// loop and drives unregistration.
func (s *Session) writeLoop() {
	for {
		env, ok := s.queue.dequeue()
		if !ok {
			return
		}
		if err := s.conn.Write(env); err != nil {
			log.Printf("session %s: write failed, closing: %v", s.StudentID, err)
			s.Close()
			return
		}
	}
}

// SendVideo queues a video chunk, dropping the oldest queued frame if the
// lane is full.
func (s *Session) SendVideo(env *protocol.Envelope) error {
	return s.queue.enqueueVideo(env)
}

// SendAudio queues an audio chunk. Audio is never dropped; if the bounded
// wait expires the session is marked degraded and the chunk still queued.
func (s *Session) SendAudio(env *protocol.Envelope) error {
	err := s.queue.enqueueAudio(env)
	if err == ErrQueueDegraded {
		s.markDegraded()
	}
	return err
}

// SendControl queues a control envelope (broadcast commands, acks).
func (s *Session) SendControl(env *protocol.Envelope) error {
	err := s.queue.enqueueControl(env)
	if err == ErrQueueDegraded {
		s.markDegraded()
	}
	return err
}

// SendFile queues a file-transfer frame, blocking until space is available
// or ctx is cancelled. Only per-target transfer loops call this.
func (s *Session) SendFile(ctx context.Context, env *protocol.Envelope) error {
	return s.queue.enqueueFile(ctx, env)
}

// Touch records peer liveness, called on every inbound envelope.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen reports the time of the most recent inbound traffic.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// SetMuted records the student's reported audio mute flag.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

// Muted reports whether the student has muted their audio playback.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Session) markDegraded() {
	s.mu.Lock()
	if !s.degraded {
		s.degraded = true
		log.Printf("session %s: marked degraded, receiver not draining", s.StudentID)
	}
	s.mu.Unlock()
}

// Degraded reports whether this session has ever exhausted its bounded
// audio/control wait.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// DroppedVideo counts video chunks discarded by latest-wins overflow.
func (s *Session) DroppedVideo() uint64 {
	return s.queue.droppedVideo()
}

// Close tears down the session: queued data is discarded, the write loop
// exits, and the connection closes. Idempotent and safe from any
// goroutine.
func (s *Session) Close() {
	s.doneOnce.Do(func() {
		close(s.done)
		s.queue.close()
		s.conn.Close()
	})
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Summary is the display-facing view of one session.
type Summary struct {
	StudentID     string    `json:"student_id"`
	Name          string    `json:"name"`
	RemoteAddr    string    `json:"remote_addr"`
	ClientVersion string    `json:"client_version,omitempty"`
	JoinedAt      time.Time `json:"joined_at"`
	LastSeen      time.Time `json:"last_seen"`
	Muted         bool      `json:"muted"`
	Degraded      bool      `json:"degraded"`
	DroppedVideo  uint64    `json:"dropped_video"`
}

// Summarize snapshots the session for display.
func (s *Session) Summarize() Summary {
	s.mu.Lock()
	lastSeen, muted, degraded := s.lastSeen, s.muted, s.degraded
	s.mu.Unlock()
	return Summary{
		StudentID:     s.StudentID,
		Name:          s.Name,
		RemoteAddr:    s.RemoteAddr,
		ClientVersion: s.ClientVersion,
		JoinedAt:      s.JoinedAt,
		LastSeen:      lastSeen,
		Muted:         muted,
		Degraded:      degraded,
		DroppedVideo:  s.queue.droppedVideo(),
	}
}
