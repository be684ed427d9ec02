package session

import (
	"log"
	"sort"
	"sync"
	"time"

	"classcast/pkg/protocol"
)

// Registry owns every live session. All lifecycle (registration,
// removal, the liveness sweep) goes through it, and its lock is never
// held across network I/O or the OnRemove hook.
type Registry struct {
	videoCap  int
	audioCap  int
	audioWait time.Duration

	mu       sync.RWMutex
	byID     map[string]*Session
	onRemove func(s *Session, reason string)
}

// NewRegistry creates an empty registry with the given per-session queue
// bounds.
func NewRegistry(videoCap, audioCap int, audioWait time.Duration) *Registry {
	return &Registry{
		videoCap:  videoCap,
		audioCap:  audioCap,
		audioWait: audioWait,
		byID:      make(map[string]*Session),
	}
}

// SetOnRemove installs the hook invoked after a session leaves the
// registry, outside the registry lock. Set once at wiring time, before
// any connection is accepted. The server uses it to force the broadcast
// machine to Idle when the active source disconnects.
func (r *Registry) SetOnRemove(hook func(s *Session, reason string)) {
	r.onRemove = hook
}

// Register admits a new student connection. The student ID is validated
// and must not collide with a live session: on conflict the existing
// session is preserved, the new connection is closed, and ErrDuplicateID
// is returned.
func (r *Registry) Register(hello protocol.Hello, conn Conn) (*Session, error) {
	if !protocol.IsValidStudentID(hello.StudentID) {
		conn.Close()
		return nil, ErrInvalidStudentID
	}

	r.mu.Lock()
	if _, exists := r.byID[hello.StudentID]; exists {
		r.mu.Unlock()
		conn.Close()
		return nil, ErrDuplicateID
	}
	s := newSession(hello, conn, r.videoCap, r.audioCap, r.audioWait)
	r.byID[hello.StudentID] = s
	count := len(r.byID)
	r.mu.Unlock()

	log.Printf("registered student %s (%s) from %s, %d connected",
		s.StudentID, s.Name, s.RemoteAddr, count)
	return s, nil
}

// Unregister removes and closes the session for studentID. Idempotent:
// removing an unknown ID is a no-op. The OnRemove hook fires only when a
// session was actually removed.
func (r *Registry) Unregister(studentID, reason string) {
	r.mu.Lock()
	s, exists := r.byID[studentID]
	if exists {
		delete(r.byID, studentID)
	}
	r.mu.Unlock()

	if !exists {
		return
	}
	s.Close()
	log.Printf("unregistered student %s: %s", studentID, reason)
	if r.onRemove != nil {
		r.onRemove(s, reason)
	}
}

// Get returns the live session for studentID, if any.
func (r *Registry) Get(studentID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[studentID]
	return s, ok
}

// Sessions snapshots all live sessions, for fan-out and transfer targets.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// List returns display summaries ordered by join time, earliest first.
func (r *Registry) List() []Summary {
	sessions := r.Sessions()
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].JoinedAt.Equal(sessions[j].JoinedAt) {
			return sessions[i].StudentID < sessions[j].StudentID
		}
		return sessions[i].JoinedAt.Before(sessions[j].JoinedAt)
	})
	out := make([]Summary, len(sessions))
	for i, s := range sessions {
		out[i] = s.Summarize()
	}
	return out
}

// SweepIdle unregisters every session whose last inbound traffic is older
// than timeout, and returns the removed student IDs. Run periodically by
// the server.
func (r *Registry) SweepIdle(timeout time.Duration) []string {
	cutoff := time.Now().Add(-timeout)

	r.mu.RLock()
	var stale []string
	for id, s := range r.byID {
		if s.LastSeen().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.Unregister(id, "liveness timeout")
	}
	return stale
}

// CloseAll tears down every session, used at shutdown. The OnRemove hook
// does not fire; the process is going away.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.byID = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
