// Package broadcast owns the single source-of-truth for who is providing
// the class feed. Every transition is serialized through one mutex, so
// concurrent commands cannot race the state into inconsistency: the loser
// observes the winner's result and is rejected if its transition is no
// longer legal.
package broadcast

import (
	"fmt"
	"log"
	"sync"

	"classcast/pkg/protocol"
)

// StateKind enumerates the three broadcast states.
type StateKind string

const (
	Idle          StateKind = "idle"
	TeacherSource StateKind = "teacher"
	StudentSource StateKind = "student"
)

// State is a snapshot of the broadcast. Mode is set for TeacherSource;
// StudentID and StudentName for StudentSource.
type State struct {
	Kind        StateKind
	Mode        protocol.BroadcastMode
	StudentID   string
	StudentName string
}

// String renders the state for status output.
func (s State) String() string {
	switch s.Kind {
	case TeacherSource:
		return fmt.Sprintf("broadcasting teacher screen (%s)", s.Mode)
	case StudentSource:
		return fmt.Sprintf("spotlighting student %s (%s)", s.StudentID, s.StudentName)
	default:
		return "idle"
	}
}

// Source returns the protocol source tag for the current state, or nil
// when idle.
func (s State) Source() *protocol.Source {
	switch s.Kind {
	case TeacherSource:
		src := protocol.TeacherSource()
		return &src
	case StudentSource:
		src := protocol.StudentSource(s.StudentID, s.StudentName)
		return &src
	default:
		return nil
	}
}

// Status converts the state to the wire snapshot sent in welcome replies.
func (s State) Status() protocol.BroadcastStatus {
	return protocol.BroadcastStatus{
		Active: s.Kind != Idle,
		Source: s.Source(),
		Mode:   s.Mode,
	}
}

// Transition describes one committed state change.
type Transition struct {
	From   State
	To     State
	Reason string
}

// Resolver checks whether a student ID names a live session and returns
// its display name. Supplied by the server at wiring time.
type Resolver func(studentID string) (name string, ok bool)

// Machine serializes all broadcast transitions.
type Machine struct {
	mu       sync.Mutex
	state    State
	resolve  Resolver
	listener func(Transition)
}

// NewMachine starts in Idle. resolve may be nil until SetResolver is
// called; Spotlight fails closed without one.
func NewMachine(resolve Resolver) *Machine {
	return &Machine{state: State{Kind: Idle}, resolve: resolve}
}

// SetResolver installs the session lookup used by Spotlight.
func (m *Machine) SetResolver(resolve Resolver) {
	m.mu.Lock()
	m.resolve = resolve
	m.mu.Unlock()
}

// SetListener installs the transition listener, invoked after each commit
// while transitions are still serialized, so observers see them in order.
// The listener must not call back into the machine. Set once at wiring
// time.
func (m *Machine) SetListener(fn func(Transition)) {
	m.mu.Lock()
	m.listener = fn
	m.mu.Unlock()
}

// Current snapshots the state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StartTeacher transitions Idle → TeacherSource(mode). Any other origin
// state is ErrInvalidTransition.
func (m *Machine) StartTeacher(mode protocol.BroadcastMode) (State, error) {
	if mode == "" {
		mode = protocol.ModeFullscreen
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Kind != Idle {
		return m.state, fmt.Errorf("%w: cannot start while %s", ErrInvalidTransition, m.state)
	}
	m.commit(State{Kind: TeacherSource, Mode: mode}, "start")
	return m.state, nil
}

// Spotlight transitions Idle|TeacherSource → StudentSource(id). The ID
// must resolve to a live session, otherwise ErrUnknownStudent and the
// state is unchanged.
func (m *Machine) Spotlight(studentID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Kind == StudentSource {
		return m.state, fmt.Errorf("%w: already %s", ErrInvalidTransition, m.state)
	}
	if m.resolve == nil {
		return m.state, fmt.Errorf("%w: %s", ErrUnknownStudent, studentID)
	}
	name, ok := m.resolve(studentID)
	if !ok {
		return m.state, fmt.Errorf("%w: %s", ErrUnknownStudent, studentID)
	}
	m.commit(State{Kind: StudentSource, StudentID: studentID, StudentName: name}, "spotlight")
	return m.state, nil
}

// Stop transitions TeacherSource|StudentSource → Idle. Stopping while
// already idle is ErrInvalidTransition.
func (m *Machine) Stop() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Kind == Idle {
		return m.state, fmt.Errorf("%w: nothing to stop", ErrInvalidTransition)
	}
	m.commit(State{Kind: Idle}, "stop")
	return m.state, nil
}

// ForceIdle returns to Idle from any state, used when the active source
// disconnects. A no-op in Idle: no transition is reported.
func (m *Machine) ForceIdle(reason string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Kind == Idle {
		return m.state
	}
	m.commit(State{Kind: Idle}, reason)
	return m.state
}

// commit records the new state and notifies the listener. Caller holds mu.
func (m *Machine) commit(to State, reason string) {
	from := m.state
	m.state = to
	log.Printf("broadcast: %s -> %s (%s)", from, to, reason)
	if m.listener != nil {
		m.listener(Transition{From: from, To: to, Reason: reason})
	}
}
