package broadcast

import (
	"errors"
	"sync"
	"testing"

	"classcast/pkg/protocol"
)

func resolverFor(ids map[string]string) Resolver {
	return func(id string) (string, bool) {
		name, ok := ids[id]
		return name, ok
	}
}

func TestStartStopCycle(t *testing.T) {
	m := NewMachine(resolverFor(nil))

	state, err := m.StartTeacher("")
	if err != nil {
		t.Fatalf("StartTeacher() error = %v", err)
	}
	if state.Kind != TeacherSource || state.Mode != protocol.ModeFullscreen {
		t.Errorf("state after start = %+v, want teacher/fullscreen default", state)
	}

	if _, err := m.StartTeacher(protocol.ModeWindow); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second StartTeacher() error = %v, want ErrInvalidTransition", err)
	}
	if got := m.Current().Kind; got != TeacherSource {
		t.Errorf("state changed by rejected transition: %v", got)
	}

	if state, err = m.Stop(); err != nil || state.Kind != Idle {
		t.Errorf("Stop() = %+v, %v; want Idle, nil", state, err)
	}
	if _, err := m.Stop(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Stop() while idle error = %v, want ErrInvalidTransition", err)
	}
}

func TestSpotlightScenario(t *testing.T) {
	// The sequence from the design review: start, spotlight an unknown
	// student, spotlight a connected one, then the student disconnects.
	m := NewMachine(resolverFor(map[string]string{"7": "Grace"}))

	if _, err := m.StartTeacher(protocol.ModeFullscreen); err != nil {
		t.Fatalf("StartTeacher() error = %v", err)
	}

	if _, err := m.Spotlight("42"); !errors.Is(err, ErrUnknownStudent) {
		t.Fatalf("Spotlight(42) error = %v, want ErrUnknownStudent", err)
	}
	if got := m.Current().Kind; got != TeacherSource {
		t.Fatalf("state after failed spotlight = %v, want TeacherSource", got)
	}

	state, err := m.Spotlight("7")
	if err != nil {
		t.Fatalf("Spotlight(7) error = %v", err)
	}
	if state.Kind != StudentSource || state.StudentID != "7" || state.StudentName != "Grace" {
		t.Errorf("state = %+v, want StudentSource(7, Grace)", state)
	}

	if got := m.ForceIdle("student disconnected"); got.Kind != Idle {
		t.Errorf("ForceIdle() = %+v, want Idle", got)
	}
}

func TestSpotlightFromSpotlightRejected(t *testing.T) {
	m := NewMachine(resolverFor(map[string]string{"a": "A", "b": "B"}))
	if _, err := m.Spotlight("a"); err != nil {
		t.Fatalf("Spotlight(a) error = %v", err)
	}
	if _, err := m.Spotlight("b"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Spotlight(b) error = %v, want ErrInvalidTransition", err)
	}
	if got := m.Current().StudentID; got != "a" {
		t.Errorf("active spotlight = %s, want a", got)
	}
}

func TestForceIdleInIdleReportsNoTransition(t *testing.T) {
	m := NewMachine(resolverFor(nil))
	var transitions []Transition
	m.SetListener(func(tr Transition) { transitions = append(transitions, tr) })

	m.ForceIdle("sweep")
	if len(transitions) != 0 {
		t.Errorf("ForceIdle in Idle emitted %d transitions, want 0", len(transitions))
	}
}

func TestListenerObservesTransitionsInOrder(t *testing.T) {
	m := NewMachine(resolverFor(map[string]string{"7": "Grace"}))
	var mu sync.Mutex
	var kinds []StateKind
	m.SetListener(func(tr Transition) {
		mu.Lock()
		kinds = append(kinds, tr.To.Kind)
		mu.Unlock()
	})

	m.StartTeacher("")
	m.Stop()
	m.Spotlight("7")
	m.ForceIdle("disconnect")

	want := []StateKind{TeacherSource, Idle, StudentSource, Idle}
	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != len(want) {
		t.Fatalf("observed %d transitions, want %d", len(kinds), len(want))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, kinds[i], want[i])
		}
	}
}

func TestConcurrentCommandsSerialize(t *testing.T) {
	m := NewMachine(resolverFor(map[string]string{"7": "Grace"}))

	var wg sync.WaitGroup
	starts := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.StartTeacher("")
			starts <- err
		}()
	}
	wg.Wait()
	close(starts)

	won := 0
	for err := range starts {
		if err == nil {
			won++
		} else if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("unexpected error %v", err)
		}
	}
	if won != 1 {
		t.Errorf("%d concurrent starts succeeded, want exactly 1", won)
	}
	if got := m.Current().Kind; got != TeacherSource {
		t.Errorf("final state = %v, want TeacherSource", got)
	}
}
