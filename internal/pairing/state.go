package pairing

import (
	"fmt"
	"sync"
)

// State is the operator-visible pairing state.
type State string

const (
	StateGenerating State = "generating"
	StateScanning   State = "scanning"
	StateConnected  State = "connected"
	StateError      State = "error"
)

// Valid transitions. error may go back to scanning (operator resumes with
// the QR already obtained) or to generating (operator restarts from
// scratch). connected is terminal for this subsystem.
var transitions = map[State][]State{
	StateGenerating: {StateScanning, StateError},
	StateScanning:   {StateConnected, StateError},
	StateError:      {StateScanning, StateGenerating},
	StateConnected:  {},
}

// StateMachine tracks one pairing attempt's state and enforces the
// transition rules.
type StateMachine struct {
	mu    sync.RWMutex
	state State
}

// NewStateMachine starts in generating.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateGenerating}
}

// Current returns the current state.
func (m *StateMachine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// TransitionTo moves to the target state, or fails if the transition is
// not allowed. Transitioning to the current state is a no-op.
func (m *StateMachine) TransitionTo(target State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == target {
		return nil
	}
	for _, allowed := range transitions[m.state] {
		if allowed == target {
			m.state = target
			return nil
		}
	}
	return fmt.Errorf("invalid pairing state transition %s -> %s", m.state, target)
}
