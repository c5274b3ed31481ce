package pairing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_HappyPath(t *testing.T) {
	m := NewStateMachine()
	assert.Equal(t, StateGenerating, m.Current())

	require.NoError(t, m.TransitionTo(StateScanning))
	require.NoError(t, m.TransitionTo(StateConnected))
	assert.Equal(t, StateConnected, m.Current())
}

func TestStateMachine_ConnectedIsTerminal(t *testing.T) {
	m := NewStateMachine()
	require.NoError(t, m.TransitionTo(StateScanning))
	require.NoError(t, m.TransitionTo(StateConnected))

	assert.Error(t, m.TransitionTo(StateError))
	assert.Error(t, m.TransitionTo(StateScanning))
	assert.Equal(t, StateConnected, m.Current())
}

func TestStateMachine_ErrorCanResumeOrRestart(t *testing.T) {
	m := NewStateMachine()
	require.NoError(t, m.TransitionTo(StateError))
	require.NoError(t, m.TransitionTo(StateScanning))

	require.NoError(t, m.TransitionTo(StateError))
	require.NoError(t, m.TransitionTo(StateGenerating))
	assert.Equal(t, StateGenerating, m.Current())
}

func TestStateMachine_SameStateIsNoOp(t *testing.T) {
	m := NewStateMachine()
	require.NoError(t, m.TransitionTo(StateScanning))
	require.NoError(t, m.TransitionTo(StateScanning))
	assert.Equal(t, StateScanning, m.Current())
}

func TestStateMachine_NoSkippingToConnected(t *testing.T) {
	m := NewStateMachine()
	assert.Error(t, m.TransitionTo(StateConnected))
	assert.Equal(t, StateGenerating, m.Current())
}
