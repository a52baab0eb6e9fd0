package fsm

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMachine() *Machine {
	return NewMachine(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))
}

func TestMachine_LeaveHomeOpensSessionAndDispatches(t *testing.T) {
	m := newTestMachine()

	d, err := m.Apply(Observation{Home: false, Position: 1})
	require.NoError(t, err)
	assert.True(t, d.OpenSession)
	assert.True(t, d.Dispatch)
	assert.Equal(t, StateActive, m.Current())
	assert.Equal(t, 1, m.LastPosition())
}

func TestMachine_SamePositionIsNoop(t *testing.T) {
	m := newTestMachine()
	_, err := m.Apply(Observation{Position: 2})
	require.NoError(t, err)

	d, err := m.Apply(Observation{Position: 2})
	require.NoError(t, err)
	assert.False(t, d.Dispatch)
	assert.False(t, d.OpenSession)
	assert.Equal(t, EventStay, d.Event)
}

func TestMachine_NewPositionDoesNotOpenSession(t *testing.T) {
	m := newTestMachine()
	_, _ = m.Apply(Observation{Position: 1})

	d, err := m.Apply(Observation{Position: 2})
	require.NoError(t, err)
	assert.True(t, d.Dispatch)
	assert.False(t, d.OpenSession)
	assert.Equal(t, EventReachNew, d.Event)
}

func TestMachine_ReturnHomeClosesSessionAndResets(t *testing.T) {
	m := newTestMachine()
	_, _ = m.Apply(Observation{Position: 3})

	d, err := m.Apply(Observation{Home: true})
	require.NoError(t, err)
	assert.True(t, d.CloseSession)
	assert.Equal(t, StateHome, m.Current())
	assert.Equal(t, -1, m.LastPosition())

	// 再次停在原点不重复关闭
	d, err = m.Apply(Observation{Home: true})
	require.NoError(t, err)
	assert.False(t, d.CloseSession)

	// 回原点后同一工位可以再次派发，并开启新会话
	d, err = m.Apply(Observation{Position: 3})
	require.NoError(t, err)
	assert.True(t, d.Dispatch)
	assert.True(t, d.OpenSession)
}

func TestMachine_ZeroPositionAwayFromHomeWaits(t *testing.T) {
	m := newTestMachine()
	d, err := m.Apply(Observation{Position: 0})
	require.NoError(t, err)
	assert.False(t, d.Dispatch)
	assert.False(t, d.OpenSession)
	assert.Equal(t, StateHome, m.Current())
}

func TestMachine_CallbackOnStateEntry(t *testing.T) {
	m := newTestMachine()
	var entered []Transition
	m.RegisterCallback(StateActive, func(tr Transition) { entered = append(entered, tr) })

	_, _ = m.Apply(Observation{Position: 1})
	_, _ = m.Apply(Observation{Position: 1})
	_, _ = m.Apply(Observation{Position: 2})

	require.Len(t, entered, 2)
	assert.Equal(t, EventLeaveHome, entered[0].Event)
	assert.Equal(t, 2, entered[1].Position)
}
