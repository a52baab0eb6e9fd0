package handlers

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"robot-inspection-cell/internal/event"
	"robot-inspection-cell/internal/inspection"
	"robot-inspection-cell/internal/web"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup() (*event.Bus, *web.StateTracker) {
	bus := event.NewBus()
	st := web.NewStateTracker(nil)
	RegisterEventHandlers(bus, st, slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))
	return bus, st
}

func TestHandlers_SessionLifecycle(t *testing.T) {
	bus, st := setup()

	bus.Publish(event.Event{Type: event.SessionOpened, SessionID: "TVS0007"})
	bus.Drain()
	bus.Publish(event.Event{Type: event.PositionReached, SessionID: "TVS0007", Position: 2})
	bus.Drain()

	s := st.GetStateSnapshot()
	assert.Equal(t, "TVS0007", s.SessionID)
	assert.Equal(t, 1, s.SessionsTotal)
	assert.Equal(t, "ACTIVE", s.Robot)
	assert.Equal(t, 2, s.Position)
	assert.True(t, s.LinkUp)

	results := []inspection.Entry{{Kind: inspection.KindWeld, Position: 2, OK: true, Text: "POS 2 : OK"}}
	bus.Publish(event.Event{Type: event.SessionClosed, SessionID: "TVS0007", Detail: results})
	bus.Drain()

	s = st.GetStateSnapshot()
	assert.Empty(t, s.SessionID)
	assert.Equal(t, "HOME", s.Robot)
	require.Len(t, s.Results, 1)
	assert.Equal(t, "POS 2 : OK", s.Results[0].Text)
}

func TestHandlers_TaskStates(t *testing.T) {
	bus, st := setup()

	bus.Publish(event.Event{Type: event.TaskStarted, SessionID: "S", Position: 1, Task: "Profiler", Detail: "S-1-Profiler-1"})
	bus.Drain()
	assert.Equal(t, TaskRunning, st.GetStateSnapshot().Tasks["S-1-Profiler-1"].Status)

	bus.Publish(event.Event{Type: event.TaskFailed, SessionID: "S", Position: 1, Task: "Profiler", Detail: "S-1-Profiler-1", Error: errors.New("queue read"), Duration: time.Millisecond})
	bus.Drain()
	task := st.GetStateSnapshot().Tasks["S-1-Profiler-1"]
	assert.Equal(t, TaskFailed, task.Status)
	assert.Equal(t, "queue read", task.Error)
}

func TestHandlers_InspectionResults(t *testing.T) {
	bus, st := setup()

	bus.Publish(event.Event{Type: event.InspectionDone, Detail: inspection.Result{Position: 1, Label: inspection.LabelNG, Text: "POS 1 : NG"}})
	bus.Drain()
	bus.Publish(event.Event{Type: event.InspectionDone, Detail: inspection.Entry{Kind: inspection.KindProfile, Position: 2, OK: true}})
	bus.Drain()
	bus.Publish(event.Event{Type: event.InspectionDone, Detail: 42})
	bus.Drain()

	results := st.GetStateSnapshot().Results
	require.Len(t, results, 2)
	assert.Equal(t, inspection.KindWeld, results[0].Kind)
	assert.False(t, results[0].OK)
	assert.Equal(t, inspection.KindProfile, results[1].Kind)
}

func TestHandlers_CycleSkippedMarksLinkDown(t *testing.T) {
	bus, st := setup()
	bus.Publish(event.Event{Type: event.SessionOpened, SessionID: "S"})
	bus.Drain()
	bus.Publish(event.Event{Type: event.CycleSkipped, Error: errors.New("plc down")})
	bus.Drain()
	assert.False(t, st.GetStateSnapshot().LinkUp)
}
