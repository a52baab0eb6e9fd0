package event

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_PublishToSubscribers(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var got []string
	record := func(name string) Handler {
		return func(e Event) {
			mu.Lock()
			got = append(got, name+":"+e.SessionID)
			mu.Unlock()
		}
	}
	bus.Subscribe(SessionOpened, record("a"))
	bus.Subscribe(SessionOpened, record("b"))
	bus.Subscribe(SessionClosed, record("c"))

	bus.Publish(Event{Type: SessionOpened, SessionID: "TVS0001"})
	bus.Publish(Event{Type: RobotResumed})
	bus.Drain()

	assert.ElementsMatch(t, []string{"a:TVS0001", "b:TVS0001"}, got)
}

func TestBus_StampsTime(t *testing.T) {
	bus := NewBus()
	done := make(chan Event, 1)
	bus.Subscribe(TaskFailed, func(e Event) { done <- e })
	bus.Publish(Event{Type: TaskFailed})
	e := <-done
	assert.False(t, e.At.IsZero())
}
