package fsm

import (
	"fmt"
	"log/slog"
	"sync"
)

// State 定义状态类型
type State string

// Event 定义事件类型
type Event string

const (
	StateHome   State = "HOME"   // 机器人在原点，无动作
	StateActive State = "ACTIVE" // 机器人离开原点，停在某个工位
)

const (
	EventLeaveHome   Event = "LEAVE_HOME"   // 原点寄存器为 0，首次读到工位
	EventReachNew    Event = "REACH_NEW"    // 已离开原点，工位号变化
	EventStay        Event = "STAY"         // 工位号未变化
	EventReturnHome  Event = "RETURN_HOME"  // 原点寄存器为 1
	EventStillAtHome Event = "STILL_AT_HOME" // 仍在原点
)

// Transition 描述一次状态转移
type Transition struct {
	From     State
	To       State
	Event    Event
	Position int
}

// Machine 跟踪机器人状态与上一个已处理工位
// lastPosition 只有在回到原点时才重置为 -1
type Machine struct {
	mu           sync.Mutex
	current      State
	lastPosition int
	wasHome      bool
	// transitions 定义状态转移表: CurrentState -> Event -> NextState
	transitions map[State]map[Event]State
	// callbacks 定义进入状态后的回调: State -> func(Transition)
	callbacks map[State]func(Transition)
	logger    *slog.Logger
}

// NewMachine 创建处于原点状态的状态机
func NewMachine(logger *slog.Logger) *Machine {
	m := &Machine{
		current:      StateHome,
		lastPosition: -1,
		wasHome:      true,
		transitions:  make(map[State]map[Event]State),
		callbacks:    make(map[State]func(Transition)),
		logger:       logger.With("component", "fsm"),
	}
	m.initTransitions()
	return m
}

func (m *Machine) initTransitions() {
	m.addTransition(StateHome, EventStillAtHome, StateHome)
	m.addTransition(StateHome, EventLeaveHome, StateActive)
	m.addTransition(StateActive, EventReachNew, StateActive)
	m.addTransition(StateActive, EventStay, StateActive)
	m.addTransition(StateActive, EventReturnHome, StateHome)
}

func (m *Machine) addTransition(from State, event Event, to State) {
	if _, ok := m.transitions[from]; !ok {
		m.transitions[from] = make(map[Event]State)
	}
	m.transitions[from][event] = to
}

// RegisterCallback 注册状态进入时的回调
// 回调在状态机锁之外同步执行
func (m *Machine) RegisterCallback(state State, callback func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[state] = callback
}

// Observation 是一个轮询周期读到的寄存器值
type Observation struct {
	Home     bool
	Position int
}

// Decision 是状态机对一次观测的判定结果
type Decision struct {
	Transition
	OpenSession  bool // 需要开启新会话
	CloseSession bool // 需要关闭当前会话并输出结果
	Dispatch     bool // 需要对 Position 派发动作
}

// Apply 根据观测推进状态机
// lastPosition 在任何动作触发前同步更新，保证同一工位只派发一次
func (m *Machine) Apply(obs Observation) (Decision, error) {
	m.mu.Lock()

	var event Event
	var d Decision
	switch {
	case obs.Home && m.current == StateHome:
		event = EventStillAtHome
	case obs.Home:
		event = EventReturnHome
		d.CloseSession = !m.wasHome
		m.wasHome = true
		m.lastPosition = -1
	case obs.Position <= 0:
		// 离开原点但尚未到达有效工位：保持当前状态
		if m.current == StateHome {
			event = EventStillAtHome
		} else {
			event = EventStay
		}
	case m.current == StateHome:
		event = EventLeaveHome
	case obs.Position == m.lastPosition:
		event = EventStay
	default:
		event = EventReachNew
	}

	if !obs.Home && obs.Position > 0 && obs.Position != m.lastPosition {
		if m.wasHome {
			d.OpenSession = true
			m.wasHome = false
		}
		m.lastPosition = obs.Position
		d.Dispatch = true
	}

	next, ok := m.transitions[m.current][event]
	if !ok {
		m.mu.Unlock()
		return Decision{}, fmt.Errorf("invalid transition: cannot fire event %s from state %s", event, m.current)
	}
	prev := m.current
	m.current = next
	d.Transition = Transition{From: prev, To: next, Event: event, Position: obs.Position}
	cb := m.callbacks[next]
	m.mu.Unlock()

	if prev != next || event == EventReachNew {
		m.logger.Info("状态转移", "from", prev, "to", next, "event", event, "position", obs.Position)
	}
	if cb != nil && (prev != next || event == EventReachNew) {
		cb(d.Transition)
	}
	return d, nil
}

// Current 返回当前状态
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// LastPosition 返回上一个已处理的工位，原点时为 -1
func (m *Machine) LastPosition() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPosition
}
