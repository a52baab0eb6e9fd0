package event

import (
	"sync"
	"time"

	"robot-inspection-cell/internal/types"
)

// EventType 定义事件的类型
type EventType string

// 定义所有检测单元事件类型
const (
	SessionOpened     EventType = "SessionOpened"     // 机器人离开原点，开启新会话
	PositionReached   EventType = "PositionReached"   // 到达新工位
	ActionsDispatched EventType = "ActionsDispatched" // 工位动作已派发
	RobotResumed      EventType = "RobotResumed"      // 已发送机器人恢复信号
	SessionClosed     EventType = "SessionClosed"     // 机器人回到原点，会话结束
	TaskStarted       EventType = "TaskStarted"       // 传感器任务开始
	TaskFinished      EventType = "TaskFinished"      // 传感器任务成功结束
	TaskFailed        EventType = "TaskFailed"        // 传感器任务失败
	InspectionDone    EventType = "InspectionDone"    // 焊缝检测或轮廓校验产生结果
	CycleSkipped      EventType = "CycleSkipped"      // PLC 不可用，本周期跳过
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type      EventType         // 事件类型
	SessionID string            // 关联的会话 ID
	Position  int               // 关联的工位
	Task      string            // 关联的任务名 (仅任务相关事件)
	Actions   []types.ActionTag // 派发的动作 (仅 ActionsDispatched)
	Duration  time.Duration     // 任务耗时
	Detail    any               // 附加数据，如检测结果
	Error     error             // 错误信息 (仅失败事件)
	At        time.Time
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler // 存储事件类型到多个处理函数的映射
	wg       sync.WaitGroup
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	// 异步执行，避免单个处理器阻塞轮询循环
	for _, handler := range b.handlers[e.Type] {
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			h(e)
		}(handler)
	}
}

// Drain 等待所有已派发的处理器执行完毕，用于停机与测试
func (b *Bus) Drain() {
	b.wg.Wait()
}
