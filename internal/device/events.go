package device

import (
	"sync/atomic"

	"robot-inspection-cell/internal/metrics"
)

// Events 是有界的设备事件通道
// 发布永不阻塞：通道已满时丢弃事件并计数，驱动回调线程不会被消费者拖慢
type Events struct {
	ch        chan Event
	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewEvents 创建容量为 size 的事件通道
func NewEvents(size int) *Events {
	if size <= 0 {
		size = 16
	}
	return &Events{ch: make(chan Event, size)}
}

// Publish 非阻塞投递事件，返回是否投递成功
func (e *Events) Publish(ev Event) bool {
	e.published.Add(1)
	metrics.DeviceEventsTotal.WithLabelValues(ev.Source, string(ev.Kind)).Inc()
	select {
	case e.ch <- ev:
		return true
	default:
		e.dropped.Add(1)
		metrics.DeviceEventsDroppedTotal.Inc()
		return false
	}
}

// C 返回只读通道，由 Session 的所有者 goroutine 消费
func (e *Events) C() <-chan Event { return e.ch }

// Stats 返回已发布与已丢弃的事件数
func (e *Events) Stats() (published, dropped uint64) {
	return e.published.Load(), e.dropped.Load()
}
