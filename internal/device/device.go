// Package device 定义相机与轮廓仪的协作接口
// 厂商驱动本身不在本仓库内，这里只约定调用边界，并提供可离线运行的模拟设备
package device

import (
	"context"
	"image"
	"time"
)

// Frame 是相机采集到的一帧图像
type Frame struct {
	Image    image.Image
	Source   string
	Captured time.Time
}

// Camera 是面阵相机的协作接口
type Camera interface {
	Name() string
	// Init 打开设备并开始取流，可重复调用以重新初始化
	Init(ctx context.Context) error
	// SetExposure 设置曝光时间 (微秒)
	SetExposure(exposure float64) error
	// Grab 采集一帧
	Grab(ctx context.Context) (Frame, error)
	Close() error
}

// Scan 是轮廓仪输出的一条轮廓
type Scan struct {
	Timestamp uint64
	X         []float64
	Z         []float64
}

// Stream 是轮廓仪的测量队列
type Stream interface {
	Start() error
	// ClearQueue 丢弃启动前积压的测量
	ClearQueue() error
	// Pending 返回队列中待读取的轮廓数
	Pending() (int, error)
	// Read 取出一条轮廓
	Read() (Scan, error)
	Stop() error
}

// Profiler 是激光轮廓仪的协作接口
type Profiler interface {
	Connect(ctx context.Context) error
	OpenStream() (Stream, error)
	// GrabImage 读取传感器原始激光图像
	GrabImage(ctx context.Context) (*image.Gray, error)
	Close() error
}

// EventKind 定义设备异步事件的类型
type EventKind string

const (
	EventException    EventKind = "exception"    // 驱动上报异常
	EventDisconnected EventKind = "disconnected" // 设备掉线
)

// Event 是驱动回调上报的异步事件
type Event struct {
	Source string
	Kind   EventKind
	Code   int
	At     time.Time
}

// EventSource 由能够异步上报事件的设备实现
// 设备只能通过 sink 投递事件，不得在回调中直接操作共享状态
type EventSource interface {
	OnEvent(sink func(Event))
}
