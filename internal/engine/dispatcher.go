package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"robot-inspection-cell/internal/event"
	"robot-inspection-cell/internal/metrics"
	"robot-inspection-cell/internal/util"
)

// Job 是一个可独立调度的传感器任务
type Job func(ctx context.Context) error

// Dispatcher 负责启动传感器任务
// 任务在独立 goroutine 中运行，轮询循环不等待它们；按会话跟踪以便回原点时汇总
type Dispatcher struct {
	ctx      context.Context
	mu       sync.Mutex
	sessions map[string]*sync.WaitGroup // 会话 ID -> 该会话未完成的任务
	all      sync.WaitGroup             // 全部任务，用于优雅停机
	seq      atomic.Uint64
	bus      *event.Bus
	logger   *slog.Logger
}

// NewDispatcher 创建调度器，ctx 取消时通知所有任务退出
func NewDispatcher(ctx context.Context, bus *event.Bus, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		ctx:      ctx,
		sessions: make(map[string]*sync.WaitGroup),
		bus:      bus,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Go 启动一个任务，返回任务 ID
// 任务的错误和 panic 被隔离在任务内部，只记录日志并发布 TaskFailed
func (d *Dispatcher) Go(sessionID string, position int, name string, job Job) string {
	id := fmt.Sprintf("%s-%d-%s-%d", sessionID, position, name, d.seq.Add(1))

	d.mu.Lock()
	wg, ok := d.sessions[sessionID]
	if !ok {
		wg = &sync.WaitGroup{}
		d.sessions[sessionID] = wg
	}
	wg.Add(1)
	d.all.Add(1)
	d.mu.Unlock()

	ctx := util.ContextWithSession(d.ctx, sessionID)
	ctx, corrID := util.EnsureCorrelationID(ctx)
	logger := d.logger.With("task", name, "task_id", id, "session_id", sessionID, "position", position, "correlation_id", corrID)

	metrics.TasksInFlight.Inc()
	d.bus.Publish(event.Event{Type: event.TaskStarted, SessionID: sessionID, Position: position, Task: name, Detail: id})

	go func() {
		defer d.all.Done()
		defer wg.Done()
		defer metrics.TasksInFlight.Dec()

		start := time.Now()
		err := d.run(ctx, job)
		ev := event.Event{SessionID: sessionID, Position: position, Task: name, Duration: time.Since(start), Detail: id}
		if err != nil {
			logger.Error("传感器任务失败", "error", err, "duration", ev.Duration)
			ev.Type, ev.Error = event.TaskFailed, err
		} else {
			logger.Info("传感器任务完成", "duration", ev.Duration)
			ev.Type = event.TaskFinished
		}
		d.bus.Publish(ev)
	}()
	return id
}

// run 执行任务并把 panic 转换为错误
func (d *Dispatcher) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return job(ctx)
}

// WaitSession 等待会话的全部任务结束，超时返回 false
func (d *Dispatcher) WaitSession(sessionID string, timeout time.Duration) bool {
	d.mu.Lock()
	wg, ok := d.sessions[sessionID]
	d.mu.Unlock()
	if !ok {
		return true
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	// 无论是否超时都不再跟踪该会话，迟到的任务仍由 Wait 等待
	defer func() {
		d.mu.Lock()
		delete(d.sessions, sessionID)
		d.mu.Unlock()
	}()
	select {
	case <-done:
		return true
	case <-timer.C:
		d.logger.Warn("等待会话任务超时", "session_id", sessionID, "timeout", timeout)
		return false
	}
}

// Sessions 返回仍在跟踪的会话数
func (d *Dispatcher) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Wait 等待所有正在执行的任务完成
// 用于优雅停机
func (d *Dispatcher) Wait() {
	d.all.Wait()
}
