package handlers

import (
	"log/slog"

	"robot-inspection-cell/internal/event"
	"robot-inspection-cell/internal/inspection"
	"robot-inspection-cell/internal/metrics"
	"robot-inspection-cell/internal/web"
)

// 任务在界面上的状态
const (
	TaskRunning  = "RUNNING"
	TaskFinished = "FINISHED"
	TaskFailed   = "FAILED"
)

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 这是事件驱动架构的核心，将不同的业务关注点（监控、UI、日志）解耦
func RegisterEventHandlers(bus *event.Bus, st *web.StateTracker, logger *slog.Logger) {
	logger = logger.With("component", "audit")

	// --- 指标处理器 (Metrics Handler) ---
	bus.Subscribe(event.SessionOpened, func(e event.Event) {
		metrics.SessionsTotal.Inc()
	})
	bus.Subscribe(event.TaskFinished, func(e event.Event) {
		metrics.TasksProcessedTotal.WithLabelValues(e.Task, "success").Inc()
		metrics.TaskDuration.WithLabelValues(e.Task).Observe(e.Duration.Seconds())
	})
	bus.Subscribe(event.TaskFailed, func(e event.Event) {
		metrics.TasksProcessedTotal.WithLabelValues(e.Task, "failed").Inc()
		metrics.TaskDuration.WithLabelValues(e.Task).Observe(e.Duration.Seconds())
	})

	// --- Web UI 处理器 (Web UI Handler) ---
	if st != nil {
		bus.Subscribe(event.SessionOpened, func(e event.Event) {
			st.SetLink(true)
			st.OpenSession(e.SessionID)
		})
		bus.Subscribe(event.PositionReached, func(e event.Event) {
			st.SetLink(true)
			st.SetRobot("ACTIVE", e.Position)
		})
		bus.Subscribe(event.SessionClosed, func(e event.Event) {
			results, _ := e.Detail.([]inspection.Entry)
			st.CloseSession(e.SessionID, results)
		})
		bus.Subscribe(event.CycleSkipped, func(e event.Event) {
			st.SetLink(false)
		})
		bus.Subscribe(event.TaskStarted, func(e event.Event) {
			st.SetTask(taskState(e, TaskRunning))
		})
		bus.Subscribe(event.TaskFinished, func(e event.Event) {
			st.SetTask(taskState(e, TaskFinished))
		})
		bus.Subscribe(event.TaskFailed, func(e event.Event) {
			st.SetTask(taskState(e, TaskFailed))
		})
		bus.Subscribe(event.InspectionDone, func(e event.Event) {
			if entry, ok := resultEntry(e.Detail); ok {
				st.AddResult(entry)
			}
		})
	}

	// --- 日志处理器 (Logging Handler) ---
	bus.Subscribe(event.SessionOpened, func(e event.Event) {
		logger.Info("会话开启", "session_id", e.SessionID)
	})
	bus.Subscribe(event.SessionClosed, func(e event.Event) {
		results, _ := e.Detail.([]inspection.Entry)
		ok := 0
		for _, r := range results {
			if r.OK {
				ok++
			}
		}
		logger.Info("会话结束", "session_id", e.SessionID, "results", len(results), "ok", ok)
	})
	bus.Subscribe(event.ActionsDispatched, func(e event.Event) {
		logger.Info("工位动作已派发", "session_id", e.SessionID, "position", e.Position, "actions", e.Actions)
	})
	bus.Subscribe(event.TaskFailed, func(e event.Event) {
		logger.Error("传感器任务失败", "session_id", e.SessionID, "position", e.Position, "task", e.Task, "error", e.Error)
	})
	bus.Subscribe(event.CycleSkipped, func(e event.Event) {
		logger.Warn("PLC 不可用，跳过轮询周期", "error", e.Error)
	})
}

func taskState(e event.Event, status string) web.TaskState {
	id, _ := e.Detail.(string)
	t := web.TaskState{ID: id, Name: e.Task, SessionID: e.SessionID, Position: e.Position, Status: status}
	if e.Error != nil {
		t.Error = e.Error.Error()
	}
	return t
}

// resultEntry 统一焊缝结果与轮廓结果的展示形式
func resultEntry(detail any) (inspection.Entry, bool) {
	switch v := detail.(type) {
	case inspection.Entry:
		return v, true
	case inspection.Result:
		return inspection.Entry{Kind: inspection.KindWeld, Position: v.Position, OK: v.Label == inspection.LabelOK, Text: v.Text, Detail: v, At: v.At}, true
	default:
		return inspection.Entry{}, false
	}
}
