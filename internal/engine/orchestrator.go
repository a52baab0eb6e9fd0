package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"robot-inspection-cell/internal/config"
	"robot-inspection-cell/internal/event"
	"robot-inspection-cell/internal/fsm"
	"robot-inspection-cell/internal/inspection"
	"robot-inspection-cell/internal/metrics"
	"robot-inspection-cell/internal/persistence"
	"robot-inspection-cell/internal/plc"
	"robot-inspection-cell/internal/retry"
	"robot-inspection-cell/internal/types"
)

// Orchestrator 是检测单元的轮询主循环
// 每个周期读取原点与工位寄存器，驱动状态机，并在到达新工位时派发动作
// 只有一个 goroutine 调用 Cycle，会话的开启与关闭因此天然有序
type Orchestrator struct {
	cfg        *config.Config
	link       *plc.Link
	machine    *fsm.Machine
	counter    *persistence.SessionCounter
	dispatcher *Dispatcher
	tasks      *Tasks
	rules      *RuleSet
	book       *inspection.Book
	bus        *event.Bus
	logger     *slog.Logger
	actions    map[int][]types.ActionTag

	mu        sync.Mutex
	sessionID string
}

// Options 汇总 Orchestrator 的依赖
type Options struct {
	Config     *config.Config
	Link       *plc.Link
	Machine    *fsm.Machine
	Counter    *persistence.SessionCounter
	Dispatcher *Dispatcher
	Tasks      *Tasks
	Rules      *RuleSet
	Book       *inspection.Book
	Bus        *event.Bus
}

// NewOrchestrator 创建主循环，动作表在此解析一次
func NewOrchestrator(opts Options, logger *slog.Logger) (*Orchestrator, error) {
	actions, err := opts.Config.Actions()
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:        opts.Config,
		link:       opts.Link,
		machine:    opts.Machine,
		counter:    opts.Counter,
		dispatcher: opts.Dispatcher,
		tasks:      opts.Tasks,
		rules:      opts.Rules,
		book:       opts.Book,
		bus:        opts.Bus,
		logger:     logger.With("component", "orchestrator"),
		actions:    actions,
	}, nil
}

// Session 返回当前会话 ID，机器人在原点时为空
func (o *Orchestrator) Session() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// Run 持续执行轮询周期，直到 ctx 被取消
// 单个周期的错误只记录日志，循环不会因此退出
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("开始监控机器人状态", "poll_interval", o.cfg.PollInterval, "positions", o.cfg.Positions())
	for {
		if err := o.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			o.logger.Warn("轮询周期失败", "error", err)
		}
		if err := retry.SleepContext(ctx, o.cfg.PollInterval); err != nil {
			break
		}
	}
	o.logger.Info("停止监控，等待传感器任务结束")
	o.dispatcher.Wait()
	return ctx.Err()
}

// Cycle 执行一个轮询周期
func (o *Orchestrator) Cycle(ctx context.Context) error {
	if !o.link.IsConnected() {
		o.logger.Warn("PLC 未连接，尝试重连")
		if err := o.link.Reconnect(); err != nil {
			metrics.PollCyclesTotal.WithLabelValues("skipped").Inc()
			o.bus.Publish(event.Event{Type: event.CycleSkipped, SessionID: o.Session(), Error: err})
			return fmt.Errorf("skip cycle: %w", err)
		}
		o.logger.Info("PLC 重连成功")
	}

	// 等待寄存器值稳定
	if err := retry.SleepContext(ctx, o.cfg.SettleDelay); err != nil {
		return err
	}

	home, err := o.link.ReadRegister(o.cfg.Registers.RobotHome)
	if err != nil {
		return o.skip(err)
	}
	position, err := o.link.ReadRegister(o.cfg.Registers.PositionNo)
	if err != nil {
		return o.skip(err)
	}

	d, err := o.machine.Apply(fsm.Observation{Home: home == 1, Position: int(position)})
	if err != nil {
		return err
	}

	if d.CloseSession {
		o.closeSession()
	}
	if d.OpenSession {
		o.openSession()
	}
	if !d.Dispatch {
		metrics.PollCyclesTotal.WithLabelValues("idle").Inc()
		return nil
	}

	metrics.PollCyclesTotal.WithLabelValues("processed").Inc()
	return o.dispatch(ctx, d.Position)
}

func (o *Orchestrator) skip(err error) error {
	metrics.PollCyclesTotal.WithLabelValues("skipped").Inc()
	o.bus.Publish(event.Event{Type: event.CycleSkipped, SessionID: o.Session(), Error: err})
	return fmt.Errorf("skip cycle: %w", err)
}

// openSession 分配新的会话 ID 并创建输出目录
// 计数文件或输出目录不可用时只记录错误，会话照常开启，工位动作与恢复信号不受影响
func (o *Orchestrator) openSession() {
	id, err := o.counter.Next()
	if err != nil {
		id = "TVS-" + time.Now().Format(timestampDirLayout)
		o.logger.Error("会话计数失败，使用时间戳作为会话 ID", "session_id", id, "error", err)
	}
	dir := o.sessionDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.logger.Error("无法创建会话目录，本会话的图像将无法保存", "session_id", id, "dir", dir, "error", err)
	}

	o.mu.Lock()
	o.sessionID = id
	o.mu.Unlock()

	o.logger.Info("机器人离开原点，开启新会话", "session_id", id, "dir", dir)
	o.bus.Publish(event.Event{Type: event.SessionOpened, SessionID: id})
}

// closeSession 等待本会话的传感器任务后输出全部结果
func (o *Orchestrator) closeSession() {
	id := o.Session()
	if id == "" {
		return
	}
	if !o.dispatcher.WaitSession(id, o.cfg.FlushTimeout) {
		o.logger.Warn("部分传感器任务未在时限内完成，先输出已有结果", "session_id", id)
	}
	results := o.book.Flush(id)

	o.mu.Lock()
	o.sessionID = ""
	o.mu.Unlock()

	o.logger.Info("机器人回到原点，会话结束", "session_id", id, "results", len(results))
	o.bus.Publish(event.Event{Type: event.SessionClosed, SessionID: id, Detail: results})
}

func (o *Orchestrator) sessionDir(id string) string {
	return filepath.Join(o.cfg.OutputRoot, "scans", id)
}

// dispatch 按固定顺序执行工位动作
// 光源与拍照同步完成，其余传感器任务交给调度器；无论动作成败，最后都发送恢复信号
func (o *Orchestrator) dispatch(ctx context.Context, position int) error {
	sessionID := o.Session()
	logger := o.logger.With("session_id", sessionID, "position", position)
	o.bus.Publish(event.Event{Type: event.PositionReached, SessionID: sessionID, Position: position})

	configured, ok := o.actions[position]
	if !ok {
		logger.Warn("工位没有配置动作，直接恢复机器人")
	}
	actions, skipped := o.rules.Filter(configured, RuleEnv{Position: position, UseCamera: o.cfg.UseCamera, Session: sessionID})
	if len(skipped) > 0 {
		logger.Info("按规则跳过动作", "skipped", skipped)
	}
	logger.Info("到达新工位，派发动作", "actions", actions)

	var errs []error
	light := Has(actions, types.ActionLight)
	if light {
		if err := o.link.WriteRegister(o.cfg.Registers.LightTrigger, 1, o.cfg.LightHold); err != nil {
			logger.Error("打开光源失败", "error", err)
			errs = append(errs, err)
		}
	}

	if Has(actions, types.ActionCamera) {
		imagePath, err := o.tasks.CaptureCamera(ctx, o.sessionDir(sessionID), position)
		if err != nil {
			logger.Error("拍照失败", "error", err)
			errs = append(errs, err)
		} else {
			o.dispatcher.Go(sessionID, position, "weld_inspection", func(ctx context.Context) error {
				return o.tasks.InspectWeld(ctx, sessionID, position, imagePath)
			})
		}
	}
	if Has(actions, types.ActionLaserImage) {
		o.dispatcher.Go(sessionID, position, string(types.ActionLaserImage), func(ctx context.Context) error {
			return o.tasks.CaptureLaserImage(ctx, position)
		})
	}
	if Has(actions, types.ActionProfiler) {
		o.dispatcher.Go(sessionID, position, string(types.ActionProfiler), func(ctx context.Context) error {
			return o.tasks.CollectProfiles(ctx, sessionID, position)
		})
	}
	if Has(actions, types.ActionProfilerCenter) {
		o.dispatcher.Go(sessionID, position, string(types.ActionProfilerCenter), func(ctx context.Context) error {
			return o.tasks.CaptureCenter(ctx, position)
		})
	}

	if light {
		if err := o.link.WriteRegister(o.cfg.Registers.LightTrigger, 0, 0); err != nil {
			logger.Error("关闭光源失败", "error", err)
			errs = append(errs, err)
		}
	}

	if err := o.link.Pulse(o.cfg.Registers.RobotResume, o.cfg.ResumeHold); err != nil {
		logger.Error("发送恢复信号失败", "error", err)
		errs = append(errs, err)
	} else {
		logger.Info("已发送机器人恢复信号")
		o.bus.Publish(event.Event{Type: event.RobotResumed, SessionID: sessionID, Position: position})
	}

	o.bus.Publish(event.Event{Type: event.ActionsDispatched, SessionID: sessionID, Position: position, Actions: actions})
	if len(errs) > 0 {
		return fmt.Errorf("position %d: %w", position, errors.Join(errs...))
	}
	return nil
}
