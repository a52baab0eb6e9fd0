package plc

import (
	"context"
	"log/slog"
	"time"

	"robot-inspection-cell/internal/types"
)

// SimRobot 在 RegisterBank 上模拟机器人
// 按顺序经过各工位，每到一个工位等待恢复信号后再前往下一个，最后回到原点
type SimRobot struct {
	bank      *RegisterBank
	regs      types.Registers
	positions []int
	dwell     time.Duration // 每次移动后的停留时间
	timeout   time.Duration // 等待恢复信号的上限
	resumed   chan struct{}
	logger    *slog.Logger
}

// NewSimRobot 创建模拟机器人并接管 bank 的写入回调
func NewSimRobot(bank *RegisterBank, regs types.Registers, positions []int, dwell time.Duration, logger *slog.Logger) *SimRobot {
	r := &SimRobot{
		bank:      bank,
		regs:      regs,
		positions: positions,
		dwell:     dwell,
		timeout:   10 * time.Second,
		resumed:   make(chan struct{}, 1),
		logger:    logger.With("component", "sim_robot"),
	}
	bank.mu.Lock()
	bank.OnWrite = r.onWrite
	bank.mu.Unlock()
	bank.Set(regs.RobotHome, 1)
	bank.Set(regs.PositionNo, types.HomePosition)
	return r
}

func (r *SimRobot) onWrite(address, value uint16) {
	if address != r.regs.RobotResume || value != 1 {
		return
	}
	select {
	case r.resumed <- struct{}{}:
	default:
	}
}

// Run 循环执行巡检路线，直到 ctx 取消
func (r *SimRobot) Run(ctx context.Context) error {
	for {
		if err := r.Tour(ctx); err != nil {
			return err
		}
	}
}

// Tour 执行一次完整路线：离开原点、逐个工位停留、回到原点
func (r *SimRobot) Tour(ctx context.Context) error {
	for _, p := range r.positions {
		r.bank.Set(r.regs.RobotHome, 0)
		r.bank.Set(r.regs.PositionNo, uint16(p))
		r.logger.Info("机器人到达工位", "position", p)

		timer := time.NewTimer(r.timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-r.resumed:
			timer.Stop()
		case <-timer.C:
			r.logger.Warn("等待恢复信号超时，继续移动", "position", p)
		}
		if err := r.wait(ctx); err != nil {
			return err
		}
	}

	r.bank.Set(r.regs.PositionNo, types.HomePosition)
	r.bank.Set(r.regs.RobotHome, 1)
	r.logger.Info("机器人回到原点")
	return r.wait(ctx)
}

func (r *SimRobot) wait(ctx context.Context) error {
	timer := time.NewTimer(r.dwell)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
