// Package plc 管理与 PLC 的寄存器协议连接
// 所有寄存器操作都在同一把互斥锁内完成：协议不支持流水线，同一时刻系统内只允许一个事务
package plc

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"robot-inspection-cell/internal/faults"
	"robot-inspection-cell/internal/metrics"
)

// Link 是线程安全的 PLC 连接
type Link struct {
	mu        sync.Mutex
	factory   TransportFactory
	transport Transport
	logger    *slog.Logger
	sleep     func(time.Duration) // 写入后的保持等待，测试中可替换
}

// NewLink 创建一个新的 Link 实例，不会立即连接
func NewLink(factory TransportFactory, logger *slog.Logger) *Link {
	return &Link{
		factory: factory,
		logger:  logger.With("component", "plc"),
		sleep:   time.Sleep,
	}
}

// Connect 建立到 PLC 的连接
func (l *Link) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reconnectLocked()
}

// IsConnected 判断当前连接是否可用
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transport != nil && l.transport.IsOpen()
}

// Reconnect 关闭旧连接后重新建立连接，只尝试一次
func (l *Link) Reconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reconnectLocked()
}

func (l *Link) reconnectLocked() error {
	if l.transport != nil {
		_ = l.transport.Close()
		l.transport = nil
	}
	t := l.factory()
	if err := t.Open(); err != nil {
		metrics.PLCReconnectsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("connect plc: %w: %w", faults.ErrLink, err)
	}
	l.transport = t
	metrics.PLCReconnectsTotal.WithLabelValues("ok").Inc()
	return nil
}

// ensureLocked 在连接断开时恰好尝试一次重连
func (l *Link) ensureLocked() error {
	if l.transport != nil && l.transport.IsOpen() {
		return nil
	}
	l.logger.Warn("PLC 未连接，尝试重连")
	if err := l.reconnectLocked(); err != nil {
		l.logger.Error("无法重连 PLC", "error", err)
		return err
	}
	return nil
}

// ReadRegister 读取单个保持寄存器
func (l *Link) ReadRegister(address uint16) (uint16, error) {
	values, err := l.ReadRegisters(address, 1)
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

// ReadRegisters 从 address 开始读取 quantity 个保持寄存器
func (l *Link) ReadRegisters(address, quantity uint16) ([]uint16, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureLocked(); err != nil {
		metrics.PLCTransactionsTotal.WithLabelValues("read", "error").Inc()
		return nil, err
	}
	values, err := l.transport.ReadHoldingRegisters(address, quantity)
	if err != nil || len(values) < int(quantity) {
		metrics.PLCTransactionsTotal.WithLabelValues("read", "error").Inc()
		l.logger.Error("读取寄存器失败", "address", address, "error", err)
		if err == nil {
			err = fmt.Errorf("short read: %d registers", len(values))
		}
		return nil, fmt.Errorf("read register %d: %w: %w", address, faults.ErrLink, err)
	}
	metrics.PLCTransactionsTotal.WithLabelValues("read", "ok").Inc()
	return values, nil
}

// ReadBits 读取寄存器并按位展开低 n 位
func (l *Link) ReadBits(address uint16, n int) ([]uint8, error) {
	value, err := l.ReadRegister(address)
	if err != nil {
		return nil, err
	}
	if n > 16 {
		n = 16
	}
	bits := make([]uint8, n)
	for i := 0; i < n; i++ {
		bits[i] = uint8((value >> i) & 0x01)
	}
	return bits, nil
}

// WriteRegister 写入单个保持寄存器
// hold > 0 时在事务完成后持锁等待，满足 PLC 的时序要求
func (l *Link) WriteRegister(address, value uint16, hold time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureLocked(); err != nil {
		metrics.PLCTransactionsTotal.WithLabelValues("write", "error").Inc()
		return err
	}
	if err := l.transport.WriteSingleRegister(address, value); err != nil {
		metrics.PLCTransactionsTotal.WithLabelValues("write", "error").Inc()
		l.logger.Error("写入寄存器失败", "address", address, "value", value, "error", err)
		return fmt.Errorf("write register %d: %w: %w", address, faults.ErrLink, err)
	}
	metrics.PLCTransactionsTotal.WithLabelValues("write", "ok").Inc()
	if hold > 0 {
		l.sleep(hold)
	}
	return nil
}

// Pulse 写 1、保持 hold、再写 0
func (l *Link) Pulse(address uint16, hold time.Duration) error {
	if err := l.WriteRegister(address, 1, hold); err != nil {
		return err
	}
	return l.WriteRegister(address, 0, 0)
}

// Close 关闭连接
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.transport == nil {
		return nil
	}
	err := l.transport.Close()
	l.transport = nil
	return err
}
