package plc

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// Transport 抽象寄存器协议的一条连接
// 生产环境使用 Modbus TCP，测试中使用内存实现
type Transport interface {
	Open() error
	Close() error
	IsOpen() bool
	ReadHoldingRegisters(address, quantity uint16) ([]uint16, error)
	WriteSingleRegister(address, value uint16) error
}

// TransportFactory 每次重连时创建一个全新的 Transport
type TransportFactory func() Transport

// ModbusTransport 基于 goburrow/modbus 的 TCP 客户端
type ModbusTransport struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
	mu      sync.Mutex
	open    bool
}

// NewModbusTransport 创建 Modbus TCP 连接 (尚未连接)
func NewModbusTransport(address string, unitID byte, timeout time.Duration) *ModbusTransport {
	handler := modbus.NewTCPClientHandler(address)
	handler.SlaveId = unitID
	if timeout > 0 {
		handler.Timeout = timeout
	}
	return &ModbusTransport{handler: handler, client: modbus.NewClient(handler)}
}

// ModbusFactory 返回创建 Modbus 连接的工厂函数
func ModbusFactory(address string, unitID byte, timeout time.Duration) TransportFactory {
	return func() Transport {
		return NewModbusTransport(address, unitID, timeout)
	}
}

func (t *ModbusTransport) Open() error {
	if err := t.handler.Connect(); err != nil {
		t.setOpen(false)
		return err
	}
	t.setOpen(true)
	return nil
}

func (t *ModbusTransport) Close() error {
	t.setOpen(false)
	return t.handler.Close()
}

func (t *ModbusTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *ModbusTransport) setOpen(v bool) {
	t.mu.Lock()
	t.open = v
	t.mu.Unlock()
}

// ReadHoldingRegisters 读取 quantity 个保持寄存器，按大端解码为 uint16
func (t *ModbusTransport) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	raw, err := t.client.ReadHoldingRegisters(address, quantity)
	if err != nil {
		// 事务失败后视为连接已断开，由上层在下一次操作时重连
		t.setOpen(false)
		return nil, err
	}
	if len(raw) < int(quantity)*2 {
		return nil, fmt.Errorf("short modbus response: %d bytes for %d registers", len(raw), quantity)
	}
	values := make([]uint16, quantity)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(raw[i*2:])
	}
	return values, nil
}

func (t *ModbusTransport) WriteSingleRegister(address, value uint16) error {
	if _, err := t.client.WriteSingleRegister(address, value); err != nil {
		t.setOpen(false)
		return err
	}
	return nil
}
