package plc

import (
	"errors"
	"sync"
)

// RegisterBank 是内存中的寄存器表，可模拟 PLC
// 用于测试和离线演示，所有方法并发安全
type RegisterBank struct {
	mu        sync.Mutex
	registers map[uint16]uint16
	writes    []Write
	reads     []uint16

	// FailOpen 为 true 时 Open 返回错误，模拟 PLC 不可达
	FailOpen bool
	// Opens 记录 Open 被调用的次数
	Opens int
	// Closes 记录 Close 被调用的次数
	Closes int
	// OnWrite 在每次写入后回调，可用于模拟 PLC 对写入的反应
	OnWrite func(address, value uint16)

	current *MemoryTransport
}

// Write 记录一次寄存器写入
type Write struct {
	Address uint16
	Value   uint16
}

// ErrUnreachable 模拟连接失败
var ErrUnreachable = errors.New("plc unreachable")

// NewRegisterBank 创建一个空寄存器表
func NewRegisterBank() *RegisterBank {
	return &RegisterBank{registers: make(map[uint16]uint16)}
}

// Set 设置寄存器的值
func (b *RegisterBank) Set(address, value uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registers[address] = value
}

// Get 读取寄存器的值
func (b *RegisterBank) Get(address uint16) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registers[address]
}

// Writes 返回写入记录的副本
func (b *RegisterBank) Writes() []Write {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Write, len(b.writes))
	copy(out, b.writes)
	return out
}

// Reads 返回按顺序读取过的寄存器地址
func (b *RegisterBank) Reads() []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint16(nil), b.reads...)
}

// WritesTo 返回指定地址的写入值序列
func (b *RegisterBank) WritesTo(address uint16) []uint16 {
	var values []uint16
	for _, w := range b.Writes() {
		if w.Address == address {
			values = append(values, w.Value)
		}
	}
	return values
}

// Drop 断开当前连接，模拟 socket 被对端关闭
func (b *RegisterBank) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil {
		b.current.open = false
	}
}

// SetFailOpen 并发安全地切换 FailOpen
func (b *RegisterBank) SetFailOpen(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.FailOpen = v
}

// OpenCount 返回 Open 调用次数
func (b *RegisterBank) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Opens
}

// Factory 返回指向该寄存器表的 TransportFactory
func (b *RegisterBank) Factory() TransportFactory {
	return func() Transport {
		return &MemoryTransport{bank: b}
	}
}

// MemoryTransport 是 RegisterBank 上的一条连接
type MemoryTransport struct {
	bank *RegisterBank
	open bool
}

func (t *MemoryTransport) Open() error {
	b := t.bank
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Opens++
	if b.FailOpen {
		return ErrUnreachable
	}
	t.open = true
	b.current = t
	return nil
}

func (t *MemoryTransport) Close() error {
	b := t.bank
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Closes++
	t.open = false
	return nil
}

func (t *MemoryTransport) IsOpen() bool {
	t.bank.mu.Lock()
	defer t.bank.mu.Unlock()
	return t.open
}

func (t *MemoryTransport) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	b := t.bank
	b.mu.Lock()
	defer b.mu.Unlock()
	if !t.open {
		return nil, ErrUnreachable
	}
	b.reads = append(b.reads, address)
	values := make([]uint16, quantity)
	for i := range values {
		values[i] = b.registers[address+uint16(i)]
	}
	return values, nil
}

func (t *MemoryTransport) WriteSingleRegister(address, value uint16) error {
	b := t.bank
	b.mu.Lock()
	if !t.open {
		b.mu.Unlock()
		return ErrUnreachable
	}
	b.registers[address] = value
	b.writes = append(b.writes, Write{Address: address, Value: value})
	cb := b.OnWrite
	b.mu.Unlock()
	if cb != nil {
		cb(address, value)
	}
	return nil
}
