package plc

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"robot-inspection-cell/internal/faults"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLink_ReadWrite(t *testing.T) {
	bank := NewRegisterBank()
	bank.Set(100, 3)
	link := NewLink(bank.Factory(), testLogger())
	require.NoError(t, link.Connect())
	assert.True(t, link.IsConnected())

	v, err := link.ReadRegister(100)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), v)

	require.NoError(t, link.WriteRegister(10, 1, 0))
	assert.Equal(t, uint16(1), bank.Get(10))
}

func TestLink_ReadAttemptsExactlyOneReconnect(t *testing.T) {
	bank := NewRegisterBank()
	link := NewLink(bank.Factory(), testLogger())
	require.NoError(t, link.Connect())
	require.Equal(t, 1, bank.OpenCount())

	bank.Drop()
	bank.SetFailOpen(true)

	start := time.Now()
	_, err := link.ReadRegister(100)
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrLink)
	assert.Equal(t, 2, bank.OpenCount(), "exactly one reconnect attempt")
	assert.Less(t, time.Since(start), time.Second)

	err = link.WriteRegister(10, 1, 0)
	assert.ErrorIs(t, err, faults.ErrLink)
	assert.Equal(t, 3, bank.OpenCount())

	// PLC 恢复后下一次读取正常
	bank.SetFailOpen(false)
	bank.Set(100, 7)
	v, err := link.ReadRegister(100)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), v)
	assert.Equal(t, 4, bank.OpenCount())
}

func TestLink_ReconnectClosesStaleHandle(t *testing.T) {
	bank := NewRegisterBank()
	link := NewLink(bank.Factory(), testLogger())
	require.NoError(t, link.Connect())
	require.NoError(t, link.Reconnect())
	assert.Equal(t, 1, bank.Closes)
	assert.Equal(t, 2, bank.OpenCount())
}

func TestLink_PulseHoldsBetweenWrites(t *testing.T) {
	bank := NewRegisterBank()
	link := NewLink(bank.Factory(), testLogger())
	var holds []time.Duration
	link.sleep = func(d time.Duration) { holds = append(holds, d) }
	require.NoError(t, link.Connect())

	require.NoError(t, link.Pulse(12, 100*time.Millisecond))
	assert.Equal(t, []uint16{1, 0}, bank.WritesTo(12))
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, holds)
}

func TestLink_ReadBits(t *testing.T) {
	bank := NewRegisterBank()
	bank.Set(5, 0b1010)
	link := NewLink(bank.Factory(), testLogger())
	require.NoError(t, link.Connect())

	bits, err := link.ReadBits(5, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 1, 0, 1}, bits)
}

func TestLink_ConnectFailure(t *testing.T) {
	bank := NewRegisterBank()
	bank.SetFailOpen(true)
	link := NewLink(bank.Factory(), testLogger())
	err := link.Connect()
	assert.ErrorIs(t, err, faults.ErrLink)
	assert.False(t, link.IsConnected())
}
