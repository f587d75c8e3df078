package fake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gni.dev/dbgapi/internal/dbg"
)

func TestHostSelection(t *testing.T) {
	h := NewHost()
	ctx := context.Background()
	other := 3

	tests := []struct {
		sel dbg.Context
		err error
	}{
		{sel: dbg.Context{}},
		{sel: dbg.Context{TargetID: &other}, err: dbg.ErrInvalidTarget},
		{sel: dbg.Context{ThreadID: &other}, err: dbg.ErrInvalidTarget},
	}
	for i, test := range tests {
		_, err := h.Registers(ctx, test.sel)
		if test.err == nil {
			assert.NoError(t, err, "test #%d", i)
		} else {
			assert.ErrorIs(t, err, test.err, "test #%d", i)
		}
	}
}

func TestHostBusyWhileRunning(t *testing.T) {
	h := NewHost()
	ctx := context.Background()

	h.SetState(dbg.StateRunning)
	_, err := h.ReadMemory(ctx, dbg.Context{}, MemoryAddress, 4)
	assert.ErrorIs(t, err, dbg.ErrHostBusy)

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.SetState(dbg.StateStopped)
	}()
	s, err := h.WaitForStateChange(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, dbg.StateStopped, s)

	mem, err := h.ReadMemory(ctx, dbg.Context{}, MemoryAddress, 4)
	require.NoError(t, err)
	assert.Equal(t, Memory[:4], mem)
}

func TestHostClose(t *testing.T) {
	h := NewHost()
	require.NoError(t, h.Close())

	_, err := h.WaitForStateChange(context.Background(), time.Second)
	assert.ErrorIs(t, err, dbg.ErrClosed)
}

func TestMinimal(t *testing.T) {
	m := Minimal(NewHost())
	_, ok := m.(dbg.CommandExecutor)
	assert.False(t, ok)
	_, ok = m.(dbg.Disassembler)
	assert.False(t, ok)
	assert.Equal(t, HostVersion, m.HostVersion())
}
