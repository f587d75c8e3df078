// Package fake provides an in-memory debugger host with fixed fixtures,
// used by tests and by `dbgapi serve --host fake`.
package fake

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"gni.dev/dbgapi/internal/dbg"
	"gni.dev/dbgapi/internal/dbg/waiter"
)

// Fixture values served by Host.
const (
	HostVersion   = "lldb-something"
	MemoryAddress = 0x1000
	MemoryLength  = 0x40
	StackPointer  = 0x7ffe0000
	TextAddress   = 0x401000
	MainThread    = 1
	FixtureTarget = 0
)

var Targets = []dbg.TargetInfo{
	{
		ID:    FixtureTarget,
		PID:   4242,
		Arch:  dbg.ArchAMD64,
		File:  "/tmp/inferior",
		State: dbg.StateStopped,
		Entry: TextAddress,
	},
}

var Registers = map[string]uint64{
	"rax":    0x0,
	"rbx":    0x1,
	"rcx":    0x2,
	"rdx":    0x3,
	"rsi":    0x7ffe0100,
	"rdi":    0x1,
	"rbp":    StackPointer + 0x40,
	"rsp":    StackPointer,
	"rip":    TextAddress,
	"rflags": 0x246,
}

var CommandOutput = map[string]string{
	"reg read": "rax = 0x0000000000000000\nrip = 0x0000000000401000\n",
	"version":  HostVersion + "\n",
}

// Memory is the fixture at MemoryAddress.
var Memory = pattern(MemoryLength, 0)

// Stack is the fixture at StackPointer.
var Stack = pattern(0x100, 0x80)

// Disassembly holds the instructions starting at TextAddress.
var Disassembly = func() []dbg.Instruction {
	var out []dbg.Instruction
	addr := uint64(TextAddress)
	for i := 0; i < 24; i++ {
		b := []byte{0x48, 0x89, byte(0xc0 + i%8)}
		out = append(out, dbg.Instruction{
			Address: addr,
			Bytes:   dbg.HexBytes(b),
			Text:    fmt.Sprintf("mov %s, rax", regNames[i%8]),
			Symbol:  fmt.Sprintf("main.main+%d", addr-TextAddress),
		})
		addr += uint64(len(b))
	}
	return out
}()

var regNames = []string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi"}

var Breakpoints = []dbg.Breakpoint{
	{ID: 1, Address: TextAddress, Func: "main.main", File: "/tmp/inferior.go", Line: 10, Enabled: true},
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

// Host is an in-memory debugger host serving the fixtures above. It
// implements every optional capability.
type Host struct {
	w *waiter.Waiter

	mu     sync.Mutex
	memory map[uint64][]byte
}

var (
	_ dbg.Adaptor          = (*Host)(nil)
	_ dbg.CommandExecutor  = (*Host)(nil)
	_ dbg.Disassembler     = (*Host)(nil)
	_ dbg.BreakpointLister = (*Host)(nil)
	_ io.Closer            = (*Host)(nil)
)

func NewHost() *Host {
	return &Host{
		w: waiter.New(dbg.StateStopped),
		memory: map[uint64][]byte{
			MemoryAddress: Memory,
			StackPointer:  Stack,
			TextAddress:   make([]byte, 0x100),
		},
	}
}

// SetState moves the host to s, waking any waiters.
func (h *Host) SetState(s dbg.State) {
	h.w.Set(s)
}

// Close releases parked waiters.
func (h *Host) Close() error {
	h.w.Close()
	return nil
}

func (h *Host) HostVersion() string {
	return HostVersion
}

func (h *Host) State(_ context.Context, sel dbg.Context) (dbg.State, error) {
	if err := checkSelection(sel); err != nil {
		return dbg.StateInvalid, err
	}
	return h.w.State(), nil
}

func (h *Host) Targets(context.Context) ([]dbg.TargetInfo, error) {
	out := make([]dbg.TargetInfo, len(Targets))
	copy(out, Targets)
	for i := range out {
		out[i].State = h.w.State()
	}
	return out, nil
}

func (h *Host) Registers(_ context.Context, sel dbg.Context) (map[string]uint64, error) {
	if err := h.stopped(sel); err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(Registers))
	for k, v := range Registers {
		out[k] = v
	}
	return out, nil
}

func (h *Host) ReadMemory(_ context.Context, sel dbg.Context, addr uint64, length int) ([]byte, error) {
	if err := h.stopped(sel); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for base, region := range h.memory {
		if addr >= base && addr+uint64(length) <= base+uint64(len(region)) {
			out := make([]byte, length)
			copy(out, region[addr-base:])
			return out, nil
		}
	}
	return nil, fmt.Errorf("cannot read %d bytes at 0x%x", length, addr)
}

func (h *Host) ReadStack(ctx context.Context, sel dbg.Context, length int) ([]byte, error) {
	return h.ReadMemory(ctx, sel, StackPointer, length)
}

func (h *Host) ExecuteCommand(_ context.Context, sel dbg.Context, command string) (string, error) {
	if err := checkSelection(sel); err != nil {
		return "", err
	}
	out, ok := CommandOutput[command]
	if !ok {
		return "", fmt.Errorf("error: '%s' is not a valid command", command)
	}
	return out, nil
}

func (h *Host) Disassemble(_ context.Context, sel dbg.Context, addr *uint64, count int) ([]dbg.Instruction, error) {
	if err := h.stopped(sel); err != nil {
		return nil, err
	}
	start := 0
	if addr != nil {
		start = -1
		for i, inst := range Disassembly {
			if inst.Address == *addr {
				start = i
				break
			}
		}
		if start < 0 {
			return nil, fmt.Errorf("no instruction at 0x%x", *addr)
		}
	}
	end := start + count
	if end > len(Disassembly) {
		end = len(Disassembly)
	}
	out := make([]dbg.Instruction, end-start)
	copy(out, Disassembly[start:end])
	return out, nil
}

func (h *Host) Breakpoints(_ context.Context, sel dbg.Context) ([]dbg.Breakpoint, error) {
	if err := checkSelection(sel); err != nil {
		return nil, err
	}
	out := make([]dbg.Breakpoint, len(Breakpoints))
	copy(out, Breakpoints)
	return out, nil
}

func (h *Host) WaitForStateChange(ctx context.Context, timeout time.Duration) (dbg.State, error) {
	return h.w.Wait(ctx, timeout)
}

func (h *Host) stopped(sel dbg.Context) error {
	if err := checkSelection(sel); err != nil {
		return err
	}
	if s := h.w.State(); s != dbg.StateStopped {
		return fmt.Errorf("target is %s: %w", s, dbg.ErrHostBusy)
	}
	return nil
}

func checkSelection(sel dbg.Context) error {
	if t := sel.Target(FixtureTarget); t != FixtureTarget {
		return fmt.Errorf("target %d: %w", t, dbg.ErrInvalidTarget)
	}
	if th := sel.Thread(MainThread); th != MainThread {
		return fmt.Errorf("thread %d: %w", th, dbg.ErrInvalidTarget)
	}
	return nil
}

// Minimal hides every optional capability of host.
func Minimal(host dbg.Adaptor) dbg.Adaptor {
	return struct{ dbg.Adaptor }{host}
}
