package dlv

import (
	"context"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"testing"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gni.dev/dbgapi/internal/dbg"
)

const (
	fakePID    = 4242
	fakeThread = 7
	fakePC     = 0x49a2c0
	fakeSP     = 0xc000040000
)

// Wire types mirror Delve's rpc2 argument and reply shapes. net/rpc only
// serves exported types.

type NoArgs struct{}

type StateOut struct{ State *api.DebuggerState }

type PidOut struct{ Pid int }

type RegistersArgs struct{ ThreadID int }

type RegistersOut struct {
	Registers string
	Regs      api.Registers
}

type ExamineArgs struct {
	Address uint64
	Length  int
}

type ExamineOut struct {
	Mem            []byte
	IsLittleEndian bool
}

type ThreadsOut struct{ Threads []*api.Thread }

type DisassembleArgs struct{ StartPC, EndPC uint64 }

type DisassembleOut struct{ Disassemble api.AsmInstructions }

type BreakpointsOut struct{ Breakpoints []*api.Breakpoint }

type CommandArgs struct{ Name string }

type CommandOut struct{ State api.DebuggerState }

type DetachArgs struct{ Kill bool }

// fakeDelve answers the subset of Delve's RPCServer used by Host.
type fakeDelve struct {
	mu        sync.Mutex
	running   bool
	stops     chan api.DebuggerState
	detached  bool
	continues int
}

func (f *fakeDelve) SetApiVersion(_ NoArgs, _ *NoArgs) error { return nil }

func (f *fakeDelve) GetVersion(_ NoArgs, out *api.GetVersionOut) error {
	out.DelveVersion = "Version: 1.22.1"
	out.APIVersion = 2
	out.Backend = "native"
	return nil
}

func (f *fakeDelve) ProcessPid(_ NoArgs, out *PidOut) error {
	out.Pid = fakePID
	return nil
}

func (f *fakeDelve) current() api.DebuggerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return api.DebuggerState{
		Running:       f.running,
		CurrentThread: &api.Thread{ID: fakeThread, PC: fakePC},
	}
}

func (f *fakeDelve) State(_ NoArgs, out *StateOut) error {
	st := f.current()
	out.State = &st
	return nil
}

func (f *fakeDelve) ListRegisters(in RegistersArgs, out *RegistersOut) error {
	out.Regs = api.Registers{
		{Name: "Rip", Value: "0x49a2c0"},
		{Name: "Rsp", Value: "0xc000040000"},
		{Name: "Rflags", Value: "0x246\t[IF ZF PF]"},
		{Name: "XMM0", Value: "0x0 0x0"},
		{Name: "Bogus", Value: ""},
	}
	return nil
}

func (f *fakeDelve) ExamineMemory(in ExamineArgs, out *ExamineOut) error {
	out.Mem = make([]byte, in.Length)
	for i := range out.Mem {
		out.Mem[i] = byte(in.Address) + byte(i)
	}
	out.IsLittleEndian = true
	return nil
}

func (f *fakeDelve) ListThreads(_ NoArgs, out *ThreadsOut) error {
	out.Threads = []*api.Thread{{ID: fakeThread}, {ID: fakeThread + 1}}
	return nil
}

func (f *fakeDelve) Disassemble(in DisassembleArgs, out *DisassembleOut) error {
	fn := &api.Function{Name_: "main.main", Value: fakePC - 0x10}
	for pc := in.StartPC; pc < in.EndPC; pc += 2 {
		out.Disassemble = append(out.Disassemble, api.AsmInstruction{
			Loc:   api.Location{PC: pc, Function: fn},
			Text:  "nop",
			Bytes: []byte{0x66, 0x90},
		})
	}
	return nil
}

func (f *fakeDelve) ListBreakpoints(_ NoArgs, out *BreakpointsOut) error {
	out.Breakpoints = []*api.Breakpoint{
		{ID: -1, Name: "unrecovered-panic", Addr: 0x43a000},
		{ID: 1, Addr: fakePC, File: "/src/main.go", Line: 12, FunctionName: "main.main"},
		{ID: 2, Addr: fakePC + 0x20, FunctionName: "main.helper", Disabled: true},
	}
	return nil
}

func (f *fakeDelve) Command(in CommandArgs, out *CommandOut) error {
	switch in.Name {
	case api.Continue:
		f.mu.Lock()
		f.running = true
		f.continues++
		f.mu.Unlock()
		out.State = <-f.stops
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
	case api.Halt:
		st := api.DebuggerState{CurrentThread: &api.Thread{ID: fakeThread + 1, PC: fakePC + 4}}
		f.stops <- st
		out.State = st
	}
	return nil
}

func (f *fakeDelve) Detach(_ DetachArgs, _ *NoArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = true
	return nil
}

func newFakeHost(t *testing.T) (*Host, *fakeDelve) {
	t.Helper()
	f := &fakeDelve{stops: make(chan api.DebuggerState)}
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("RPCServer", f))

	a, b := net.Pipe()
	go srv.ServeCodec(jsonrpc.NewServerCodec(b))

	h, err := New(a, testr.New(t))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h, f
}

func TestHostInfo(t *testing.T) {
	h, _ := newFakeHost(t)
	ctx := context.Background()

	assert.Equal(t, "delve Version: 1.22.1", h.HostVersion())

	targets, err := h.Targets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, fakePID, targets[0].PID)
	assert.Equal(t, dbg.ArchAMD64, targets[0].Arch)
	assert.Equal(t, dbg.StateStopped, targets[0].State)

	other := 2
	_, err = h.State(ctx, dbg.Context{TargetID: &other})
	assert.ErrorIs(t, err, dbg.ErrInvalidTarget)
}

func TestHostRegisters(t *testing.T) {
	h, _ := newFakeHost(t)

	regs, err := h.Registers(context.Background(), dbg.Context{})
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{
		"rip":    fakePC,
		"rsp":    fakeSP,
		"rflags": 0x246,
		"xmm0":   0,
	}, regs)

	thread, missing := fakeThread+1, 99
	_, err = h.Registers(context.Background(), dbg.Context{ThreadID: &thread})
	assert.NoError(t, err)
	_, err = h.Registers(context.Background(), dbg.Context{ThreadID: &missing})
	assert.ErrorIs(t, err, dbg.ErrInvalidTarget)
}

func TestHostMemory(t *testing.T) {
	h, _ := newFakeHost(t)
	ctx := context.Background()

	mem, err := h.ReadMemory(ctx, dbg.Context{}, 0x1000, 2500)
	require.NoError(t, err)
	require.Len(t, mem, 2500)
	assert.Equal(t, byte(0), mem[0])
	assert.Equal(t, byte(0xe8), mem[1000])

	stack, err := h.ReadStack(ctx, dbg.Context{}, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3}, stack)
}

func TestHostDisassemble(t *testing.T) {
	h, _ := newFakeHost(t)

	insts, err := h.Disassemble(context.Background(), dbg.Context{}, nil, 3)
	require.NoError(t, err)
	require.Len(t, insts, 3)
	assert.Equal(t, uint64(fakePC), insts[0].Address)
	assert.Equal(t, "66 90", insts[0].Bytes)
	assert.Equal(t, "main.main+16", insts[0].Symbol)
	assert.Equal(t, uint64(fakePC+4), insts[2].Address)
}

func TestHostBreakpoints(t *testing.T) {
	h, _ := newFakeHost(t)

	bps, err := h.Breakpoints(context.Background(), dbg.Context{})
	require.NoError(t, err)
	assert.Equal(t, []dbg.Breakpoint{
		{ID: 1, Address: fakePC, Func: "main.main", File: "/src/main.go", Line: 12, Enabled: true},
		{ID: 2, Address: fakePC + 0x20, Func: "main.helper"},
	}, bps)
}

func TestHostContinueHalt(t *testing.T) {
	h, f := newFakeHost(t)
	ctx := context.Background()

	_, err := h.ExecuteCommand(ctx, dbg.Context{}, "halt")
	assert.ErrorIs(t, err, dbg.ErrHostBusy)

	_, err = h.ExecuteCommand(ctx, dbg.Context{}, "continue")
	require.NoError(t, err)

	st, _ := h.State(ctx, dbg.Context{})
	assert.Equal(t, dbg.StateRunning, st)
	_, err = h.ReadMemory(ctx, dbg.Context{}, 0x1000, 4)
	assert.ErrorIs(t, err, dbg.ErrHostBusy)

	// Let the continue reach the fake before halting.
	time.Sleep(50 * time.Millisecond)
	_, err = h.ExecuteCommand(ctx, dbg.Context{}, "halt")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, _ := h.State(ctx, dbg.Context{})
		return s == dbg.StateStopped
	}, 5*time.Second, 10*time.Millisecond)

	_, err = h.ExecuteCommand(ctx, dbg.Context{}, "continue")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	f.stops <- api.DebuggerState{Exited: true, ExitStatus: 0}

	require.Eventually(t, func() bool {
		s, _ := h.State(ctx, dbg.Context{})
		return s == dbg.StateExited
	}, 5*time.Second, 10*time.Millisecond)
}

func (f *fakeDelve) continueCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.continues
}

func TestHostConcurrentContinue(t *testing.T) {
	h, f := newFakeHost(t)
	ctx := context.Background()

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.ExecuteCommand(ctx, dbg.Context{}, "continue")
		}(i)
	}
	wg.Wait()

	ok := 0
	for i, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, dbg.ErrHostBusy, "test #%d", i)
		}
	}
	assert.Equal(t, 1, ok)

	require.Eventually(t, func() bool { return f.continueCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	_, err := h.ExecuteCommand(ctx, dbg.Context{}, "halt")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := h.State(ctx, dbg.Context{})
		return s == dbg.StateStopped
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.continueCount())
}

func TestHostUnsupportedCommand(t *testing.T) {
	h, _ := newFakeHost(t)

	_, err := h.ExecuteCommand(context.Background(), dbg.Context{}, "goroutines")
	assert.ErrorIs(t, err, dbg.ErrNotSupported)
}

func TestHostDetach(t *testing.T) {
	h, f := newFakeHost(t)

	_, err := h.ExecuteCommand(context.Background(), dbg.Context{}, "detach")
	require.NoError(t, err)
	assert.True(t, f.detached)

	st, _ := h.State(context.Background(), dbg.Context{})
	assert.Equal(t, dbg.StateDetached, st)
}

func TestParseRegister(t *testing.T) {
	tests := []struct {
		input string
		want  uint64
		ok    bool
	}{
		{"0x401000", 0x401000, true},
		{"0x246\t[IF ZF]", 0x246, true},
		{"17", 17, true},
		{"", 0, false},
		{"junk", 0, false},
	}
	for i, test := range tests {
		got, ok := parseRegister(test.input)
		assert.Equal(t, test.want, got, "test #%d", i)
		assert.Equal(t, test.ok, ok, "test #%d", i)
	}
}
