// Package dlv adapts a headless Delve server (JSON-RPC API v2) as a
// debugger host.
package dlv

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"
	"github.com/go-logr/logr"

	"gni.dev/dbgapi/internal/dbg"
	"gni.dev/dbgapi/internal/dbg/waiter"
)

const (
	defaultDialTimeout = 5 * time.Second
	// Delve refuses larger ExamineMemory requests.
	maxExamine = 1000
	maxInstLen = 15
)

// Host talks to one Delve server. Delve debugs a single process, exposed
// as target 0.
type Host struct {
	log    logr.Logger
	conn   net.Conn
	client *rpc2.RPCClient
	w      *waiter.Waiter

	version string
	pid     int
	file    string

	mu     sync.Mutex
	arch   string
	thread int
	pc     uint64
	closed bool
}

var _ dbg.Adaptor = (*Host)(nil)
var _ dbg.CommandExecutor = (*Host)(nil)
var _ dbg.Disassembler = (*Host)(nil)
var _ dbg.BreakpointLister = (*Host)(nil)

// Dial connects to a headless Delve server started with --api-version=2.
func Dial(ctx context.Context, address string, timeout time.Duration, log logr.Logger) (*Host, error) {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = timeout

	var d net.Dialer
	conn, err := backoff.RetryWithData(func() (net.Conn, error) {
		return d.DialContext(ctx, "tcp", address)
	}, backoff.WithContext(eb, ctx))
	if err != nil {
		return nil, fmt.Errorf("connecting to delve at %s: %w", address, err)
	}
	h, err := New(conn, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return h, nil
}

// New speaks to Delve over conn.
func New(conn net.Conn, log logr.Logger) (*Host, error) {
	client := rpc2.NewClientFromConn(conn)
	var v api.GetVersionOut
	err := client.CallAPI("GetVersion", api.GetVersionIn{}, &v)
	if err != nil {
		return nil, fmt.Errorf("delve version: %w", err)
	}
	h := &Host{
		log:     log,
		conn:    conn,
		client:  client,
		version: "delve " + v.DelveVersion,
		pid:     client.ProcessPid(),
	}
	if exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", h.pid)); err == nil {
		h.file = exe
	}

	st, err := client.GetStateNonBlocking()
	if err != nil {
		return nil, fmt.Errorf("delve state: %w", err)
	}
	h.w = waiter.New(stateOf(st))
	h.update(st)
	if h.w.State() == dbg.StateStopped && h.thread != 0 {
		if regs, err := client.ListThreadRegisters(h.thread, false); err == nil {
			h.arch = archOf(regs)
		}
	}
	h.log.Info("debugger host ready", "pid", h.pid, "version", h.version, "backend", v.Backend)
	return h, nil
}

func stateOf(st *api.DebuggerState) dbg.State {
	switch {
	case st == nil:
		return dbg.StateInvalid
	case st.Exited:
		return dbg.StateExited
	case st.Running:
		return dbg.StateRunning
	}
	return dbg.StateStopped
}

func (h *Host) update(st *api.DebuggerState) {
	if st != nil && st.CurrentThread != nil {
		h.thread = st.CurrentThread.ID
		h.pc = st.CurrentThread.PC
	}
}

func archOf(regs api.Registers) string {
	for _, r := range regs {
		switch strings.ToLower(r.Name) {
		case "rip":
			return dbg.ArchAMD64
		case "pc", "x0":
			return dbg.ArchARM64
		}
	}
	return ""
}

// parseRegister reads the leading number of a Delve register value, which
// may carry a decoded suffix such as "0x246\t[IF ZF PF]".
func parseRegister(value string) (uint64, bool) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseUint(fields[0], 0, 64)
	return v, err == nil
}

func (h *Host) checkTarget(sel dbg.Context) error {
	if t := sel.Target(0); t != 0 {
		return fmt.Errorf("target %d: %w", t, dbg.ErrInvalidTarget)
	}
	return nil
}

// stopped validates sel against a stopped process and returns the thread
// to operate on.
func (h *Host) stopped(sel dbg.Context) (int, error) {
	tid, err := h.acquire(sel)
	if err != nil {
		return 0, err
	}
	h.mu.Unlock()
	return tid, nil
}

// acquire checks that the target is stopped and returns the selected thread
// with h.mu held. On error the lock is released.
func (h *Host) acquire(sel dbg.Context) (int, error) {
	h.mu.Lock()
	tid, err := h.checkStopped(sel)
	if err != nil {
		h.mu.Unlock()
		return 0, err
	}
	return tid, nil
}

func (h *Host) checkStopped(sel dbg.Context) (int, error) {
	if h.closed {
		return 0, dbg.ErrClosed
	}
	if err := h.checkTarget(sel); err != nil {
		return 0, err
	}
	if s := h.w.State(); s != dbg.StateStopped {
		return 0, fmt.Errorf("target is %s: %w", s, dbg.ErrHostBusy)
	}
	tid := sel.Thread(h.thread)
	if tid == h.thread {
		return tid, nil
	}
	threads, err := h.client.ListThreads()
	if err != nil {
		return 0, err
	}
	for _, th := range threads {
		if th.ID == tid {
			return tid, nil
		}
	}
	return 0, fmt.Errorf("thread %d: %w", tid, dbg.ErrInvalidTarget)
}

func (h *Host) HostVersion() string {
	return h.version
}

func (h *Host) State(_ context.Context, sel dbg.Context) (dbg.State, error) {
	if err := h.checkTarget(sel); err != nil {
		return dbg.StateInvalid, err
	}
	return h.w.State(), nil
}

func (h *Host) Targets(context.Context) ([]dbg.TargetInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return []dbg.TargetInfo{{
		ID:    0,
		PID:   h.pid,
		Arch:  h.arch,
		File:  h.file,
		State: h.w.State(),
	}}, nil
}

func (h *Host) Registers(_ context.Context, sel dbg.Context) (map[string]uint64, error) {
	tid, err := h.stopped(sel)
	if err != nil {
		return nil, err
	}
	return h.registers(tid)
}

func (h *Host) registers(tid int) (map[string]uint64, error) {
	regs, err := h.client.ListThreadRegisters(tid, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(regs))
	for _, r := range regs {
		if v, ok := parseRegister(r.Value); ok {
			out[strings.ToLower(r.Name)] = v
		}
	}
	return out, nil
}

func (h *Host) ReadMemory(_ context.Context, sel dbg.Context, addr uint64, length int) ([]byte, error) {
	if _, err := h.stopped(sel); err != nil {
		return nil, err
	}
	return h.readMemory(addr, length)
}

func (h *Host) readMemory(addr uint64, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	for len(out) < length {
		n := length - len(out)
		if n > maxExamine {
			n = maxExamine
		}
		at := addr + uint64(len(out))
		mem, _, err := h.client.ExamineMemory(at, n)
		if err != nil {
			return nil, fmt.Errorf("reading %d bytes at 0x%x: %w", n, at, err)
		}
		if len(mem) == 0 {
			return nil, fmt.Errorf("reading %d bytes at 0x%x: short read", n, at)
		}
		out = append(out, mem...)
	}
	return out[:length], nil
}

func (h *Host) ReadStack(_ context.Context, sel dbg.Context, length int) ([]byte, error) {
	tid, err := h.stopped(sel)
	if err != nil {
		return nil, err
	}
	regs, err := h.registers(tid)
	if err != nil {
		return nil, err
	}
	sp, ok := regs["rsp"]
	if !ok {
		if sp, ok = regs["sp"]; !ok {
			return nil, fmt.Errorf("no stack pointer register")
		}
	}
	return h.readMemory(sp, length)
}

func (h *Host) Disassemble(_ context.Context, sel dbg.Context, addr *uint64, count int) ([]dbg.Instruction, error) {
	tid, err := h.stopped(sel)
	if err != nil {
		return nil, err
	}
	var pc uint64
	if addr != nil {
		pc = *addr
	} else {
		regs, err := h.registers(tid)
		if err != nil {
			return nil, err
		}
		var ok bool
		if pc, ok = regs["rip"]; !ok {
			if pc, ok = regs["pc"]; !ok {
				return nil, fmt.Errorf("no program counter register")
			}
		}
	}

	scope := api.EvalScope{GoroutineID: -1}
	asm, err := h.client.DisassembleRange(scope, pc, pc+uint64(count*maxInstLen), api.GNUFlavour)
	if err != nil {
		return nil, err
	}
	out := make([]dbg.Instruction, 0, count)
	for _, ins := range asm {
		if len(out) == count {
			break
		}
		out = append(out, instruction(ins))
	}
	return out, nil
}

func instruction(ins api.AsmInstruction) dbg.Instruction {
	out := dbg.Instruction{
		Address: ins.Loc.PC,
		Bytes:   dbg.HexBytes(ins.Bytes),
		Text:    ins.Text,
	}
	if fn := ins.Loc.Function; fn != nil {
		out.Symbol = fmt.Sprintf("%s+%d", fn.Name(), ins.Loc.PC-fn.Value)
	}
	return out
}

func (h *Host) Breakpoints(_ context.Context, sel dbg.Context) ([]dbg.Breakpoint, error) {
	if err := h.checkTarget(sel); err != nil {
		return nil, err
	}
	bps, err := h.client.ListBreakpoints(false)
	if err != nil {
		return nil, err
	}
	out := make([]dbg.Breakpoint, 0, len(bps))
	for _, bp := range bps {
		// Negative IDs are Delve's internal breakpoints.
		if bp.ID < 0 {
			continue
		}
		out = append(out, dbg.Breakpoint{
			ID:      bp.ID,
			Address: bp.Addr,
			Func:    bp.FunctionName,
			File:    bp.File,
			Line:    bp.Line,
			Enabled: !bp.Disabled,
		})
	}
	return out, nil
}

// ExecuteCommand supports continue, halt and detach. Delve has no raw
// command channel.
func (h *Host) ExecuteCommand(_ context.Context, sel dbg.Context, command string) (string, error) {
	if err := h.checkTarget(sel); err != nil {
		return "", err
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty command")
	}
	switch fields[0] {
	case "continue", "c":
		return h.resume(sel)
	case "halt", "interrupt":
		return h.halt()
	case "detach":
		return h.detach()
	}
	return "", fmt.Errorf("%q: %w", command, dbg.ErrNotSupported)
}

// resume holds h.mu from the state check until the target is marked
// running, so concurrent continues issue a single RPC.
func (h *Host) resume(sel dbg.Context) (string, error) {
	if _, err := h.acquire(sel); err != nil {
		return "", err
	}
	defer h.mu.Unlock()

	h.w.Set(dbg.StateRunning)
	ch := h.client.Continue()
	go func() {
		for st := range ch {
			if st.Err != nil && !st.Exited {
				h.log.V(1).Info("continue failed", "error", st.Err.Error())
			}
			h.mu.Lock()
			h.update(st)
			h.mu.Unlock()
			h.w.Set(stateOf(st))
		}
	}()
	return fmt.Sprintf("Process %d resuming\n", h.pid), nil
}

func (h *Host) halt() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", dbg.ErrClosed
	}
	if s := h.w.State(); s != dbg.StateRunning {
		return "", fmt.Errorf("target is %s: %w", s, dbg.ErrHostBusy)
	}
	if _, err := h.client.Halt(); err != nil {
		return "", err
	}
	return fmt.Sprintf("Process %d halted\n", h.pid), nil
}

func (h *Host) detach() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", dbg.ErrClosed
	}
	if s := h.w.State(); s != dbg.StateStopped {
		return "", fmt.Errorf("target is %s: %w", s, dbg.ErrHostBusy)
	}
	if err := h.client.Detach(false); err != nil {
		return "", err
	}
	h.w.Set(dbg.StateDetached)
	return fmt.Sprintf("Process %d detached\n", h.pid), nil
}

func (h *Host) WaitForStateChange(ctx context.Context, timeout time.Duration) (dbg.State, error) {
	return h.w.Wait(ctx, timeout)
}

// Close drops the connection. The Delve server and its process keep
// running.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.w.Close()
	return h.conn.Close()
}
