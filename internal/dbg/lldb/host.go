// Package lldb implements a debugger host on top of the gdb-remote protocol
// spoken by lldb-server and gdbserver.
package lldb

import (
	"context"
	"debug/elf"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"

	"gni.dev/dbgapi/internal/dbg"
	"gni.dev/dbgapi/internal/dbg/proc"
	"gni.dev/dbgapi/internal/dbg/sys"
	"gni.dev/dbgapi/internal/dbg/waiter"
)

const maxMemoryPacket = 0x800

type Options struct {
	// Server is the lldb-server binary. It is looked up on PATH when empty.
	Server string
	// Program is launched with vRun when set.
	Program string
	Args    []string
	// Attach is the pid to attach to when Program is empty.
	Attach      int
	DialTimeout time.Duration
}

// Host drives one inferior through a gdb-remote stub. While the inferior
// runs the connection belongs to the goroutine waiting for the stop reply
// and every request that needs the stub fails with dbg.ErrHostBusy.
type Host struct {
	log    logr.Logger
	c      *conn
	closer io.Closer
	w      *waiter.Waiter

	server *exec.Cmd
	tmpDir string

	mu       sync.Mutex
	closed   bool
	attached bool
	version  string
	pid      int
	arch     string
	file     string
	entry    uint64
	layout   []registerInfo
	pcReg    string
	spReg    string
	thread   int
	sym      *proc.SymTable
}

var _ dbg.Adaptor = (*Host)(nil)
var _ dbg.CommandExecutor = (*Host)(nil)
var _ dbg.Disassembler = (*Host)(nil)

// New takes over rwc, which must be connected to a gdb-remote stub. The
// inferior is launched, attached or, when Options names neither, taken as
// already present in the stub.
func New(rwc io.ReadWriteCloser, opts Options, log logr.Logger) (*Host, error) {
	h := &Host{log: log, c: newConn(rwc), closer: rwc}
	if err := h.init(opts); err != nil {
		rwc.Close()
		return nil, err
	}
	h.w = waiter.New(dbg.StateStopped)
	h.log.Info("debugger host ready", "pid", h.pid, "arch", h.arch, "file", h.file, "version", h.version)
	return h, nil
}

func (h *Host) init(opts Options) error {
	if err := h.c.handshake(); err != nil {
		return fmt.Errorf("gdb-remote handshake: %w", err)
	}
	h.version = h.queryVersion()

	var stop []byte
	var err error
	switch {
	case opts.Program != "":
		stop, err = h.c.exec(vRunPacket(opts.Program, opts.Args))
		h.file = opts.Program
	case opts.Attach != 0:
		stop, err = h.c.exec(fmt.Sprintf("vAttach;%x", opts.Attach))
		h.attached = true
	default:
		stop, err = h.c.exec("?")
	}
	if err != nil {
		return err
	}
	sr, err := parseStopReply(stop)
	if err != nil {
		return fmt.Errorf("starting inferior: %w", err)
	}
	if sr.state != dbg.StateStopped {
		return fmt.Errorf("inferior is %s after start", sr.state)
	}
	h.thread = sr.thread

	if err := h.loadProcessInfo(); err != nil {
		return err
	}
	if err := h.loadRegisterLayout(); err != nil {
		return err
	}
	if h.thread == 0 {
		tids, err := h.threads()
		if err != nil {
			return err
		}
		if len(tids) > 0 {
			h.thread = tids[0]
		}
	}
	if err := h.loadEntry(); err != nil {
		h.log.V(1).Info("no auxiliary vector", "error", err.Error())
	}
	if err := h.loadSymbols(); err != nil {
		h.log.V(1).Info("no symbols", "file", h.file, "error", err.Error())
	}
	return nil
}

func vRunPacket(program string, args []string) string {
	var b strings.Builder
	b.WriteString("vRun;")
	b.WriteString(hex.EncodeToString([]byte(program)))
	for _, a := range args {
		b.WriteByte(';')
		b.WriteString(hex.EncodeToString([]byte(a)))
	}
	return b.String()
}

func (h *Host) queryVersion() string {
	resp, err := h.c.exec("qGDBServerVersion")
	if err != nil || len(resp) == 0 {
		return "gdb-remote"
	}
	kv := parseKeyValues(string(resp))
	if kv["version"] == "" {
		return kv["name"]
	}
	return strings.TrimSpace(kv["name"] + " " + kv["version"])
}

func (h *Host) loadProcessInfo() error {
	resp, err := h.c.exec("qProcessInfo")
	if err != nil {
		return err
	}
	kv := parseKeyValues(string(resp))
	if _, err := fmt.Sscanf(kv["pid"], "%x", &h.pid); err != nil {
		return packetError("qProcessInfo", resp)
	}
	h.arch = archFromTriple(hexString(kv["triple"]))
	if h.file == "" {
		if exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", h.pid)); err == nil {
			h.file = exe
		}
	}
	return nil
}

func (h *Host) loadRegisterLayout() error {
	for i := 0; ; i++ {
		resp, err := h.c.exec(fmt.Sprintf("qRegisterInfo%x", i))
		if err != nil {
			return err
		}
		if len(resp) == 0 || resp[0] == 'E' {
			break
		}
		ri, err := parseRegisterInfo(resp)
		if err != nil {
			return err
		}
		switch ri.generic {
		case "pc":
			h.pcReg = ri.name
		case "sp":
			h.spReg = ri.name
		}
		h.layout = append(h.layout, ri)
	}
	if len(h.layout) == 0 {
		return fmt.Errorf("stub does not describe its registers")
	}
	return nil
}

func (h *Host) loadEntry() error {
	var data []byte
	for {
		resp, err := h.c.exec(fmt.Sprintf("qXfer:auxv:read::%x,%x", len(data), 0x1000))
		if err != nil {
			return err
		}
		if len(resp) == 0 || (resp[0] != 'm' && resp[0] != 'l') {
			return packetError("qXfer:auxv:read", resp)
		}
		data = append(data, resp[1:]...)
		if resp[0] == 'l' {
			break
		}
	}
	auxv, err := sys.ParseAuxV(data)
	if err != nil {
		return err
	}
	h.entry = auxv.Entry
	return nil
}

func (h *Host) loadSymbols() error {
	if h.file == "" {
		return fmt.Errorf("unknown executable")
	}
	f, err := openFile(h.c, h.file)
	if err != nil {
		return err
	}
	defer f.close()

	elfFile, err := elf.NewFile(f)
	if err != nil {
		return err
	}
	if h.arch == "" || strings.Contains(h.arch, "-") {
		switch elfFile.Machine {
		case elf.EM_X86_64:
			h.arch = dbg.ArchAMD64
		case elf.EM_AARCH64:
			h.arch = dbg.ArchARM64
		}
	}

	dwarf, err := elfFile.DWARF()
	if err != nil {
		return err
	}
	var sym proc.SymTable
	if err := sym.LoadImage(dwarf); err != nil {
		return err
	}
	h.sym = &sym
	return nil
}

func (h *Host) threads() ([]int, error) {
	var all []int
	cmd := "qfThreadInfo"
	for {
		resp, err := h.c.exec(cmd)
		if err != nil {
			return nil, err
		}
		tids, done, err := parseThreadList(resp)
		if err != nil {
			return nil, err
		}
		if done {
			return all, nil
		}
		all = append(all, tids...)
		cmd = "qsThreadInfo"
	}
}

func (h *Host) checkTarget(sel dbg.Context) error {
	if t := sel.Target(0); t != 0 {
		return fmt.Errorf("target %d: %w", t, dbg.ErrInvalidTarget)
	}
	return nil
}

// acquire locks h for a stub exchange on the selected thread. On success
// the caller must unlock h.mu.
func (h *Host) acquire(sel dbg.Context) (int, error) {
	h.mu.Lock()
	tid, err := h.acquireLocked(sel)
	if err != nil {
		h.mu.Unlock()
	}
	return tid, err
}

func (h *Host) acquireLocked(sel dbg.Context) (int, error) {
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
	tids, err := h.threads()
	if err != nil {
		return 0, err
	}
	for _, t := range tids {
		if t == tid {
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
	return []dbg.TargetInfo{{
		ID:    0,
		PID:   h.pid,
		Arch:  h.arch,
		File:  h.file,
		State: h.w.State(),
		Entry: h.entry,
	}}, nil
}

func (h *Host) Registers(_ context.Context, sel dbg.Context) (map[string]uint64, error) {
	tid, err := h.acquire(sel)
	if err != nil {
		return nil, err
	}
	defer h.mu.Unlock()
	return h.registers(tid)
}

func (h *Host) registers(tid int) (map[string]uint64, error) {
	if err := h.c.execOK(fmt.Sprintf("Hg%x", tid)); err != nil {
		return nil, err
	}
	resp, err := h.c.exec("g")
	if err != nil {
		return nil, err
	}
	if len(resp) > 0 && resp[0] == 'E' {
		return nil, packetError("g", resp)
	}
	return decodeRegisters(h.layout, resp)
}

func (h *Host) ReadMemory(_ context.Context, sel dbg.Context, addr uint64, length int) ([]byte, error) {
	if _, err := h.acquire(sel); err != nil {
		return nil, err
	}
	defer h.mu.Unlock()
	return h.readMemory(addr, length)
}

func (h *Host) readMemory(addr uint64, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	for len(out) < length {
		n := length - len(out)
		if n > maxMemoryPacket {
			n = maxMemoryPacket
		}
		at := addr + uint64(len(out))
		resp, err := h.c.exec(fmt.Sprintf("m%x,%x", at, n))
		if err != nil {
			return nil, err
		}
		if len(resp) == 0 || resp[0] == 'E' {
			return nil, fmt.Errorf("cannot read %d bytes at 0x%x: %w", n, at, packetError("m", resp))
		}
		chunk, err := hex.DecodeString(string(resp))
		if err != nil {
			return nil, fmt.Errorf("memory at 0x%x: %w", at, err)
		}
		out = append(out, chunk...)
	}
	return out[:length], nil
}

func (h *Host) ReadStack(_ context.Context, sel dbg.Context, length int) ([]byte, error) {
	tid, err := h.acquire(sel)
	if err != nil {
		return nil, err
	}
	defer h.mu.Unlock()
	sp, err := h.register(tid, h.spReg)
	if err != nil {
		return nil, err
	}
	return h.readMemory(sp, length)
}

func (h *Host) register(tid int, name string) (uint64, error) {
	regs, err := h.registers(tid)
	if err != nil {
		return 0, err
	}
	v, ok := regs[name]
	if !ok {
		return 0, fmt.Errorf("register %q not available", name)
	}
	return v, nil
}

func (h *Host) Disassemble(_ context.Context, sel dbg.Context, addr *uint64, count int) ([]dbg.Instruction, error) {
	tid, err := h.acquire(sel)
	if err != nil {
		return nil, err
	}
	defer h.mu.Unlock()

	var pc uint64
	if addr != nil {
		pc = *addr
	} else if pc, err = h.register(tid, h.pcReg); err != nil {
		return nil, err
	}

	size := count * maxInstructionLen(h.arch)
	code, err := h.readMemory(pc, size)
	if err != nil {
		// Retry up to the end of the page in case the range runs off a
		// mapping.
		if pageEnd := (pc | 0xfff) + 1; pageEnd-pc < uint64(size) {
			code, err = h.readMemory(pc, int(pageEnd-pc))
		}
		if err != nil {
			return nil, err
		}
	}
	return disassemble(h.arch, code, pc, count, h.sym)
}

// ExecuteCommand understands the process control commands continue,
// interrupt and detach, and answers "image lookup -a <addr>" from the
// inferior's DWARF. Anything else goes to the stub as a monitor command.
func (h *Host) ExecuteCommand(ctx context.Context, sel dbg.Context, command string) (string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty command")
	}
	switch fields[0] {
	case "continue", "c":
		return h.resume(sel)
	case "interrupt":
		return h.interrupt(sel)
	case "detach":
		return h.detach(sel)
	case "image":
		if len(fields) > 1 && fields[1] == "lookup" {
			return h.imageLookup(fields[2:])
		}
	}

	if _, err := h.acquire(sel); err != nil {
		return "", err
	}
	defer h.mu.Unlock()
	return h.monitor(command)
}

func (h *Host) imageLookup(args []string) (string, error) {
	if len(args) != 2 || args[0] != "-a" && args[0] != "--address" {
		return "", fmt.Errorf("usage: image lookup -a <address>")
	}
	addr, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return "", fmt.Errorf("invalid address %q", args[1])
	}
	if h.sym == nil {
		return "", fmt.Errorf("no debug information for %s", h.file)
	}
	loc := h.sym.Lookup(addr)
	if loc.Func == nil && loc.File == "" {
		return "", fmt.Errorf("no symbol at 0x%x", addr)
	}
	return fmt.Sprintf("Address: 0x%x\nSummary: %s\n", addr, loc), nil
}

func (h *Host) monitor(command string) (string, error) {
	if err := h.c.send("qRcmd," + hex.EncodeToString([]byte(command))); err != nil {
		return "", err
	}
	var out strings.Builder
	for {
		resp, err := h.c.recv()
		if err != nil {
			return "", err
		}
		switch {
		case string(resp) == "OK":
			return out.String(), nil
		case len(resp) == 0:
			return "", fmt.Errorf("%q: %w", command, dbg.ErrNotSupported)
		case resp[0] == 'O':
			out.WriteString(hexString(string(resp[1:])))
		case resp[0] == 'E':
			return "", fmt.Errorf("%q failed: %s", command, resp)
		default:
			out.Write(resp)
			return out.String(), nil
		}
	}
}

func (h *Host) resume(sel dbg.Context) (string, error) {
	if _, err := h.acquire(sel); err != nil {
		return "", err
	}
	defer h.mu.Unlock()

	if err := h.c.send("c"); err != nil {
		return "", err
	}
	h.w.Set(dbg.StateRunning)
	go h.waitForStop()
	return fmt.Sprintf("Process %d resuming\n", h.pid), nil
}

func (h *Host) waitForStop() {
	for {
		resp, err := h.c.recv()
		if err != nil {
			h.mu.Lock()
			if !h.closed {
				h.log.Error(err, "lost connection to stub while running")
				h.w.Set(dbg.StateDetached)
			}
			h.mu.Unlock()
			return
		}
		if len(resp) > 1 && resp[0] == 'O' && string(resp) != "OK" {
			h.log.V(1).Info("inferior output", "text", hexString(string(resp[1:])))
			continue
		}
		sr, err := parseStopReply(resp)
		if err != nil {
			h.log.V(1).Info("ignoring packet while running", "packet", string(resp))
			continue
		}

		h.mu.Lock()
		if sr.thread != 0 {
			h.thread = sr.thread
		}
		h.w.Set(sr.state)
		h.mu.Unlock()
		h.log.V(1).Info("inferior stopped", "state", sr.state.String(), "signal", sr.signal, "thread", sr.thread)
		return
	}
}

func (h *Host) interrupt(sel dbg.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkTarget(sel); err != nil {
		return "", err
	}
	if s := h.w.State(); s != dbg.StateRunning {
		return "", fmt.Errorf("target is %s: %w", s, dbg.ErrHostBusy)
	}
	if err := h.c.interrupt(); err != nil {
		return "", err
	}
	return fmt.Sprintf("Process %d interrupted\n", h.pid), nil
}

func (h *Host) detach(sel dbg.Context) (string, error) {
	if _, err := h.acquire(sel); err != nil {
		return "", err
	}
	defer h.mu.Unlock()
	if err := h.c.execOK("D"); err != nil {
		return "", err
	}
	h.w.Set(dbg.StateDetached)
	return fmt.Sprintf("Process %d detached\n", h.pid), nil
}

func (h *Host) WaitForStateChange(ctx context.Context, timeout time.Duration) (dbg.State, error) {
	return h.w.Wait(ctx, timeout)
}

// Close ends the session. A launched inferior is killed, an attached one
// is detached. Waiters are released with dbg.ErrClosed.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true

	var result *multierror.Error
	if h.w.State() == dbg.StateStopped {
		if h.attached {
			if err := h.c.execOK("D"); err != nil {
				result = multierror.Append(result, fmt.Errorf("detaching: %w", err))
			}
		} else if err := h.c.send("k"); err != nil {
			result = multierror.Append(result, fmt.Errorf("killing inferior: %w", err))
		}
	}
	h.w.Close()
	h.mu.Unlock()

	if err := h.closer.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if h.server != nil {
		h.server.Process.Kill()
		h.server.Wait()
	}
	if h.tmpDir != "" {
		if err := os.RemoveAll(h.tmpDir); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
