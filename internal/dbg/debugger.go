package dbg

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	ArchAMD64 = "amd64"
	ArchARM64 = "arm64"
)

var (
	// ErrInvalidTarget is returned when a target, thread or frame id does not exist.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrHostBusy is returned when the host cannot service a call in its current state.
	ErrHostBusy = errors.New("host busy")
	// ErrNotSupported is returned for operations the active host cannot perform.
	ErrNotSupported = errors.New("not supported by this host")
	// ErrTimedOut is returned by WaitForStateChange when nothing happened in time.
	ErrTimedOut = errors.New("timed out waiting for state change")
	// ErrClosed is returned to waiters released by shutdown.
	ErrClosed = errors.New("debugger host closed")
)

type State int

const (
	StateInvalid State = iota
	StateRunning
	StateStopped
	StateExited
	StateDetached
)

var stateNames = []string{"invalid", "running", "stopped", "exited", "detached"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return StateInvalid, fmt.Errorf("unknown state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Context selects the target, thread and frame a call applies to. A nil
// field means the host's current one.
type Context struct {
	TargetID *int `json:"target_id,omitempty"`
	ThreadID *int `json:"thread_id,omitempty"`
	FrameID  *int `json:"frame_id,omitempty"`
}

// Target returns the requested target id or def.
func (c Context) Target(def int) int {
	if c.TargetID == nil {
		return def
	}
	return *c.TargetID
}

// Thread returns the requested thread id or def.
func (c Context) Thread(def int) int {
	if c.ThreadID == nil {
		return def
	}
	return *c.ThreadID
}

type TargetInfo struct {
	ID    int    `json:"id"`
	PID   int    `json:"pid"`
	Arch  string `json:"arch"`
	File  string `json:"file"`
	State State  `json:"state"`
	Entry uint64 `json:"entry,omitempty"`
}

type Instruction struct {
	Address uint64 `json:"address"`
	Bytes   string `json:"bytes"`
	Text    string `json:"text"`
	Symbol  string `json:"symbol,omitempty"`
}

type Breakpoint struct {
	ID      int    `json:"id"`
	Address uint64 `json:"address"`
	Func    string `json:"func,omitempty"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Enabled bool   `json:"enabled"`
}

// Adaptor is the capability set every debugger host provides.
type Adaptor interface {
	// HostVersion identifies the debugger host, e.g. "lldb-server 17.0.6".
	HostVersion() string
	// State reports the execution state of the selected target.
	State(ctx context.Context, sel Context) (State, error)
	// Targets lists the debug targets known to the host.
	Targets(ctx context.Context) ([]TargetInfo, error)
	// Registers reads the registers of the selected thread.
	Registers(ctx context.Context, sel Context) (map[string]uint64, error)
	// ReadMemory reads length bytes at addr from the selected target.
	ReadMemory(ctx context.Context, sel Context, addr uint64, length int) ([]byte, error)
	// ReadStack reads length bytes starting at the stack pointer.
	ReadStack(ctx context.Context, sel Context, length int) ([]byte, error)
	// WaitForStateChange blocks until the state differs from the state at
	// call time, the timeout elapses (ErrTimedOut) or ctx is done.
	WaitForStateChange(ctx context.Context, timeout time.Duration) (State, error)
}

// CommandExecutor is implemented by hosts that accept native commands.
type CommandExecutor interface {
	ExecuteCommand(ctx context.Context, sel Context, command string) (string, error)
}

// Disassembler is implemented by hosts that can disassemble target code.
// A nil addr means the current program counter.
type Disassembler interface {
	Disassemble(ctx context.Context, sel Context, addr *uint64, count int) ([]Instruction, error)
}

// BreakpointLister is implemented by hosts that expose their breakpoints.
type BreakpointLister interface {
	Breakpoints(ctx context.Context, sel Context) ([]Breakpoint, error)
}

// HexBytes renders b the way instruction bytes travel on the wire.
func HexBytes(b []byte) string {
	return fmt.Sprintf("% x", b)
}
