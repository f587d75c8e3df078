package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gni.dev/dbgapi/internal/dbg"
)

const (
	RequestVersion        = "version"
	RequestState          = "state"
	RequestListTargets    = "list_targets"
	RequestReadRegisters  = "read_registers"
	RequestReadMemory     = "read_memory"
	RequestReadStack      = "read_stack"
	RequestExecuteCommand = "execute_command"
	RequestDisassemble    = "disassemble"
	RequestWait           = "wait"
	RequestBreakpoints    = "breakpoints"
	RequestNull           = "null"
	RequestListRequests   = "list_requests"
)

// MaxReadLength bounds read_memory and read_stack.
const MaxReadLength = 1 << 20

// MaxWaitTimeout bounds the timeout of a wait request.
const MaxWaitTimeout = 24 * time.Hour

// MaxDisassembleCount bounds disassemble.
const MaxDisassembleCount = 4096

// Validator is implemented by request parameters that check themselves
// after decoding.
type Validator interface {
	Validate() error
}

// Address is a target address. It decodes from a JSON number or from a
// string in any base strconv accepts ("0x1000", "4096").
type Address uint64

func (a *Address) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid address %q", s)
		}
		*a = Address(v)
		return nil
	}
	var v uint64
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("invalid address %s", b)
	}
	*a = Address(v)
	return nil
}

func addr(v uint64) *Address {
	a := Address(v)
	return &a
}

type VersionResult struct {
	APIVersion  float64 `json:"api_version"`
	HostVersion string  `json:"host_version"`
}

type StateParams struct {
	dbg.Context
}

type StateResult struct {
	State dbg.State `json:"state"`
}

type ListTargetsResult struct {
	Targets []dbg.TargetInfo `json:"targets"`
}

type ReadRegistersParams struct {
	dbg.Context
	// Registers restricts the result to the named registers.
	Registers []string `json:"registers,omitempty"`
}

type RegistersResult struct {
	Registers map[string]uint64 `json:"registers"`
}

type ReadMemoryParams struct {
	dbg.Context
	Address *Address `json:"address"`
	Length  *int     `json:"length"`
}

func (p *ReadMemoryParams) Validate() error {
	if p.Address == nil {
		return missing("address")
	}
	return checkLength(p.Length)
}

type MemoryResult struct {
	Memory []byte `json:"memory"`
}

type ReadStackParams struct {
	dbg.Context
	Length *int `json:"length"`
}

func (p *ReadStackParams) Validate() error {
	return checkLength(p.Length)
}

type ExecuteCommandParams struct {
	dbg.Context
	Command *string `json:"command"`
}

func (p *ExecuteCommandParams) Validate() error {
	if p.Command == nil {
		return missing("command")
	}
	if *p.Command == "" {
		return Errorf(CodeInvalidField, "command must not be empty")
	}
	return nil
}

type CommandResult struct {
	Output string `json:"output"`
}

type DisassembleParams struct {
	dbg.Context
	Address *Address `json:"address,omitempty"`
	Count   *int     `json:"count"`
}

func (p *DisassembleParams) Validate() error {
	if p.Count == nil {
		return missing("count")
	}
	if *p.Count <= 0 || *p.Count > MaxDisassembleCount {
		return Errorf(CodeInvalidField, "count must be between 1 and %d", MaxDisassembleCount)
	}
	return nil
}

type DisassemblyResult struct {
	Disassembly []dbg.Instruction `json:"disassembly"`
}

type WaitParams struct {
	// Timeout is in seconds.
	Timeout *float64 `json:"timeout"`
}

func (p *WaitParams) Validate() error {
	if p.Timeout == nil {
		return missing("timeout")
	}
	if *p.Timeout <= 0 {
		return Errorf(CodeInvalidField, "timeout must be positive")
	}
	// Compare in seconds first so huge values never reach the int64
	// conversion in Duration.
	if *p.Timeout > MaxWaitTimeout.Seconds() {
		return Errorf(CodeInvalidField, "timeout exceeds %v", MaxWaitTimeout)
	}
	if p.Duration() <= 0 {
		return Errorf(CodeInvalidField, "timeout %g is below the clock resolution", *p.Timeout)
	}
	return nil
}

// Duration converts the timeout to a time.Duration.
func (p *WaitParams) Duration() time.Duration {
	return time.Duration(*p.Timeout * float64(time.Second))
}

type BreakpointsParams struct {
	dbg.Context
}

type BreakpointsResult struct {
	Breakpoints []dbg.Breakpoint `json:"breakpoints"`
}

type RequestInfo struct {
	Name   string   `json:"name"`
	Params []string `json:"params"`
	Result []string `json:"result"`
}

type ListRequestsResult struct {
	Requests []RequestInfo `json:"requests"`
}

func missing(field string) *Error {
	return Errorf(CodeInvalidField, "missing required field %q", field)
}

func checkLength(l *int) error {
	if l == nil {
		return missing("length")
	}
	if *l <= 0 || *l > MaxReadLength {
		return Errorf(CodeInvalidField, "length must be between 1 and %d", MaxReadLength)
	}
	return nil
}

func NewVersion() *Request {
	return mustRequest(RequestVersion, nil)
}

func NewState(sel dbg.Context) *Request {
	return mustRequest(RequestState, &StateParams{Context: sel})
}

func NewListTargets() *Request {
	return mustRequest(RequestListTargets, nil)
}

func NewReadRegisters(sel dbg.Context, names ...string) *Request {
	return mustRequest(RequestReadRegisters, &ReadRegistersParams{Context: sel, Registers: names})
}

func NewReadMemory(address uint64, length int) *Request {
	return mustRequest(RequestReadMemory, &ReadMemoryParams{Address: addr(address), Length: &length})
}

func NewReadStack(length int) *Request {
	return mustRequest(RequestReadStack, &ReadStackParams{Length: &length})
}

func NewExecuteCommand(command string) *Request {
	return mustRequest(RequestExecuteCommand, &ExecuteCommandParams{Command: &command})
}

// NewDisassemble disassembles count instructions at address, or at the
// current program counter when address is nil.
func NewDisassemble(address *uint64, count int) *Request {
	p := &DisassembleParams{Count: &count}
	if address != nil {
		p.Address = addr(*address)
	}
	return mustRequest(RequestDisassemble, p)
}

func NewWait(timeout time.Duration) *Request {
	secs := timeout.Seconds()
	return mustRequest(RequestWait, &WaitParams{Timeout: &secs})
}

func NewBreakpoints(sel dbg.Context) *Request {
	return mustRequest(RequestBreakpoints, &BreakpointsParams{Context: sel})
}

func NewNull() *Request {
	return mustRequest(RequestNull, nil)
}

func NewListRequests() *Request {
	return mustRequest(RequestListRequests, nil)
}
