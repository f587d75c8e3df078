package plugin

import (
	"context"
	"fmt"

	"gni.dev/dbgapi/internal/dbg"
	"gni.dev/dbgapi/internal/dbg/api"
)

// Builtin returns a registry holding the standard request catalogue.
// Requests backed by an optional capability the host lacks are registered
// as unsupported, so callers see CodeHostNotSupported rather than
// CodeUnknownRequest.
func Builtin(host dbg.Adaptor) (*Registry, error) {
	r := NewRegistry()

	regs := []error{
		Register(r, api.RequestVersion, version),
		Register(r, api.RequestState, state),
		Register(r, api.RequestListTargets, listTargets),
		Register(r, api.RequestReadRegisters, readRegisters),
		Register(r, api.RequestReadMemory, readMemory),
		Register(r, api.RequestReadStack, readStack),
		Register(r, api.RequestWait, wait),
		Register(r, api.RequestNull, null),
		Register(r, api.RequestListRequests, func(context.Context, dbg.Adaptor, *NoParams) (*api.ListRequestsResult, error) {
			res := &api.ListRequestsResult{}
			for _, e := range r.All() {
				if !e.Disabled {
					res.Requests = append(res.Requests, e.Info())
				}
			}
			return res, nil
		}),
	}

	if _, ok := host.(dbg.CommandExecutor); ok {
		regs = append(regs, Register(r, api.RequestExecuteCommand, executeCommand))
	} else {
		regs = append(regs, Unsupported[api.ExecuteCommandParams, api.CommandResult](r, api.RequestExecuteCommand))
	}
	if _, ok := host.(dbg.Disassembler); ok {
		regs = append(regs, Register(r, api.RequestDisassemble, disassemble))
	} else {
		regs = append(regs, Unsupported[api.DisassembleParams, api.DisassemblyResult](r, api.RequestDisassemble))
	}
	if _, ok := host.(dbg.BreakpointLister); ok {
		regs = append(regs, Register(r, api.RequestBreakpoints, breakpoints))
	} else {
		regs = append(regs, Unsupported[api.BreakpointsParams, api.BreakpointsResult](r, api.RequestBreakpoints))
	}

	for _, err := range regs {
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

func version(_ context.Context, host dbg.Adaptor, _ *NoParams) (*api.VersionResult, error) {
	return &api.VersionResult{APIVersion: api.Version, HostVersion: host.HostVersion()}, nil
}

func state(ctx context.Context, host dbg.Adaptor, p *api.StateParams) (*api.StateResult, error) {
	s, err := host.State(ctx, p.Context)
	if err != nil {
		return nil, err
	}
	return &api.StateResult{State: s}, nil
}

func listTargets(ctx context.Context, host dbg.Adaptor, _ *NoParams) (*api.ListTargetsResult, error) {
	targets, err := host.Targets(ctx)
	if err != nil {
		return nil, err
	}
	if targets == nil {
		targets = []dbg.TargetInfo{}
	}
	return &api.ListTargetsResult{Targets: targets}, nil
}

func readRegisters(ctx context.Context, host dbg.Adaptor, p *api.ReadRegistersParams) (*api.RegistersResult, error) {
	regs, err := host.Registers(ctx, p.Context)
	if err != nil {
		return nil, err
	}
	if len(p.Registers) == 0 {
		return &api.RegistersResult{Registers: regs}, nil
	}
	sel := make(map[string]uint64, len(p.Registers))
	for _, name := range p.Registers {
		v, ok := regs[name]
		if !ok {
			return nil, api.Errorf(api.CodeInvalidField, "unknown register %q", name)
		}
		sel[name] = v
	}
	return &api.RegistersResult{Registers: sel}, nil
}

func readMemory(ctx context.Context, host dbg.Adaptor, p *api.ReadMemoryParams) (*api.MemoryResult, error) {
	mem, err := host.ReadMemory(ctx, p.Context, uint64(*p.Address), *p.Length)
	if err != nil {
		return nil, err
	}
	return &api.MemoryResult{Memory: mem}, nil
}

func readStack(ctx context.Context, host dbg.Adaptor, p *api.ReadStackParams) (*api.MemoryResult, error) {
	mem, err := host.ReadStack(ctx, p.Context, *p.Length)
	if err != nil {
		return nil, err
	}
	return &api.MemoryResult{Memory: mem}, nil
}

func executeCommand(ctx context.Context, host dbg.Adaptor, p *api.ExecuteCommandParams) (*api.CommandResult, error) {
	ex, ok := host.(dbg.CommandExecutor)
	if !ok {
		return nil, notSupported(api.RequestExecuteCommand)
	}
	out, err := ex.ExecuteCommand(ctx, p.Context, *p.Command)
	if err != nil {
		return nil, err
	}
	return &api.CommandResult{Output: out}, nil
}

func disassemble(ctx context.Context, host dbg.Adaptor, p *api.DisassembleParams) (*api.DisassemblyResult, error) {
	d, ok := host.(dbg.Disassembler)
	if !ok {
		return nil, notSupported(api.RequestDisassemble)
	}
	var addr *uint64
	if p.Address != nil {
		a := uint64(*p.Address)
		addr = &a
	}
	insts, err := d.Disassemble(ctx, p.Context, addr, *p.Count)
	if err != nil {
		return nil, err
	}
	if len(insts) > *p.Count {
		insts = insts[:*p.Count]
	}
	return &api.DisassemblyResult{Disassembly: insts}, nil
}

func wait(ctx context.Context, host dbg.Adaptor, p *api.WaitParams) (*api.StateResult, error) {
	s, err := host.WaitForStateChange(ctx, p.Duration())
	if err != nil {
		return nil, err
	}
	return &api.StateResult{State: s}, nil
}

func breakpoints(ctx context.Context, host dbg.Adaptor, p *api.BreakpointsParams) (*api.BreakpointsResult, error) {
	bl, ok := host.(dbg.BreakpointLister)
	if !ok {
		return nil, notSupported(api.RequestBreakpoints)
	}
	bps, err := bl.Breakpoints(ctx, p.Context)
	if err != nil {
		return nil, err
	}
	if bps == nil {
		bps = []dbg.Breakpoint{}
	}
	return &api.BreakpointsResult{Breakpoints: bps}, nil
}

func null(context.Context, dbg.Adaptor, *NoParams) (*struct{}, error) {
	return &struct{}{}, nil
}

func notSupported(name string) error {
	return fmt.Errorf("%s: %w", name, dbg.ErrNotSupported)
}
