package client

import (
	"context"
	"time"

	"gni.dev/dbgapi/internal/dbg"
	"gni.dev/dbgapi/internal/dbg/api"
)

func (c *Client) Version(ctx context.Context) (*api.VersionResult, error) {
	var res api.VersionResult
	if err := c.Call(ctx, api.NewVersion(), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) State(ctx context.Context, sel dbg.Context) (dbg.State, error) {
	var res api.StateResult
	err := c.Call(ctx, api.NewState(sel), &res)
	return res.State, err
}

func (c *Client) Targets(ctx context.Context) ([]dbg.TargetInfo, error) {
	var res api.ListTargetsResult
	err := c.Call(ctx, api.NewListTargets(), &res)
	return res.Targets, err
}

func (c *Client) Registers(ctx context.Context, sel dbg.Context, names ...string) (map[string]uint64, error) {
	var res api.RegistersResult
	err := c.Call(ctx, api.NewReadRegisters(sel, names...), &res)
	return res.Registers, err
}

func (c *Client) ReadMemory(ctx context.Context, addr uint64, length int) ([]byte, error) {
	var res api.MemoryResult
	err := c.Call(ctx, api.NewReadMemory(addr, length), &res)
	return res.Memory, err
}

func (c *Client) ReadStack(ctx context.Context, length int) ([]byte, error) {
	var res api.MemoryResult
	err := c.Call(ctx, api.NewReadStack(length), &res)
	return res.Memory, err
}

func (c *Client) ExecuteCommand(ctx context.Context, command string) (string, error) {
	var res api.CommandResult
	err := c.Call(ctx, api.NewExecuteCommand(command), &res)
	return res.Output, err
}

// Disassemble disassembles count instructions at addr, or at the program
// counter when addr is nil.
func (c *Client) Disassemble(ctx context.Context, addr *uint64, count int) ([]dbg.Instruction, error) {
	var res api.DisassemblyResult
	err := c.Call(ctx, api.NewDisassemble(addr, count), &res)
	return res.Disassembly, err
}

// Wait blocks until the host changes state or timeout elapses on the
// server. ctx should outlive timeout.
func (c *Client) Wait(ctx context.Context, timeout time.Duration) (dbg.State, error) {
	var res api.StateResult
	err := c.Call(ctx, api.NewWait(timeout), &res)
	return res.State, err
}

func (c *Client) Breakpoints(ctx context.Context, sel dbg.Context) ([]dbg.Breakpoint, error) {
	var res api.BreakpointsResult
	err := c.Call(ctx, api.NewBreakpoints(sel), &res)
	return res.Breakpoints, err
}

func (c *Client) ListRequests(ctx context.Context) ([]api.RequestInfo, error) {
	var res api.ListRequestsResult
	err := c.Call(ctx, api.NewListRequests(), &res)
	return res.Requests, err
}
