package term

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"gni.dev/dbgapi/internal/dbg"
	"gni.dev/dbgapi/internal/dbg/api"
)

const (
	defaultDisasmCount = 10
	defaultWait        = 10 * time.Second
	dumpWidth          = 16
)

// Caller sends one request and decodes its result. *client.Client
// implements it.
type Caller interface {
	Call(ctx context.Context, req *api.Request, result interface{}) error
}

type command struct {
	aliases []string
	usage   string
	fn      func(ctx context.Context, args []string) error
}

// Commands maps REPL input to dbgapi requests.
type Commands struct {
	cmds []command
	c    Caller
	out  io.Writer
	sel  dbg.Context
}

func DebuggerCommands(c Caller, out io.Writer) *Commands {
	cmds := &Commands{c: c, out: out}
	cmds.cmds = []command{
		{aliases: []string{"help", "h"}, usage: "help", fn: cmds.help},
		{aliases: []string{"exit", "quit", "q"}, usage: "quit", fn: cmds.exit},
		{aliases: []string{"version"}, usage: "version", fn: cmds.version},
		{aliases: []string{"state", "st"}, usage: "state", fn: cmds.state},
		{aliases: []string{"targets"}, usage: "targets", fn: cmds.targets},
		{aliases: []string{"thread", "t"}, usage: "thread [id|-]", fn: cmds.thread},
		{aliases: []string{"regs", "registers"}, usage: "regs [name...]", fn: cmds.registers},
		{aliases: []string{"mem", "x"}, usage: "mem <address> <length>", fn: cmds.memory},
		{aliases: []string{"stack"}, usage: "stack <length>", fn: cmds.stack},
		{aliases: []string{"dis", "disassemble"}, usage: "dis [address] [count]", fn: cmds.disassemble},
		{aliases: []string{"bp", "breakpoints"}, usage: "bp", fn: cmds.breakpoints},
		{aliases: []string{"cmd"}, usage: "cmd <host command>", fn: cmds.execute},
		{aliases: []string{"continue", "c"}, usage: "continue", fn: cmds.native("continue")},
		{aliases: []string{"interrupt", "i"}, usage: "interrupt", fn: cmds.native("interrupt")},
		{aliases: []string{"wait", "w"}, usage: "wait [seconds]", fn: cmds.wait},
		{aliases: []string{"requests"}, usage: "requests", fn: cmds.requests},
	}
	return cmds
}

func (c *Commands) Process(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return fmt.Errorf("empty command")
	}

	for _, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			if args[0] == alias {
				return cmd.fn(ctx, args[1:])
			}
		}
	}
	return fmt.Errorf("unknown command '%s'", args[0])
}

// complete returns the command names starting with prefix.
func (c *Commands) complete(prefix string) []string {
	var names []string
	for _, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			if strings.HasPrefix(alias, prefix) {
				names = append(names, alias)
			}
		}
	}
	return names
}

func (c *Commands) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *Commands) help(_ context.Context, _ []string) error {
	for _, cmd := range c.cmds {
		c.printf("  %-24s %s\n", cmd.usage, strings.Join(cmd.aliases[1:], ", "))
	}
	return nil
}

func (c *Commands) exit(_ context.Context, _ []string) error {
	return io.EOF
}

func (c *Commands) version(ctx context.Context, _ []string) error {
	var res api.VersionResult
	if err := c.c.Call(ctx, api.NewVersion(), &res); err != nil {
		return err
	}
	c.printf("api %.1f, host %s\n", res.APIVersion, res.HostVersion)
	return nil
}

func (c *Commands) state(ctx context.Context, _ []string) error {
	var res api.StateResult
	if err := c.c.Call(ctx, api.NewState(c.sel), &res); err != nil {
		return err
	}
	c.printf("%s\n", res.State)
	return nil
}

func (c *Commands) targets(ctx context.Context, _ []string) error {
	var res api.ListTargetsResult
	if err := c.c.Call(ctx, api.NewListTargets(), &res); err != nil {
		return err
	}
	for _, t := range res.Targets {
		c.printf("%d\tpid %d\t%s\t%s\t%s\n", t.ID, t.PID, t.Arch, t.State, t.File)
	}
	return nil
}

func (c *Commands) thread(_ context.Context, args []string) error {
	switch {
	case len(args) == 0:
		if c.sel.ThreadID == nil {
			c.printf("current thread\n")
		} else {
			c.printf("thread %d\n", *c.sel.ThreadID)
		}
		return nil
	case args[0] == "-":
		c.sel.ThreadID = nil
		return nil
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid thread id '%s'", args[0])
	}
	c.sel.ThreadID = &id
	return nil
}

func (c *Commands) registers(ctx context.Context, args []string) error {
	var res api.RegistersResult
	if err := c.c.Call(ctx, api.NewReadRegisters(c.sel, args...), &res); err != nil {
		return err
	}
	names := make([]string, 0, len(res.Registers))
	for name := range res.Registers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c.printf("%-8s 0x%016x\n", name, res.Registers[name])
	}
	return nil
}

func (c *Commands) memory(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: mem <address> <length>")
	}
	addr, err := parseUint(args[0])
	if err != nil {
		return err
	}
	length, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid length '%s'", args[1])
	}
	var res api.MemoryResult
	if err := c.c.Call(ctx, api.NewReadMemory(addr, length), &res); err != nil {
		return err
	}
	c.dump(addr, res.Memory)
	return nil
}

func (c *Commands) stack(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: stack <length>")
	}
	length, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid length '%s'", args[0])
	}
	var res api.MemoryResult
	if err := c.c.Call(ctx, api.NewReadStack(length), &res); err != nil {
		return err
	}
	c.dump(0, res.Memory)
	return nil
}

func (c *Commands) dump(addr uint64, mem []byte) {
	for off := 0; off < len(mem); off += dumpWidth {
		end := off + dumpWidth
		if end > len(mem) {
			end = len(mem)
		}
		c.printf("%016x  %s\n", addr+uint64(off), dbg.HexBytes(mem[off:end]))
	}
}

func (c *Commands) disassemble(ctx context.Context, args []string) error {
	var addr *uint64
	count := defaultDisasmCount
	if len(args) > 0 {
		a, err := parseUint(args[0])
		if err != nil {
			return err
		}
		addr = &a
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid count '%s'", args[1])
		}
		count = n
	}
	var res api.DisassemblyResult
	if err := c.c.Call(ctx, api.NewDisassemble(addr, count), &res); err != nil {
		return err
	}
	for _, inst := range res.Disassembly {
		if inst.Symbol != "" {
			c.printf("0x%x <%s>:\t%-24s %s\n", inst.Address, inst.Symbol, inst.Bytes, inst.Text)
		} else {
			c.printf("0x%x:\t%-24s %s\n", inst.Address, inst.Bytes, inst.Text)
		}
	}
	return nil
}

func (c *Commands) breakpoints(ctx context.Context, _ []string) error {
	var res api.BreakpointsResult
	if err := c.c.Call(ctx, api.NewBreakpoints(c.sel), &res); err != nil {
		return err
	}
	for _, bp := range res.Breakpoints {
		where := bp.Func
		if bp.File != "" {
			where = fmt.Sprintf("%s at %s:%d", bp.Func, bp.File, bp.Line)
		}
		enabled := "enabled"
		if !bp.Enabled {
			enabled = "disabled"
		}
		c.printf("%d\t0x%x\t%s\t%s\n", bp.ID, bp.Address, enabled, where)
	}
	return nil
}

func (c *Commands) execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("no command specified")
	}
	return c.run(ctx, strings.Join(args, " "))
}

func (c *Commands) native(command string) func(context.Context, []string) error {
	return func(ctx context.Context, _ []string) error {
		return c.run(ctx, command)
	}
}

func (c *Commands) run(ctx context.Context, command string) error {
	var res api.CommandResult
	if err := c.c.Call(ctx, api.NewExecuteCommand(command), &res); err != nil {
		return err
	}
	if res.Output != "" {
		c.printf("%s", res.Output)
		if !strings.HasSuffix(res.Output, "\n") {
			c.printf("\n")
		}
	}
	return nil
}

func (c *Commands) wait(ctx context.Context, args []string) error {
	timeout := defaultWait
	if len(args) > 0 {
		secs, err := strconv.ParseFloat(args[0], 64)
		if err != nil || secs <= 0 {
			return fmt.Errorf("invalid timeout '%s'", args[0])
		}
		timeout = time.Duration(secs * float64(time.Second))
	}
	var res api.StateResult
	if err := c.c.Call(ctx, api.NewWait(timeout), &res); err != nil {
		return err
	}
	c.printf("%s\n", res.State)
	return nil
}

func (c *Commands) requests(ctx context.Context, _ []string) error {
	var res api.ListRequestsResult
	if err := c.c.Call(ctx, api.NewListRequests(), &res); err != nil {
		return err
	}
	for _, r := range res.Requests {
		c.printf("%-16s (%s) -> %s\n", r.Name, strings.Join(r.Params, ", "), strings.Join(r.Result, ", "))
	}
	return nil
}

func parseUint(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address '%s'", s)
	}
	return v, nil
}
