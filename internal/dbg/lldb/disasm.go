package lldb

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"gni.dev/dbgapi/internal/dbg"
	"gni.dev/dbgapi/internal/dbg/proc"
)

func maxInstructionLen(arch string) int {
	if arch == dbg.ArchARM64 {
		return 4
	}
	return 15
}

// disassemble decodes up to count instructions from code, which was read
// at pc. Undecodable bytes are reported one at a time as "(bad)".
func disassemble(arch string, code []byte, pc uint64, count int, sym *proc.SymTable) ([]dbg.Instruction, error) {
	lookup := func(addr uint64) (string, uint64) {
		if sym == nil {
			return "", 0
		}
		if f := sym.PCToFunc(addr); f != nil {
			return f.Name(), f.Entry()
		}
		return "", 0
	}

	var out []dbg.Instruction
	for len(out) < count && len(code) > 0 {
		var text string
		var size int

		switch arch {
		case dbg.ArchAMD64:
			inst, err := x86asm.Decode(code, 64)
			if err != nil || inst.Len == 0 {
				text, size = "(bad)", 1
			} else {
				text, size = x86asm.GNUSyntax(inst, pc, lookup), inst.Len
			}
		case dbg.ArchARM64:
			if len(code) < 4 {
				return out, nil
			}
			size = 4
			if inst, err := arm64asm.Decode(code); err != nil {
				text = "(bad)"
			} else {
				text = arm64asm.GNUSyntax(inst)
			}
		default:
			return nil, fmt.Errorf("disassembling %q: %w", arch, dbg.ErrNotSupported)
		}

		ins := dbg.Instruction{
			Address: pc,
			Bytes:   dbg.HexBytes(code[:size]),
			Text:    text,
		}
		if sym != nil {
			ins.Symbol = sym.Symbolize(pc)
		}
		out = append(out, ins)
		code = code[size:]
		pc += uint64(size)
	}
	return out, nil
}
