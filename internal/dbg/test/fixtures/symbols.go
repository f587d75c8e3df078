package main

import (
	"fmt"
	"os"
)

type frame struct {
	pc, sp uint64
	regs   map[string]uint64
}

func (f *frame) dump() {
	fmt.Printf("pc=%#x sp=%#x\n", f.pc, f.sp)
	fmt.Println(len(f.regs))
}

func leaf(n int) int {
	return n * 2
}

func middle(n int) int {
	return leaf(n) + 1
}

func main() {
	f := &frame{pc: 0x401000, sp: 0x7ffe0000, regs: map[string]uint64{"rax": 1}}
	f.dump()

	if middle(len(os.Args)) < 0 {
		os.Exit(1)
	}
}
