package proc

import (
	"debug/dwarf"
	"strings"
)

// Func is a function with a contiguous code range [entry, end).
type Func struct {
	name       string
	entry, end uint64
}

func newFunc(d *dwarf.Data, e *dwarf.Entry) *Func {
	name, ok := e.Val(dwarf.AttrName).(string)
	if !ok {
		return nil
	}
	ranges, err := d.Ranges(e)
	if err != nil || len(ranges) == 0 {
		return nil
	}
	return &Func{name: name, entry: ranges[0][0], end: ranges[0][1]}
}

func (f *Func) Name() string {
	return f.name
}

// Entry is the lowest PC of the function.
func (f *Func) Entry() uint64 {
	return f.entry
}

// End is the first PC past the function.
func (f *Func) End() uint64 {
	return f.end
}

func (f *Func) Contains(pc uint64) bool {
	return pc >= f.entry && pc < f.end
}

// BaseName strips the package or receiver qualifier.
func (f *Func) BaseName() string {
	if dot := strings.LastIndex(f.name, "."); dot != -1 {
		return f.name[dot+1:]
	}
	return f.name
}
