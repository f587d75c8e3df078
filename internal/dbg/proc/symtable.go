// Package proc maps between addresses and source locations using an
// image's DWARF data.
package proc

import (
	"debug/dwarf"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

type SymTable struct {
	cus     []*compileUnit
	fileIdx map[string][]*fileInfo
	// funcs and lines are sorted by address.
	funcs []*Func
	lines []lineEntry
}

type ErrAmbiguous struct {
	Location   string
	Candidates []string
}

func (a *ErrAmbiguous) Error() string {
	return fmt.Sprintf("Location %q ambiguous: %s", a.Location, strings.Join(a.Candidates, ", "))
}

// Location describes the code at a PC. Func is nil when no function
// covers it; File is empty when no line does.
type Location struct {
	PC   uint64
	Func *Func
	File string
	Line int
}

func (l Location) String() string {
	var b strings.Builder
	if l.Func == nil {
		fmt.Fprintf(&b, "0x%x", l.PC)
	} else {
		fmt.Fprintf(&b, "%s+%d", l.Func.name, l.PC-l.Func.entry)
	}
	if l.File != "" {
		fmt.Fprintf(&b, " at %s:%d", l.File, l.Line)
	}
	return b.String()
}

// LoadImage loads the debug information from the given DWARF data.
func (s *SymTable) LoadImage(d *dwarf.Data) error {
	r := d.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			return err
		}
		if e == nil {
			break
		}
		if e.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}

		cu := &compileUnit{}
		cu.name, _ = e.Val(dwarf.AttrName).(string)
		if err := cu.loadLines(d, e); err != nil {
			return fmt.Errorf("line table of %s: %w", cu.name, err)
		}
		if e.Children {
			if err := cu.loadFuncs(d, r); err != nil {
				return fmt.Errorf("functions of %s: %w", cu.name, err)
			}
		}
		s.cus = append(s.cus, cu)
	}

	s.fileIdx = make(map[string][]*fileInfo)
	for _, cu := range s.cus {
		cu.indexFiles(s.fileIdx)
		s.funcs = append(s.funcs, cu.funcs...)
		s.lines = append(s.lines, cu.lines...)
	}
	sort.Slice(s.funcs, func(i, j int) bool { return s.funcs[i].entry < s.funcs[j].entry })
	// An end of sequence sorts before a row starting at the same address.
	sort.SliceStable(s.lines, func(i, j int) bool {
		a, b := s.lines[i], s.lines[j]
		if a.pc != b.pc {
			return a.pc < b.pc
		}
		return a.file == nil && b.file != nil
	})
	return nil
}

// PCToFunc returns the function whose range covers pc, or nil.
func (s *SymTable) PCToFunc(pc uint64) *Func {
	i := sort.Search(len(s.funcs), func(i int) bool { return s.funcs[i].entry > pc })
	if i == 0 {
		return nil
	}
	if f := s.funcs[i-1]; f.Contains(pc) {
		return f
	}
	return nil
}

// PCToLine returns the source position of pc.
func (s *SymTable) PCToLine(pc uint64) (string, int, bool) {
	i := sort.Search(len(s.lines), func(i int) bool { return s.lines[i].pc > pc })
	if i == 0 {
		return "", 0, false
	}
	e := s.lines[i-1]
	if e.file == nil {
		return "", 0, false
	}
	return e.file.name, e.line, true
}

func (s *SymTable) Lookup(pc uint64) Location {
	loc := Location{PC: pc, Func: s.PCToFunc(pc)}
	loc.File, loc.Line, _ = s.PCToLine(pc)
	return loc
}

// Symbolize renders pc as function+offset, or "" when no function covers it.
func (s *SymTable) Symbolize(pc uint64) string {
	f := s.PCToFunc(pc)
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%s+%d", f.name, pc-f.entry)
}

// LineToPC returns the lowest statement address of file:line. file may be
// any trailing part of the compiled path.
func (s *SymTable) LineToPC(file string, line int) (uint64, string, error) {
	files, ok := s.fileIdx[filepath.Join(string(filepath.Separator), file)]
	if !ok {
		return 0, "", fmt.Errorf("file %s not found", file)
	}

	if len(files) > 1 {
		var candidates []string
		for _, f := range files {
			candidates = append(candidates, f.name)
		}
		return 0, "", &ErrAmbiguous{
			Location:   file,
			Candidates: candidates,
		}
	}

	if pc, ok := files[0].lines[line]; ok {
		return pc, files[0].name, nil
	}
	return 0, "", fmt.Errorf("location %s:%d not found", file, line)
}
